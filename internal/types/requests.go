package types

import (
	"github.com/go-playground/validator/v10"
)

// MaxChatHistory caps the prior turns forwarded to the chat model.
const MaxChatHistory = 20

// RunRequest is the body of a start-run request.
type RunRequest struct {
	Domain       string   `json:"domain" validate:"required,min=3,max=253"`
	SelectedURLs []string `json:"selectedUrls,omitempty" validate:"omitempty,max=25,dive,url"`
	MaxPages     int      `json:"maxPages,omitempty" validate:"omitempty,min=1,max=25"`
}

// Validate validates the RunRequest using the validator.
func (r *RunRequest) Validate() error {
	validate := validator.New()
	return validate.Struct(r)
}

// ChatTurn is one prior message in a chat conversation.
type ChatTurn struct {
	Role    string `json:"role" validate:"required,oneof=user assistant"`
	Content string `json:"content" validate:"required"`
}

// ChatRequest is the body of a chat request against a snapshot.
type ChatRequest struct {
	Message string     `json:"message" validate:"required,max=4000"`
	History []ChatTurn `json:"history,omitempty" validate:"omitempty,dive"`
}

// Validate validates the ChatRequest using the validator.
func (r *ChatRequest) Validate() error {
	validate := validator.New()
	return validate.Struct(r)
}

// RecentHistory returns at most MaxChatHistory of the latest turns.
func (r *ChatRequest) RecentHistory() []ChatTurn {
	if len(r.History) <= MaxChatHistory {
		return r.History
	}
	return r.History[len(r.History)-MaxChatHistory:]
}

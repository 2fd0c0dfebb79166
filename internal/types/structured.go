package types

import (
	"github.com/go-playground/validator/v10"
)

// SourceRef points at the page a structured field was drawn from.
type SourceRef struct {
	Page string `json:"page" validate:"required"`
	URL  string `json:"url" validate:"required"`
}

// StructuredProfile is the output contract of the structured-profile agent.
// Pointer and nil-slice fields mean the agent did not return a value.
type StructuredProfile struct {
	CompanyName       string        `json:"companyName" validate:"required"`
	Tagline           *string       `json:"tagline"`
	ValueProps        []string      `json:"valueProps" validate:"max=10"`
	KeyOfferings      []KeyOffering `json:"keyOfferings" validate:"dive"`
	PrimaryIndustries []string      `json:"primaryIndustries" validate:"max=6"`
	Sources           []SourceRef   `json:"sources" validate:"dive"`
}

// Validate validates the StructuredProfile using the validator.
func (s *StructuredProfile) Validate() error {
	validate := validator.New()
	return validate.Struct(s)
}

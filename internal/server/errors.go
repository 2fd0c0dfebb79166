package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/jonathan/company-intel/internal/chat"
	"github.com/jonathan/company-intel/internal/coordinator"
	"github.com/jonathan/company-intel/internal/db"
	"github.com/jonathan/company-intel/internal/pipeline"
)

// ErrValidation indicates request validation failure
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Message)
	}
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// ErrNotFound indicates the addressed resource does not exist
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	var (
		validationErr *ErrValidation
		notFoundErr   *ErrNotFound
		inputErr      *pipeline.InputError
		fieldErrs     validator.ValidationErrors
	)
	switch {
	case errors.As(err, &validationErr), errors.As(err, &inputErr), errors.As(err, &fieldErrs):
		return http.StatusBadRequest
	case errors.As(err, &notFoundErr),
		errors.Is(err, coordinator.ErrRunNotFound),
		errors.Is(err, chat.ErrSnapshotNotFound),
		errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrKnowledgeBaseNotReady):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// validationError turns a validator failure into an ErrValidation naming the first field.
func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &ErrValidation{Field: fe.Field(), Message: fmt.Sprintf("failed %q check", fe.Tag())}
	}
	return &ErrValidation{Message: err.Error()}
}

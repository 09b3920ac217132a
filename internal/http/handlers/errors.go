package handlers

import (
	"errors"

	"github.com/danielgtaylor/huma/v2"

	"github.com/leftsky/left-tools-service-sub000/internal/models"
)

// apiError maps service errors onto problem responses: validation and limit
// errors are the client's fault, unknown tasks are 404 and illegal state
// changes are 409. Anything else is reported as a 500 with msg.
func apiError(err error, msg string) error {
	var validationErr *models.ValidationError
	var limitErr *models.ResourceLimitError

	switch {
	case errors.As(err, &validationErr):
		return huma.Error400BadRequest(validationErr.Error(), &huma.ErrorDetail{
			Message:  validationErr.Message,
			Location: validationErr.Field,
		})
	case errors.As(err, &limitErr):
		return huma.Error400BadRequest(limitErr.Error())
	case errors.Is(err, models.ErrTaskNotFound):
		return huma.Error404NotFound("task not found")
	case errors.Is(err, models.ErrInvalidTransition):
		return huma.Error409Conflict(err.Error())
	default:
		return huma.Error500InternalServerError(msg, err)
	}
}

func parseTaskID(s string) (models.ULID, error) {
	id, err := models.ParseULID(s)
	if err != nil {
		return id, huma.Error400BadRequest("invalid task ID format", err)
	}
	return id, nil
}

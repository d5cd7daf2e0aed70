package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/genforge/api/internal/model"
	"github.com/genforge/api/internal/service"
	"github.com/genforge/api/pkg/response"
)

// writeError maps a service error onto the response envelope. job, when
// set, is returned as details so the client can inspect or retry it.
func writeError(c *fiber.Ctx, err error, job *model.Job) error {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		var details interface{}
		if len(verr.Fields) > 0 {
			details = verr.Fields
		}
		return response.ValidationError(c, verr.Error(), details)
	case errors.Is(err, service.ErrValidation), errors.Is(err, service.ErrMalformedCallback):
		return response.ValidationError(c, err.Error(), nil)
	case errors.Is(err, service.ErrInsufficientBalance):
		return response.InsufficientBalance(c, err.Error())
	case errors.Is(err, service.ErrNotFound):
		return response.NotFound(c, "Job not found")
	case errors.Is(err, service.ErrAlreadyTerminal):
		return response.Conflict(c, err.Error())
	case errors.Is(err, service.ErrUnauthorizedCallback):
		return response.Unauthorized(c, "Invalid callback token")
	case errors.Is(err, service.ErrProviderSubmission):
		var details interface{}
		if job != nil {
			details = model.SubmitResponse{JobID: job.CorrelationID, Status: job.Status}
		}
		return response.ProviderError(c, err.Error(), details)
	}

	zerolog.Ctx(c.UserContext()).Error().Err(err).Str("path", c.Path()).Msg("unhandled service error")
	return response.ServiceError(c, "Internal server error")
}

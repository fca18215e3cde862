package response

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"

	apperrors "github.com/Rohianon/equishare-portfolio-ledger/pkg/errors"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/logger"
)

// ErrorHandler renders every error returned by a handler into the envelope.
// Unknown errors become INTERNAL_ERROR and are logged; their text is never
// sent to the client.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		if appErr.HTTPStatus >= fiber.StatusInternalServerError {
			logger.WithContext(c.UserContext()).Error().Err(err).
				Str("path", c.Path()).
				Str("code", appErr.Code).
				Msg("request failed")
		}

		return c.Status(appErr.HTTPStatus).JSON(Response{
			Error: &ErrorBody{
				Code:      appErr.Code,
				Message:   appErr.Message,
				Details:   detailStrings(appErr.Details),
				Retryable: appErr.Retryable,
			},
			Meta: buildMeta(c),
		})
	}

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return c.Status(fiberErr.Code).JSON(Response{
			Error: &ErrorBody{
				Code:    httpStatusToErrorCode(fiberErr.Code),
				Message: fiberErr.Message,
			},
			Meta: buildMeta(c),
		})
	}

	logger.WithContext(c.UserContext()).Error().Err(err).Str("path", c.Path()).Msg("unhandled error")
	return c.Status(fiber.StatusInternalServerError).JSON(Response{
		Error: &ErrorBody{
			Code:    "INTERNAL_ERROR",
			Message: "An unexpected error occurred",
		},
		Meta: buildMeta(c),
	})
}

func detailStrings(details any) []string {
	switch d := details.(type) {
	case nil:
		return nil
	case string:
		return []string{d}
	case []string:
		return d
	case map[string]string:
		out := make([]string, 0, len(d))
		for k, v := range d {
			out = append(out, k+": "+v)
		}
		return out
	default:
		return []string{fmt.Sprint(d)}
	}
}

func httpStatusToErrorCode(status int) string {
	switch status {
	case fiber.StatusBadRequest:
		return "BAD_REQUEST"
	case fiber.StatusUnauthorized:
		return "UNAUTHORIZED"
	case fiber.StatusForbidden:
		return "FORBIDDEN"
	case fiber.StatusNotFound:
		return "NOT_FOUND"
	case fiber.StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	case fiber.StatusConflict:
		return "CONFLICT"
	case fiber.StatusUnprocessableEntity:
		return "UNPROCESSABLE_ENTITY"
	case fiber.StatusTooManyRequests:
		return "RATE_LIMITED"
	case fiber.StatusInternalServerError:
		return "INTERNAL_ERROR"
	case fiber.StatusServiceUnavailable:
		return "SERVICE_UNAVAILABLE"
	default:
		return "UNKNOWN_ERROR"
	}
}

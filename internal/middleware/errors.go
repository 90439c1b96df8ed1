package middleware

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/knowyourmechanic/kym-api/internal/apperr"
)

type errorBody struct {
	Success bool        `json:"success"`
	Error   apperr.Kind `json:"error"`
	Message string      `json:"message"`
}

// ErrorHandler renders every error as {"success":false,"error":kind,"message":text}.
// Internal failures are logged with their cause and answered generically.
func ErrorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			kind := apperr.KindForStatus(fe.Code)
			msg := fe.Message
			if kind == apperr.KindInternal {
				logger.Error("request failed", slog.String("request_id", RequestIDFrom(c)), slog.Any("error", err))
				msg = apperr.PublicMessage(err)
			}
			return c.Status(fe.Code).JSON(errorBody{Error: kind, Message: msg})
		}

		kind := apperr.KindOf(err)
		if kind == apperr.KindInternal {
			logger.Error("request failed",
				slog.String("request_id", RequestIDFrom(c)),
				slog.String("method", c.Method()),
				slog.String("path", c.Path()),
				slog.Any("error", err),
			)
		}
		return c.Status(apperr.HTTPStatus(kind)).JSON(errorBody{Error: kind, Message: apperr.PublicMessage(err)})
	}
}

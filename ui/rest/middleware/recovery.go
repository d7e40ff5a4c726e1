package middleware

import (
	"errors"
	"fmt"

	pkgError "github.com/charla-io/charla/pkg/error"
	"github.com/charla-io/charla/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

func Recovery() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		defer func() {
			err := recover()
			if err != nil {
				var res utils.ResponseData
				res.Status = 500
				res.Code = "INTERNAL_SERVER_ERROR"
				res.Message = fmt.Sprintf("%v", err)
				if id, ok := ctx.Locals("request_id").(string); ok {
					res.RequestID = id
				}

				// Log the panic using logrus
				logrus.Errorf("Panic recovered in middleware: %v", err)

				errValidation, isValidationError := err.(pkgError.GenericError)
				if isValidationError {
					res.Status = errValidation.StatusCode()
					res.Code = errValidation.ErrCode()
					res.Message = errValidation.Error()
				} else if wrapped, ok := err.(error); ok {
					var generic pkgError.GenericError
					if errors.As(wrapped, &generic) {
						res.Status = generic.StatusCode()
						res.Code = generic.ErrCode()
						res.Message = generic.Error()
					}
				}

				_ = ctx.Status(res.Status).JSON(res)
			}
		}()

		return ctx.Next()
	}
}

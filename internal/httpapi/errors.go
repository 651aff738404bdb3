package httpapi

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/card_issuer/internal/ledger"
)

// ErrorBody is the JSON shape of every non-2xx response.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Status maps an error from the ledger taxonomy to an HTTP status. Business
// rejections use 403, the status card networks already expect for a decline.
func Status(err error) int {
	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ledger.ErrInvalidAmount):
		return fiber.StatusBadRequest
	case errors.Is(err, ledger.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, ledger.ErrAlreadyExists):
		return fiber.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrNoMatchingAuthorization),
		errors.Is(err, ledger.ErrDuplicateTransaction),
		errors.Is(err, ledger.ErrCurrencyMismatch):
		return fiber.StatusForbidden
	case errors.Is(err, ledger.ErrTransient),
		errors.Is(err, ledger.ErrConflict),
		errors.Is(err, ledger.ErrStoreUnavailable):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// Code is the machine-readable error identifier placed in ErrorBody.
func Code(err error) string {
	return ledger.Code(err)
}

// WriteError renders err as JSON. It writes the response itself instead of
// returning a fiber error so middlewares observe the final status.
func WriteError(c *fiber.Ctx, err error) error {
	status := Status(err)
	msg := err.Error()
	if status == fiber.StatusInternalServerError {
		msg = "internal error"
	}
	if status == fiber.StatusServiceUnavailable {
		c.Set(fiber.HeaderRetryAfter, "1")
	}
	return c.Status(status).JSON(ErrorBody{Error: Code(err), Message: msg})
}

// ErrorHandler is installed on the Fiber app for errors that escape handlers,
// such as routing misses and middleware rejections.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(ErrorBody{Error: codeForStatus(fe.Code), Message: fe.Message})
	}
	return WriteError(c, err)
}

func codeForStatus(status int) string {
	switch status {
	case fiber.StatusNotFound:
		return "not_found"
	case fiber.StatusBadRequest:
		return "invalid_input"
	case fiber.StatusConflict:
		return "conflict"
	case fiber.StatusUnprocessableEntity:
		return "idempotency_key_reused"
	case fiber.StatusServiceUnavailable:
		return "unavailable"
	case fiber.StatusMethodNotAllowed:
		return "method_not_allowed"
	default:
		return "internal"
	}
}

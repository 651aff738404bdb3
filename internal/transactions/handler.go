package transactions

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/card_issuer/internal/httpapi"
)

// Handler exposes the card network webhook.
type Handler struct {
	service *Service
}

// NewHandler constructs a transaction handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Apply accepts an authorization or presentment and answers with an ack, or a
// 403 rejection the network understands as a decline.
func (h *Handler) Apply(c *fiber.Ctx) error {
	var req TransactionRequest
	if err := c.BodyParser(&req); err != nil {
		return httpapi.WriteError(c, httpapi.Invalid("malformed body: %v", err))
	}
	in, err := req.toInput()
	if err != nil {
		return httpapi.WriteError(c, err)
	}

	res, err := h.service.Apply(c.UserContext(), in)
	if err != nil {
		return httpapi.WriteError(c, err)
	}
	return c.JSON(toResponse(res))
}

package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/card_issuer/internal/transfers"
)

// RegisterTransferRoutes wires the revenue/debt sweep endpoints.
func RegisterTransferRoutes(r fiber.Router, h *transfers.Handler) {
	transfersGroup := r.Group("/transfers")
	transfersGroup.Get("/", h.Unfulfilled)
	transfersGroup.Post("/sweep", h.Sweep)
}

package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/card_issuer/internal/transactions"
)

// RegisterTransactionRoutes wires the card network message endpoint.
func RegisterTransactionRoutes(r fiber.Router, h *transactions.Handler) {
	r.Post("/transactions", h.Apply)
}

package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/card_issuer/internal/accounts"
	"github.com/congo-pay/card_issuer/internal/balance"
)

// RegisterAccountReadRoutes wires account, balance and transaction listing reads.
func RegisterAccountReadRoutes(r fiber.Router, h *accounts.Handler, b *balance.Handler) {
	r.Get("/accounts/:cardId", h.Get)
	r.Get("/accounts/:cardId/balance", b.Get)
	r.Get("/accounts/:cardId/transactions", h.Transactions)
}

// RegisterAccountAdminRoutes wires account provisioning and fund loading.
func RegisterAccountAdminRoutes(r fiber.Router, h *accounts.Handler) {
	r.Post("/accounts", h.Create)
	r.Post("/accounts/:cardId/funds", h.LoadFunds)
}

package transfers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/card_issuer/internal/httpapi"
	"github.com/congo-pay/card_issuer/internal/ledger"
	"github.com/congo-pay/card_issuer/internal/money"
)

// Handler exposes the administrative transfer endpoints.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type totalsResponse struct {
	Debt    string `json:"debt"`
	Revenue string `json:"revenue"`
	Count   int    `json:"count"`
}

type transferResponse struct {
	ID        string `json:"id"`
	Credit    string `json:"credit"`
	Debit     string `json:"debit"`
	Currency  string `json:"currency"`
	Fulfilled bool   `json:"fulfilled"`
	CreatedAt string `json:"created_at"`
}

func toTotals(t Totals) totalsResponse {
	return totalsResponse{Debt: money.Format(t.Debt), Revenue: money.Format(t.Revenue), Count: t.Count}
}

func toTransfer(tr ledger.Transfer) transferResponse {
	return transferResponse{
		ID:        tr.ID,
		Credit:    money.Format(tr.Credit),
		Debit:     money.Format(tr.Debit),
		Currency:  tr.Currency,
		Fulfilled: tr.Fulfilled,
		CreatedAt: tr.CreatedAt.Format(time.RFC3339Nano),
	}
}

// Sweep runs one revenue/debt sweep.
func (h *Handler) Sweep(c *fiber.Ctx) error {
	sum, err := h.service.Sweep(c.UserContext())
	if err != nil {
		return httpapi.WriteError(c, err)
	}
	byCurrency := make(map[string]totalsResponse, len(sum.ByCurrency))
	for cur, t := range sum.ByCurrency {
		byCurrency[cur] = toTotals(t)
	}
	return c.JSON(fiber.Map{
		"debt":        money.Format(sum.Debt),
		"revenue":     money.Format(sum.Revenue),
		"count":       sum.Count,
		"by_currency": byCurrency,
	})
}

// Unfulfilled lists pending transfers.
func (h *Handler) Unfulfilled(c *fiber.Ctx) error {
	pending, err := h.service.Unfulfilled(c.UserContext())
	if err != nil {
		return httpapi.WriteError(c, err)
	}
	out := make([]transferResponse, 0, len(pending))
	for _, tr := range pending {
		out = append(out, toTransfer(tr))
	}
	return c.JSON(fiber.Map{"transfers": out})
}

package balance

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/card_issuer/internal/httpapi"
	"github.com/congo-pay/card_issuer/internal/money"
)

// Handler exposes the balance query over HTTP.
type Handler struct {
	service *Service
}

// NewHandler builds a balance HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type balanceQuery struct {
	Time string `query:"time"`
}

type balanceResponse struct {
	CardID        string `json:"card_id"`
	Balance       string `json:"balance"`
	LedgerBalance string `json:"ledger_balance"`
	At            string `json:"at,omitempty"`
}

// Get returns the live balance, or the balance as of ?time= (RFC 3339).
func (h *Handler) Get(c *fiber.Ctx) error {
	var q balanceQuery
	if err := c.QueryParser(&q); err != nil {
		return httpapi.WriteError(c, httpapi.Invalid("malformed query: %v", err))
	}
	var at time.Time
	if q.Time != "" {
		parsed, err := time.Parse(time.RFC3339Nano, q.Time)
		if err != nil {
			return httpapi.WriteError(c, httpapi.Invalid("time must be RFC 3339: %q", q.Time))
		}
		at = parsed.UTC()
	}

	cardID := c.Params("cardId")
	snap, err := h.service.At(c.UserContext(), cardID, at)
	if err != nil {
		return httpapi.WriteError(c, err)
	}
	resp := balanceResponse{
		CardID:        cardID,
		Balance:       money.Format(snap.Balance),
		LedgerBalance: money.Format(snap.LedgerBalance),
	}
	if !at.IsZero() {
		resp.At = at.Format(time.RFC3339Nano)
	}
	return c.JSON(resp)
}

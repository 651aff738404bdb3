package accounts

import (
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/card_issuer/internal/httpapi"
	"github.com/congo-pay/card_issuer/internal/ledger"
	"github.com/congo-pay/card_issuer/internal/money"
)

// Handler exposes account endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds an accounts HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type createRequest struct {
	CardID   string `json:"card_id" form:"card_id" validate:"required,max=64"`
	Currency string `json:"currency" form:"currency" validate:"omitempty,iso4217"`
	Balance  string `json:"balance" form:"balance" validate:"omitempty,amount"`
}

type loadRequest struct {
	Amount   string `json:"amount" form:"amount" validate:"required,amount"`
	Currency string `json:"currency" form:"currency" validate:"required,iso4217"`
}

type windowQuery struct {
	Start string `query:"start"`
	End   string `query:"end"`
}

type accountResponse struct {
	CardID        string `json:"card_id"`
	Balance       string `json:"balance"`
	OnHold        string `json:"on_hold"`
	LedgerBalance string `json:"ledger_balance"`
	Currency      string `json:"currency"`
}

type merchantResponse struct {
	Name    string `json:"name,omitempty"`
	Country string `json:"country,omitempty"`
	MCC     string `json:"mcc,omitempty"`
}

type transactionResponse struct {
	ID                  string           `json:"id"`
	TransactionID       string           `json:"transaction_id"`
	Type                string           `json:"type"`
	BillingAmount       string           `json:"billing_amount"`
	BillingCurrency     string           `json:"billing_currency"`
	TransactionAmount   string           `json:"transaction_amount"`
	TransactionCurrency string           `json:"transaction_currency"`
	SettlementAmount    string           `json:"settlement_amount"`
	SettlementCurrency  string           `json:"settlement_currency"`
	Merchant            merchantResponse `json:"merchant"`
	CreatedAt           string           `json:"created_at"`
}

func toAccountResponse(acc ledger.Account) accountResponse {
	return accountResponse{
		CardID:        acc.CardID,
		Balance:       money.Format(acc.Balance),
		OnHold:        money.Format(acc.OnHold),
		LedgerBalance: money.Format(acc.Available()),
		Currency:      acc.Currency,
	}
}

func toTransactionResponse(tx ledger.Transaction) transactionResponse {
	return transactionResponse{
		ID:                  tx.ID,
		TransactionID:       tx.TransactionID,
		Type:                string(tx.Kind),
		BillingAmount:       money.Format(tx.BillingAmount),
		BillingCurrency:     tx.BillingCurrency,
		TransactionAmount:   money.Format(tx.TransactionAmount),
		TransactionCurrency: tx.TransactionCurrency,
		SettlementAmount:    money.Format(tx.SettlementAmount),
		SettlementCurrency:  tx.SettlementCurrency,
		Merchant:            merchantResponse(tx.Merchant),
		CreatedAt:           tx.CreatedAt.Format(time.RFC3339Nano),
	}
}

// Get returns the live account.
func (h *Handler) Get(c *fiber.Ctx) error {
	acc, err := h.service.Get(c.UserContext(), c.Params("cardId"))
	if err != nil {
		return httpapi.WriteError(c, err)
	}
	return c.JSON(toAccountResponse(acc))
}

// Create provisions a new account.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return httpapi.WriteError(c, httpapi.Invalid("malformed body: %v", err))
	}
	req.Currency = strings.ToUpper(req.Currency)
	if err := httpapi.Validate(req); err != nil {
		return httpapi.WriteError(c, err)
	}
	opening := money.MustParse("0")
	if req.Balance != "" {
		var err error
		if opening, err = money.Parse(req.Balance); err != nil {
			return httpapi.WriteError(c, err)
		}
	}
	acc, err := h.service.Create(c.UserContext(), req.CardID, req.Currency, opening)
	if err != nil {
		return httpapi.WriteError(c, err)
	}
	return c.Status(http.StatusCreated).JSON(toAccountResponse(acc))
}

// LoadFunds tops up the account named in the path.
func (h *Handler) LoadFunds(c *fiber.Ctx) error {
	var req loadRequest
	if err := c.BodyParser(&req); err != nil {
		return httpapi.WriteError(c, httpapi.Invalid("malformed body: %v", err))
	}
	req.Currency = strings.ToUpper(req.Currency)
	if err := httpapi.Validate(req); err != nil {
		return httpapi.WriteError(c, err)
	}
	amount, err := money.Parse(req.Amount)
	if err != nil {
		return httpapi.WriteError(c, err)
	}
	acc, err := h.service.LoadFunds(c.UserContext(), c.Params("cardId"), amount, req.Currency)
	if err != nil {
		return httpapi.WriteError(c, err)
	}
	return c.JSON(toAccountResponse(acc))
}

// Transactions lists presentments between ?start= and ?end=, both inclusive.
func (h *Handler) Transactions(c *fiber.Ctx) error {
	var q windowQuery
	if err := c.QueryParser(&q); err != nil {
		return httpapi.WriteError(c, httpapi.Invalid("malformed query: %v", err))
	}
	var w Window
	var err error
	if w.Start, err = parseTime("start", q.Start); err != nil {
		return httpapi.WriteError(c, err)
	}
	if w.End, err = parseTime("end", q.End); err != nil {
		return httpapi.WriteError(c, err)
	}

	seq, err := h.service.Transactions(c.UserContext(), c.Params("cardId"), w)
	if err != nil {
		return httpapi.WriteError(c, err)
	}
	out := []transactionResponse{}
	for tx, err := range seq {
		if err != nil {
			return httpapi.WriteError(c, err)
		}
		out = append(out, toTransactionResponse(tx))
	}
	return c.JSON(fiber.Map{"transactions": out})
}

func parseTime(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, httpapi.Invalid("%s must be RFC 3339: %q", name, value)
	}
	return t.UTC(), nil
}

package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/card_issuer/internal/ledger"
)

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", ledger.ErrInsufficientFunds), fiber.StatusForbidden},
		{ledger.ErrNoMatchingAuthorization, fiber.StatusForbidden},
		{ledger.ErrDuplicateTransaction, fiber.StatusForbidden},
		{ledger.ErrCurrencyMismatch, fiber.StatusForbidden},
		{ledger.ErrInvalidAmount, fiber.StatusBadRequest},
		{Invalid("card_id is required"), fiber.StatusBadRequest},
		{ledger.ErrNotFound, fiber.StatusNotFound},
		{ledger.ErrAlreadyExists, fiber.StatusConflict},
		{fmt.Errorf("%w: gave up: %w", ledger.ErrTransient, ledger.ErrConflict), fiber.StatusServiceUnavailable},
		{ledger.ErrStoreUnavailable, fiber.StatusServiceUnavailable},
		{fmt.Errorf("boom"), fiber.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Status(tc.err), tc.err.Error())
	}
}

func TestWriteErrorHidesInternalDetails(t *testing.T) {
	app := fiber.New(fiber.Config{Immutable: true})
	app.Get("/", func(c *fiber.Ctx) error {
		return WriteError(c, fmt.Errorf("pq: secret table missing"))
	})

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	var body ErrorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "internal", body.Error)
	assert.Equal(t, "internal error", body.Message)
}

type sample struct {
	CardID   string `json:"card_id" validate:"required,max=64"`
	Amount   string `json:"billing_amount" validate:"required,amount"`
	Currency string `json:"billing_currency" validate:"required,iso4217"`
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(sample{CardID: "1234LOBO", Amount: "9.00", Currency: "EUR"}))

	err := Validate(sample{CardID: "", Amount: "9.001", Currency: "XXY"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Contains(t, err.Error(), "card_id failed required")
	assert.Contains(t, err.Error(), "billing_amount failed amount")
}

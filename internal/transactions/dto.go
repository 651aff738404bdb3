package transactions

import (
	"strings"

	"github.com/congo-pay/card_issuer/internal/httpapi"
	"github.com/congo-pay/card_issuer/internal/ledger"
	"github.com/congo-pay/card_issuer/internal/money"
)

// TransactionRequest is the wire form of a card network message. It is
// accepted as JSON or as a form body.
type TransactionRequest struct {
	Type                string `json:"type" form:"type" validate:"required,oneof=authorisation authorization presentment"`
	CardID              string `json:"card_id" form:"card_id" validate:"required,max=64"`
	TransactionID       string `json:"transaction_id" form:"transaction_id" validate:"required,max=64"`
	MerchantName        string `json:"merchant_name" form:"merchant_name" validate:"max=255"`
	MerchantCountry     string `json:"merchant_country" form:"merchant_country" validate:"omitempty,max=3"`
	MerchantMCC         string `json:"merchant_mcc" form:"merchant_mcc" validate:"omitempty,max=4"`
	BillingAmount       string `json:"billing_amount" form:"billing_amount" validate:"required,amount"`
	BillingCurrency     string `json:"billing_currency" form:"billing_currency" validate:"required,iso4217"`
	TransactionAmount   string `json:"transaction_amount" form:"transaction_amount" validate:"required,amount"`
	TransactionCurrency string `json:"transaction_currency" form:"transaction_currency" validate:"required,iso4217"`
	SettlementAmount    string `json:"settlement_amount" form:"settlement_amount" validate:"required_if=Type presentment,omitempty,amount"`
	SettlementCurrency  string `json:"settlement_currency" form:"settlement_currency" validate:"required_if=Type presentment,omitempty,iso4217"`
}

// toInput validates the request and converts it to an engine command.
func (r TransactionRequest) toInput() (Input, error) {
	r.Type = strings.ToLower(strings.TrimSpace(r.Type))
	r.BillingCurrency = strings.ToUpper(r.BillingCurrency)
	r.TransactionCurrency = strings.ToUpper(r.TransactionCurrency)
	r.SettlementCurrency = strings.ToUpper(r.SettlementCurrency)
	if err := httpapi.Validate(r); err != nil {
		return Input{}, err
	}

	kind, err := ledger.ParseKind(r.Type)
	if err != nil {
		return Input{}, httpapi.Invalid("%v", err)
	}
	in := Input{Kind: kind}
	in.TransactionID = r.TransactionID
	in.CardID = r.CardID
	in.BillingCurrency = r.BillingCurrency
	in.TransactionCurrency = r.TransactionCurrency
	in.SettlementCurrency = r.SettlementCurrency
	in.Merchant = ledger.Merchant{Name: r.MerchantName, Country: r.MerchantCountry, MCC: r.MerchantMCC}

	if in.BillingAmount, err = money.Parse(r.BillingAmount); err != nil {
		return Input{}, err
	}
	if in.TransactionAmount, err = money.Parse(r.TransactionAmount); err != nil {
		return Input{}, err
	}
	if r.SettlementAmount != "" {
		if in.SettlementAmount, err = money.Parse(r.SettlementAmount); err != nil {
			return Input{}, err
		}
	}
	return in, nil
}

// TransactionResponse describes the committed record. Card networks only need
// the status; the rest helps operators.
type TransactionResponse struct {
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id"`
	Type          string `json:"type"`
	Balance       string `json:"balance"`
	OnHold        string `json:"on_hold"`
}

func toResponse(res ledger.Result) TransactionResponse {
	return TransactionResponse{
		Status:        "ok",
		TransactionID: res.Transaction.TransactionID,
		Type:          string(res.Transaction.Kind),
		Balance:       money.Format(res.Account.Balance),
		OnHold:        money.Format(res.Account.OnHold),
	}
}

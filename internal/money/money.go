package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// Scale is the number of fractional digits kept for every monetary amount.
	Scale = 2
	// Precision is the total number of significant digits a stored amount may carry.
	Precision = 11
)

// ErrInvalidAmount reports an amount that cannot be represented at Scale,
// exceeds Precision, or is negative where that is not allowed.
var ErrInvalidAmount = errors.New("invalid amount")

var limit = decimal.New(1, Precision-Scale)

// Parse reads a non-negative decimal string with at most Scale fractional digits.
func Parse(s string) (decimal.Decimal, error) {
	d, err := ParseSigned(s)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s is negative", ErrInvalidAmount, s)
	}
	return d, nil
}

// ParseSigned reads a decimal string that may be negative.
func ParseSigned(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: empty value", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q is not a decimal", ErrInvalidAmount, s)
	}
	return normalize(d)
}

// MustParse is Parse for constants and fixtures. It panics on bad input.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Validate checks that an already-decoded amount is non-negative and fits the
// configured scale and precision.
func Validate(d decimal.Decimal) error {
	if d.IsNegative() {
		return fmt.Errorf("%w: %s is negative", ErrInvalidAmount, d.String())
	}
	_, err := normalize(d)
	return err
}

// ValidateSigned checks that d fits the configured scale and precision. It
// accepts negative values, which a ledger balance may hold after settlement.
func ValidateSigned(d decimal.Decimal) error {
	_, err := normalize(d)
	return err
}

// Format renders d with exactly Scale fractional digits.
func Format(d decimal.Decimal) string {
	return d.StringFixed(Scale)
}

func normalize(d decimal.Decimal) (decimal.Decimal, error) {
	if !d.Equal(d.Truncate(Scale)) {
		return decimal.Zero, fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidAmount, d.String(), Scale)
	}
	if d.Abs().GreaterThanOrEqual(limit) {
		return decimal.Zero, fmt.Errorf("%w: %s exceeds %d digits", ErrInvalidAmount, d.String(), Precision)
	}
	return d.Round(Scale), nil
}

// ValidCurrency reports whether code looks like an ISO 4217 alphabetic code.
func ValidCurrency(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

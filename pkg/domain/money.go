package domain

import (
	"fmt"

	"github.com/shopspring/decimal"

	dErrors "pledger/pkg/domain-errors"
)

// Money is a decimal amount with a currency code. Arithmetic across
// currencies is a programming error and panics like a mismatched index would.
type Money struct {
	Amount   decimal.Decimal
	Currency string
}

// NewMoney builds a Money value. Currency codes are 1-12 uppercase
// characters (covers ISO codes and ledger-native asset codes).
func NewMoney(amount decimal.Decimal, currency string) (Money, error) {
	if currency == "" || len(currency) > 12 {
		return Money{}, dErrors.New(dErrors.CodeInvalidRequest, "invalid currency code: "+currency)
	}
	return Money{Amount: amount, Currency: currency}, nil
}

// ParseMoney parses a decimal string into a Money value.
func ParseMoney(amount, currency string) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, dErrors.Wrap(err, dErrors.CodeInvalidRequest, "invalid amount: "+amount)
	}
	return NewMoney(d, currency)
}

// MustMoney is a test/fixture helper; panics on bad input.
func MustMoney(amount, currency string) Money {
	m, err := ParseMoney(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Money) IsZero() bool     { return m.Amount.IsZero() }
func (m Money) IsPositive() bool { return m.Amount.IsPositive() }

func (m Money) Add(other Money) Money {
	m.assertSameCurrency(other)
	return Money{Amount: m.Amount.Add(other.Amount), Currency: m.Currency}
}

func (m Money) Sub(other Money) Money {
	m.assertSameCurrency(other)
	return Money{Amount: m.Amount.Sub(other.Amount), Currency: m.Currency}
}

// Cmp returns -1, 0 or 1 comparing amounts.
func (m Money) Cmp(other Money) int {
	m.assertSameCurrency(other)
	return m.Amount.Cmp(other.Amount)
}

func (m Money) GTE(other Money) bool { return m.Cmp(other) >= 0 }

func (m Money) String() string {
	return m.Amount.String() + " " + m.Currency
}

func (m Money) assertSameCurrency(other Money) {
	if m.Currency != other.Currency {
		panic(fmt.Sprintf("currency mismatch: %s vs %s", m.Currency, other.Currency))
	}
}

package feed

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tick is one normalized price observation.
//
// Price keeps the scale the upstream sent ("64000.01000000" stays eight
// places); nothing in the relay rounds it.
type Tick struct {
	Source   string
	Symbol   string
	Price    decimal.Decimal
	Quantity decimal.Decimal
	TradeID  string

	// ObservedAt is the trade time carried by the frame, or ReceivedAt when
	// the frame has none.
	ObservedAt time.Time
	ReceivedAt time.Time
}

// PriceString formats Price without dropping upstream trailing zeros.
func (t Tick) PriceString() string {
	return FormatDecimal(t.Price)
}

// FormatDecimal renders d at its own scale.
func FormatDecimal(d decimal.Decimal) string {
	if exp := d.Exponent(); exp < 0 {
		return d.StringFixed(-exp)
	}
	return d.String()
}

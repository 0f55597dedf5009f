package database

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// decimalText renders an optional decimal as a NUMERIC parameter.
func decimalText(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid numeric %q: %w", s, err)
	}
	return d, nil
}

func parseDecimalPtr(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := parseDecimal(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

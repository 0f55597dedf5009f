// Package orders manages the protective stop-loss / take-profit orders of
// open futures positions and submits partial closes against them.
package orders

import (
	"fmt"
	"time"

	"futures-risk-engine/internal/trading"

	"github.com/shopspring/decimal"
)

// SlotState is the lifecycle state of one protective order slot.
type SlotState string

const (
	StateNone      SlotState = "NONE"
	StateAttaching SlotState = "ATTACHING"
	StateActive    SlotState = "ACTIVE"
	StateReplacing SlotState = "REPLACING"
	StateRemoving  SlotState = "REMOVING"
)

// SlotKey identifies a protective order slot. Each (symbol, side, kind) has
// exactly one slot.
type SlotKey struct {
	Symbol string
	Side   trading.Side
	Kind   trading.ProtectiveKind
}

func (k SlotKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Symbol, k.Side, k.Kind)
}

// PositionKey returns the "SYMBOL:SIDE" key shared by both kinds of a position.
func (k SlotKey) PositionKey() string {
	return fmt.Sprintf("%s:%s", k.Symbol, k.Side)
}

// ProtectiveIntent asks for a protective order at NewPrice. A nil NewPrice
// means the order is to be removed. ExistingOrderID, when set, names the
// order the caller believes is resting.
type ProtectiveIntent struct {
	Symbol          string                 `json:"symbol"`
	Side            trading.Side           `json:"side"`
	Kind            trading.ProtectiveKind `json:"kind"`
	NewPrice        *decimal.Decimal       `json:"new_price,omitempty"`
	ExistingOrderID string                 `json:"existing_order_id,omitempty"`
	Reason          string                 `json:"reason,omitempty"`
}

// Key returns the slot the intent targets.
func (i ProtectiveIntent) Key() SlotKey {
	return SlotKey{Symbol: i.Symbol, Side: i.Side, Kind: i.Kind}
}

func (i ProtectiveIntent) validate() error {
	switch {
	case i.Symbol == "":
		return trading.InvalidInputf("symbol is required")
	case !i.Side.Valid():
		return trading.InvalidInputf("side must be LONG or SHORT, got %q", i.Side)
	case !i.Kind.Valid():
		return trading.InvalidInputf("kind must be STOP or TAKE_PROFIT, got %q", i.Kind)
	case i.NewPrice != nil && !i.NewPrice.IsPositive():
		return trading.InvalidInputf("new price must be > 0, got %s", i.NewPrice)
	}
	return nil
}

// SlotSnapshot is a read-only view of a slot.
type SlotSnapshot struct {
	Symbol         string                 `json:"symbol"`
	Side           trading.Side           `json:"side"`
	Kind           trading.ProtectiveKind `json:"kind"`
	State          SlotState              `json:"state"`
	Active         *trading.OrderRef      `json:"active,omitempty"`
	PendingPrice   *decimal.Decimal       `json:"pending_price,omitempty"`
	StaleOrderIDs  []string               `json:"stale_order_ids,omitempty"`
	LastTransition time.Time              `json:"last_transition"`
}

// CloseIntent asks to reduce a position. Exactly one of Percent and
// NotionalAmount must be set. LimitPrice is required for the LIMIT style.
type CloseIntent struct {
	Symbol         string             `json:"symbol"`
	Side           trading.Side       `json:"side"`
	Percent        *decimal.Decimal   `json:"percent,omitempty"`
	NotionalAmount *decimal.Decimal   `json:"notional_amount,omitempty"`
	Style          trading.OrderStyle `json:"style"`
	LimitPrice     *decimal.Decimal   `json:"limit_price,omitempty"`
}

// CloseResult is what Close reports back.
type CloseResult struct {
	Quantity decimal.Decimal     `json:"quantity"`
	Order    trading.OrderResult `json:"order"`
}

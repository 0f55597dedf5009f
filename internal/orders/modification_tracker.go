package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"futures-risk-engine/internal/trading"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Modification source constants
const (
	ModificationSourceUser   = "USER"   // Requested through the API or CLI
	ModificationSourceSignal = "SIGNAL" // Attached after a signal execution
	ModificationSourceRecon  = "RECONCILE"
)

// Event type constants
const (
	EventTypePlaced    = "PLACED"    // Initial order placement
	EventTypeModified  = "MODIFIED"  // Price modification
	EventTypeCancelled = "CANCELLED" // Order cancelled
)

// Impact direction constants
const (
	ImpactDirectionBetter  = "BETTER"  // TP further from entry
	ImpactDirectionWorse   = "WORSE"   // TP closer to entry
	ImpactDirectionTighter = "TIGHTER" // SL closer to the position's favour
	ImpactDirectionWider   = "WIDER"   // SL further away, more potential loss
	ImpactDirectionInitial = "INITIAL" // Initial placement, no comparison
)

// OrderModificationEvent is one line of the protective order audit log.
type OrderModificationEvent struct {
	ID                 int64                  `json:"id"`
	PositionKey        string                 `json:"position_key"` // SYMBOL:SIDE
	Symbol             string                 `json:"symbol"`
	Side               trading.Side           `json:"side"`
	Kind               trading.ProtectiveKind `json:"kind"`
	OrderID            string                 `json:"order_id"`
	EventType          string                 `json:"event_type"`
	ModificationSource string                 `json:"modification_source"`
	Version            int                    `json:"version"`
	OldPrice           *decimal.Decimal       `json:"old_price,omitempty"`
	NewPrice           decimal.Decimal        `json:"new_price"`
	PriceDelta         *decimal.Decimal       `json:"price_delta,omitempty"`
	PriceDeltaPercent  *decimal.Decimal       `json:"price_delta_percent,omitempty"`
	PositionQuantity   decimal.Decimal        `json:"position_quantity"`
	PositionEntryPrice decimal.Decimal        `json:"position_entry_price"`
	DollarImpact       decimal.Decimal        `json:"dollar_impact"`
	ImpactDirection    string                 `json:"impact_direction"`
	ModificationReason string                 `json:"modification_reason"`
	CreatedAt          time.Time              `json:"created_at"`
}

// ModificationEventRepository defines the interface for modification event persistence
type ModificationEventRepository interface {
	CreateModificationEvent(ctx context.Context, event *OrderModificationEvent) error
	GetModificationEvents(ctx context.Context, positionKey string, kind trading.ProtectiveKind) ([]*OrderModificationEvent, error)
	GetLatestModificationVersion(ctx context.Context, positionKey string, kind trading.ProtectiveKind) (int, error)
}

// OrderChange describes one protective order transition.
type OrderChange struct {
	Key      SlotKey
	OrderID  string
	OldPrice *decimal.Decimal // nil on placement
	NewPrice decimal.Decimal
	Position trading.Position
	Source   string
	Reason   string
}

// ModificationTracker records every placement, modification and
// cancellation of protective orders.
type ModificationTracker struct {
	mu     sync.Mutex
	repo   ModificationEventRepository
	logger zerolog.Logger

	// latest version per position key and kind
	latestVersions map[string]int
}

// NewModificationTracker creates a new ModificationTracker instance. repo may
// be nil, in which case events are only logged.
func NewModificationTracker(repo ModificationEventRepository, logger zerolog.Logger) *ModificationTracker {
	return &ModificationTracker{
		repo:           repo,
		logger:         logger.With().Str("component", "ModificationTracker").Logger(),
		latestVersions: make(map[string]int),
	}
}

func versionKey(positionKey string, kind trading.ProtectiveKind) string {
	return fmt.Sprintf("%s:%s", positionKey, kind)
}

// OnOrderPlaced records the initial placement of a protective order.
func (mt *ModificationTracker) OnOrderPlaced(ctx context.Context, c OrderChange) error {
	event := mt.newEvent(c, EventTypePlaced)
	event.DollarImpact = c.NewPrice.Sub(c.Position.EntryPrice).Abs().Mul(c.Position.Quantity)
	event.ImpactDirection = ImpactDirectionInitial
	return mt.store(ctx, event)
}

// OnOrderModified records a price change made through a replace.
func (mt *ModificationTracker) OnOrderModified(ctx context.Context, c OrderChange) error {
	event := mt.newEvent(c, EventTypeModified)
	if c.OldPrice != nil {
		old := *c.OldPrice
		delta := c.NewPrice.Sub(old)
		event.OldPrice = &old
		event.PriceDelta = &delta
		if !old.IsZero() {
			pct := delta.Mul(decimal.NewFromInt(100)).DivRound(old, 8)
			event.PriceDeltaPercent = &pct
		}
		entry := c.Position.EntryPrice
		oldDistance := old.Sub(entry).Abs().Mul(c.Position.Quantity)
		newDistance := c.NewPrice.Sub(entry).Abs().Mul(c.Position.Quantity)
		event.DollarImpact = newDistance.Sub(oldDistance)
		event.ImpactDirection = determineImpactDirection(c.Key.Kind, c.Key.Side, delta)
	}
	return mt.store(ctx, event)
}

// OnOrderCancelled records the cancellation of a protective order.
func (mt *ModificationTracker) OnOrderCancelled(ctx context.Context, c OrderChange) error {
	event := mt.newEvent(c, EventTypeCancelled)
	event.ImpactDirection = ImpactDirectionInitial
	return mt.store(ctx, event)
}

// GetModificationHistory retrieves the audit log of one protective slot.
func (mt *ModificationTracker) GetModificationHistory(ctx context.Context, key SlotKey) ([]*OrderModificationEvent, error) {
	if mt.repo == nil {
		return nil, nil
	}
	return mt.repo.GetModificationEvents(ctx, key.PositionKey(), key.Kind)
}

// ModificationSummary provides aggregate statistics for modification history
type ModificationSummary struct {
	TotalModifications int             `json:"total_modifications"`
	NetPriceChange     decimal.Decimal `json:"net_price_change"`
	NetDollarImpact    decimal.Decimal `json:"net_dollar_impact"`
	InitialPrice       decimal.Decimal `json:"initial_price"`
	CurrentPrice       decimal.Decimal `json:"current_price"`
	LastModifiedAt     time.Time       `json:"last_modified_at"`
}

// Summarize aggregates a history ordered by version.
func Summarize(events []*OrderModificationEvent) *ModificationSummary {
	if len(events) == 0 {
		return nil
	}
	summary := &ModificationSummary{
		InitialPrice:   events[0].NewPrice,
		CurrentPrice:   events[len(events)-1].NewPrice,
		LastModifiedAt: events[len(events)-1].CreatedAt,
	}
	for _, e := range events[1:] {
		if e.EventType != EventTypeModified {
			continue
		}
		summary.TotalModifications++
		summary.NetDollarImpact = summary.NetDollarImpact.Add(e.DollarImpact)
		if e.PriceDelta != nil {
			summary.NetPriceChange = summary.NetPriceChange.Add(*e.PriceDelta)
		}
	}
	return summary
}

func (mt *ModificationTracker) newEvent(c OrderChange, eventType string) *OrderModificationEvent {
	return &OrderModificationEvent{
		PositionKey:        c.Key.PositionKey(),
		Symbol:             c.Key.Symbol,
		Side:               c.Key.Side,
		Kind:               c.Key.Kind,
		OrderID:            c.OrderID,
		EventType:          eventType,
		ModificationSource: c.Source,
		NewPrice:           c.NewPrice,
		PositionQuantity:   c.Position.Quantity,
		PositionEntryPrice: c.Position.EntryPrice,
		ModificationReason: c.Reason,
		CreatedAt:          time.Now(),
	}
}

// store assigns the next version and persists the event. The lock is held
// across version lookup and insert so concurrent events get sequential
// versions.
func (mt *ModificationTracker) store(ctx context.Context, event *OrderModificationEvent) error {
	key := versionKey(event.PositionKey, event.Kind)

	mt.mu.Lock()
	if event.EventType == EventTypePlaced {
		event.Version = 1
	} else {
		event.Version = mt.nextVersionLocked(ctx, event.PositionKey, event.Kind)
	}
	if mt.repo != nil {
		if err := mt.repo.CreateModificationEvent(ctx, event); err != nil {
			mt.mu.Unlock()
			mt.logger.Error().
				Err(err).
				Str("position", event.PositionKey).
				Str("kind", string(event.Kind)).
				Str("event_type", event.EventType).
				Msg("Failed to create modification event")
			return fmt.Errorf("failed to create modification event: %w", err)
		}
	}
	mt.latestVersions[key] = event.Version
	mt.mu.Unlock()

	mt.logger.Info().
		Str("position", event.PositionKey).
		Str("kind", string(event.Kind)).
		Str("event_type", event.EventType).
		Str("order_id", event.OrderID).
		Int("version", event.Version).
		Str("new_price", event.NewPrice.String()).
		Str("dollar_impact", event.DollarImpact.String()).
		Str("impact_direction", event.ImpactDirection).
		Msg("Order modification event logged")
	return nil
}

// nextVersionLocked must be called with mt.mu held.
func (mt *ModificationTracker) nextVersionLocked(ctx context.Context, positionKey string, kind trading.ProtectiveKind) int {
	key := versionKey(positionKey, kind)
	if version, ok := mt.latestVersions[key]; ok {
		return version + 1
	}
	if mt.repo != nil {
		dbVersion, err := mt.repo.GetLatestModificationVersion(ctx, positionKey, kind)
		if err == nil && dbVersion > 0 {
			mt.latestVersions[key] = dbVersion
			return dbVersion + 1
		}
	}
	return 1
}

// determineImpactDirection classifies a price move of a protective order.
func determineImpactDirection(kind trading.ProtectiveKind, side trading.Side, delta decimal.Decimal) string {
	up := delta.IsPositive()
	isLong := side == trading.SideLong

	if kind == trading.KindStop {
		// LONG: stop up is tighter. SHORT: stop down is tighter.
		if up == isLong {
			return ImpactDirectionTighter
		}
		return ImpactDirectionWider
	}
	// LONG: TP up is better. SHORT: TP down is better.
	if up == isLong {
		return ImpactDirectionBetter
	}
	return ImpactDirectionWorse
}

package database

import (
	"context"
	"fmt"
	"time"

	"futures-risk-engine/internal/orders"
	"futures-risk-engine/internal/trading"

	"github.com/jackc/pgx/v5"
)

var _ orders.ModificationEventRepository = (*DB)(nil)

const modificationEventColumns = `
	id, position_key, symbol, side, kind, COALESCE(order_id, ''),
	event_type, modification_source, version,
	old_price::text, new_price::text, price_delta::text, price_delta_percent::text,
	position_quantity::text, position_entry_price::text,
	dollar_impact::text, impact_direction, COALESCE(modification_reason, ''), created_at`

// CreateModificationEvent inserts a new order modification event
func (db *DB) CreateModificationEvent(ctx context.Context, event *orders.OrderModificationEvent) error {
	if db.Pool == nil {
		return nil
	}

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO order_modification_events (
			position_key, symbol, side, kind, order_id,
			event_type, modification_source, version,
			old_price, new_price, price_delta, price_delta_percent,
			position_quantity, position_entry_price,
			dollar_impact, impact_direction, modification_reason, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9::numeric, $10::numeric, $11::numeric, $12::numeric,
			$13::numeric, $14::numeric, $15::numeric, $16, $17, $18
		)
		RETURNING id, created_at`

	err := db.Pool.QueryRow(ctx, query,
		event.PositionKey,
		event.Symbol,
		string(event.Side),
		string(event.Kind),
		nilIfEmpty(event.OrderID),
		event.EventType,
		event.ModificationSource,
		event.Version,
		decimalText(event.OldPrice),
		event.NewPrice.String(),
		decimalText(event.PriceDelta),
		decimalText(event.PriceDeltaPercent),
		event.PositionQuantity.String(),
		event.PositionEntryPrice.String(),
		event.DollarImpact.String(),
		event.ImpactDirection,
		nilIfEmpty(event.ModificationReason),
		event.CreatedAt,
	).Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create modification event: %w", err)
	}
	return nil
}

// GetModificationEvents retrieves the history of one protective order of a
// position, oldest version first.
func (db *DB) GetModificationEvents(ctx context.Context, positionKey string, kind trading.ProtectiveKind) ([]*orders.OrderModificationEvent, error) {
	if db.Pool == nil {
		return nil, nil
	}

	query := `SELECT ` + modificationEventColumns + `
		FROM order_modification_events
		WHERE position_key = $1 AND kind = $2
		ORDER BY version ASC`

	rows, err := db.Pool.Query(ctx, query, positionKey, string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to get modification events: %w", err)
	}
	defer rows.Close()

	return scanModificationEvents(rows)
}

// GetRecentModificationEvents returns the newest events across all positions.
func (db *DB) GetRecentModificationEvents(ctx context.Context, limit int) ([]*orders.OrderModificationEvent, error) {
	if db.Pool == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `SELECT ` + modificationEventColumns + `
		FROM order_modification_events
		ORDER BY created_at DESC
		LIMIT $1`

	rows, err := db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent modification events: %w", err)
	}
	defer rows.Close()

	return scanModificationEvents(rows)
}

// GetLatestModificationVersion returns the latest version number for an order
func (db *DB) GetLatestModificationVersion(ctx context.Context, positionKey string, kind trading.ProtectiveKind) (int, error) {
	if db.Pool == nil {
		return 0, nil
	}

	query := `
		SELECT COALESCE(MAX(version), 0)
		FROM order_modification_events
		WHERE position_key = $1 AND kind = $2`

	var version int
	if err := db.Pool.QueryRow(ctx, query, positionKey, string(kind)).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get latest modification version: %w", err)
	}
	return version, nil
}

// scanModificationEvents scans rows into OrderModificationEvent slice
func scanModificationEvents(rows pgx.Rows) ([]*orders.OrderModificationEvent, error) {
	var events []*orders.OrderModificationEvent
	for rows.Next() {
		var (
			event                               orders.OrderModificationEvent
			side, kind                          string
			oldPrice, priceDelta, priceDeltaPct *string
			newPrice, qty, entry, impact        string
		)
		err := rows.Scan(
			&event.ID,
			&event.PositionKey,
			&event.Symbol,
			&side,
			&kind,
			&event.OrderID,
			&event.EventType,
			&event.ModificationSource,
			&event.Version,
			&oldPrice,
			&newPrice,
			&priceDelta,
			&priceDeltaPct,
			&qty,
			&entry,
			&impact,
			&event.ImpactDirection,
			&event.ModificationReason,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan modification event row: %w", err)
		}
		event.Side = trading.Side(side)
		event.Kind = trading.ProtectiveKind(kind)

		if event.NewPrice, err = parseDecimal(newPrice); err != nil {
			return nil, err
		}
		if event.PositionQuantity, err = parseDecimal(qty); err != nil {
			return nil, err
		}
		if event.PositionEntryPrice, err = parseDecimal(entry); err != nil {
			return nil, err
		}
		if event.DollarImpact, err = parseDecimal(impact); err != nil {
			return nil, err
		}
		if event.OldPrice, err = parseDecimalPtr(oldPrice); err != nil {
			return nil, err
		}
		if event.PriceDelta, err = parseDecimalPtr(priceDelta); err != nil {
			return nil, err
		}
		if event.PriceDeltaPercent, err = parseDecimalPtr(priceDeltaPct); err != nil {
			return nil, err
		}

		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating modification event rows: %w", err)
	}
	return events, nil
}

// nilIfEmpty returns nil if string is empty, otherwise returns pointer to string
func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Package notification pushes engine events to chat channels.
package notification

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"futures-risk-engine/internal/events"

	"github.com/rs/zerolog"
)

// Severity orders notifications by urgency.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "info"
	}
}

func (s Severity) emoji() string {
	switch s {
	case SeverityWarning:
		return "⚠️"
	case SeverityCritical:
		return "🚨"
	default:
		return "ℹ️"
	}
}

// Notification represents a notification message
type Notification struct {
	Event     events.EventType
	Severity  Severity
	Title     string
	Message   string
	Symbol    string
	Fields    map[string]string
	Timestamp time.Time
}

// Text renders the notification as plain text.
func (n *Notification) Text() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s\n", n.Severity.emoji(), n.Title)
	if n.Message != "" {
		sb.WriteString(n.Message)
		sb.WriteString("\n")
	}
	for _, k := range n.fieldNames() {
		fmt.Fprintf(&sb, "%s: %s\n", k, n.Fields[k])
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (n *Notification) fieldNames() []string {
	names := make([]string, 0, len(n.Fields))
	for k := range n.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(ctx context.Context, notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans notifications out to every enabled provider.
type Manager struct {
	mu          sync.RWMutex
	notifiers   []Notifier
	minSeverity Severity
	timeout     time.Duration
	logger      zerolog.Logger
}

// NewManager creates a new notification manager
func NewManager(minSeverity Severity, logger zerolog.Logger) *Manager {
	return &Manager{
		minSeverity: minSeverity,
		timeout:     10 * time.Second,
		logger:      logger.With().Str("component", "Notification").Logger(),
	}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifiers = append(m.notifiers, n)
}

// Enabled reports whether any provider is enabled.
func (m *Manager) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, n := range m.notifiers {
		if n.IsEnabled() {
			return true
		}
	}
	return false
}

// Send sends a notification to all enabled providers and returns the last
// error.
func (m *Manager) Send(ctx context.Context, notification *Notification) error {
	if notification.Severity < m.minSeverity {
		return nil
	}
	m.mu.RLock()
	notifiers := append([]Notifier(nil), m.notifiers...)
	m.mu.RUnlock()

	var lastErr error
	for _, n := range notifiers {
		if !n.IsEnabled() {
			continue
		}
		if err := n.Send(ctx, notification); err != nil {
			m.logger.Warn().Err(err).Str("provider", n.Name()).Str("event", string(notification.Event)).Msg("Notification failed")
			lastErr = err
		}
	}
	return lastErr
}

// Subscribe forwards the notable events of bus.
func (m *Manager) Subscribe(bus *events.EventBus) {
	for _, t := range []events.EventType{
		events.EventProtectivePartialReplace,
		events.EventProtectionFailed,
		events.EventSignalExecuted,
		events.EventCrossover,
		events.EventScanDegraded,
		events.EventPositionReduced,
		events.EventError,
	} {
		bus.Subscribe(t, m.handle)
	}
}

func (m *Manager) handle(event events.Event) {
	n, ok := FromEvent(event)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	_ = m.Send(ctx, n)
}

// FromEvent builds the notification for an engine event. It returns false
// for events that are not worth a message.
func FromEvent(event events.Event) (*Notification, bool) {
	str := func(key string) string {
		if v, ok := event.Data[key]; ok && v != nil {
			return fmt.Sprint(v)
		}
		return ""
	}
	n := &Notification{
		Event:     event.Type,
		Symbol:    str("symbol"),
		Timestamp: event.Timestamp,
		Fields:    map[string]string{},
	}
	pick := func(keys ...string) {
		for _, k := range keys {
			if v := str(k); v != "" {
				n.Fields[k] = v
			}
		}
	}

	switch event.Type {
	case events.EventProtectivePartialReplace:
		n.Severity = SeverityCritical
		n.Title = fmt.Sprintf("Duplicate protective orders on %s %s", n.Symbol, str("side"))
		n.Message = fmt.Sprintf("New %s order is live but the old one could not be cancelled. Cancel the stale order manually.", str("kind"))
		pick("kind", "new_order_id", "stale_order_id", "price", "error")
	case events.EventProtectionFailed:
		n.Severity = SeverityCritical
		n.Title = fmt.Sprintf("UNPROTECTED position on %s %s", n.Symbol, str("direction"))
		n.Message = "Entry filled but the stop order could not be attached."
		pick("order_id", "quantity", "sl_price", "protection_error")
	case events.EventSignalExecuted:
		n.Severity = SeverityInfo
		n.Title = fmt.Sprintf("Entered %s %s", n.Symbol, str("direction"))
		pick("style", "quantity", "order_id", "sl_price", "stop_order_id")
	case events.EventCrossover:
		n.Severity = SeverityInfo
		n.Title = fmt.Sprintf("%s trend %s -> %s", n.Symbol, str("from"), str("to"))
		pick("price", "strategy_id")
	case events.EventScanDegraded:
		n.Severity = SeverityWarning
		n.Title = fmt.Sprintf("Scan degraded on %s", n.Symbol)
		n.Message = "Market data fetch failed; execution is disabled until the next good tick."
		pick("handle", "error")
	case events.EventPositionReduced:
		n.Severity = SeverityInfo
		n.Title = fmt.Sprintf("Reduced %s %s", n.Symbol, str("side"))
		pick("quantity", "style", "order_id")
	case events.EventError:
		n.Severity = SeverityWarning
		n.Title = fmt.Sprintf("Error in %s", str("source"))
		n.Message = str("message")
		pick("error")
	default:
		return nil, false
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	return n, true
}

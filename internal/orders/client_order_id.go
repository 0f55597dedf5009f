package orders

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"futures-risk-engine/internal/trading"

	"github.com/rs/zerolog"
)

const (
	// MaxClientOrderIDLength is the maximum length allowed by Binance
	MaxClientOrderIDLength = 36

	// FallbackMarker identifies fallback IDs generated when the sequence store is unavailable
	FallbackMarker = "FALLBACK"

	// DefaultClientOrderPrefix tags orders submitted by this engine
	DefaultClientOrderPrefix = "FRE"
)

// OrderTag is the purpose suffix of a client order ID.
type OrderTag string

const (
	TagEntry      OrderTag = "E"
	TagStopLoss   OrderTag = "SL"
	TagTakeProfit OrderTag = "TP"
	TagClose      OrderTag = "PC"
)

// Errors for client order ID operations
var (
	ErrClientOrderIDTooLong = errors.New("client order ID exceeds maximum length of 36 characters")
	ErrInvalidClientOrderID = errors.New("invalid client order ID format")
)

// SequenceSource hands out a per-day monotonically increasing sequence.
type SequenceSource interface {
	IncrementDailySequence(ctx context.Context, dateKey string) (int64, error)
}

// ClientOrderIDGenerator builds client order IDs of the form
// [PFX]-[DDMMM]-[NNNNN]-[TAG] (e.g. "FRE-15JAN-00001-SL"), or
// [PFX]-FALLBACK-[8HEX]-[TAG] when no sequence is available.
type ClientOrderIDGenerator struct {
	seq      SequenceSource
	prefix   string
	timezone *time.Location
	logger   zerolog.Logger
	now      func() time.Time
}

// NewClientOrderIDGenerator creates a generator. seq may be nil, in which
// case every ID uses the fallback format.
func NewClientOrderIDGenerator(seq SequenceSource, prefix string, logger zerolog.Logger) *ClientOrderIDGenerator {
	if prefix == "" {
		prefix = DefaultClientOrderPrefix
	}
	return &ClientOrderIDGenerator{
		seq:      seq,
		prefix:   strings.ToUpper(prefix),
		timezone: time.UTC,
		logger:   logger.With().Str("component", "ClientOrderIDGenerator").Logger(),
		now:      time.Now,
	}
}

// Generate returns a new client order ID for tag.
func (g *ClientOrderIDGenerator) Generate(ctx context.Context, tag OrderTag) string {
	now := g.now().In(g.timezone)
	if g.seq != nil {
		seq, err := g.seq.IncrementDailySequence(ctx, now.Format("20060102"))
		if err == nil {
			id := fmt.Sprintf("%s-%s-%05d-%s", g.prefix, strings.ToUpper(now.Format("02Jan")), seq, tag)
			if len(id) <= MaxClientOrderIDLength {
				return id
			}
		} else {
			g.logger.Warn().Err(err).Msg("Sequence store unavailable, using fallback client order ID")
		}
	}
	return g.GenerateFallback(tag)
}

// GenerateFallback creates an ID that does not need the sequence store.
func (g *ClientOrderIDGenerator) GenerateFallback(tag OrderTag) string {
	return fmt.Sprintf("%s-%s-%s-%s", g.prefix, FallbackMarker, generateShortUniqueID(), tag)
}

// ValidateClientOrderID checks the Binance length limit and the basic
// PFX-xxx-yyy-TAG structure.
func ValidateClientOrderID(id string) error {
	if id == "" {
		return ErrInvalidClientOrderID
	}
	if len(id) > MaxClientOrderIDLength {
		return fmt.Errorf("%w: ID '%s' is %d characters (max %d)", ErrClientOrderIDTooLong, id, len(id), MaxClientOrderIDLength)
	}
	parts := strings.Split(id, "-")
	if len(parts) != 4 {
		return fmt.Errorf("%w: expected 4 parts separated by '-'", ErrInvalidClientOrderID)
	}
	switch OrderTag(parts[3]) {
	case TagEntry, TagStopLoss, TagTakeProfit, TagClose:
	default:
		return fmt.Errorf("%w: unknown tag '%s'", ErrInvalidClientOrderID, parts[3])
	}
	return nil
}

// IsFallbackID checks if the client order ID was generated without the sequence store
func IsFallbackID(id string) bool {
	return strings.Contains(id, "-"+FallbackMarker+"-")
}

// TagFor returns the client order tag of a protective kind.
func TagFor(kind trading.ProtectiveKind) OrderTag {
	if kind == trading.KindTakeProfit {
		return TagTakeProfit
	}
	return TagStopLoss
}

// generateShortUniqueID generates an 8-character hex unique identifier
func generateShortUniqueID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xFFFFFFFF)
	}
	return hex.EncodeToString(b)
}

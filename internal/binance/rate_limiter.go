package binance

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ==================== PRIORITY TYPES ====================

// RequestPriority defines priority levels for API requests
// Higher priority requests get more lenient rate limiting thresholds
type RequestPriority int

const (
	// PriorityCritical - Orders and cancellations
	// Uses up to 95% of weight budget
	PriorityCritical RequestPriority = iota

	// PriorityHigh - Position and account checks
	// Uses up to 80% of weight budget
	PriorityHigh

	// PriorityNormal - Market data for strategy scans
	// Uses up to 60% of weight budget
	PriorityNormal
)

// String returns a human-readable priority name
func (p RequestPriority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	default:
		return "UNKNOWN"
	}
}

// AcquireResult represents the result of a non-blocking TryAcquire attempt
type AcquireResult struct {
	Acquired     bool          // Whether the slot was successfully acquired
	WaitTime     time.Duration // Suggested wait time if not acquired
	Reason       string        // Explanation for denial (empty if acquired)
	CurrentUsage float64       // Current weight usage percentage (0-100)
}

// ==================== RATE LIMITER ====================

// RateLimiter implements proactive rate limiting with circuit breaker
type RateLimiter struct {
	mu     sync.Mutex
	logger zerolog.Logger
	now    func() time.Time

	// Circuit breaker state
	circuitOpen bool
	banUntil    time.Time

	// Weight tracking (Binance uses weight-based limits)
	currentWeight int
	weightResetAt time.Time
	maxWeight     int // 2400 per minute for futures

	consecutiveErrors int
}

// Endpoint weights for Binance Futures API
var endpointWeights = map[string]int{
	"/fapi/v2/account":      5,
	"/fapi/v2/positionRisk": 5,
	"/fapi/v1/leverage":     1,

	"/fapi/v1/order":     1,
	"/fapi/v1/algoOrder": 1,

	"/fapi/v1/klines":       5,
	"/fapi/v1/premiumIndex": 1,
	"/fapi/v1/exchangeInfo": 1,
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(logger zerolog.Logger) *RateLimiter {
	return &RateLimiter{
		logger:        logger.With().Str("component", "RateLimiter").Logger(),
		now:           time.Now,
		maxWeight:     2400,
		weightResetAt: time.Now().Add(time.Minute),
	}
}

// TryAcquire atomically checks the budget for a priority and records the
// endpoint's weight if it fits.
func (r *RateLimiter) TryAcquire(endpoint string, priority RequestPriority) AcquireResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if now.After(r.weightResetAt) {
		r.currentWeight = 0
		r.weightResetAt = now.Add(time.Minute)
	}

	if r.circuitOpen {
		if now.Before(r.banUntil) {
			return AcquireResult{
				WaitTime:     r.banUntil.Sub(now),
				Reason:       "circuit_breaker_open",
				CurrentUsage: 100,
			}
		}
		r.circuitOpen = false
		r.logger.Info().Msg("Circuit breaker auto-closed (ban expired)")
	}

	weight := getEndpointWeight(endpoint)
	threshold := int(float64(r.maxWeight) * thresholdForPriority(priority))
	if r.currentWeight+weight > threshold {
		wait := r.weightResetAt.Sub(now)
		if wait < 0 {
			wait = 100 * time.Millisecond
		}
		return AcquireResult{
			WaitTime:     wait,
			Reason:       fmt.Sprintf("weight_limit_exceeded_for_%s_priority", priority),
			CurrentUsage: float64(r.currentWeight) / float64(r.maxWeight) * 100,
		}
	}

	r.currentWeight += weight
	return AcquireResult{
		Acquired:     true,
		CurrentUsage: float64(r.currentWeight) / float64(r.maxWeight) * 100,
	}
}

// Wait blocks until a slot is acquired or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context, endpoint string, priority RequestPriority) error {
	for {
		res := r.TryAcquire(endpoint, priority)
		if res.Acquired {
			return nil
		}
		wait := res.WaitTime
		if wait > 5*time.Second {
			wait = 5 * time.Second
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit (%s): %w", res.Reason, ctx.Err())
		case <-timer.C:
		}
	}
}

func thresholdForPriority(priority RequestPriority) float64 {
	switch priority {
	case PriorityCritical:
		return 0.95
	case PriorityHigh:
		return 0.80
	default:
		return 0.60
	}
}

// RecordSuccess resets the consecutive error counter.
func (r *RateLimiter) RecordSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutiveErrors = 0
}

// RecordRateLimitError records a rate limit error and triggers circuit breaker
func (r *RateLimiter) RecordRateLimitError(banUntilMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.consecutiveErrors++
	now := r.now()

	var banUntil time.Time
	if banUntilMs > 0 {
		banUntil = time.UnixMilli(banUntilMs)
	} else {
		// Exponential backoff based on consecutive errors
		backoff := time.Duration(1<<uint(r.consecutiveErrors)) * time.Minute
		if backoff > 30*time.Minute {
			backoff = 30 * time.Minute
		}
		banUntil = now.Add(backoff)
	}

	r.circuitOpen = true
	r.banUntil = banUntil

	r.logger.Warn().
		Time("ban_until", banUntil).
		Int("consecutive_errors", r.consecutiveErrors).
		Msg("CIRCUIT BREAKER OPEN")
}

// IsCircuitOpen returns true if circuit breaker is open
func (r *RateLimiter) IsCircuitOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.circuitOpen && r.now().Before(r.banUntil)
}

// Status returns the limiter state for diagnostics.
func (r *RateLimiter) Status() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := map[string]interface{}{
		"current_weight": r.currentWeight,
		"max_weight":     r.maxWeight,
		"circuit_open":   r.circuitOpen,
	}
	if r.circuitOpen {
		status["ban_until"] = r.banUntil.Format(time.RFC3339)
	}
	return status
}

// UpdateFromHeaders updates weight from Binance response headers
func (r *RateLimiter) UpdateFromHeaders(usedWeight1m int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Use the higher of our tracked weight or reported weight
	if usedWeight1m > r.currentWeight {
		r.currentWeight = usedWeight1m
	}

	usagePct := float64(r.currentWeight) / float64(r.maxWeight) * 100
	if usagePct > 60 {
		r.logger.Warn().Int("weight", r.currentWeight).Int("max", r.maxWeight).Msgf("Weight usage %.1f%%", usagePct)
	}
}

// getEndpointWeight returns the weight for an endpoint
func getEndpointWeight(endpoint string) int {
	if weight, ok := endpointWeights[endpoint]; ok {
		return weight
	}
	return 1
}

// Error format: "banned until 1766824120342"
var banUntilPattern = regexp.MustCompile(`banned until (\d+)`)

// ParseBanUntilFromError extracts ban timestamp from Binance error message
func ParseBanUntilFromError(errMsg string) int64 {
	m := banUntilPattern.FindStringSubmatch(errMsg)
	if m == nil {
		return 0
	}
	banUntil, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0
	}

	// Sanity check - should be a millisecond timestamp in the future
	if banUntil > time.Now().UnixMilli() && banUntil < time.Now().Add(24*time.Hour).UnixMilli() {
		return banUntil
	}
	return 0
}

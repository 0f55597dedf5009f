package trading

import (
	"errors"
	"fmt"
)

// Error taxonomy of the engine. Callers branch with errors.Is / errors.As.
var (
	// ErrInvalidInput is a precondition violation, always raised before any
	// exchange call.
	ErrInvalidInput = errors.New("invalid input")
	// ErrBusy means another operation is in flight for the same position and
	// protective kind. The caller may retry later.
	ErrBusy = errors.New("operation already in flight")
	// ErrUnavailable means upstream market data could not be fetched.
	ErrUnavailable = errors.New("market data unavailable")
	// ErrNotFound means the order or position no longer exists.
	ErrNotFound = errors.New("not found")
	// ErrBelowMinimumSize means a resolved quantity is under the exchange lot.
	ErrBelowMinimumSize = errors.New("quantity below minimum lot size")
	// ErrSignalNotExecutable means the current evaluation does not allow
	// trading in the requested direction.
	ErrSignalNotExecutable = errors.New("signal not executable")
)

// GatewayError wraps an exchange rejection or timeout. The upstream message
// is kept verbatim in Err.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// NewGatewayError wraps err unless it already is a GatewayError.
func NewGatewayError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ge *GatewayError
	if errors.As(err, &ge) {
		return err
	}
	return &GatewayError{Op: op, Err: err}
}

// PartialReplaceError reports a replace whose new order is live but whose
// stale order could not be cancelled: two protective orders may be resting.
// It deliberately does not unwrap to the cancel error so that it is never
// mistaken for an ordinary gateway failure.
type PartialReplaceError struct {
	Symbol       string
	Side         Side
	Kind         ProtectiveKind
	NewOrder     OrderRef
	StaleOrderID string
	CancelErr    error
}

func (e *PartialReplaceError) Error() string {
	return fmt.Sprintf("partial replace on %s %s %s: new order %s is live but stale order %s could not be cancelled (%v); check for duplicate protective orders",
		e.Symbol, e.Side, e.Kind, e.NewOrder.OrderID, e.StaleOrderID, e.CancelErr)
}

// IsPartialReplace reports whether err is a PartialReplaceError.
func IsPartialReplace(err error) bool {
	var pr *PartialReplaceError
	return errors.As(err, &pr)
}

// IsGatewayError reports whether err came from the exchange.
func IsGatewayError(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge)
}

// InvalidInputf builds an ErrInvalidInput with a specific reason.
func InvalidInputf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

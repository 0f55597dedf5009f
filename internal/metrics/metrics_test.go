package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestResult(t *testing.T) {
	assert.Equal(t, "ok", Result(nil))
	assert.Equal(t, "error", Result(errors.New("boom")))
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(protectiveOps.WithLabelValues("STOP", "replace", "error"))
	IncProtectiveOp("STOP", "replace", errors.New("cancel failed"))
	assert.Equal(t, before+1, testutil.ToFloat64(protectiveOps.WithLabelValues("STOP", "replace", "error")))

	before = testutil.ToFloat64(closes.WithLabelValues("BBO", "ok"))
	IncClose("BBO", nil)
	assert.Equal(t, before+1, testutil.ToFloat64(closes.WithLabelValues("BBO", "ok")))

	scans := testutil.ToFloat64(activeScans)
	IncActiveScans()
	IncActiveScans()
	DecActiveScans()
	assert.Equal(t, scans+1, testutil.ToFloat64(activeScans))
}

func TestObserveGateway(t *testing.T) {
	ObserveGateway("submit_order", time.Now().Add(-50*time.Millisecond))
	assert.Equal(t, 1, testutil.CollectAndCount(gatewayLatency, "engine_gateway_request_seconds"))
}

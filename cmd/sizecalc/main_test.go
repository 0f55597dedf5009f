package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"futures-risk-engine/internal/trading"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_Table(t *testing.T) {
	var out bytes.Buffer
	err := run([]string{"-balance", "10000", "-risk", "1", "-entry", "100", "-stop", "95", "-leverage", "10"}, &out)
	require.NoError(t, err)

	s := out.String()
	assert.Contains(t, s, "Risk amount")
	assert.Contains(t, s, "100.00")
	assert.Contains(t, s, "2000.00")
	assert.Contains(t, s, "200.00")
}

func TestRun_JSONWithStep(t *testing.T) {
	var out bytes.Buffer
	err := run([]string{"-json", "-balance", "1000", "-risk", "2", "-entry", "30000", "-stop", "29100", "-leverage", "5", "-side", "long", "-step", "0.001"}, &out)
	require.NoError(t, err)

	var got struct {
		Quantity        decimal.Decimal  `json:"quantity"`
		FlooredQuantity *decimal.Decimal `json:"floored_quantity"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	// risk 20 / 3% = 666.67 notional; / 30000 = 0.0222...
	require.NotNil(t, got.FlooredQuantity)
	assert.Equal(t, "0.022", got.FlooredQuantity.String())
	assert.True(t, got.Quantity.GreaterThan(*got.FlooredQuantity))
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		invalid bool
		msg     string
	}{
		{"missing entry", []string{"-balance", "100", "-stop", "95"}, false, "-entry is required"},
		{"bad decimal", []string{"-balance", "abc", "-entry", "100", "-stop", "95"}, false, "-balance"},
		{"stop on wrong side", []string{"-balance", "100", "-entry", "100", "-stop", "105", "-side", "LONG"}, true, "long stop"},
		{"leverage cap", []string{"-balance", "100", "-entry", "100", "-stop", "95", "-leverage", "50", "-max-leverage", "20"}, true, "exceeds max leverage"},
		{"zero distance", []string{"-balance", "100", "-entry", "100", "-stop", "100"}, true, "stop distance"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(tt.args, &bytes.Buffer{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
			assert.Equal(t, tt.invalid, isInvalidInput(err))
		})
	}
}

func isInvalidInput(err error) bool {
	return err != nil && errors.Is(err, trading.ErrInvalidInput)
}

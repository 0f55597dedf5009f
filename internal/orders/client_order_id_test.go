package orders

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type mockSequence struct {
	next int64
	err  error
	keys []string
}

func (m *mockSequence) IncrementDailySequence(ctx context.Context, dateKey string) (int64, error) {
	m.keys = append(m.keys, dateKey)
	if m.err != nil {
		return 0, m.err
	}
	m.next++
	return m.next, nil
}

func TestClientOrderIDGenerator_Generate(t *testing.T) {
	seq := &mockSequence{}
	g := NewClientOrderIDGenerator(seq, "fre", zerolog.Nop())
	g.now = func() time.Time { return time.Date(2026, time.January, 15, 10, 0, 0, 0, time.UTC) }

	assert.Equal(t, "FRE-15JAN-00001-SL", g.Generate(context.Background(), TagStopLoss))
	assert.Equal(t, "FRE-15JAN-00002-PC", g.Generate(context.Background(), TagClose))
	assert.Equal(t, []string{"20260115", "20260115"}, seq.keys)
}

func TestClientOrderIDGenerator_Fallback(t *testing.T) {
	tests := []struct {
		name string
		seq  SequenceSource
	}{
		{"no sequence source", nil},
		{"sequence unavailable", &mockSequence{err: errors.New("redis down")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewClientOrderIDGenerator(tt.seq, "", zerolog.Nop())
			id := g.Generate(context.Background(), TagTakeProfit)
			assert.True(t, IsFallbackID(id), id)
			assert.True(t, strings.HasPrefix(id, DefaultClientOrderPrefix+"-"))
			assert.NoError(t, ValidateClientOrderID(id))
		})
	}
}

func TestValidateClientOrderID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"FRE-15JAN-00001-E", false},
		{"FRE-FALLBACK-a3f7c2e9-TP", false},
		{"", true},
		{"FRE-15JAN-00001", true},
		{"FRE-15JAN-00001-XX", true},
		{strings.Repeat("A", 37), true},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			err := ValidateClientOrderID(tt.id)
			assert.Equal(t, tt.wantErr, err != nil, "err = %v", err)
		})
	}
}

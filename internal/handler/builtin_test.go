package handler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgfacade/dgfacade/internal/model"
)

func TestEcho_ReturnsPayloadUnchanged(t *testing.T) {
	resp, producer, err := Echo().Handle(context.Background(), model.DGRequest{
		RequestID: "r1",
		Payload:   map[string]any{"hello": "world"},
	})
	require.NoError(t, err)
	assert.Nil(t, producer)
	require.NotNil(t, resp)
	assert.Equal(t, "world", resp.Payload["hello"])
}

func TestSleep_ReturnsAfterDuration(t *testing.T) {
	resp, _, err := Sleep().Handle(context.Background(), model.DGRequest{
		RequestID: "r2",
		Payload:   map[string]any{"minutes": 0.0001},
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.0001, resp.Payload["slept_minutes"], 0.00001)
}

func TestSleep_CancelledReturnsContextError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := Sleep().Handle(ctx, model.DGRequest{
		RequestID: "r3",
		Payload:   map[string]any{"minutes": 5.0},
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTicker_EmitsSequentialUpdates(t *testing.T) {
	resp, producer, err := Ticker().Handle(context.Background(), model.DGRequest{
		RequestID: "r4",
		Payload:   map[string]any{"interval_ms": 1.0},
	})
	require.NoError(t, err)
	assert.Nil(t, resp)
	require.NotNil(t, producer)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var seqs []int
	err = producer.Run(ctx, func(payload map[string]any) error {
		seqs = append(seqs, payload["seq"].(int))
		return nil
	})
	assert.NoError(t, err)
	assert.NotEmpty(t, seqs)
	for i, s := range seqs {
		assert.Equal(t, i+1, s)
	}
}

func TestHandlerRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	r.Register("builtin.echo", Echo())

	h, ok := r.Lookup("builtin.echo")
	assert.True(t, ok)
	assert.NotNil(t, h)

	_, ok = r.Lookup("no.such.handler")
	assert.False(t, ok)
}

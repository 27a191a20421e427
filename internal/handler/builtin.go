package handler

import (
	"context"
	"time"

	"github.com/dgfacade/dgfacade/internal/model"
)

// Echo returns its payload unchanged. Used for spec §8 scenario 1.
func Echo() Handler {
	return Func(func(_ context.Context, req model.DGRequest) (map[string]any, error) {
		return req.Payload, nil
	})
}

// Sleep blocks for the requested number of minutes (payload key "minutes",
// default 1) or until cancelled, whichever comes first. Used to exercise
// TTL/TIMEOUT handling (spec §8 scenario 4, "sleep_90m").
func Sleep() Handler {
	return Func(func(ctx context.Context, req model.DGRequest) (map[string]any, error) {
		minutes := 1.0
		if m, ok := req.Payload["minutes"].(float64); ok {
			minutes = m
		}
		select {
		case <-time.After(time.Duration(minutes * float64(time.Minute))):
			return map[string]any{"slept_minutes": minutes}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

// Ticker streams one update per interval (payload key "interval_ms",
// default 1000) carrying a monotonically increasing sequence number, until
// cancelled. Used to exercise the streaming path (spec §8 scenario 5).
func Ticker() Handler {
	return StreamingFunc(func(_ context.Context, req model.DGRequest) (Producer, error) {
		intervalMS := 1000.0
		if v, ok := req.Payload["interval_ms"].(float64); ok {
			intervalMS = v
		}
		interval := time.Duration(intervalMS) * time.Millisecond
		return ProducerFunc(func(ctx context.Context, emit func(payload map[string]any) error) error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			seq := 0
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					seq++
					if err := emit(map[string]any{"seq": seq}); err != nil {
						return err
					}
				}
			}
		}), nil
	})
}

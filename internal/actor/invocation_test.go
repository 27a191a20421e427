package actor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgfacade/dgfacade/internal/handler"
	"github.com/dgfacade/dgfacade/internal/model"
)

func TestInvocation_Run_Success(t *testing.T) {
	h := handler.Func(func(_ context.Context, req model.DGRequest) (map[string]any, error) {
		return req.Payload, nil
	})
	req := model.DGRequest{RequestID: "r1", Payload: map[string]any{"x": 1.0}}
	inv := NewInvocation("hdl-1", req, model.HandlerConfig{}, h, nil)

	var states []model.HandlerRunState
	inv.OnStateChange = func(s model.HandlerRunState) { states = append(states, s) }

	resp := inv.Run(context.Background(), time.Second, 10*time.Millisecond)

	assert.Equal(t, model.StatusSuccess, resp.Status)
	assert.Equal(t, req.Payload, resp.Payload)
	assert.Equal(t, []model.HandlerRunState{model.StateRunning, model.StateDone}, states)
}

func TestInvocation_Run_Timeout(t *testing.T) {
	h := handler.Func(func(ctx context.Context, _ model.DGRequest) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	req := model.DGRequest{RequestID: "r2"}
	inv := NewInvocation("hdl-2", req, model.HandlerConfig{}, h, nil)

	resp := inv.Run(context.Background(), 5*time.Millisecond, 20*time.Millisecond)

	assert.Equal(t, model.StatusTimeout, resp.Status)
	require.NotNil(t, resp.ErrorMessage)
	assert.Equal(t, "handler exceeded configured ttl", *resp.ErrorMessage)
}

func TestInvocation_Run_HandlerError_IsSanitized(t *testing.T) {
	h := handler.Func(func(_ context.Context, _ model.DGRequest) (map[string]any, error) {
		return nil, errors.New("leaking internal db password")
	})
	req := model.DGRequest{RequestID: "r3"}
	inv := NewInvocation("hdl-3", req, model.HandlerConfig{}, h, nil)

	resp := inv.Run(context.Background(), time.Second, 10*time.Millisecond)

	assert.Equal(t, model.StatusError, resp.Status)
	require.NotNil(t, resp.ErrorMessage)
	assert.Equal(t, "handler execution failed", *resp.ErrorMessage)
	assert.NotContains(t, *resp.ErrorMessage, "password")
}

func TestInvocation_Run_Panic_IsRecovered(t *testing.T) {
	h := handler.Func(func(_ context.Context, _ model.DGRequest) (map[string]any, error) {
		panic("boom")
	})
	req := model.DGRequest{RequestID: "r4"}
	inv := NewInvocation("hdl-4", req, model.HandlerConfig{}, h, nil)

	resp := inv.Run(context.Background(), time.Second, 10*time.Millisecond)

	assert.Equal(t, model.StatusError, resp.Status)
}

func TestInvocation_Run_Streaming_Handoff(t *testing.T) {
	producerCalled := make(chan struct{}, 1)
	h := handler.StreamingFunc(func(_ context.Context, _ model.DGRequest) (handler.Producer, error) {
		return handler.ProducerFunc(func(ctx context.Context, emit func(map[string]any) error) error {
			<-ctx.Done()
			return nil
		}), nil
	})
	req := model.DGRequest{RequestID: "r5"}
	inv := NewInvocation("hdl-5", req, model.HandlerConfig{}, h, nil)
	inv.OnStreaming = func(_ handler.Producer) { producerCalled <- struct{}{} }

	resp := inv.Run(context.Background(), time.Second, 10*time.Millisecond)

	assert.Equal(t, model.StatusStreamingStarted, resp.Status)
	select {
	case <-producerCalled:
	case <-time.After(time.Second):
		t.Fatal("OnStreaming was not invoked")
	}
}

func TestInvocation_Cancel(t *testing.T) {
	started := make(chan struct{})
	h := handler.Func(func(ctx context.Context, _ model.DGRequest) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	req := model.DGRequest{RequestID: "r6"}
	inv := NewInvocation("hdl-6", req, model.HandlerConfig{}, h, nil)

	done := make(chan model.DGResponse, 1)
	go func() { done <- inv.Run(context.Background(), time.Minute, 20*time.Millisecond) }()

	<-started
	inv.Cancel()

	select {
	case resp := <-done:
		assert.Equal(t, model.StatusError, resp.Status)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Cancel")
	}
}

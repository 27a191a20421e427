// Package engine implements the Execution Engine (spec §4.5): the component
// that takes an admitted DGRequest, resolves its caller and handler binding,
// dispatches it through the Handler Actor Supervisor, and mirrors its
// lifecycle into metrics and the Recent-State Ring.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dgfacade/dgfacade/internal/actor"
	"github.com/dgfacade/dgfacade/internal/handler"
	"github.com/dgfacade/dgfacade/internal/metrics"
	"github.com/dgfacade/dgfacade/internal/model"
	"github.com/dgfacade/dgfacade/internal/registry"
	"github.com/dgfacade/dgfacade/internal/security"
)

// Sentinel errors surfaced to ingress adapters; they map onto spec §7's
// error taxonomy without leaking internal detail.
var (
	ErrUnauthorized  = errors.New("engine: unauthorized")
	ErrNoHandler     = errors.New("engine: no handler bound for user/request_type")
	ErrBackpressure  = errors.New("engine: backpressure")
)

// StreamingSink receives a handoff when a handler's response is a Producer
// instead of a terminal value (spec §4.6). The Engine itself does not run
// streaming sessions; it hands the producer to whatever implements this,
// normally the Streaming Session Manager.
type StreamingSink interface {
	Start(ctx context.Context, handlerID string, req model.DGRequest, cfg model.HandlerConfig, producer handler.Producer) (sessionID string)
}

// Engine is the Execution Engine. It owns no goroutines of its own beyond
// what Supervisor and StateRing already run; Submit is synchronous from the
// caller's point of view up to admission, and blocks for the invocation's
// terminal result (or returns immediately after STREAMING_STARTED).
type Engine struct {
	users      *security.UserService
	registry   *registry.Registry
	handlers   *handler.Registry
	supervisor *actor.Supervisor
	metrics    *metrics.Registry
	ring       *metrics.StateRing
	streaming  StreamingSink
	logger     *zap.Logger
}

// New constructs an Engine from its already-built dependencies.
func New(
	users *security.UserService,
	reg *registry.Registry,
	handlers *handler.Registry,
	supervisor *actor.Supervisor,
	metricsRegistry *metrics.Registry,
	ring *metrics.StateRing,
	streaming StreamingSink,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		users:      users,
		registry:   reg,
		handlers:   handlers,
		supervisor: supervisor,
		metrics:    metricsRegistry,
		ring:       ring,
		streaming:  streaming,
		logger:     logger,
	}
}

// Submit implements spec §4.5's eight admission steps: resolve the caller,
// look up the handler binding, mint a handler_id, record QUEUED state, emit
// admission metrics, submit to the supervisor, and wait for the terminal
// response (or the STREAMING_STARTED handoff).
func (e *Engine) Submit(ctx context.Context, req model.DGRequest) (model.DGResponse, error) {
	userID, ok := e.users.ResolveUserFromApiKey(req.APIKey)
	if !ok {
		return model.NewErrorResponse(req.RequestID, model.StatusError, "Invalid or disabled API key"), ErrUnauthorized
	}
	req.ResolvedUserID = userID

	cfg, ok := e.registry.FindHandler(userID, req.RequestType)
	if !ok {
		return model.NewErrorResponse(req.RequestID, model.StatusError, fmt.Sprintf("No handler for request_type=%s", req.RequestType)), ErrNoHandler
	}

	h, ok := e.handlers.Lookup(cfg.HandlerClass)
	if !ok {
		return model.NewErrorResponse(req.RequestID, model.StatusError, fmt.Sprintf("No handler for request_type=%s", req.RequestType)),
			fmt.Errorf("%w: handler_class %q not registered", ErrNoHandler, cfg.HandlerClass)
	}

	handlerID := "hdl-" + uuid.New().String()[:12]
	startedAt := time.Now().UTC()

	labels := []string{req.RequestType, userID, string(req.SourceChannel)}
	e.recordState(model.HandlerState{
		HandlerID:     handlerID,
		RequestID:     req.RequestID,
		RequestType:   req.RequestType,
		UserID:        userID,
		HandlerClass:  cfg.HandlerClass,
		SourceChannel: req.SourceChannel,
		State:         model.StateQueued,
		StartedAt:     startedAt,
	})

	if e.metrics != nil {
		e.metrics.RequestsStarted.WithLabelValues(labels...).Inc()
		e.metrics.PayloadBytes.WithLabelValues(req.RequestType).Observe(float64(payloadSize(req.Payload)))
	}

	resultCh := make(chan model.DGResponse, 1)
	execReq := &actor.ExecuteRequest{
		HandlerID: handlerID,
		Request:   req,
		Config:    cfg,
		Handler:   h,
		ResultCh:  resultCh,
		OnStateChange: func(state model.HandlerRunState) {
			e.recordState(model.HandlerState{
				HandlerID:     handlerID,
				RequestID:     req.RequestID,
				RequestType:   req.RequestType,
				UserID:        userID,
				HandlerClass:  cfg.HandlerClass,
				SourceChannel: req.SourceChannel,
				State:         state,
				StartedAt:     startedAt,
				EndedAt:       time.Now().UTC(),
			})
		},
	}
	if e.streaming != nil {
		execReq.OnStreaming = func(p handler.Producer) {
			e.streaming.Start(context.Background(), handlerID, req, cfg, p)
		}
	}

	if err := e.supervisor.Submit(execReq); err != nil {
		if e.metrics != nil {
			e.metrics.RequestsError.WithLabelValues(labels...).Inc()
		}
		return model.NewErrorResponse(req.RequestID, model.StatusError, "backpressure: handler supervisor rejected submission"), ErrBackpressure
	}

	select {
	case resp := <-resultCh:
		e.recordCompletion(labels, req.RequestType, resp, startedAt)
		return resp, nil
	case <-ctx.Done():
		return model.NewErrorResponse(req.RequestID, model.StatusTimeout, "request cancelled or timed out"), ctx.Err()
	}
}

// ReloadConfigs reloads the Handler Registry's bindings and the User/ApiKey
// Service's snapshot from their backing sources (spec §4.5 Reload).
func (e *Engine) ReloadConfigs() error {
	if err := e.registry.Reload(); err != nil {
		return fmt.Errorf("reload handler registry: %w", err)
	}
	if err := e.users.Reload(); err != nil {
		return fmt.Errorf("reload user service: %w", err)
	}
	return nil
}

// Shutdown drains the supervisor, giving in-flight invocations up to drain
// to finish cooperatively before forced cancellation (spec §4.5 Shutdown).
func (e *Engine) Shutdown(drain time.Duration) {
	e.supervisor.Shutdown(drain)
}

func (e *Engine) recordState(state model.HandlerState) {
	if e.ring != nil {
		e.ring.Add(state)
	}
}

func (e *Engine) recordCompletion(labels []string, requestType string, resp model.DGResponse, startedAt time.Time) {
	if e.metrics == nil {
		return
	}
	switch resp.Status {
	case model.StatusSuccess, model.StatusStreamingStarted:
		e.metrics.RequestsSuccess.WithLabelValues(labels...).Inc()
	case model.StatusTimeout:
		e.metrics.RequestsTimeout.WithLabelValues(labels...).Inc()
	default:
		e.metrics.RequestsError.WithLabelValues(labels...).Inc()
	}
	e.metrics.DurationMS.WithLabelValues(labels...).Observe(float64(time.Since(startedAt).Milliseconds()))
}

func payloadSize(payload map[string]any) int {
	n := 0
	for k, v := range payload {
		n += len(k)
		n += len(fmt.Sprintf("%v", v))
	}
	return n
}

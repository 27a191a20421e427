// Package actor implements the Handler Actor and Supervisor (spec §4.4): one
// isolated mailbox goroutine per invocation, enforcing TTL and cooperative
// cancellation, supervised by a bounded worker pool with admission control.
package actor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgfacade/dgfacade/internal/handler"
	"github.com/dgfacade/dgfacade/internal/model"
)

// Command is the Handler Actor's message alphabet (spec §4.4).
type Command string

const (
	CmdStart             Command = "Start"
	CmdCancel            Command = "Cancel"
	CmdTimeout           Command = "Timeout"
	CmdInternalComplete  Command = "InternalComplete"
	CmdInternalFailure   Command = "InternalFailure"
)

// Invocation is a single-consumer mailbox bound to exactly one admitted
// request. It owns its HandlerState transitions exclusively (spec §3
// Ownership) and dispatches to the handler implementation named by
// handler_class.
type Invocation struct {
	HandlerID     string
	Request       model.DGRequest
	Config        model.HandlerConfig
	Handler       handler.Handler
	Logger        *zap.Logger

	// OnStateChange is invoked on every RUNNING/DONE/ERROR/CANCELLED/
	// TIMED_OUT transition so the Engine can mirror it into the Recent-State
	// Ring. A streaming handoff reports RUNNING only.
	OnStateChange func(model.HandlerRunState)

	// OnStreaming is invoked when the handler hands back a Producer instead
	// of a terminal response, transferring ownership to the caller (the
	// Streaming Session Manager).
	OnStreaming func(handler.Producer)

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewInvocation constructs an Invocation ready to Run.
func NewInvocation(handlerID string, req model.DGRequest, cfg model.HandlerConfig, h handler.Handler, logger *zap.Logger) *Invocation {
	return &Invocation{
		HandlerID: handlerID,
		Request:   req,
		Config:    cfg,
		Handler:   h,
		Logger:    logger,
	}
}

// Cancel sends the Cancel command: it signals the handler's context and
// lets Run observe the cancellation cooperatively.
func (inv *Invocation) Cancel() {
	inv.mu.Lock()
	cancel := inv.cancel
	inv.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

type handlerResult struct {
	response *model.DGResponse
	producer handler.Producer
	err      error
}

// Run dispatches to the handler under a TTL deadline and returns the
// terminal (or STREAMING_STARTED) response. grace bounds how long Run waits
// for an abandoned handler to acknowledge cancellation before giving up and
// logging it (spec §4.4 "Timeout").
func (inv *Invocation) Run(parent context.Context, ttl time.Duration, grace time.Duration) model.DGResponse {
	ctx, cancel := context.WithTimeout(parent, ttl)
	inv.mu.Lock()
	inv.cancel = cancel
	inv.mu.Unlock()
	defer cancel()

	inv.transition(model.StateRunning)

	resultCh := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- handlerResult{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		resp, producer, err := inv.Handler.Handle(ctx, inv.Request)
		resultCh <- handlerResult{response: resp, producer: producer, err: err}
	}()

	select {
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			inv.transition(model.StateTimedOut)
			inv.awaitAbandon(resultCh, grace, "timeout")
			return model.NewErrorResponse(inv.Request.RequestID, model.StatusTimeout, "handler exceeded configured ttl")
		}
		inv.transition(model.StateCancelled)
		inv.awaitAbandon(resultCh, grace, "cancel")
		return model.NewErrorResponse(inv.Request.RequestID, model.StatusError, "invocation cancelled")

	case r := <-resultCh:
		if r.err != nil {
			inv.transition(model.StateError)
			if inv.Logger != nil {
				inv.Logger.Warn("handler failed", zap.String("handler_id", inv.HandlerID), zap.Error(r.err))
			}
			return model.NewErrorResponse(inv.Request.RequestID, model.StatusError, "handler execution failed")
		}
		if r.producer != nil {
			if inv.OnStreaming != nil {
				inv.OnStreaming(r.producer)
			}
			return model.DGResponse{
				RequestID: inv.Request.RequestID,
				Status:    model.StatusStreamingStarted,
				EmittedAt: time.Now().UTC(),
			}
		}
		inv.transition(model.StateDone)
		if r.response != nil {
			return *r.response
		}
		return model.NewSuccessResponse(inv.Request.RequestID, nil)
	}
}

// awaitAbandon waits up to grace for a cancelled/timed-out handler to
// acknowledge before abandoning it (spec §4.4: "if it does not acknowledge
// within a grace interval, it is abandoned and logged"). Abandoned handler
// goroutines are never forcibly killed (spec §5); they leak until their own
// code observes ctx.Done().
func (inv *Invocation) awaitAbandon(resultCh <-chan handlerResult, grace time.Duration, reason string) {
	select {
	case <-resultCh:
	case <-time.After(grace):
		if inv.Logger != nil {
			inv.Logger.Warn("handler abandoned after grace period",
				zap.String("handler_id", inv.HandlerID),
				zap.String("reason", reason))
		}
	}
}

func (inv *Invocation) transition(state model.HandlerRunState) {
	if inv.OnStateChange != nil {
		inv.OnStateChange(state)
	}
}

// Package handler defines the in-process handler implementation contract
// dispatched to by the Handler Actor (spec §4.4), and a small set of builtin
// handlers used for the facade's own selftest/echo request types.
package handler

import (
	"context"

	"github.com/dgfacade/dgfacade/internal/model"
)

// Handler is user-defined logic addressed by (user, request_type). It runs
// once per admitted request inside a Handler Actor's mailbox goroutine.
//
// A non-streaming Handler returns a terminal DGResponse. A streaming Handler
// instead returns (nil, producer, nil): the actor treats a non-nil Producer
// as the signal to hand off to the Streaming Session Manager (spec §4.4,
// §4.6). ctx is cancelled on Cancel/Timeout; handlers must observe it to
// cooperate with cancellation (spec §5).
type Handler interface {
	Handle(ctx context.Context, req model.DGRequest) (*model.DGResponse, Producer, error)
}

// Producer is the capability a streaming handler returns instead of a
// terminal response (spec §4.6). Its Run method pushes payloads through emit
// until the context is cancelled or the producer returns.
type Producer interface {
	// Run drives the production loop, emitting through emit until ctx is
	// cancelled, the handler completes normally, or an error occurs.
	Run(ctx context.Context, emit func(payload map[string]any) error) error
}

// Func adapts a plain function into a non-streaming Handler.
type Func func(ctx context.Context, req model.DGRequest) (map[string]any, error)

func (f Func) Handle(ctx context.Context, req model.DGRequest) (*model.DGResponse, Producer, error) {
	payload, err := f(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	resp := model.NewSuccessResponse(req.RequestID, payload)
	return &resp, nil, nil
}

// ProducerFunc adapts a plain function into a Producer.
type ProducerFunc func(ctx context.Context, emit func(payload map[string]any) error) error

func (f ProducerFunc) Run(ctx context.Context, emit func(payload map[string]any) error) error {
	return f(ctx, emit)
}

// StreamingFunc adapts a function returning a Producer into a streaming Handler.
type StreamingFunc func(ctx context.Context, req model.DGRequest) (Producer, error)

func (f StreamingFunc) Handle(ctx context.Context, req model.DGRequest) (*model.DGResponse, Producer, error) {
	producer, err := f(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	return nil, producer, nil
}

// Registry resolves a handler_class to a runnable Handler. It is distinct
// from the Handler Registry (spec §4.2, package registry) which resolves
// (user, request_type) to a HandlerConfig naming a handler_class; this
// registry performs the second half of that mapping, handler_class -> code.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry builds an empty handler-class registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds handlerClass to an implementation. Not safe for concurrent
// use with Lookup; intended to be called once during process wiring.
func (r *Registry) Register(handlerClass string, h Handler) {
	r.handlers[handlerClass] = h
}

// Lookup resolves handlerClass to its Handler.
func (r *Registry) Lookup(handlerClass string) (Handler, bool) {
	h, ok := r.handlers[handlerClass]
	return h, ok
}

package actor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgfacade/dgfacade/internal/config"
	"github.com/dgfacade/dgfacade/internal/handler"
	"github.com/dgfacade/dgfacade/internal/metrics"
	"github.com/dgfacade/dgfacade/internal/model"
)

// ErrBackpressure is returned when the supervisor cannot admit more work:
// active worker count is at max_pool_size and the mailbox is full (spec
// §4.4, invariant P5).
var ErrBackpressure = errors.New("supervisor: backpressure")

// ExecuteRequest is what the Execution Engine hands to the supervisor for
// one admitted invocation (spec §4.5 step 6).
type ExecuteRequest struct {
	HandlerID     string
	Request       model.DGRequest
	Config        model.HandlerConfig
	Handler       handler.Handler
	OnStateChange func(model.HandlerRunState)
	OnStreaming   func(handler.Producer)
	ResultCh      chan<- model.DGResponse
}

// Supervisor is the parent of Handler Actors: it enforces pool sizing and
// fault containment (spec §4.4). Workers are long-lived goroutines that
// pull from a bounded mailbox once spawned; min_pool_size workers are
// started eagerly and kept warm, additional workers up to max_pool_size are
// spawned on demand as admitted work arrives, and all workers persist until
// Shutdown — this avoids spawn/retire churn while still bounding
// concurrency to max_pool_size exactly as spec's admission policy requires.
type Supervisor struct {
	maxPool         int
	handlerTimeout  time.Duration
	cancelGrace     time.Duration

	pending  chan *ExecuteRequest
	active   atomic.Int64
	limiter  *rate.Limiter
	draining atomic.Bool

	logger  *zap.Logger
	metrics *metrics.Registry

	rootCtx    context.Context
	rootCancel context.CancelFunc
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// NewSupervisor builds and starts a Supervisor per cfg.
func NewSupervisor(cfg config.ActorConfig, logger *zap.Logger, metricsRegistry *metrics.Registry) *Supervisor {
	rootCtx, rootCancel := context.WithCancel(context.Background())

	s := &Supervisor{
		maxPool:        cfg.MaxPoolSize,
		handlerTimeout: time.Duration(cfg.HandlerTimeoutSeconds) * time.Second,
		cancelGrace:    cfg.CancelGrace,
		pending:        make(chan *ExecuteRequest, cfg.MailboxCapacity),
		// Burst equals total admittable capacity (pool + mailbox) so a burst
		// that Submit's own CAS/mailbox logic would admit is never refused by
		// the limiter first; it only engages against sustained floods well
		// beyond that capacity.
		limiter: rate.NewLimiter(rate.Limit((cfg.MaxPoolSize+cfg.MailboxCapacity)*50), cfg.MaxPoolSize+cfg.MailboxCapacity),
		logger:     logger,
		metrics:    metricsRegistry,
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		stopCh:     make(chan struct{}),
	}

	s.active.Store(int64(cfg.MinPoolSize))
	for i := 0; i < cfg.MinPoolSize; i++ {
		s.wg.Add(1)
		go s.workerLoop(nil)
	}

	return s
}

// Submit admits work under the policy in spec §4.4: spawn a new worker if
// below max_pool_size, otherwise enqueue onto the bounded mailbox,
// otherwise fail with ErrBackpressure without spawning anything.
func (s *Supervisor) Submit(req *ExecuteRequest) error {
	if s.draining.Load() {
		return ErrBackpressure
	}
	if !s.limiter.Allow() {
		s.countBackpressure("rate_limit")
		return ErrBackpressure
	}

	for {
		cur := s.active.Load()
		if cur >= int64(s.maxPool) {
			break
		}
		if s.active.CompareAndSwap(cur, cur+1) {
			s.wg.Add(1)
			go s.workerLoop(req)
			return nil
		}
	}

	select {
	case s.pending <- req:
		return nil
	default:
		s.countBackpressure("mailbox_full")
		return ErrBackpressure
	}
}

func (s *Supervisor) countBackpressure(reason string) {
	if s.metrics != nil {
		s.metrics.Backpressure.WithLabelValues(reason).Inc()
	}
}

// workerLoop is a single persistent worker. first is nil for eagerly
// pre-warmed min_pool_size workers (they start by waiting on pending), and
// non-nil for on-demand workers spawned by Submit for a specific item.
func (s *Supervisor) workerLoop(first *ExecuteRequest) {
	defer s.wg.Done()

	work := first
	for {
		if work == nil {
			select {
			case w := <-s.pending:
				work = w
			case <-s.stopCh:
				s.active.Add(-1)
				return
			}
		}
		s.runOne(work)
		work = nil
	}
}

func (s *Supervisor) runOne(work *ExecuteRequest) {
	defer func() {
		if r := recover(); r != nil {
			// A worker failing unexpectedly is removed and the result sink
			// completes with ERROR; other workers are unaffected (spec §4.4
			// Supervision).
			if s.logger != nil {
				s.logger.Error("worker panicked", zap.Any("recovered", r), zap.String("handler_id", work.HandlerID))
			}
			work.ResultCh <- model.NewErrorResponse(work.Request.RequestID, model.StatusError, "internal error")
		}
	}()

	inv := NewInvocation(work.HandlerID, work.Request, work.Config, work.Handler, s.logger)
	inv.OnStateChange = work.OnStateChange
	inv.OnStreaming = work.OnStreaming

	ttl := time.Duration(work.Config.TTLMinutes) * time.Minute
	if ttl <= 0 {
		ttl = s.handlerTimeout
	}

	resp := inv.Run(s.rootCtx, ttl, s.cancelGrace)
	work.ResultCh <- resp
}

// Shutdown stops accepting new work, waits up to drain for active
// invocations to finish, then forcibly cancels the rest (spec §4.5
// Shutdown).
func (s *Supervisor) Shutdown(drain time.Duration) {
	s.draining.Store(true)
	close(s.stopCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drain):
		s.rootCancel()
		<-done
	}
}

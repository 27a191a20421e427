package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/dgfacade/dgfacade/internal/config"
	"github.com/dgfacade/dgfacade/internal/model"
)

// Submitter is the ingress-facing dependency: it admits a DGRequest and
// returns its terminal (or STREAMING_STARTED) response. Implemented by
// *engine.Engine.
type Submitter interface {
	Submit(ctx context.Context, req model.DGRequest) (model.DGResponse, error)
}

// Server accepts WebSocket connections on cfg.WebSocket.Path, reads one
// DGRequest per frame, submits it through Submitter, registers the
// connection under the request's request_id so streaming updates and the
// initial response can be published back via Hub, and writes whatever the
// Hub queues for that connection back out to the socket.
type Server struct {
	cfg     config.Config
	logger  *zap.Logger
	hub     *Hub
	submit  Submitter

	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer builds a Server. submit may be nil if this process only
// publishes (pure egress, no WebSocket ingress).
func NewServer(cfg config.Config, logger *zap.Logger, hub *Hub, submit Submitter) *Server {
	return &Server{cfg: cfg, logger: logger, hub: hub, submit: submit}
}

func (s *Server) Start(ctx context.Context) error {
	if s.listener != nil {
		return errors.New("websocket server already started")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	s.logger.Info("websocket transport listening", zap.String("addr", addr), zap.String("path", s.cfg.WebSocket.Path))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()
	return nil
}

func (s *Server) Stop() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("accept error", zap.Error(err))
			return
		}
		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.handleConnection(ctx, c)
		}(conn)
	}
}

func (s *Server) handleConnection(parent context.Context, conn net.Conn) {
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(10 * time.Second)); err != nil {
		s.logger.Debug("set deadline", zap.Error(err))
	}
	if _, err := ws.Upgrade(conn); err != nil {
		s.logger.Debug("upgrade failed", zap.Error(err))
		return
	}
	_ = conn.SetDeadline(time.Time{})

	connCtx, cancel := context.WithCancel(parent)
	defer cancel()

	var registration *Connection
	defer func() {
		if registration != nil {
			s.hub.Unregister(registration)
		}
	}()

	done := make(chan struct{})
	writerStarted := make(chan *Connection, 1)
	go func() {
		defer close(done)
		reg := <-writerStarted
		if reg != nil {
			s.writeLoop(connCtx, reg, conn)
		}
	}()

	s.readLoop(connCtx, conn, func(reg *Connection) { registration = reg; writerStarted <- reg })
	cancel()
	<-done
}

// readLoop decodes one DGRequest per text/binary frame, submits it, and
// registers the connection under the request_id so the response (and any
// streaming updates that follow) route back here.
func (s *Server) readLoop(ctx context.Context, conn net.Conn, onRegister func(*Connection)) {
	reader := wsutil.NewReader(conn, ws.StateServerSide)
	registered := false

	for {
		select {
		case <-ctx.Done():
			if !registered {
				onRegister(nil)
			}
			return
		default:
		}

		head, err := reader.NextFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("read frame error", zap.Error(err))
			}
			if !registered {
				onRegister(nil)
			}
			return
		}

		switch head.OpCode {
		case ws.OpClose:
			_ = wsutil.WriteServerMessage(conn, ws.OpClose, nil)
			if !registered {
				onRegister(nil)
			}
			return
		case ws.OpPing:
			if err := wsutil.WriteServerMessage(conn, ws.OpPong, nil); err != nil {
				return
			}
		case ws.OpText, ws.OpBinary:
			payload := make([]byte, head.Length)
			if _, err := io.ReadFull(reader, payload); err != nil {
				s.logger.Debug("read message error", zap.Error(err))
				if !registered {
					onRegister(nil)
				}
				return
			}
			s.handleRequestFrame(ctx, conn, payload, &registered, onRegister)
		default:
			if _, err := io.CopyN(io.Discard, reader, int64(head.Length)); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleRequestFrame(ctx context.Context, conn net.Conn, payload []byte, registered *bool, onRegister func(*Connection)) {
	var req model.DGRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.logger.Debug("invalid request frame", zap.Error(err))
		return
	}
	req.SourceChannel = model.ChannelWebSocket
	req.CreatedAt = time.Now().UTC()

	if !*registered {
		reg := s.hub.Register(req.RequestID)
		*registered = true
		onRegister(reg)
	}

	if s.submit == nil {
		return
	}
	go func() {
		// Submit already returns a fully-formed DGResponse with the spec's
		// literal error_message text (spec §4.5 steps 1/3) on failure; this
		// layer writes it through rather than inventing its own wording.
		resp, err := s.submit.Submit(ctx, req)
		if err != nil && resp.RequestID == "" {
			resp = model.NewErrorResponse(req.RequestID, model.StatusError, "request could not be admitted")
		}
		body, _ := json.Marshal(resp)
		// Routed through the Hub (not written to conn directly) so it never
		// interleaves with writeLoop's own writes to the same net.Conn.
		_ = s.hub.Publish(ctx, req.RequestID, model.MessageEnvelope{
			MessageID:   req.RequestID,
			Timestamp:   time.Now().UTC(),
			ContentType: "application/json",
			Payload:     body,
		})
	}()
}

func (s *Server) writeLoop(ctx context.Context, conn *Connection, rawConn net.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-conn.SendQueue:
			if !ok {
				return
			}
			if err := wsutil.WriteServerMessage(rawConn, ws.OpText, payload); err != nil {
				s.logger.Debug("write message error", zap.Error(err))
				return
			}
		}
	}
}

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatrelay/chatrelay/auth"
	"github.com/chatrelay/chatrelay/broker"
	"github.com/chatrelay/chatrelay/internal/logctx"
	"github.com/chatrelay/chatrelay/store"
)

// Config tunes the relay server. Zero values fall back to the defaults.
type Config struct {
	// HistoryLimit bounds the backfill window sent on join. Default 20.
	HistoryLimit int `env:"HISTORY_LIMIT,default=20"`
	// PingInterval is the heartbeat period; a connection that fails to
	// acknowledge one full cycle is terminated. Default 30s.
	PingInterval time.Duration `env:"PING_INTERVAL,default=30s"`
	// OpTimeout bounds each store/broker call a client frame triggers.
	// Default 10s.
	OpTimeout time.Duration `env:"OP_TIMEOUT,default=10s"`
	// SendBuffer is the per-connection outbound queue depth. Default 256.
	SendBuffer int `env:"SEND_BUFFER,default=256"`
}

func (c Config) withDefaults() Config {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 20
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	return c
}

// Server owns every live connection: the per-connection protocol state
// machine, heartbeat liveness, and dispatch into the subscription manager.
type Server struct {
	cfg     Config
	auth    auth.Authenticator
	manager *Manager
	log     *slog.Logger

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	closed bool
}

// NewServer assembles the relay around its three collaborators.
func NewServer(cfg Config, authenticator auth.Authenticator, st store.Store, br broker.Broker, log *slog.Logger) *Server {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		auth:    authenticator,
		manager: NewManager(st, br, cfg.HistoryLimit, cfg.OpTimeout, log),
		log:     log,
		conns:   make(map[*Conn]struct{}),
	}
}

// HandleTransport runs the full lifecycle for one client connection and
// blocks until it ends. Callers run it in one goroutine per accepted
// transport.
func (s *Server) HandleTransport(t Transport) {
	c := newConn(uuid.NewString(), t, s.cfg.SendBuffer, s.log)
	ctx := logctx.WithConnData(context.Background(), &logctx.ConnData{
		ConnID:     c.id,
		RemoteAddr: t.RemoteAddr(),
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.close()
		// The writer goroutine never starts for a rejected connection, so
		// the transport is closed here.
		_ = t.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	s.log.InfoContext(ctx, "connection accepted")

	go c.writeLoop()
	go s.heartbeat(ctx, c)

	s.readLoop(ctx, c)

	// Teardown: unconditional and idempotent, same path for clean and
	// unclean closes.
	c.close()
	s.manager.Cleanup(c)
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.log.InfoContext(ctx, "connection closed")
}

// readLoop drives the state machine off inbound frames until the transport
// dies.
func (s *Server) readLoop(ctx context.Context, c *Conn) {
	for {
		raw, err := c.transport.ReadFrame()
		if err != nil {
			if c.currentState() != stateClosed {
				s.log.WarnContext(ctx, "transport read failed", slog.String("err", err.Error()))
			}
			return
		}
		if closed := s.handleFrame(ctx, c, raw); closed {
			return
		}
	}
}

// heartbeat probes the connection every ping interval and terminates it when
// a full cycle passes unacknowledged. This bounds resource leakage from
// half-open transports.
func (s *Server) heartbeat(ctx context.Context, c *Conn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if !c.probe() {
				s.log.WarnContext(ctx, "liveness probe unacknowledged, terminating connection")
				c.close()
				return
			}
		}
	}
}

// handleFrame dispatches one parsed frame per the connection state machine.
// The returned bool is true when the connection must not read further.
func (s *Server) handleFrame(ctx context.Context, c *Conn, raw []byte) (closed bool) {
	frame, err := parseClientFrame(raw)
	if err != nil {
		s.log.WarnContext(ctx, "invalid frame", slog.String("err", err.Error()))
		c.sendError("invalid frame: " + err.Error())
		return false
	}

	ctx = logctx.WithFrameData(ctx, &logctx.FrameData{Type: frame.Type, RoomID: frame.RoomID})

	switch frame.Type {
	case FrameAuth:
		return s.handleAuth(ctx, c, frame.Token)

	case FrameJoin, FrameLeave, FrameMessage, FrameSend:
		if !c.authenticated() {
			c.sendError(ErrNotAuthenticated.Error())
			return false
		}
		s.handleRoomOp(ctx, c, frame)
		return false

	default:
		s.log.WarnContext(ctx, "unknown frame type")
		c.sendError(fmt.Sprintf("unknown frame type %q", frame.Type))
		return false
	}
}

// handleAuth verifies the bearer token. Failure is terminal for the
// connection attempt: the client must reconnect and resend AUTH.
func (s *Server) handleAuth(ctx context.Context, c *Conn, token string) (closed bool) {
	if c.authenticated() {
		c.sendError(ErrAlreadyAuthenticated.Error())
		return false
	}

	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	ui, err := s.auth.CheckAuthentication(opCtx, token)
	if err != nil {
		s.log.WarnContext(ctx, "authentication failed", slog.String("err", err.Error()))
		c.sendError("authentication failed")
		c.close()
		return true
	}

	if !c.setAuthenticated(ui.UserID(), ui.Username()) {
		// Connection closed under us mid-verification.
		return true
	}

	ctx = logctx.WithUserData(ctx, &logctx.UserData{UserID: ui.UserID(), Username: ui.Username()})
	s.log.InfoContext(ctx, "user authenticated")
	c.send(authSuccessFrame{Type: FrameAuthSuccess, Username: ui.Username()})
	return false
}

func (s *Server) handleRoomOp(ctx context.Context, c *Conn, frame *clientFrame) {
	var err error
	switch frame.Type {
	case FrameJoin:
		err = s.manager.Join(ctx, c, frame.RoomID)
	case FrameLeave:
		err = s.manager.Leave(c, frame.RoomID)
	case FrameMessage, FrameSend:
		err = s.manager.Send(ctx, c, frame.RoomID, frame.Content)
	}
	if err != nil {
		s.log.WarnContext(ctx, "room operation failed", slog.String("err", err.Error()))
		c.sendError(clientMessage(err))
	}
}

// clientMessage maps an internal failure onto the ERROR frame text.
func clientMessage(err error) string {
	switch {
	case errors.Is(err, ErrRoomNotFound):
		return "room not found"
	case errors.Is(err, ErrRoomRequired):
		return "room id is required"
	case errors.Is(err, ErrEmptyContent):
		return "message content is required"
	case errors.Is(err, broker.ErrUnavailable):
		return "message broker unavailable, try again"
	case errors.Is(err, ErrStoreUnavailable):
		return "storage unavailable, try again"
	case errors.Is(err, context.DeadlineExceeded):
		return "operation timed out, try again"
	default:
		return "operation failed"
	}
}

// Close terminates every live connection and stops accepting new ones.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/chatrelay/chatrelay/broker"
)

type connState int

const (
	stateUnauthenticated connState = iota
	stateAuthenticated
	stateClosed
)

// Conn is the relay's view of one client connection. All outbound frames
// funnel through a buffered queue drained by a single writer goroutine, so
// broker deliveries and the connection's own responses never interleave
// mid-frame. The subscription map is touched by the connection's frame loop
// and by teardown, and read under the same lock.
type Conn struct {
	id        string
	transport Transport
	log       *slog.Logger

	outbound chan []byte

	mu           sync.Mutex
	state        connState
	userID       string
	username     string
	subs         map[string]broker.Subscription
	awaitingPong bool
	lastPong     time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(id string, t Transport, buffer int, log *slog.Logger) *Conn {
	if buffer <= 0 {
		buffer = 256
	}
	c := &Conn{
		id:        id,
		transport: t,
		log:       log,
		outbound:  make(chan []byte, buffer),
		subs:      make(map[string]broker.Subscription),
		lastPong:  time.Now(),
		closed:    make(chan struct{}),
	}
	t.SetPongHandler(c.notePong)
	return c
}

// ID returns the connection's correlation id.
func (c *Conn) ID() string { return c.id }

// Username returns the authenticated identity, or "" before AUTH.
func (c *Conn) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

func (c *Conn) currentState() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) authenticated() bool {
	return c.currentState() == stateAuthenticated
}

// setAuthenticated transitions UNAUTHENTICATED -> AUTHENTICATED. The
// username is set once and immutable after.
func (c *Conn) setAuthenticated(userID, username string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateUnauthenticated {
		return false
	}
	c.state = stateAuthenticated
	c.userID = userID
	c.username = username
	return true
}

// send marshals a frame and queues it for the writer goroutine. Frames for a
// closed connection are dropped silently: a recipient that went away is the
// broker redelivery policy's concern, not an error on the delivery path.
func (c *Conn) send(frame any) bool {
	raw, err := json.Marshal(frame)
	if err != nil {
		c.log.Error("marshal outbound frame", slog.String("err", err.Error()))
		return false
	}
	return c.enqueue(raw)
}

func (c *Conn) enqueue(raw []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.outbound <- raw:
		return true
	case <-c.closed:
		return false
	default:
		// Writer can't keep up; a client this far behind is effectively
		// dead and the heartbeat will reap it.
		c.log.Warn("outbound queue full, dropping frame")
		return false
	}
}

// sendError emits an ERROR frame.
func (c *Conn) sendError(msg string) {
	c.send(errorFrame{Type: FrameError, Message: msg})
}

// writeLoop is the connection's single writer and owns transport teardown:
// on close it flushes frames that were queued before the close, so a
// terminal ERROR frame still reaches the client.
func (c *Conn) writeLoop() {
	defer func() {
		if err := c.transport.Close(); err != nil {
			c.log.Debug("transport close", slog.String("err", err.Error()))
		}
	}()
	for {
		select {
		case raw := <-c.outbound:
			if err := c.transport.WriteFrame(raw); err != nil {
				c.log.Debug("transport write failed", slog.String("err", err.Error()))
				c.close()
				return
			}
		case <-c.closed:
			for {
				select {
				case raw := <-c.outbound:
					if err := c.transport.WriteFrame(raw); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *Conn) notePong() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.awaitingPong = false
	c.lastPong = time.Now()
}

// probe sends a liveness ping. It returns false when the previous probe
// cycle went unacknowledged, which marks the connection dead.
func (c *Conn) probe() bool {
	c.mu.Lock()
	if c.awaitingPong {
		c.mu.Unlock()
		return false
	}
	c.awaitingPong = true
	c.mu.Unlock()

	if err := c.transport.Ping(); err != nil {
		return false
	}
	return true
}

// addSub records the broker handle for a room. The second return is false if
// a handle already existed: joins are idempotent and never stack consumers.
func (c *Conn) addSub(roomID string, sub broker.Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.subs[roomID]; exists {
		return false
	}
	c.subs[roomID] = sub
	return true
}

func (c *Conn) hasSub(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[roomID]
	return ok
}

// removeSub detaches and returns the handle for a room, if any.
func (c *Conn) removeSub(roomID string) (broker.Subscription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[roomID]
	if ok {
		delete(c.subs, roomID)
	}
	return sub, ok
}

// takeSubs empties the subscription map and returns everything it held.
// Used by teardown; calling it twice is harmless.
func (c *Conn) takeSubs() map[string]broker.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := c.subs
	c.subs = make(map[string]broker.Subscription)
	return subs
}

// close marks the connection CLOSED. Idempotent and unconditional: every
// path into teardown funnels through here. The writer goroutine observes the
// signal, flushes, and closes the transport.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = stateClosed
		c.mu.Unlock()
		close(c.closed)
	})
}

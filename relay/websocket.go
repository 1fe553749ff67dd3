package relay

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	// readWait must outlast at least one full heartbeat cycle plus slack;
	// the pong handler pushes it forward on every acknowledgement.
	readWait = 90 * time.Second
)

// wsTransport adapts a gorilla websocket connection to the Transport
// contract. Data writes come from the connection's writer goroutine only;
// pings are control frames, which gorilla allows concurrently.
type wsTransport struct {
	conn *websocket.Conn

	mu     sync.Mutex
	pongFn func()
}

// NewWebsocketTransport wraps an upgraded websocket connection.
func NewWebsocketTransport(conn *websocket.Conn) Transport {
	t := &wsTransport{conn: conn}
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		t.mu.Lock()
		fn := t.pongFn
		t.mu.Unlock()
		if fn != nil {
			fn()
		}
		return nil
	})
	return t
}

func (t *wsTransport) ReadFrame() ([]byte, error) {
	_, raw, err := t.conn.ReadMessage()
	return raw, err
}

func (t *wsTransport) WriteFrame(p []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, p)
}

func (t *wsTransport) Ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (t *wsTransport) SetPongHandler(fn func()) {
	t.mu.Lock()
	t.pongFn = fn
	t.mu.Unlock()
}

func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

func (t *wsTransport) Close() error {
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	return t.conn.Close()
}

var _ Transport = (*wsTransport)(nil)

// WebsocketHandler upgrades HTTP requests and hands each resulting
// connection to the relay server. CheckOrigin, when nil, accepts all
// origins; deployments fronting browsers should restrict it.
func WebsocketHandler(s *Server, checkOrigin func(*http.Request) bool, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin,
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed",
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("err", err.Error()))
			return
		}
		go s.HandleTransport(NewWebsocketTransport(conn))
	})
}

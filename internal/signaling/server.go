package signaling

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait = 1 * time.Second

	// closeGrace bounds the store reconciliation that runs after a transport
	// closes. The request context is unusable at that point (the connection
	// is hijacked and may already be torn down), so cleanup runs on its own
	// deadline.
	closeGrace = 10 * time.Second
)

// Server upgrades HTTP requests on the signaling endpoint and runs one read
// loop per connection. Messages from a single connection are handled
// strictly in arrival order; connections run concurrently.
type Server struct {
	log      *slog.Logger
	router   *Router
	upgrader websocket.Upgrader

	idleTimeout     time.Duration
	pingInterval    time.Duration
	maxMessageBytes int64
}

type ServerConfig struct {
	Router          *Router
	IdleTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageBytes int64
}

func NewServer(logger *slog.Logger, cfg ServerConfig) *Server {
	return &Server{
		log:    logger,
		router: cfg.Router,
		upgrader: websocket.Upgrader{
			// Cameras are provisioned by QR payload and send no Origin header;
			// the control UI is served from this same process.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		idleTimeout:     cfg.IdleTimeout,
		pingInterval:    cfg.PingInterval,
		maxMessageBytes: cfg.MaxMessageBytes,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	wsc := &wsConn{conn: conn}
	link := s.router.NewLink(wsc)

	s.log.Debug("signaling connection opened", "remote_addr", r.RemoteAddr)

	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeGrace)
		defer cancel()
		s.router.HandleClose(ctx, link)
		_ = conn.Close()
		s.log.Debug("signaling connection closed", "remote_addr", r.RemoteAddr)
	}()

	conn.SetReadLimit(s.maxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	})

	stopPings := make(chan struct{})
	defer close(stopPings)
	go s.pingLoop(conn, stopPings)

	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		// Inbound reads also refresh the idle deadline so a chatty connection
		// that never answers pings in time is not cut off mid-negotiation.
		_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		s.router.HandleMessage(r.Context(), link, raw)
	}
}

func (s *Server) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// wsConn serializes writes to one gorilla connection so the read loop's
// replies and router broadcasts never interleave frames. The write deadline
// keeps a stalled client from blocking a broadcast.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

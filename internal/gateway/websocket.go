package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// maxFrameBytes largest inbound client message; larger frames close the connection
const maxFrameBytes = 64 << 10

// wsTransport Transport over a gorilla websocket connection. Read and
// SetReadDeadline are called from one goroutine, Write and Ping from another.
type wsTransport struct {
	conn     *websocket.Conn
	pongWait time.Duration
}

// NewWebSocketTransport wraps conn; every pong extends the read deadline by pongWait
func NewWebSocketTransport(conn *websocket.Conn, pongWait time.Duration) Transport {
	t := &wsTransport{conn: conn, pongWait: pongWait}
	conn.SetReadLimit(maxFrameBytes)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(t.pongWait))
	})
	return t
}

func (t *wsTransport) Read() ([]byte, error) {
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) Write(data []byte, timeout time.Duration) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Ping(timeout time.Duration) error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

func (t *wsTransport) SetReadDeadline(deadline time.Time) error {
	return t.conn.SetReadDeadline(deadline)
}

func (t *wsTransport) Close() error {
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return t.conn.Close()
}

// Handler upgrades HTTP requests and serves them as gateway sessions
type Handler struct {
	gateway  *Gateway
	upgrader websocket.Upgrader
	ctx      context.Context
	logger   *zap.Logger
}

// NewHandler creates the realtime endpoint. ctx bounds every session it serves.
func NewHandler(ctx context.Context, g *Gateway, allowedOrigins []string, logger *zap.Logger) *Handler {
	h := &Handler{
		gateway: g,
		ctx:     ctx,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	if len(allowedOrigins) > 0 && allowedOrigins[0] != "*" {
		allowed := make(map[string]bool, len(allowedOrigins))
		for _, o := range allowedOrigins {
			allowed[o] = true
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed[origin]
		}
	} else {
		h.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	h.gateway.Serve(h.ctx, NewWebSocketTransport(conn, h.gateway.cfg.PongWait))
}

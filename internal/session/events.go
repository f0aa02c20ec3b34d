package session

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aceteam-ai/talktime/internal/meter"
	redisclient "github.com/aceteam-ai/talktime/internal/redis"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Subscriber streams one session's signals.
type Subscriber interface {
	SubscribeSession(ctx context.Context, sessionKey string) (<-chan redisclient.SessionSignal, error)
}

// EventsConfig configures the events websocket.
type EventsConfig struct {
	// AllowedOrigins lists "*", full origins ("https://app.example"), bare
	// hosts ("app.example") or subdomain patterns ("*.example"). Requests
	// without an Origin header and loopback origins are always allowed.
	AllowedOrigins []string

	// Authorize checks that the request may watch sessionKey.
	Authorize func(r *http.Request, sessionKey string) error

	Logger *zap.Logger
}

// EventsHandler pushes pause, resume and end signals to the client of one
// session over a websocket. Signals arrive through Redis Pub/Sub, so any API
// instance can serve the socket.
type EventsHandler struct {
	sub      Subscriber
	cfg      EventsConfig
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewEventsHandler creates the websocket handler.
func NewEventsHandler(sub Subscriber, cfg EventsConfig) *EventsHandler {
	h := &EventsHandler{sub: sub, cfg: cfg, logger: cfg.Logger}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *EventsHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err == nil && u.Host != "" {
		switch u.Hostname() {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
		for _, allowed := range h.cfg.AllowedOrigins {
			if originAllowed(u, allowed) {
				return true
			}
		}
	}
	h.logger.Warn("rejecting websocket origin", zap.String("origin", origin))
	return false
}

// originAllowed compares an Origin against one AllowedOrigins entry. Hosts
// must match exactly; an entry without a port ignores the origin's port.
func originAllowed(origin *url.URL, allowed string) bool {
	allowed = strings.ToLower(strings.TrimRight(strings.TrimSpace(allowed), "/"))
	if allowed == "*" {
		return true
	}
	if scheme, rest, ok := strings.Cut(allowed, "://"); ok {
		if scheme != strings.ToLower(origin.Scheme) {
			return false
		}
		allowed = rest
	}
	host := strings.ToLower(origin.Hostname())
	if strings.Contains(allowed, ":") {
		host = strings.ToLower(origin.Host)
	}
	if suffix, ok := strings.CutPrefix(allowed, "*"); ok && strings.HasPrefix(suffix, ".") {
		return strings.HasSuffix(host, suffix) && len(host) > len(suffix)
	}
	return host == allowed
}

func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("session_key")
	if key == "" {
		http.Error(w, "session_key is required", http.StatusBadRequest)
		return
	}
	if h.cfg.Authorize != nil {
		if err := h.cfg.Authorize(r, key); err != nil {
			switch {
			case errors.Is(err, meter.ErrSessionNotFound):
				http.Error(w, "session not found", http.StatusNotFound)
			default:
				http.Error(w, "forbidden", http.StatusForbidden)
			}
			return
		}
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	// Subscribe before upgrading so no signal sent right after the
	// handshake is missed.
	signals, err := h.sub.SubscribeSession(ctx, key)
	if err != nil {
		h.logger.Error("failed to subscribe to session signals", zap.String("session_key", key), zap.Error(err))
		http.Error(w, "signals unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	h.logger.Debug("session events connected", zap.String("session_key", key))
	go h.readPump(conn, cancel)
	h.writePump(ctx, conn, key, signals)
}

// readPump discards client messages and cancels when the socket closes.
func (h *EventsHandler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("unexpected websocket close", zap.Error(err))
			}
			return
		}
	}
}

func (h *EventsHandler) writePump(ctx context.Context, conn *websocket.Conn, key string, signals <-chan redisclient.SessionSignal) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(sig); err != nil {
				h.logger.Debug("websocket write failed", zap.String("session_key", key), zap.Error(err))
				return
			}
			if sig.Type == SignalEnd {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
					time.Now().Add(writeWait))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

package coordinator

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"sentencemix/internal/platform/logger"
	"sentencemix/internal/platform/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 1 << 20
)

// DefaultOutboxSize is used when NewHandler gets a non-positive size.
const DefaultOutboxSize = 256

// Handler exposes the Coordinator over WebSocket and a few plain HTTP
// endpoints using go-chi.
type Handler struct {
	coord      *Coordinator
	log        *slog.Logger
	metrics    *metrics.Metrics
	outboxSize int
	upgrader   websocket.Upgrader
}

// NewHandler returns a Handler for coord. Metrics may be nil to disable
// metric recording (e.g. in tests).
func NewHandler(coord *Coordinator, log *slog.Logger, m *metrics.Metrics, outboxSize int) *Handler {
	if outboxSize <= 0 {
		outboxSize = DefaultOutboxSize
	}
	return &Handler{
		coord:      coord,
		log:        logger.Component(log, "transport"),
		metrics:    m,
		outboxSize: outboxSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Routes registers the handler's endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/ws", h.ServeWS)
	r.Get("/projects", h.ListProjects)
	r.Get("/healthz", h.Healthz)
}

// ListProjects handles GET /projects.
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(ProjectsBody{Projects: h.coord.ListProjects()}); err != nil {
		h.log.Debug("write project list failed", slog.String("error", err.Error()))
	}
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// ServeWS handles GET /ws. Each connection is one session: requests are read
// and applied in order, and everything the session receives (replies and
// events) goes through its outbox.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	outbox := NewOutbox(h.outboxSize)
	id := h.coord.Connect(outbox)
	done := make(chan struct{})
	go h.writePump(conn, outbox, done, id)

	defer func() {
		h.coord.Disconnect(id)
		close(done)
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Info("session read failed", slog.String("session", id), slog.String("error", err.Error()))
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		var reply Message
		req, err := DecodeRequest(data)
		if err != nil {
			h.log.Debug("invalid request", slog.String("session", id), slog.String("error", err.Error()))
			h.metrics.IncClientError(Code(err))
			reply = Err(err)
		} else {
			reply = h.coord.Dispatch(id, req)
		}
		if !outbox.Send(reply) {
			h.metrics.ObserveDelivery(false)
			h.log.Warn("outbox full, reply dropped", slog.String("session", id), slog.String("kind", req.Kind))
		}
	}
}

func (h *Handler) writePump(conn *websocket.Conn, outbox *Outbox, done <-chan struct{}, id ClientID) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg := <-outbox.C():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					h.log.Info("session write failed", slog.String("session", id), slog.String("error", err.Error()))
				}
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

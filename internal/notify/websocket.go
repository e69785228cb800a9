package notify

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	catalog "loomwatch/internal/catalog/domain"
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	// pingPeriod must stay below pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Dashboards are served from other origins; CORS is enforced at the proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocketHandler upgrades dashboard connections and relays hub frames.
// Each client first receives the material catalog, then machine updates.
type WebSocketHandler struct {
	hub       *Hub
	materials catalog.Lister
	logger    *log.Logger
}

// NewWebSocketHandler constructs the handler. materials may be nil.
func NewWebSocketHandler(hub *Hub, materials catalog.Lister, logger *log.Logger) *WebSocketHandler {
	if logger == nil {
		logger = log.Default()
	}
	return &WebSocketHandler{hub: hub, materials: materials, logger: logger}
}

// ServeHTTP handles GET /ws. Blocks until the connection closes.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.hub == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sub := h.hub.Subscribe("ws")
	if frame, ok := h.catalogFrame(r.Context()); ok {
		sub.offer(frame)
	}

	go writePump(conn, sub)
	readPump(conn)
	h.hub.Unsubscribe(sub)
}

func (h *WebSocketHandler) catalogFrame(ctx context.Context) (Frame, bool) {
	if h.materials == nil {
		return Frame{}, false
	}
	list, err := h.materials.List(ctx)
	if err != nil {
		h.logger.Printf("notify: list materials: %v", err)
		return Frame{}, false
	}
	if list == nil {
		list = []catalog.Material{}
	}
	frame, err := NewFrame(TypeMaterialUpdate, list)
	if err != nil {
		h.logger.Printf("notify: encode materials: %v", err)
		return Frame{}, false
	}
	return frame, true
}

func writePump(conn *websocket.Conn, sub *Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case frame, ok := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame.Payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes control frames until the peer goes away.
func readPump(conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

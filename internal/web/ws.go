// Package web exposes the live event stream to dashboard clients over
// websockets.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// messageEnvelope defines the WS protocol envelope.
type messageEnvelope struct {
	MessageType string      `json:"messageType"`
	Data        interface{} `json:"data,omitempty"`
	Timestamp   int64       `json:"timestamp"`
}

// EventMessage is the JSON shape of one radio-layer event.
type EventMessage struct {
	Kind      string `json:"kind"`
	Tag       string `json:"tag,omitempty"`
	NodeID    string `json:"node_id,omitempty"`
	NodeName  string `json:"node_name,omitempty"`
	GatewayID string `json:"gateway_id,omitempty"`
	ASN       uint64 `json:"asn"`
	RSSI      int8   `json:"rssi,omitempty"`
	Payload   []byte `json:"payload,omitempty"`
}

// Hub manages websocket clients and broadcasts.
type Hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}
	log     *zap.Logger

	histMu  sync.Mutex
	history []EventMessage
}

// historyDepth bounds the replay sent to a freshly connected client.
const historyDepth = 100

// NewHub creates an empty hub.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{clients: map[*websocket.Conn]struct{}{}, log: log}
}

// HandleWS upgrades and registers a client. status supplies the snapshot
// sent immediately after connect.
func (h *Hub) HandleWS(status func() interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Connection") == "" || r.Header.Get("Upgrade") == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUpgradeRequired)
			w.Write([]byte(`{"ok":false,"error":"websocket_upgrade_required"}`))
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			http.Error(w, "websocket_accept_failed", http.StatusInternalServerError)
			return
		}
		h.mu.Lock()
		h.clients[c] = struct{}{}
		clientCount := len(h.clients)
		h.mu.Unlock()
		h.log.Info("ws client connected", zap.Int("total", clientCount))
		go func() {
			defer func() {
				h.mu.Lock()
				delete(h.clients, c)
				h.mu.Unlock()
				c.Close(websocket.StatusNormalClosure, "")
			}()
			for { // discard inbound
				if _, _, err := c.Read(context.Background()); err != nil {
					return
				}
			}
		}()

		if status != nil {
			h.send(c, messageEnvelope{MessageType: "STATUS_UPDATE", Data: status(), Timestamp: time.Now().UnixMilli()})
		}

		h.histMu.Lock()
		replay := make([]EventMessage, len(h.history))
		copy(replay, h.history)
		h.histMu.Unlock()
		h.send(c, messageEnvelope{MessageType: "EVENT_LOG_SNAPSHOT", Data: replay, Timestamp: time.Now().UnixMilli()})
	}
}

func (h *Hub) send(c *websocket.Conn, env messageEnvelope) {
	b, _ := json.Marshal(env)
	if err := c.Write(context.Background(), websocket.MessageText, b); err != nil {
		h.log.Debug("ws write failed", zap.Error(err))
	}
}

// EventLoop fans out radio events to every client and keeps the replay
// buffer current.
func (h *Hub) EventLoop(events <-chan EventMessage) {
	for evt := range events {
		h.histMu.Lock()
		h.history = append(h.history, evt)
		if len(h.history) > historyDepth {
			h.history = h.history[len(h.history)-historyDepth:]
		}
		h.histMu.Unlock()

		env := messageEnvelope{MessageType: "RADIO_EVENT", Data: evt, Timestamp: time.Now().UnixMilli()}
		payload, _ := json.Marshal(env)
		h.mu.RLock()
		for c := range h.clients {
			go func(conn *websocket.Conn, p []byte) {
				_ = conn.Write(context.Background(), websocket.MessageText, p)
			}(c, payload)
		}
		h.mu.RUnlock()
	}
}

// StatusLoop broadcasts periodic status snapshots.
func (h *Hub) StatusLoop(ctx context.Context, interval time.Duration, status func() interface{}) {
	if status == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			env := messageEnvelope{MessageType: "STATUS_UPDATE", Data: status(), Timestamp: time.Now().UnixMilli()}
			payload, _ := json.Marshal(env)
			h.mu.RLock()
			for c := range h.clients {
				go func(conn *websocket.Conn, p []byte) {
					_ = conn.Write(context.Background(), websocket.MessageText, p)
				}(c, payload)
			}
			h.mu.RUnlock()
		}
	}
}

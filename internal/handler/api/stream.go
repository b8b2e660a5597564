package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"MarketPulse/internal/domain/models"
	"MarketPulse/internal/service/realtime"
	xlogger "MarketPulse/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	streamSendBuffer = 64
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
)

// StreamEvent is one frame pushed to stream clients.
type StreamEvent struct {
	Type string          `json:"type"` // assessment | channel
	Data json.RawMessage `json:"data"`
}

type streamClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *streamClient) close() {
	c.once.Do(func() { close(c.send) })
}

// StreamHub fans assessments and channel messages out to websocket clients.
// Slow clients drop frames instead of blocking publishers.
type StreamHub struct {
	logger   *xlogger.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*streamClient
	unsubs  []func()
}

func NewStreamHub(logger *xlogger.Logger) *StreamHub {
	if logger == nil {
		logger = xlogger.Nop()
	}
	return &StreamHub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*streamClient),
	}
}

// Relay subscribes the hub to monitor assessments and channel messages.
func (h *StreamHub) Relay(monitor RiskMonitor, channel ChannelStatus) {
	var unsubs []func()
	if monitor != nil {
		unsubs = append(unsubs, monitor.Subscribe(func(a *models.Assessment) {
			h.Publish("assessment", a)
		}))
	}
	if channel != nil {
		unsubs = append(unsubs, channel.On(realtime.EventMessage, func(m realtime.Message) {
			h.Broadcast(StreamEvent{Type: "channel", Data: m.Raw})
		}))
	}
	h.mu.Lock()
	h.unsubs = append(h.unsubs, unsubs...)
	h.mu.Unlock()
}

// Publish encodes v and broadcasts it under typ.
func (h *StreamHub) Publish(typ string, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("stream.encode_failed", xlogger.String("type", typ), xlogger.Error(err))
		return
	}
	h.Broadcast(StreamEvent{Type: typ, Data: b})
}

func (h *StreamHub) Broadcast(ev StreamEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- b:
		default:
			h.logger.Debug("stream.frame_dropped", xlogger.String("client_id", c.id))
		}
	}
}

// Len returns the number of connected clients.
func (h *StreamHub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and pumps frames until the client leaves.
func (h *StreamHub) ServeWS(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader already wrote the HTTP error
		h.logger.Warn("stream.upgrade_failed", xlogger.Error(err))
		return nil
	}
	cl := &streamClient{id: uuid.NewString(), conn: conn, send: make(chan []byte, streamSendBuffer)}

	h.mu.Lock()
	h.clients[cl.id] = cl
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("stream.client_connected", xlogger.String("client_id", cl.id), xlogger.Int("clients", n))

	go h.writePump(cl)
	h.readPump(cl)
	return nil
}

func (h *StreamHub) remove(cl *streamClient) {
	h.mu.Lock()
	_, ok := h.clients[cl.id]
	delete(h.clients, cl.id)
	h.mu.Unlock()
	if ok {
		cl.close()
		h.logger.Info("stream.client_disconnected", xlogger.String("client_id", cl.id))
	}
}

// readPump discards client frames and detects disconnects.
func (h *StreamHub) readPump(cl *streamClient) {
	defer h.remove(cl)
	cl.conn.SetReadLimit(4096)
	_ = cl.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *StreamHub) writePump(cl *streamClient) {
	ticker := time.NewTicker(streamPingPeriod)
	defer func() {
		ticker.Stop()
		_ = cl.conn.Close()
	}()
	for {
		select {
		case b, ok := <-cl.send:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if !ok {
				_ = cl.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := cl.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				h.remove(cl)
				return
			}
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(cl)
				return
			}
		}
	}
}

// Close stops relaying and disconnects every client.
func (h *StreamHub) Close() {
	h.mu.Lock()
	unsubs := h.unsubs
	h.unsubs = nil
	clients := h.clients
	h.clients = make(map[string]*streamClient)
	h.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	for _, cl := range clients {
		cl.close()
	}
}

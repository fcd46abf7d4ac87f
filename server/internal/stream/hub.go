package stream

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"pinboard/server/internal/config"
	"pinboard/server/internal/interaction"
	"pinboard/server/internal/logging"
	"pinboard/server/internal/model"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// 推送给 UI 的消息类型。
const (
	TypeSession     = "session"
	TypeInteraction = "interaction"
)

// maxInboundMessage UI 不通过这条连接发命令，只需要读到 close/pong。
const maxInboundMessage = 1024

// Message 是写到 WebSocket 的一帧。
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub 把会话与交互事件扇出给所有连接的 UI。
// 每个客户端有独立的有界发送队列，队列满说明客户端跟不上，直接断开它，
// 不让一个慢连接拖住其他连接。
type Hub struct {
	cfg    config.StreamConfig
	logger *zap.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool

	dropped atomic.Int64
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

func NewHub(cfg config.StreamConfig, logger *zap.Logger) *Hub {
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = 64
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Hub{
		cfg:     cfg,
		logger:  logging.OrNop(logger).Named("stream"),
		clients: make(map[*client]struct{}),
	}
}

// Clients 返回当前连接数。
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped 返回因为发送队列满而被断开的客户端数量。
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Broadcast 向所有客户端推送一条消息（非阻塞）。
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal stream message failed", zap.String("type", msg.Type), zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			delete(h.clients, c)
			c.close()
			h.dropped.Add(1)
			h.logger.Warn("slow stream client dropped")
		}
	}
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// Serve 接管一条已升级的连接，先发送 initial，再持续推送，直到连接断开、ctx 结束或 Hub 关闭。
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, initial ...Message) {
	c := &client{
		conn: conn,
		send: make(chan []byte, h.cfg.ClientBuffer),
		done: make(chan struct{}),
	}
	for _, m := range initial {
		data, err := json.Marshal(m)
		if err != nil {
			continue
		}
		select {
		case c.send <- data:
		default:
		}
	}
	if !h.register(c) {
		c.close()
		return
	}
	h.logger.Debug("stream client connected", zap.Int("clients", h.Clients()))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.writeLoop(c)
	}()

	go func() {
		select {
		case <-ctx.Done():
			c.close()
		case <-c.done:
		}
	}()

	h.readLoop(c)
	h.unregister(c)
	wg.Wait()
	h.logger.Debug("stream client disconnected", zap.Int("clients", h.Clients()))
}

// readLoop 只用来感知对端关闭与处理 pong。
func (h *Hub) readLoop(c *client) {
	c.conn.SetReadLimit(maxInboundMessage)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("stream read error", zap.Error(err))
			}
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("stream write failed", zap.Error(err))
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				c.close()
				return
			}
		}
	}
}

// Pump 把会话快照与交互事件转成推送消息，直到 ctx 结束或两个来源都关闭。
func (h *Hub) Pump(ctx context.Context, sessions <-chan model.Session, events <-chan interaction.Event) {
	for sessions != nil || events != nil {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-sessions:
			if !ok {
				sessions = nil
				continue
			}
			h.Broadcast(Message{Type: TypeSession, Data: s})
		case evt, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			h.Broadcast(Message{Type: TypeInteraction, Data: evt})
		}
	}
}

// Close 断开所有客户端，之后的连接会被立即关闭。
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

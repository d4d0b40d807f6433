package events

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/afristrup/chronicler-agentic-audit/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64
)

// Hub 把事件推送给 websocket 订阅者。订阅者可以通过 kinds 与 agent_id 查询参数过滤事件。
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool
}

type subscriber struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	kinds   map[Kind]struct{}
	agentID string
	once    sync.Once
}

// HubOption 定义可选配置。
type HubOption func(*Hub)

// WithHubLogger 指定日志输出。
func WithHubLogger(l *slog.Logger) HubOption {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithOriginCheck 覆盖 websocket 的 Origin 校验。
func WithOriginCheck(check func(r *http.Request) bool) HubOption {
	return func(h *Hub) {
		h.upgrader.CheckOrigin = check
	}
}

// NewHub 创建 Hub。
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.Named("events.hub"),
		subs:   make(map[string]*subscriber),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Publish 实现 Publisher，直接推送给当前订阅者。
func (h *Hub) Publish(_ context.Context, evt Event) error {
	h.Broadcast(evt)
	return nil
}

// Handle 可作为队列消费的 Handler。
func (h *Hub) Handle(_ context.Context, evt Event) error {
	h.Broadcast(evt)
	return nil
}

// Broadcast 将事件推送给匹配的订阅者，发送缓冲已满的订阅者会被断开。
func (h *Hub) Broadcast(evt Event) {
	data, err := Encode(evt)
	if err != nil {
		h.logger.Warn("编码事件失败", slog.String("kind", string(evt.Kind)), slog.Any("error", err))
		return
	}
	var slow []*subscriber
	h.mu.RLock()
	for _, sub := range h.subs {
		if !sub.accepts(evt) {
			continue
		}
		select {
		case sub.send <- data:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()
	for _, sub := range slow {
		h.logger.Warn("订阅者发送缓冲已满，断开连接", slog.String("subscriber", sub.id))
		h.remove(sub)
	}
}

// Count 返回当前订阅者数量。
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// ServeHTTP 把请求升级为 websocket 并登记订阅者。
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "event stream closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket 升级失败", slog.Any("error", err))
		return
	}
	sub := &subscriber{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		kinds:   parseKinds(r.URL.Query().Get("kinds")),
		agentID: r.URL.Query().Get("agent_id"),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.subs[sub.id] = sub
	h.mu.Unlock()

	go h.writePump(sub)
	go h.readPump(sub)
}

// Close 断开全部订阅者，之后的连接请求会被拒绝。
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	subs := make([]*subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()
	for _, sub := range subs {
		h.remove(sub)
	}
	return nil
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	if _, ok := h.subs[sub.id]; ok {
		delete(h.subs, sub.id)
	}
	h.mu.Unlock()
	sub.once.Do(func() { close(sub.send) })
}

// readPump 只负责处理 pong 与关闭帧，订阅者发来的消息被忽略。
func (h *Hub) readPump(sub *subscriber) {
	defer func() {
		h.remove(sub)
		_ = sub.conn.Close()
	}()
	_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket 读取结束", slog.String("subscriber", sub.id), slog.Any("error", err))
			}
			return
		}
	}
}

func (h *Hub) writePump(sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = sub.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = sub.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *subscriber) accepts(evt Event) bool {
	if s.agentID != "" && evt.AgentID != s.agentID {
		return false
	}
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[evt.Kind]
	return ok
}

func parseKinds(raw string) map[Kind]struct{} {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	kinds := make(map[Kind]struct{})
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			kinds[Kind(part)] = struct{}{}
		}
	}
	return kinds
}

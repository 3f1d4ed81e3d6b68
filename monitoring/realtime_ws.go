// Package monitoring 通过WebSocket实时推送分析结果
package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"exodetect/inference"
)

// MessageType 消息类型
type MessageType string

const (
	PredictionEvent MessageType = "prediction"
)

// Message 推送消息结构
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	ID        string          `json:"id"`
}

// PredictionMessage 一次分析结果
type PredictionMessage struct {
	Label      string             `json:"label"`
	Confidence float64            `json:"confidence"`
	Positive   bool               `json:"positive"`
	Features   map[string]float64 `json:"features"`
	AnalyzedAt time.Time          `json:"analyzed_at"`
}

// Client WebSocket客户端
type Client struct {
	conn     *websocket.Conn
	send     chan []byte
	clientID string
}

// WebSocketHub WebSocket中心，客户端集合只由Start所在的goroutine修改
type WebSocketHub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	count      chan chan int
	upgrader   websocket.Upgrader
	ctx        context.Context
	cancel     context.CancelFunc
	logger     *zap.Logger
}

// NewWebSocketHub 创建WebSocket中心
func NewWebSocketHub(logger *zap.Logger) *WebSocketHub {
	ctx, cancel := context.WithCancel(context.Background())

	return &WebSocketHub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		count:      make(chan chan int),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Start 运行WebSocket中心，直到Stop被调用
func (h *WebSocketHub) Start() {
	defer h.logger.Debug("websocket hub stopped")

	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.logger.Info("client connected", zap.String("client", client.clientID), zap.Int("total", len(h.clients)))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.logger.Info("client disconnected", zap.String("client", client.clientID), zap.Int("total", len(h.clients)))

		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}

		case reply := <-h.count:
			reply <- len(h.clients)

		case <-h.ctx.Done():
			// 关闭所有连接
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			return
		}
	}
}

// Stop 停止WebSocket中心
func (h *WebSocketHub) Stop() {
	h.cancel()
}

// ClientCount 当前连接数，中心停止后返回0
func (h *WebSocketHub) ClientCount() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.ctx.Done():
		return 0
	}
}

// ServeHTTP 处理WebSocket连接
func (h *WebSocketHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:     conn,
		send:     make(chan []byte, 256),
		clientID: uuid.NewString(),
	}

	select {
	case h.register <- client:
	case <-h.ctx.Done():
		conn.Close()
		return
	}

	// 启动客户端协程
	go client.writePump(h.logger)
	go client.readPump(h)
}

// Broadcast 广播消息，队列满时丢弃
func (h *WebSocketHub) Broadcast(message []byte) {
	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("websocket broadcast queue is full, dropping message")
	}
}

// writePump WebSocket写入泵
func (c *Client) writePump(logger *zap.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Debug("websocket write failed", zap.String("client", c.clientID), zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump WebSocket读取泵
func (c *Client) readPump(h *WebSocketHub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.ctx.Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	for {
		// 客户端只接收推送，读取只用于发现断开
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket read failed", zap.String("client", c.clientID), zap.Error(err))
			}
			return
		}
	}
}

// MonitorStats 推送统计
type MonitorStats struct {
	ConnectedClients int           `json:"connected_clients"`
	MessagesSent     int64         `json:"messages_sent"`
	StartTime        time.Time     `json:"start_time"`
	LastMessageTime  time.Time     `json:"last_message_time"`
	Uptime           time.Duration `json:"uptime"`
}

// PredictionFeed 把每次分析结果推送给所有WebSocket客户端
type PredictionFeed struct {
	hub    *WebSocketHub
	logger *zap.Logger

	mu      sync.Mutex
	running bool
	stats   MonitorStats
}

// NewPredictionFeed 创建结果推送器
func NewPredictionFeed(logger *zap.Logger) *PredictionFeed {
	return &PredictionFeed{
		hub:    NewWebSocketHub(logger),
		logger: logger,
	}
}

// Start 启动推送器
func (f *PredictionFeed) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.running {
		return fmt.Errorf("prediction feed is already running")
	}
	go f.hub.Start()
	f.running = true
	f.stats.StartTime = time.Now()
	return nil
}

// Stop 停止推送器，断开所有客户端
func (f *PredictionFeed) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.running {
		return fmt.Errorf("prediction feed is not running")
	}
	f.running = false
	f.hub.Stop()
	return nil
}

func (f *PredictionFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.hub.ServeHTTP(w, r)
}

// Observer 返回供inference.Invoker调用的回调
func (f *PredictionFeed) Observer() inference.Observer {
	return func(_ context.Context, p inference.Prediction) {
		if err := f.Publish(p); err != nil {
			f.logger.Warn("publish prediction", zap.Error(err))
		}
	}
}

// Publish 推送一次分析结果
func (f *PredictionFeed) Publish(p inference.Prediction) error {
	f.mu.Lock()
	running := f.running
	f.mu.Unlock()
	if !running {
		return fmt.Errorf("prediction feed is not running")
	}

	message, err := encodeMessage(PredictionEvent, PredictionMessage{
		Label:      p.Label,
		Confidence: p.Confidence,
		Positive:   p.Positive(),
		Features:   p.Record.Map(),
		AnalyzedAt: p.AnalyzedAt,
	})
	if err != nil {
		return err
	}
	f.hub.Broadcast(message)

	f.mu.Lock()
	f.stats.MessagesSent++
	f.stats.LastMessageTime = time.Now()
	f.mu.Unlock()
	return nil
}

// Stats 获取推送统计
func (f *PredictionFeed) Stats() MonitorStats {
	f.mu.Lock()
	stats := f.stats
	running := f.running
	f.mu.Unlock()

	if running {
		stats.Uptime = time.Since(stats.StartTime)
		stats.ConnectedClients = f.hub.ClientCount()
	}
	return stats
}

func encodeMessage(t MessageType, payload any) ([]byte, error) {
	msg := Message{
		Type:      t,
		Timestamp: time.Now(),
		ID:        uuid.NewString(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s: %w", t, err)
		}
		msg.Data = data
	}
	return json.Marshal(msg)
}

package speech

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/evi-chat/backend/internal/service/audio"
)

const (
	wsPingInterval = 30 * time.Second
	wsReadTimeout  = 2 * wsPingInterval
	wsWriteTimeout = 10 * time.Second
)

var errClientGone = errors.New("audio client disconnected")

// PlaybackHub 接收 UI 设备挂载
type PlaybackHub interface {
	Attach(sink audio.Sink) (detach func())
}

// MicrophoneInput 接收 UI 推送的 PCM 数据
type MicrophoneInput interface {
	Push(pcm []byte) bool
}

// WebSocketHandler 把浏览器作为音频设备接入：二进制帧为麦克风 PCM，
// 服务端下发播放音频（文本头 + 二进制帧）以及 playback_stop 控制消息
type WebSocketHandler struct {
	hub      PlaybackHub
	mic      MicrophoneInput
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(hub PlaybackHub, mic MicrophoneInput, logger *zap.Logger) *WebSocketHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketHandler{
		hub: hub,
		mic: mic,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 16384,
		},
		logger: logger.Named("audio_ws"),
	}
}

// RegisterWebSocketRoutes 注册WebSocket路由
func (h *WebSocketHandler) RegisterWebSocketRoutes(r chi.Router) {
	r.Get("/audio/ws", h.handleWebSocket)
}

type inboundMessage struct {
	Type string `json:"type"`
	Seq  uint64 `json:"seq,omitempty"`
}

type outgoingMessage struct {
	Type      string `json:"type"`
	Seq       uint64 `json:"seq,omitempty"`
	Format    string `json:"format,omitempty"`
	Bytes     int    `json:"bytes,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// handleWebSocket 处理WebSocket连接。?ack=1 时每段音频需等 UI 回复 playback_done 才算播放完成
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	waitAck, _ := strconv.ParseBool(r.URL.Query().Get("ack"))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	client := newAudioClient(conn, waitAck)
	defer client.close()

	detach := h.hub.Attach(client)
	defer detach()

	h.logger.Info("audio device attached", zap.String("remote", r.RemoteAddr), zap.Bool("ack", waitAck))
	defer h.logger.Info("audio device detached", zap.String("remote", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	go client.pingLoop(ctx)

	if err := client.send(outgoingMessage{Type: "connected"}); err != nil {
		return
	}

	dropped := 0
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("read error", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		switch kind {
		case websocket.BinaryMessage:
			if !h.mic.Push(data) {
				dropped++
				if dropped%100 == 1 {
					h.logger.Debug("microphone frame dropped", zap.Int("dropped", dropped))
				}
			}
		case websocket.TextMessage:
			h.handleMessage(client, data)
		}
	}
}

func (h *WebSocketHandler) handleMessage(client *audioClient, data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		_ = client.send(outgoingMessage{Type: "error", Message: "invalid message"})
		return
	}

	switch msg.Type {
	case "ping":
		_ = client.send(outgoingMessage{Type: "pong"})
	case "playback_done":
		client.ack(msg.Seq)
	default:
		_ = client.send(outgoingMessage{Type: "error", Message: "unsupported message type: " + msg.Type})
	}
}

// audioClient 实现 audio.Sink，所有写操作串行化
type audioClient struct {
	conn    *websocket.Conn
	waitAck bool

	writeMu sync.Mutex
	acks    chan uint64
	done    chan struct{}
	once    sync.Once
}

func newAudioClient(conn *websocket.Conn, waitAck bool) *audioClient {
	return &audioClient{
		conn:    conn,
		waitAck: waitAck,
		acks:    make(chan uint64, 16),
		done:    make(chan struct{}),
	}
}

// Play 下发一段音频，ack 模式下等待 UI 确认播放完成
func (c *audioClient) Play(ctx context.Context, chunk audio.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	err := c.writeJSONLocked(outgoingMessage{
		Type:   "playback_chunk",
		Seq:    chunk.Seq,
		Format: string(chunk.Format),
		Bytes:  len(chunk.Data),
	})
	if err == nil {
		err = c.writeLocked(websocket.BinaryMessage, chunk.Data)
	}
	c.writeMu.Unlock()
	if err != nil {
		return err
	}

	if !c.waitAck {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return errClientGone
		case seq := <-c.acks:
			if seq >= chunk.Seq {
				return nil
			}
		}
	}
}

// Flush 通知 UI 立即停止播放并清空缓冲
func (c *audioClient) Flush() {
	_ = c.send(outgoingMessage{Type: "playback_stop"})
}

func (c *audioClient) ack(seq uint64) {
	select {
	case c.acks <- seq:
	default:
	}
}

func (c *audioClient) send(msg outgoingMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeJSONLocked(msg)
}

func (c *audioClient) writeJSONLocked(msg outgoingMessage) error {
	msg.Timestamp = time.Now().Unix()
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.writeLocked(websocket.TextMessage, data)
}

func (c *audioClient) writeLocked(kind int, data []byte) error {
	select {
	case <-c.done:
		return errClientGone
	default:
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(kind, data)
}

// pingLoop 定期发送ping消息
func (c *audioClient) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (c *audioClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		_ = c.conn.Close()
	})
}

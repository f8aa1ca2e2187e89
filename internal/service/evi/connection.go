package evi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/evi-chat/backend/internal/pkg/transport"
)

// ErrConnClosed 在已关闭的连接上写入时返回。
var ErrConnClosed = errors.New("evi connection closed")

// Socket 会话控制器使用的最小连接接口。
type Socket interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// DialOptions 连接配置选项
type DialOptions struct {
	HandshakeTimeout time.Duration // 握手超时时间
	PingInterval     time.Duration // Ping间隔
	WriteTimeout     time.Duration // 写入超时时间
	MaxRetries       int           // 最大尝试次数
	RetryDelay       time.Duration // 首次重试等待时间，之后线性递增
}

// DefaultDialOptions 默认连接选项
func DefaultDialOptions() *DialOptions {
	return &DialOptions{
		HandshakeTimeout: 15 * time.Second,
		PingInterval:     30 * time.Second,
		WriteTimeout:     10 * time.Second,
		MaxRetries:       3,
		RetryDelay:       time.Second,
	}
}

// Dialer 建立带保活的 websocket 连接。
type Dialer struct {
	options *DialOptions
	logger  *zap.Logger
}

// NewDialer 创建拨号器
func NewDialer(options *DialOptions, logger *zap.Logger) *Dialer {
	if options == nil {
		options = DefaultDialOptions()
	}
	if options.MaxRetries < 1 {
		options.MaxRetries = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dialer{options: options, logger: logger.Named("evi.dialer")}
}

// Dial 带重试地建立连接。重试只发生在首次建立连接时，握手被服务端拒绝（4xx）不重试。
func (d *Dialer) Dial(ctx context.Context, target string) (Socket, error) {
	var lastErr error

	for attempt := 0; attempt < d.options.MaxRetries; attempt++ {
		conn, err := d.dial(ctx, target)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !retryable(err) {
			return nil, err
		}

		d.logger.Warn("dial failed", zap.Int("attempt", attempt+1), zap.Error(err))
		if attempt == d.options.MaxRetries-1 {
			break
		}

		retryDelay := time.Duration(attempt+1) * d.options.RetryDelay
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}

	return nil, fmt.Errorf("failed to connect after %d attempts: %w", d.options.MaxRetries, lastErr)
}

func (d *Dialer) dial(ctx context.Context, target string) (*Conn, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.options.HandshakeTimeout,
	}

	ws, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		terr := &transport.Error{Op: "dial", URL: target, Err: err}
		if resp != nil {
			terr.StatusCode = resp.StatusCode
		}
		return nil, terr
	}

	conn := newConn(ws, d.options)
	go conn.pingLoop()
	return conn, nil
}

func retryable(err error) bool {
	var terr *transport.Error
	if errors.As(err, &terr) && terr.StatusCode >= 400 && terr.StatusCode < 500 {
		return false
	}
	return true
}

// Conn 对 websocket.Conn 的封装：写入串行化，后台保活。
type Conn struct {
	ws           *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	pingInterval time.Duration
	readTimeout  time.Duration
	closeOnce    sync.Once
	done         chan struct{}
}

func newConn(ws *websocket.Conn, options *DialOptions) *Conn {
	c := &Conn{
		ws:           ws,
		writeTimeout: options.WriteTimeout,
		pingInterval: options.PingInterval,
		readTimeout:  options.PingInterval * 3,
		done:         make(chan struct{}),
	}

	if c.readTimeout > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(c.readTimeout))
		// 收到 pong 时延长读超时
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(c.readTimeout))
		})
	}
	return c
}

// ReadMessage 阻塞读取下一条数据帧。
func (c *Conn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if c.readTimeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	return data, nil
}

// WriteMessage 发送一条文本帧，并发调用安全。
func (c *Conn) WriteMessage(data []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close 发送关闭帧并释放连接，可重复调用。
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.ws.Close()
	})
	return err
}

// pingLoop 定期发送ping消息
func (c *Conn) pingLoop() {
	if c.pingInterval <= 0 {
		return
	}

	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(max(c.writeTimeout, time.Second))
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// IsNormalClose 判断读循环的退出是否来自正常关闭。
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

package audio

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Microphone 把 UI 推送的 PCM 数据汇入一个采集通道。
// 未开始采集时推送的数据直接丢弃。
type Microphone struct {
	logger *zap.Logger
	buffer int

	mu      sync.Mutex
	out     chan []byte
	done    chan struct{}
	dropped int
}

// NewMicrophone 创建采集入口，buffer 为通道容量。
func NewMicrophone(buffer int, logger *zap.Logger) *Microphone {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Microphone{buffer: buffer, logger: logger.Named("microphone")}
}

// Start 开始采集。ctx 结束或调用 Stop 时通道被关闭。
func (m *Microphone) Start(ctx context.Context) (<-chan []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.out != nil {
		return nil, ErrCaptureActive
	}

	out := make(chan []byte, m.buffer)
	done := make(chan struct{})
	m.out = out
	m.done = done
	m.dropped = 0

	go func() {
		select {
		case <-ctx.Done():
			m.stop(out)
		case <-done:
		}
	}()

	m.logger.Debug("capture started")
	return out, nil
}

// Push 投递一段采集数据，通道满时丢弃，从不阻塞。
func (m *Microphone) Push(pcm []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.out == nil {
		return false
	}

	select {
	case m.out <- pcm:
		return true
	default:
		m.dropped++
		return false
	}
}

// Capturing 表示是否正在采集。
func (m *Microphone) Capturing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.out != nil
}

// Stop 结束采集并关闭通道，可重复调用。
func (m *Microphone) Stop() {
	m.mu.Lock()
	out := m.out
	m.mu.Unlock()

	if out != nil {
		m.stop(out)
	}
}

// stop 只关闭属于本次采集的通道。
func (m *Microphone) stop(out chan []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.out != out {
		return
	}
	close(m.done)
	close(m.out)
	if m.dropped > 0 {
		m.logger.Debug("capture stopped", zap.Int("dropped", m.dropped))
	}
	m.out = nil
	m.done = nil
}

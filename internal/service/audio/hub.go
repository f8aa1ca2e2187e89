package audio

import (
	"context"
	"sync"
)

// Hub 把播放转发给当前连接的 UI 设备，同一时刻只有一个设备生效。
type Hub struct {
	mu   sync.RWMutex
	sink Sink
}

// NewHub 创建一个尚未连接设备的转发器。
func NewHub() *Hub {
	return &Hub{}
}

// Attach 连接新设备并替换旧设备，返回用于断开的函数。
func (h *Hub) Attach(sink Sink) (detach func()) {
	h.mu.Lock()
	h.sink = sink
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.sink == sink {
			h.sink = nil
		}
	}
}

// Attached 表示当前是否有设备连接。
func (h *Hub) Attached() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sink != nil
}

func (h *Hub) current() Sink {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sink
}

// Play 实现 Sink
func (h *Hub) Play(ctx context.Context, chunk Chunk) error {
	sink := h.current()
	if sink == nil {
		return ErrNoSinkAttached
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return sink.Play(ctx, chunk)
}

// Flush 实现 Sink
func (h *Hub) Flush() {
	if sink := h.current(); sink != nil {
		sink.Flush()
	}
}

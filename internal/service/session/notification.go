package session

import (
	"go.uber.org/zap"

	"github.com/zhouzirui/evi-chat/backend/internal/model/chat"
)

// NotificationKind 通知类型
type NotificationKind string

const (
	EntryAppended NotificationKind = "entry_appended"
	EntryRemoved  NotificationKind = "entry_removed"
	StateChanged  NotificationKind = "state_changed"
)

// Notification 推送给 UI 的只读变更通知。
type Notification struct {
	Kind    NotificationKind `json:"kind"`
	Entry   *chat.Entry      `json:"entry,omitempty"`
	EntryID string           `json:"entryId,omitempty"`
	Status  *chat.Status     `json:"status,omitempty"`
}

// Subscribe 订阅会话通知，返回通知通道和取消订阅函数。
// 订阅者读取过慢、缓冲写满时通道会被关闭，订阅者应重新获取快照后再订阅。
func (c *Controller) Subscribe() (<-chan Notification, func()) {
	ch := make(chan Notification, c.notifyBuffer)

	c.subsMu.Lock()
	if c.subsClosed {
		c.subsMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	c.subs[ch] = struct{}{}
	c.subsMu.Unlock()

	return ch, func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
	}
}

func (c *Controller) emit(n Notification) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	for ch := range c.subs {
		select {
		case ch <- n:
		default:
			delete(c.subs, ch)
			close(ch)
			c.logger.Warn("subscriber too slow, subscription closed", zap.String("kind", string(n.Kind)))
		}
	}
}

func (c *Controller) emitStatus() {
	status := c.Status()
	c.emit(Notification{Kind: StateChanged, Status: &status})
}

func (c *Controller) closeSubscribers() {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	c.subsClosed = true
	for ch := range c.subs {
		delete(c.subs, ch)
		close(ch)
	}
}

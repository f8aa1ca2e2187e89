package chat

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zhouzirui/evi-chat/backend/internal/model/chat"
)

var (
	ErrEntryNotFound  = errors.New("chat entry not found")
	ErrNotPlaceholder = errors.New("chat entry is not a placeholder")
)

// Log is the append-only chat history of a single session controller.
type Log struct {
	mu      sync.RWMutex
	entries []chat.Entry
}

// NewLog bootstraps an empty in-memory chat log.
func NewLog() *Log {
	return &Log{entries: make([]chat.Entry, 0, 32)}
}

// Append stores a new entry, filling in its ID and timestamp, and returns the stored copy.
func (l *Log) Append(entry chat.Entry) chat.Entry {
	entry.ID = uuid.NewString()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if len(entry.EmotionScores) > 0 {
		entry.EmotionScores = append([]chat.EmotionScore(nil), entry.EmotionScores...)
	}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()

	return entry
}

// RetractPlaceholder removes a transient placeholder entry. Regular entries
// can never be removed.
func (l *Log) RetractPlaceholder(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// 占位条目通常是最后一条，从尾部向前查找
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].ID != id {
			continue
		}
		if !l.entries[i].Placeholder {
			return ErrNotPlaceholder
		}
		l.entries = append(l.entries[:i], l.entries[i+1:]...)
		return nil
	}
	return ErrEntryNotFound
}

// Snapshot returns a copy of all entries in append order.
func (l *Log) Snapshot() []chat.Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	copied := make([]chat.Entry, len(l.entries))
	copy(copied, l.entries)
	return copied
}

// Len returns the number of stored entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

package chat

import "time"

// Role 标识聊天条目的发言方。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// EmotionScore 是单个情绪标签及其置信度（0~1）。
type EmotionScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Entry is one immutable turn in the chat log.
type Entry struct {
	ID            string         `json:"id"`
	Role          Role           `json:"role"`
	Content       string         `json:"content"`
	EmotionScores []EmotionScore `json:"emotionScores,omitempty"`
	Placeholder   bool           `json:"placeholder,omitempty"` // 检索中的临时占位条目
	CreatedAt     time.Time      `json:"createdAt"`
}

package speech

import "time"

// AudioFormat 合成音频的容器格式。
const AudioFormat = "mp3"

// TTSResponse 语音合成响应
type TTSResponse struct {
	Audio     []byte    `json:"audio"` // JSON 中为 base64
	Format    string    `json:"format"`
	Cached    bool      `json:"cached"`
	Bytes     int       `json:"bytes"`
	CreatedAt time.Time `json:"createdAt"`
}

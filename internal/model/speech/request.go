package speech

// TTSRequest 语音合成请求
type TTSRequest struct {
	Text        string `json:"text" validate:"required,max=5000"`
	Description string `json:"description,omitempty" validate:"max=1000"` // 为空时使用默认音色描述
}

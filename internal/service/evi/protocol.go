package evi

import (
	"encoding/base64"
	"encoding/json"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// 入站帧类型
const (
	TypeError            = "error"
	TypeChatMetadata     = "chat_metadata"
	TypeAudioOutput      = "audio_output"
	TypeUserInterruption = "user_interruption"
	TypeAssistantMessage = "assistant_message"
	TypeUserMessage      = "user_message"
)

// 出站帧类型
const (
	TypeSessionSettings = "session_settings"
	TypeUserInput       = "user_input"
	TypeAudioInput      = "audio_input"
)

// 会话设置中声明的期望音频格式
const (
	AudioEncoding   = "linear16"
	AudioSampleRate = 48000
	AudioChannels   = 1
)

// InboundEvent 是一条入站帧解码后的结果，变体集合是封闭的。
type InboundEvent interface {
	inboundEvent()
}

// ErrorEvent 服务端报告的非致命错误。
type ErrorEvent struct {
	Code    string
	Slug    string
	Message string
}

// ChatMetadata 会话建立后下发的第一帧。
type ChatMetadata struct {
	ChatID      string
	ChatGroupID string
}

// AudioOutput 一段待播放的助手语音。
type AudioOutput struct {
	ID    string
	Index int
	Data  []byte
}

// UserInterruption 用户打断了助手发言。
type UserInterruption struct{}

// Message 助手或用户消息共享的字段。
type Message struct {
	Role     string
	Content  string
	Scores   *orderedmap.OrderedMap[string, float64]
	FromText bool
}

// AssistantMessage 助手的一段回复文本。
type AssistantMessage struct {
	Message
}

// UserMessage 用户语音转写或回显的文本输入。
type UserMessage struct {
	Message
}

// Unknown 无法识别的帧，Raw 原样保留原始数据。
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (ErrorEvent) inboundEvent()       {}
func (ChatMetadata) inboundEvent()     {}
func (AudioOutput) inboundEvent()      {}
func (UserInterruption) inboundEvent() {}
func (AssistantMessage) inboundEvent() {}
func (UserMessage) inboundEvent()      {}
func (Unknown) inboundEvent()          {}

type envelope struct {
	Type string `json:"type"`

	// error
	Code    string          `json:"code"`
	Slug    string          `json:"slug"`
	Message json.RawMessage `json:"message"`

	// chat_metadata
	ChatID      string `json:"chat_id"`
	ChatGroupID string `json:"chat_group_id"`

	// audio_output
	ID    string `json:"id"`
	Index int    `json:"index"`
	Data  string `json:"data"`

	// assistant_message / user_message
	Models   *models `json:"models"`
	FromText bool    `json:"from_text"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type models struct {
	Prosody *struct {
		Scores *orderedmap.OrderedMap[string, float64] `json:"scores"`
	} `json:"prosody"`
}

// Decode 将一条原始帧解码为 InboundEvent。
// 解码从不失败：格式错误或未知类型的帧一律返回 Unknown。
func Decode(raw []byte) InboundEvent {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return unknown("", raw)
	}

	switch env.Type {
	case TypeError:
		var text string
		if len(env.Message) > 0 {
			if err := json.Unmarshal(env.Message, &text); err != nil {
				return unknown(env.Type, raw)
			}
		}
		return ErrorEvent{Code: env.Code, Slug: env.Slug, Message: text}
	case TypeChatMetadata:
		return ChatMetadata{ChatID: env.ChatID, ChatGroupID: env.ChatGroupID}
	case TypeAudioOutput:
		data, err := base64.StdEncoding.DecodeString(env.Data)
		if err != nil {
			return unknown(env.Type, raw)
		}
		return AudioOutput{ID: env.ID, Index: env.Index, Data: data}
	case TypeUserInterruption:
		return UserInterruption{}
	case TypeAssistantMessage, TypeUserMessage:
		msg, ok := decodeMessage(env)
		if !ok {
			return unknown(env.Type, raw)
		}
		if env.Type == TypeUserMessage {
			return UserMessage{Message: msg}
		}
		return AssistantMessage{Message: msg}
	default:
		return unknown(env.Type, raw)
	}
}

func decodeMessage(env envelope) (Message, bool) {
	var body chatMessage
	if len(env.Message) > 0 {
		if err := json.Unmarshal(env.Message, &body); err != nil {
			return Message{}, false
		}
	}

	scores := orderedmap.New[string, float64]()
	if env.Models != nil && env.Models.Prosody != nil && env.Models.Prosody.Scores != nil {
		scores = env.Models.Prosody.Scores
	}

	return Message{
		Role:     body.Role,
		Content:  body.Content,
		Scores:   scores,
		FromText: env.FromText,
	}, true
}

func unknown(frameType string, raw []byte) Unknown {
	copied := make([]byte, len(raw))
	copy(copied, raw)
	return Unknown{Type: frameType, Raw: copied}
}

type audioSettings struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type sessionSettingsFrame struct {
	Type  string        `json:"type"`
	Audio audioSettings `json:"audio"`
}

type userInputFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type audioInputFrame struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// SessionSettingsFrame 声明期望的入站音频格式：单声道 16 位线性 PCM，48kHz。
func SessionSettingsFrame() ([]byte, error) {
	return json.Marshal(sessionSettingsFrame{
		Type: TypeSessionSettings,
		Audio: audioSettings{
			Encoding:   AudioEncoding,
			SampleRate: AudioSampleRate,
			Channels:   AudioChannels,
		},
	})
}

// UserInputFrame 编码一条文本输入。
func UserInputFrame(text string) ([]byte, error) {
	return json.Marshal(userInputFrame{Type: TypeUserInput, Text: text})
}

// AudioInputFrame 编码一段麦克风采集的 PCM 数据。
func AudioInputFrame(pcm []byte) ([]byte, error) {
	return json.Marshal(audioInputFrame{
		Type: TypeAudioInput,
		Data: base64.StdEncoding.EncodeToString(pcm),
	})
}

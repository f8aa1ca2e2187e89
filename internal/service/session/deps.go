package session

import (
	"context"

	"github.com/zhouzirui/evi-chat/backend/internal/service/audio"
	"github.com/zhouzirui/evi-chat/backend/internal/service/evi"
)

// Dialer 建立到语音会话服务的连接。
type Dialer interface {
	Dial(ctx context.Context, target string) (evi.Socket, error)
}

// AudioBridge 会话控制器驱动的本地采集与播放设备。
type AudioBridge interface {
	StartCapture(ctx context.Context) (<-chan []byte, error)
	StopCapture()
	Enqueue(format audio.Format, data []byte) uint64
	StopPlayback()
	Playing() bool
}

// Retriever 知识库问答能力，可选。
type Retriever interface {
	Query(ctx context.Context, question string) (string, error)
}

// Synthesizer 文本转语音能力，可选。
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

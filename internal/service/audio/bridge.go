package audio

import (
	"context"

	"go.uber.org/zap"
)

// Bridge 组合播放队列与麦克风，是会话控制器驱动的音频设备。
type Bridge struct {
	*Player
	mic *Microphone
	hub *Hub
}

// NewBridge 创建音频桥，播放经 Hub 转发给已连接的 UI。
func NewBridge(logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("audio")

	hub := NewHub()
	return &Bridge{
		Player: NewPlayer(hub, logger),
		mic:    NewMicrophone(64, logger),
		hub:    hub,
	}
}

// Hub 返回播放转发器，UI 连接时通过它挂载设备。
func (b *Bridge) Hub() *Hub {
	return b.hub
}

// Microphone 返回采集入口，UI 通过它推送 PCM 数据。
func (b *Bridge) Microphone() *Microphone {
	return b.mic
}

// StartCapture 开始采集麦克风数据。
func (b *Bridge) StartCapture(ctx context.Context) (<-chan []byte, error) {
	return b.mic.Start(ctx)
}

// StopCapture 立即停止采集。
func (b *Bridge) StopCapture() {
	b.mic.Stop()
}

// StopPlayback 打断播放并丢弃排队音频。
func (b *Bridge) StopPlayback() {
	b.Player.Stop()
}

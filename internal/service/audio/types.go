// Package audio 驱动由 UI 承载的采集与播放设备：播放队列和麦克风数据汇入。
package audio

import (
	"context"
	"errors"
)

var (
	ErrCaptureActive  = errors.New("capture already started")
	ErrNoSinkAttached = errors.New("no playback sink attached")
)

// Format 音频编码格式
type Format string

const (
	FormatWAV Format = "wav"
	FormatPCM Format = "pcm"
	FormatMP3 Format = "mp3"
)

// Chunk 播放队列中的一段音频。
type Chunk struct {
	Seq    uint64
	Format Format
	Data   []byte
}

// Sink 真正负责播放的设备。
// Play 在 ctx 已取消时不得再播放该段音频；Flush 丢弃设备侧缓冲。
type Sink interface {
	Play(ctx context.Context, chunk Chunk) error
	Flush()
}

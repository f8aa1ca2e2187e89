package audio

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Player 按入队顺序把音频交给 Sink，Stop 会立即丢弃尚未播放的音频。
type Player struct {
	sink   Sink
	logger *zap.Logger

	mu      sync.Mutex
	queue   []Chunk
	seq     uint64
	playing bool
	cancel  context.CancelFunc
	wake    chan struct{}
}

// NewPlayer 创建播放队列
func NewPlayer(sink Sink, logger *zap.Logger) *Player {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Player{
		sink:   sink,
		logger: logger.Named("player"),
		queue:  make([]Chunk, 0, 16),
		wake:   make(chan struct{}, 1),
	}
}

// Enqueue 追加一段音频，不去重也不重排。
func (p *Player) Enqueue(format Format, data []byte) uint64 {
	p.mu.Lock()
	p.seq++
	seq := p.seq
	p.queue = append(p.queue, Chunk{Seq: seq, Format: format, Data: data})
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return seq
}

// Stop 丢弃队列中所有音频并中断正在播放的一段。
func (p *Player) Stop() {
	p.mu.Lock()
	dropped := len(p.queue)
	p.queue = p.queue[:0]
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.mu.Unlock()

	p.sink.Flush()
	if dropped > 0 {
		p.logger.Debug("playback stopped", zap.Int("dropped", dropped))
	}
}

// Playing 表示是否有音频正在播放或等待播放。
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing || len(p.queue) > 0
}

// Pending 返回等待播放的段数。
func (p *Player) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Run 是播放队列的消费循环，直到 ctx 结束。
func (p *Player) Run(ctx context.Context) error {
	for {
		chunk, playCtx, ok := p.next(ctx)
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.wake:
				continue
			}
		}

		err := p.sink.Play(playCtx, chunk)
		p.finish()

		switch {
		case err == nil, errors.Is(err, context.Canceled):
		case errors.Is(err, ErrNoSinkAttached):
			p.logger.Debug("chunk dropped, no sink", zap.Uint64("seq", chunk.Seq))
		default:
			p.logger.Warn("play failed", zap.Uint64("seq", chunk.Seq), zap.Error(err))
		}
	}
}

// next 取出队首音频并为其创建可被 Stop 取消的 ctx。
func (p *Player) next(ctx context.Context) (Chunk, context.Context, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ctx.Err() != nil || len(p.queue) == 0 {
		return Chunk{}, nil, false
	}

	chunk := p.queue[0]
	p.queue = p.queue[1:]

	playCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.playing = true
	return chunk, playCtx, true
}

func (p *Player) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.playing = false
}

package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/zhouzirui/evi-chat/backend/internal/analysis/emotion"
	"github.com/zhouzirui/evi-chat/backend/internal/model/chat"
	"github.com/zhouzirui/evi-chat/backend/internal/service/audio"
	chatservice "github.com/zhouzirui/evi-chat/backend/internal/service/chat"
	"github.com/zhouzirui/evi-chat/backend/internal/service/evi"
)

var (
	ErrAlreadyConnected = errors.New("session already connected")
	ErrNotConnected     = errors.New("session not connected")
	ErrClosed           = errors.New("session controller closed")
	ErrEmptyText        = errors.New("text is empty")
)

// DefaultPlaceholder 检索进行中显示的临时条目内容。
const DefaultPlaceholder = "searching…"

// Options 会话控制器的可选依赖与参数。
type Options struct {
	Host         string
	Retriever    Retriever
	Synthesizer  Synthesizer
	Placeholder  string
	NotifyBuffer int
	Logger       *zap.Logger
}

// Controller 管理一条语音会话连接的生命周期，分发入站帧，并维护聊天记录。
type Controller struct {
	dialer      Dialer
	audio       AudioBridge
	history     *chatservice.Log
	retriever   Retriever
	synthesizer Synthesizer
	host        string
	placeholder string
	logger      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup // 检索与合成
	loops  sync.WaitGroup // 读循环与采集泵

	mu            sync.Mutex
	state         chat.State
	muted         bool
	metadata      bool
	closed        bool
	generation    uint64
	conn          evi.Socket
	connCancel    context.CancelFunc
	captureCancel context.CancelFunc

	writeMu sync.Mutex

	notifyBuffer int
	subsMu       sync.Mutex
	subs         map[chan Notification]struct{}
	subsClosed   bool
}

// NewController 创建会话控制器，Retriever 与 Synthesizer 可以为空。
func NewController(dialer Dialer, bridge AudioBridge, history *chatservice.Log, opts Options) *Controller {
	if history == nil {
		history = chatservice.NewLog()
	}
	if opts.Host == "" {
		opts.Host = "api.hume.ai"
	}
	if opts.Placeholder == "" {
		opts.Placeholder = DefaultPlaceholder
	}
	if opts.NotifyBuffer <= 0 {
		opts.NotifyBuffer = 64
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		dialer:       dialer,
		audio:        bridge,
		history:      history,
		retriever:    opts.Retriever,
		synthesizer:  opts.Synthesizer,
		host:         opts.Host,
		placeholder:  opts.Placeholder,
		logger:       opts.Logger.Named("session"),
		ctx:          ctx,
		cancel:       cancel,
		state:        chat.StateDisconnected,
		notifyBuffer: opts.NotifyBuffer,
		subs:         make(map[chan Notification]struct{}),
	}
}

// Status 返回当前会话状态快照。
func (c *Controller) Status() chat.Status {
	c.mu.Lock()
	status := chat.Status{State: c.state, Muted: c.muted}
	c.mu.Unlock()

	status.Playing = c.audio.Playing()
	return status
}

// Snapshot 返回聊天记录的副本。
func (c *Controller) Snapshot() []chat.Entry {
	return c.history.Snapshot()
}

// Connect 校验凭证后建立连接并启动读循环。凭证无效时不会发起连接。
func (c *Controller) Connect(ctx context.Context, creds evi.Credentials, configID string) error {
	target, err := evi.ChatURL(c.host, creds, configID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != chat.StateDisconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.generation++
	gen := c.generation
	c.state = chat.StateConnecting
	c.metadata = false
	dialCtx, cancelDial := context.WithCancel(ctx)
	c.connCancel = cancelDial
	c.mu.Unlock()

	c.emitStatus()
	c.logger.Info("connecting", zap.String("host", c.host), zap.Bool("with_config", configID != ""))

	conn, err := c.dialer.Dial(dialCtx, target)
	cancelDial()
	if err != nil {
		c.mu.Lock()
		if c.generation == gen {
			c.state = chat.StateDisconnected
			c.connCancel = nil
		}
		c.mu.Unlock()

		c.emitStatus()
		c.logger.Warn("connect failed", zap.Error(err))
		return fmt.Errorf("connect evi: %w", err)
	}

	c.mu.Lock()
	if c.generation != gen || c.closed {
		// 连接期间已被 Disconnect
		c.mu.Unlock()
		_ = conn.Close()
		return ErrNotConnected
	}
	readCtx, cancelRead := context.WithCancel(c.ctx)
	c.conn = conn
	c.connCancel = cancelRead
	c.state = chat.StateConnected
	c.loops.Add(1)
	c.mu.Unlock()

	c.emitStatus()
	c.logger.Info("connected")

	go func() {
		defer c.loops.Done()
		c.readLoop(readCtx, gen, conn)
	}()
	return nil
}

// readLoop 按到达顺序逐帧处理，连接出错或关闭时退出。
func (c *Controller) readLoop(ctx context.Context, gen uint64, conn evi.Socket) {
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			c.handleClosed(gen, conn, err)
			return
		}
		if ctx.Err() != nil {
			return
		}
		c.dispatch(gen, evi.Decode(raw))
	}
}

// handleClosed 是连接关闭（正常或出错）的唯一出口：停止采集并切换到未连接，不自动重连。
func (c *Controller) handleClosed(gen uint64, conn evi.Socket, cause error) {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	c.generation++
	c.state = chat.StateDisconnected
	c.metadata = false
	c.conn = nil
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	c.mu.Unlock()

	c.stopCapture()
	_ = conn.Close()

	if evi.IsNormalClose(cause) {
		c.logger.Info("connection closed by server")
	} else {
		c.logger.Warn("connection lost", zap.Error(cause))
	}
	c.emitStatus()
}

// HandleFrame 解码并处理一条入站帧。
func (c *Controller) HandleFrame(raw []byte) {
	c.mu.Lock()
	gen := c.generation
	c.mu.Unlock()

	c.dispatch(gen, evi.Decode(raw))
}

func (c *Controller) dispatch(gen uint64, event evi.InboundEvent) {
	if !c.current(gen) {
		return
	}

	switch ev := event.(type) {
	case evi.ErrorEvent:
		c.logger.Warn("evi error", zap.String("code", ev.Code), zap.String("slug", ev.Slug), zap.String("message", ev.Message))
	case evi.ChatMetadata:
		c.onChatMetadata(gen, ev)
	case evi.AudioOutput:
		c.audio.Enqueue(audio.FormatWAV, ev.Data)
	case evi.UserInterruption:
		c.audio.StopPlayback()
		c.emitStatus()
	case evi.AssistantMessage:
		c.appendEntry(gen, chat.RoleAssistant, ev.Content, emotion.TopThree(ev.Scores), false)
	case evi.UserMessage:
		// 用户开口即打断助手语音
		c.audio.StopPlayback()
		c.appendEntry(gen, chat.RoleUser, ev.Content, emotion.TopThree(ev.Scores), false)
		c.retrieve(gen, ev.Content)
	case evi.Unknown:
		c.logger.Debug("unhandled frame", zap.String("type", ev.Type), zap.Int("bytes", len(ev.Raw)))
	default:
		c.logger.Warn("unexpected event", zap.String("event", fmt.Sprintf("%T", event)))
	}
}

func (c *Controller) onChatMetadata(gen uint64, meta evi.ChatMetadata) {
	c.mu.Lock()
	c.metadata = true
	muted := c.muted
	c.mu.Unlock()

	c.logger.Info("chat started", zap.String("chat_id", meta.ChatID), zap.String("chat_group_id", meta.ChatGroupID))

	frame, err := evi.SessionSettingsFrame()
	if err == nil {
		err = c.write(gen, frame)
	}
	if err != nil {
		c.logger.Warn("send session settings failed", zap.Error(err))
	}

	if !muted {
		c.startCapture(gen)
	}
}

// SendText 发送一条文本输入。连接打开时经由 socket 发送，否则只在本地记录；
// 同时独立发起一次检索（如已配置）。
func (c *Controller) SendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyText
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	gen := c.generation
	open := c.state == chat.StateConnected && c.conn != nil
	c.mu.Unlock()

	sent := false
	if open {
		frame, err := evi.UserInputFrame(text)
		if err == nil {
			err = c.write(gen, frame)
		}
		if err != nil {
			c.logger.Warn("send user input failed", zap.Error(err))
		} else {
			sent = true
		}
	}
	// socket 会以 user_message 回显已发送的文本
	if !sent {
		c.appendEntry(gen, chat.RoleUser, text, nil, false)
	}

	c.retrieve(gen, text)
	return nil
}

// Mute 停止采集，不产生 socket 交互。
func (c *Controller) Mute() {
	c.mu.Lock()
	c.muted = true
	c.mu.Unlock()

	c.stopCapture()
	c.emitStatus()
}

// Unmute 取消静音，会话已就绪时恢复采集。
func (c *Controller) Unmute() {
	c.mu.Lock()
	c.muted = false
	ready := c.state == chat.StateConnected && c.metadata
	gen := c.generation
	c.mu.Unlock()

	if ready {
		c.startCapture(gen)
	}
	c.emitStatus()
}

// Disconnect 停止播放与采集并关闭连接。可重复调用，未连接时调用也是安全的。
func (c *Controller) Disconnect() {
	c.mu.Lock()
	prev := c.state
	conn := c.conn
	cancel := c.connCancel
	if prev != chat.StateDisconnected {
		c.generation++
	}
	c.state = chat.StateDisconnected
	c.metadata = false
	c.conn = nil
	c.connCancel = nil
	c.mu.Unlock()

	c.audio.StopPlayback()
	c.stopCapture()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			c.logger.Debug("close connection", zap.Error(err))
		}
	}

	if prev != chat.StateDisconnected {
		c.logger.Info("disconnected")
		c.emitStatus()
	}
}

// Wait 等待进行中的检索与合成任务完成或 ctx 结束。
func (c *Controller) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 断开连接，取消所有异步任务并等待其退出，之后控制器不可再用。
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.Disconnect()
	c.cancel()
	c.tasks.Wait()
	c.loops.Wait()
	c.closeSubscribers()
}

func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation == gen
}

// write 串行化所有出站帧。
func (c *Controller) write(gen uint64, frame []byte) error {
	c.mu.Lock()
	conn := c.conn
	stale := c.generation != gen
	c.mu.Unlock()

	if conn == nil || stale {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(frame)
}

func (c *Controller) startCapture(gen uint64) {
	c.mu.Lock()
	// 静音可能发生在调用方检查之后，这里以锁内状态为准
	if c.generation != gen || c.state != chat.StateConnected || c.captureCancel != nil || c.closed || c.muted {
		c.mu.Unlock()
		return
	}
	captureCtx, cancel := context.WithCancel(c.ctx)
	c.captureCancel = cancel
	c.loops.Add(1)
	c.mu.Unlock()

	frames, err := c.audio.StartCapture(captureCtx)
	if err != nil {
		c.loops.Done()
		c.mu.Lock()
		c.captureCancel = nil
		c.mu.Unlock()
		cancel()
		c.logger.Warn("start capture failed", zap.Error(err))
		return
	}

	go func() {
		defer c.loops.Done()
		c.pumpCapture(captureCtx, gen, frames)
	}()
}

// pumpCapture 把采集到的 PCM 编码为 audio_input 帧发出。
func (c *Controller) pumpCapture(ctx context.Context, gen uint64, frames <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case pcm, ok := <-frames:
			if !ok {
				return
			}
			frame, err := evi.AudioInputFrame(pcm)
			if err != nil {
				continue
			}
			if err := c.write(gen, frame); err != nil {
				if errors.Is(err, ErrNotConnected) {
					return
				}
				c.logger.Debug("send audio failed", zap.Error(err))
			}
		}
	}
}

func (c *Controller) stopCapture() {
	c.mu.Lock()
	cancel := c.captureCancel
	c.captureCancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.audio.StopCapture()
}

// appendEntry 在同一代会话内追加条目，过期的结果直接丢弃。
func (c *Controller) appendEntry(gen uint64, role chat.Role, content string, scores []chat.EmotionScore, placeholder bool) (chat.Entry, bool) {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return chat.Entry{}, false
	}
	entry := c.history.Append(chat.Entry{
		Role:          role,
		Content:       content,
		EmotionScores: scores,
		Placeholder:   placeholder,
	})
	// 持锁通知，保证通知顺序与聊天记录一致
	c.emit(Notification{Kind: EntryAppended, Entry: &entry})
	c.mu.Unlock()

	return entry, true
}

func (c *Controller) retract(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.history.RetractPlaceholder(id); err != nil {
		c.logger.Debug("retract placeholder", zap.String("id", id), zap.Error(err))
		return
	}
	c.emit(Notification{Kind: EntryRemoved, EntryID: id})
}

// retrieve 异步查询知识库，成功后追加回答并合成语音。失败只记录日志，不影响连接。
func (c *Controller) retrieve(gen uint64, question string) {
	if c.retriever == nil || strings.TrimSpace(question) == "" {
		return
	}

	placeholder, ok := c.appendEntry(gen, chat.RoleAssistant, c.placeholder, nil, true)
	if !ok {
		return
	}

	c.spawn(func(ctx context.Context) {
		answer, err := c.retriever.Query(ctx, question)
		c.retract(placeholder.ID)
		if err != nil {
			c.logger.Warn("retrieval failed", zap.Error(err))
			return
		}

		if _, ok := c.appendEntry(gen, chat.RoleAssistant, answer, nil, false); !ok {
			c.logger.Debug("stale retrieval result discarded")
			return
		}

		if c.synthesizer == nil {
			return
		}
		speech, err := c.synthesizer.Synthesize(ctx, answer)
		if err != nil {
			c.logger.Warn("synthesis failed", zap.Error(err))
			return
		}
		if !c.current(gen) {
			return
		}
		c.audio.Enqueue(audio.FormatMP3, speech)
	})
}

// spawn 启动一个受跟踪的异步任务，控制器关闭后不再接受新任务。
func (c *Controller) spawn(fn func(ctx context.Context)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.tasks.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.tasks.Done()
		fn(c.ctx)
	}()
}

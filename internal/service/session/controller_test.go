package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zhouzirui/evi-chat/backend/internal/config"
	"github.com/zhouzirui/evi-chat/backend/internal/model/chat"
	"github.com/zhouzirui/evi-chat/backend/internal/service/audio"
	"github.com/zhouzirui/evi-chat/backend/internal/service/evi"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSocket struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{inbound: make(chan []byte, 16), closed: make(chan struct{})}
}

func (s *fakeSocket) ReadMessage() ([]byte, error) {
	select {
	case raw, ok := <-s.inbound:
		if !ok {
			return nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
		}
		return raw, nil
	case <-s.closed:
		return nil, errors.New("use of closed network connection")
	}
}

func (s *fakeSocket) WriteMessage(data []byte) error {
	select {
	case <-s.closed:
		return evi.ErrConnClosed
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, append([]byte(nil), data...))
	return nil
}

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// framesOfType 返回已写出的指定类型帧。
func (s *fakeSocket) framesOfType(frameType string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	var frames []map[string]any
	for _, raw := range s.written {
		var frame map[string]any
		if json.Unmarshal(raw, &frame) == nil && frame["type"] == frameType {
			frames = append(frames, frame)
		}
	}
	return frames
}

func (s *fakeSocket) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.written)
}

type fakeDialer struct {
	mu      sync.Mutex
	targets []string
	sockets []*fakeSocket
	err     error
}

func (d *fakeDialer) Dial(ctx context.Context, target string) (evi.Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.targets = append(d.targets, target)
	if d.err != nil {
		return nil, d.err
	}
	socket := newFakeSocket()
	d.sockets = append(d.sockets, socket)
	return socket, nil
}

func (d *fakeDialer) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.targets)
}

func (d *fakeDialer) socket(i int) *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sockets[i]
}

type queued struct {
	format audio.Format
	data   []byte
}

type fakeBridge struct {
	mic *audio.Microphone

	mu           sync.Mutex
	pending      []queued
	enqueued     []queued
	stops        int
	captures     int
	captureStops int
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{mic: audio.NewMicrophone(8, nil)}
}

func (b *fakeBridge) StartCapture(ctx context.Context) (<-chan []byte, error) {
	b.mu.Lock()
	b.captures++
	b.mu.Unlock()
	return b.mic.Start(ctx)
}

func (b *fakeBridge) StopCapture() {
	b.mu.Lock()
	b.captureStops++
	b.mu.Unlock()
	b.mic.Stop()
}

func (b *fakeBridge) Enqueue(format audio.Format, data []byte) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, queued{format: format, data: data})
	b.enqueued = append(b.enqueued, queued{format: format, data: data})
	return uint64(len(b.enqueued))
}

func (b *fakeBridge) StopPlayback() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = nil
	b.stops++
}

func (b *fakeBridge) Playing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending) > 0
}

func (b *fakeBridge) counts() (stops, captures, captureStops int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stops, b.captures, b.captureStops
}

func (b *fakeBridge) allEnqueued() []queued {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]queued(nil), b.enqueued...)
}

type fakeRetriever struct {
	answers map[string]string
	err     error
	release chan struct{}
	calls   atomic.Int32
}

func (r *fakeRetriever) Query(ctx context.Context, question string) (string, error) {
	r.calls.Add(1)
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if r.err != nil {
		return "", r.err
	}
	answer, ok := r.answers[question]
	if !ok {
		return "", errors.New("no answer")
	}
	return answer, nil
}

type fakeSynthesizer struct {
	audio []byte
	err   error
}

func (s *fakeSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return s.audio, s.err
}

type harness struct {
	controller *Controller
	dialer     *fakeDialer
	bridge     *fakeBridge
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	h := &harness{dialer: &fakeDialer{}, bridge: newFakeBridge()}
	h.controller = NewController(h.dialer, h.bridge, nil, opts)
	t.Cleanup(h.controller.Close)
	return h
}

func (h *harness) connect(t *testing.T) *fakeSocket {
	t.Helper()
	require.NoError(t, h.controller.Connect(context.Background(), evi.Credentials{APIKey: "ABC"}, ""))
	return h.dialer.socket(h.dialer.calls() - 1)
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.controller.Wait(ctx))
}

func contents(entries []chat.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Content)
	}
	return out
}

const userMessageFrame = `{"type":"user_message","message":{"role":"user","content":"hi"},"models":{"prosody":{"scores":{"joy":0.9,"calm":0.5,"anger":0.1,"fear":0.05}}}}`

func TestConnectBuildsTargetFromAPIKey(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect(t)

	assert.Equal(t, []string{"wss://api.hume.ai/v0/evi/chat?api_key=ABC"}, h.dialer.targets)
	assert.Equal(t, chat.StateConnected, h.controller.Status().State)
}

func TestConnectWithBothCredentialsNeverDials(t *testing.T) {
	h := newHarness(t, Options{})

	err := h.controller.Connect(context.Background(), evi.Credentials{APIKey: "ABC", AccessToken: "tok"}, "")
	assert.ErrorIs(t, err, config.ErrConfiguration)
	assert.Equal(t, 0, h.dialer.calls())
	assert.Equal(t, chat.StateDisconnected, h.controller.Status().State)

	err = h.controller.Connect(context.Background(), evi.Credentials{}, "cfg")
	assert.ErrorIs(t, err, config.ErrConfiguration)
	assert.Equal(t, 0, h.dialer.calls())
}

func TestConnectTwiceFails(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect(t)

	err := h.controller.Connect(context.Background(), evi.Credentials{APIKey: "ABC"}, "")
	assert.ErrorIs(t, err, ErrAlreadyConnected)
	assert.Equal(t, 1, h.dialer.calls())
}

func TestConnectDialFailureReturnsToDisconnected(t *testing.T) {
	h := newHarness(t, Options{})
	h.dialer.err = errors.New("refused")

	err := h.controller.Connect(context.Background(), evi.Credentials{AccessToken: "tok"}, "cfg-1")
	require.Error(t, err)
	assert.Equal(t, chat.StateDisconnected, h.controller.Status().State)
	assert.Equal(t, []string{"wss://api.hume.ai/v0/evi/chat?access_token=tok&config_id=cfg-1"}, h.dialer.targets)
}

func TestChatMetadataSendsSettingsThenCaptures(t *testing.T) {
	h := newHarness(t, Options{})
	socket := h.connect(t)

	socket.inbound <- []byte(`{"type":"chat_metadata","chat_id":"c1","chat_group_id":"g1"}`)

	require.Eventually(t, func() bool { return h.bridge.mic.Capturing() }, time.Second, 5*time.Millisecond)
	settings := socket.framesOfType(evi.TypeSessionSettings)
	require.Len(t, settings, 1)
	assert.Equal(t, map[string]any{"encoding": "linear16", "sample_rate": float64(48000), "channels": float64(1)}, settings[0]["audio"])

	assert.True(t, h.bridge.mic.Push([]byte{0x01, 0x02}))
	require.Eventually(t, func() bool { return len(socket.framesOfType(evi.TypeAudioInput)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{0x01, 0x02}), socket.framesOfType(evi.TypeAudioInput)[0]["data"])
}

func TestMuteTogglesCaptureWithoutSocketIO(t *testing.T) {
	h := newHarness(t, Options{})
	h.controller.Mute()
	socket := h.connect(t)

	socket.inbound <- []byte(`{"type":"chat_metadata","chat_id":"c1"}`)
	require.Eventually(t, func() bool { return socket.writeCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, h.bridge.mic.Capturing(), "muted session must not capture")

	h.controller.Unmute()
	assert.True(t, h.bridge.mic.Capturing())
	assert.False(t, h.controller.Status().Muted)

	h.controller.Mute()
	assert.False(t, h.bridge.mic.Capturing())
	assert.True(t, h.controller.Status().Muted)
	assert.Equal(t, 1, socket.writeCount(), "mute and unmute perform no socket writes")
}

func TestUnmuteBeforeMetadataDoesNotCapture(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect(t)

	h.controller.Mute()
	h.controller.Unmute()
	_, captures, _ := h.bridge.counts()
	assert.Equal(t, 0, captures)
}

func TestCaptureStartAfterLateMuteIsSkipped(t *testing.T) {
	h := newHarness(t, Options{})
	socket := h.connect(t)

	socket.inbound <- []byte(`{"type":"chat_metadata","chat_id":"c1"}`)
	require.Eventually(t, func() bool { return h.bridge.mic.Capturing() }, time.Second, 5*time.Millisecond)

	// 就绪检查之后、开始采集之前被静音
	h.controller.mu.Lock()
	gen := h.controller.generation
	h.controller.mu.Unlock()
	h.controller.Mute()
	h.controller.startCapture(gen)

	assert.True(t, h.controller.Status().Muted)
	assert.False(t, h.bridge.mic.Capturing(), "muted session must not capture")
	_, captures, _ := h.bridge.counts()
	assert.Equal(t, 1, captures)
}

func TestAudioOutputIsQueuedInOrder(t *testing.T) {
	h := newHarness(t, Options{})

	for _, payload := range []string{"AQ==", "Ag==", "Aw=="} {
		h.controller.HandleFrame([]byte(`{"type":"audio_output","data":"` + payload + `"}`))
	}

	enqueued := h.bridge.allEnqueued()
	require.Len(t, enqueued, 3)
	for i, item := range enqueued {
		assert.Equal(t, audio.FormatWAV, item.format)
		assert.Equal(t, []byte{byte(i + 1)}, item.data)
	}
}

func TestUserInterruptionDropsQueuedAudio(t *testing.T) {
	h := newHarness(t, Options{})
	h.controller.HandleFrame([]byte(`{"type":"audio_output","data":"AQ=="}`))
	require.True(t, h.controller.Status().Playing)

	h.controller.HandleFrame([]byte(`{"type":"user_interruption"}`))

	assert.False(t, h.controller.Status().Playing)
	stops, _, _ := h.bridge.counts()
	assert.Equal(t, 1, stops)
	assert.Empty(t, h.controller.Snapshot())
}

func TestUserMessageAppendsTopScoresAndInterrupts(t *testing.T) {
	h := newHarness(t, Options{})
	h.controller.HandleFrame([]byte(`{"type":"audio_output","data":"AQ=="}`))

	h.controller.HandleFrame([]byte(userMessageFrame))

	entries := h.controller.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, "hi", entries[0].Content)
	assert.Equal(t, chat.RoleUser, entries[0].Role)
	assert.Equal(t, []chat.EmotionScore{
		{Label: "joy", Score: 0.9},
		{Label: "calm", Score: 0.5},
		{Label: "anger", Score: 0.1},
	}, entries[0].EmotionScores)
	assert.False(t, h.controller.Status().Playing)
}

func TestAssistantMessageAppendsEntry(t *testing.T) {
	h := newHarness(t, Options{})
	h.controller.HandleFrame([]byte(`{"type":"assistant_message","message":{"role":"assistant","content":"Hello!"}}`))

	entries := h.controller.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, chat.RoleAssistant, entries[0].Role)
	assert.Empty(t, entries[0].EmotionScores)
	stops, _, _ := h.bridge.counts()
	assert.Equal(t, 0, stops, "assistant messages do not interrupt playback")
}

func TestErrorAndUnknownFramesOnlyLog(t *testing.T) {
	h := newHarness(t, Options{})
	socket := h.connect(t)

	socket.inbound <- []byte(`{"type":"error","code":"E0000","message":"oops"}`)
	socket.inbound <- []byte(`{"type":"tool_call"}`)
	socket.inbound <- []byte(`not json`)
	socket.inbound <- []byte(`{"type":"assistant_message","message":{"content":"still here"}}`)

	require.Eventually(t, func() bool { return len(h.controller.Snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, chat.StateConnected, h.controller.Status().State)
	assert.Equal(t, "still here", h.controller.Snapshot()[0].Content)
}

func TestVoiceInputTriggersRetrievalAndSpeech(t *testing.T) {
	retriever := &fakeRetriever{answers: map[string]string{"tire pressure": "Check monthly"}}
	h := newHarness(t, Options{Retriever: retriever, Synthesizer: &fakeSynthesizer{audio: []byte("mp3")}})

	h.controller.HandleFrame([]byte(`{"type":"user_message","message":{"role":"user","content":"tire pressure"}}`))
	h.wait(t)

	assert.Equal(t, []string{"tire pressure", "Check monthly"}, contents(h.controller.Snapshot()))
	enqueued := h.bridge.allEnqueued()
	require.Len(t, enqueued, 1)
	assert.Equal(t, audio.FormatMP3, enqueued[0].format)
	assert.Equal(t, []byte("mp3"), enqueued[0].data)
}

func TestRetrievalFailureLeavesNoEntry(t *testing.T) {
	retriever := &fakeRetriever{err: errors.New("retrieval returned no answer: status 500")}
	h := newHarness(t, Options{Retriever: retriever})
	socket := h.connect(t)

	socket.inbound <- []byte(`{"type":"user_message","message":{"role":"user","content":"tire pressure"}}`)
	require.Eventually(t, func() bool { return retriever.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	h.wait(t)

	entries := h.controller.Snapshot()
	assert.Equal(t, []string{"tire pressure"}, contents(entries))
	assert.Equal(t, chat.StateConnected, h.controller.Status().State)
	assert.False(t, socket.isClosed())
}

func TestSynthesisFailureKeepsAnswer(t *testing.T) {
	retriever := &fakeRetriever{answers: map[string]string{"q": "a"}}
	h := newHarness(t, Options{Retriever: retriever, Synthesizer: &fakeSynthesizer{err: errors.New("no audio")}})

	require.NoError(t, h.controller.SendText("q"))
	h.wait(t)

	assert.Equal(t, []string{"q", "a"}, contents(h.controller.Snapshot()))
	assert.Empty(t, h.bridge.allEnqueued())
}

func TestSendTextWhileDisconnectedRecordsLocally(t *testing.T) {
	retriever := &fakeRetriever{answers: map[string]string{"tire pressure": "Check monthly"}}
	h := newHarness(t, Options{Retriever: retriever})

	require.NoError(t, h.controller.SendText("  tire pressure "))
	h.wait(t)

	entries := h.controller.Snapshot()
	assert.Equal(t, []string{"tire pressure", "Check monthly"}, contents(entries))
	assert.Equal(t, chat.RoleUser, entries[0].Role)
	for _, entry := range entries {
		assert.False(t, entry.Placeholder)
	}
}

func TestSendTextWhileConnectedUsesSocketAndRetrieval(t *testing.T) {
	retriever := &fakeRetriever{answers: map[string]string{"tire pressure": "Check monthly"}}
	h := newHarness(t, Options{Retriever: retriever})
	socket := h.connect(t)

	require.NoError(t, h.controller.SendText("tire pressure"))
	h.wait(t)

	inputs := socket.framesOfType(evi.TypeUserInput)
	require.Len(t, inputs, 1)
	assert.Equal(t, "tire pressure", inputs[0]["text"])
	assert.Equal(t, []string{"Check monthly"}, contents(h.controller.Snapshot()), "the socket echoes the user entry")
}

func TestSendTextRejectsEmpty(t *testing.T) {
	h := newHarness(t, Options{})
	assert.ErrorIs(t, h.controller.SendText("   "), ErrEmptyText)
}

func TestPlaceholderShownWhileSearching(t *testing.T) {
	retriever := &fakeRetriever{answers: map[string]string{"q": "a"}, release: make(chan struct{})}
	h := newHarness(t, Options{Retriever: retriever})

	require.NoError(t, h.controller.SendText("q"))
	entries := h.controller.Snapshot()
	require.Len(t, entries, 2)
	assert.True(t, entries[1].Placeholder)
	assert.Equal(t, DefaultPlaceholder, entries[1].Content)

	close(retriever.release)
	h.wait(t)
	assert.Equal(t, []string{"q", "a"}, contents(h.controller.Snapshot()))
}

func TestStaleRetrievalIsDiscardedAfterReconnect(t *testing.T) {
	retriever := &fakeRetriever{answers: map[string]string{"q": "late answer"}, release: make(chan struct{})}
	h := newHarness(t, Options{Retriever: retriever, Synthesizer: &fakeSynthesizer{audio: []byte("mp3")}})
	h.connect(t)

	require.NoError(t, h.controller.SendText("q"))
	h.controller.Disconnect()
	h.connect(t)

	close(retriever.release)
	h.wait(t)

	assert.Empty(t, h.controller.Snapshot(), "placeholder retracted and stale answer dropped")
	assert.Empty(t, h.bridge.allEnqueued())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	h.controller.Disconnect()
	assert.Equal(t, chat.StateDisconnected, h.controller.Status().State)

	socket := h.connect(t)
	h.controller.Disconnect()
	h.controller.Disconnect()

	assert.Equal(t, chat.StateDisconnected, h.controller.Status().State)
	assert.True(t, socket.isClosed())
	stops, _, captureStops := h.bridge.counts()
	assert.Equal(t, 3, stops)
	assert.Equal(t, 3, captureStops)
}

func TestServerCloseStopsCaptureWithoutReconnect(t *testing.T) {
	h := newHarness(t, Options{})
	socket := h.connect(t)

	socket.inbound <- []byte(`{"type":"chat_metadata","chat_id":"c1"}`)
	require.Eventually(t, func() bool { return h.bridge.mic.Capturing() }, time.Second, 5*time.Millisecond)

	close(socket.inbound)

	require.Eventually(t, func() bool {
		return h.controller.Status().State == chat.StateDisconnected
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return !h.bridge.mic.Capturing() && socket.isClosed()
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.dialer.calls())

	// 可以由上层决定重新连接
	h.connect(t)
	assert.Equal(t, chat.StateConnected, h.controller.Status().State)
}

func TestNotificationsFollowChanges(t *testing.T) {
	h := newHarness(t, Options{})
	events, unsubscribe := h.controller.Subscribe()
	defer unsubscribe()

	require.NoError(t, h.controller.SendText("hello"))

	select {
	case n := <-events:
		assert.Equal(t, EntryAppended, n.Kind)
		require.NotNil(t, n.Entry)
		assert.Equal(t, "hello", n.Entry.Content)
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}

	h.connect(t)
	var states []chat.State
	for len(states) < 2 {
		select {
		case n := <-events:
			if n.Kind == StateChanged {
				states = append(states, n.Status.State)
			}
		case <-time.After(time.Second):
			t.Fatal("missing state notifications")
		}
	}
	assert.Equal(t, []chat.State{chat.StateConnecting, chat.StateConnected}, states)
}

func TestCloseEndsSubscriptionsAndRejectsWork(t *testing.T) {
	h := newHarness(t, Options{})
	events, _ := h.controller.Subscribe()
	h.connect(t)

	h.controller.Close()
	h.controller.Close()

	for range events {
	}
	assert.ErrorIs(t, h.controller.SendText("late"), ErrClosed)
	assert.ErrorIs(t, h.controller.Connect(context.Background(), evi.Credentials{APIKey: "ABC"}, ""), ErrClosed)
}

func TestNotificationOrderMatchesHistory(t *testing.T) {
	const writers = 32
	h := newHarness(t, Options{NotifyBuffer: writers})
	events, unsubscribe := h.controller.Subscribe()
	defer unsubscribe()

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, h.controller.SendText(fmt.Sprintf("msg-%d", i)))
		}(i)
	}
	wg.Wait()

	notified := make([]string, 0, writers)
	for len(notified) < writers {
		select {
		case n := <-events:
			require.Equal(t, EntryAppended, n.Kind)
			notified = append(notified, n.Entry.ID)
		case <-time.After(time.Second):
			t.Fatal("missing entry notifications")
		}
	}

	entries := h.controller.Snapshot()
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.ID)
	}
	assert.Equal(t, ids, notified)
}

func TestSlowSubscriberIsClosed(t *testing.T) {
	h := newHarness(t, Options{NotifyBuffer: 1})
	slow, unsubscribeSlow := h.controller.Subscribe()
	fast, unsubscribeFast := h.controller.Subscribe()
	defer unsubscribeFast()

	require.NoError(t, h.controller.SendText("one"))
	n := <-fast
	assert.Equal(t, "one", n.Entry.Content)
	require.NoError(t, h.controller.SendText("two"))
	n = <-fast
	assert.Equal(t, "two", n.Entry.Content)

	n, ok := <-slow
	require.True(t, ok)
	assert.Equal(t, "one", n.Entry.Content)
	_, ok = <-slow
	assert.False(t, ok, "lagging subscriber is closed instead of silently missing entries")

	assert.NotPanics(t, unsubscribeSlow)
}

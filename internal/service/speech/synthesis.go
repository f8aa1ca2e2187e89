package speech

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/zhouzirui/evi-chat/backend/internal/config"
	speechmodel "github.com/zhouzirui/evi-chat/backend/internal/model/speech"
	"github.com/zhouzirui/evi-chat/backend/internal/pkg/transport"
)

// ErrNoAudio 表示合成调用没有返回可用音频。
var ErrNoAudio = errors.New("synthesis returned no audio")

const (
	synthesizePath = "/v0/tts"
	streamPath     = "/v0/tts/stream/json"
	maxErrorBody   = 4 << 10
)

// Client 语音合成客户端
type Client struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	description string
	cache       *cache.Cache
	logger      *zap.Logger
}

// NewClient 创建语音合成客户端，CacheTTL 为 0 时不缓存。
func NewClient(cfg config.SynthesisConfig, logger *zap.Logger) (*Client, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("%w: synthesis requires an api key", config.ErrConfiguration)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := &Client{
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		description: cfg.VoiceDescription,
		logger:      logger.Named("speech"),
	}
	if cfg.CacheTTL > 0 {
		client.cache = cache.New(cfg.CacheTTL, 2*cfg.CacheTTL)
	}
	return client, nil
}

type utterance struct {
	Text        string `json:"text"`
	Description string `json:"description,omitempty"`
}

type audioFormat struct {
	Type string `json:"type"`
}

type ttsRequest struct {
	Utterances     []utterance `json:"utterances"`
	Format         audioFormat `json:"format"`
	NumGenerations int         `json:"num_generations"`
	InstantMode    bool        `json:"instant_mode,omitempty"`
}

type ttsResponse struct {
	Generations []struct {
		GenerationID string `json:"generation_id"`
		Audio        string `json:"audio"`
	} `json:"generations"`
}

type ttsChunk struct {
	Audio string `json:"audio"`
}

// Synthesize 使用默认音色把文本合成为 mp3 音频。
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	resp, err := c.SynthesizeSpeech(ctx, &speechmodel.TTSRequest{Text: text})
	if err != nil {
		return nil, err
	}
	return resp.Audio, nil
}

// SynthesizeSpeech 合成一段语音，命中缓存时不发起请求。
func (c *Client) SynthesizeSpeech(ctx context.Context, req *speechmodel.TTSRequest) (*speechmodel.TTSResponse, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty text", ErrNoAudio)
	}
	description := c.describe(req.Description)

	key := description + "\x00" + text
	if c.cache != nil {
		if cached, ok := c.cache.Get(key); ok {
			audio := cached.([]byte)
			return newResponse(audio, true), nil
		}
	}

	resp, err := c.post(ctx, synthesizePath, ttsRequest{
		Utterances:     []utterance{{Text: text, Description: description}},
		Format:         audioFormat{Type: speechmodel.AudioFormat},
		NumGenerations: 1,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body ttsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrNoAudio, err)
	}
	if len(body.Generations) == 0 || body.Generations[0].Audio == "" {
		return nil, fmt.Errorf("%w: response has no generations", ErrNoAudio)
	}

	audio, err := base64.StdEncoding.DecodeString(body.Generations[0].Audio)
	if err != nil {
		return nil, fmt.Errorf("%w: decode audio: %v", ErrNoAudio, err)
	}

	if c.cache != nil {
		c.cache.Set(key, audio, cache.DefaultExpiration)
	}
	c.logger.Debug("synthesized", zap.Int("chars", len(text)), zap.Int("bytes", len(audio)))
	return newResponse(audio, false), nil
}

// SynthesizeStream 以 instant 模式流式合成，返回逐段解码后的音频。
// 格式错误的行会被跳过。
func (c *Client) SynthesizeStream(ctx context.Context, text string) (*schema.StreamReader[[]byte], error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty text", ErrNoAudio)
	}

	resp, err := c.post(ctx, streamPath, ttsRequest{
		Utterances:     []utterance{{Text: text, Description: c.description}},
		Format:         audioFormat{Type: speechmodel.AudioFormat},
		NumGenerations: 1,
		InstantMode:    true,
	})
	if err != nil {
		return nil, err
	}

	sr, sw := schema.Pipe[[]byte](4)
	go func() {
		defer sw.Close()
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		// 单行包含一整段 base64 音频
		scanner.Buffer(make([]byte, 0, 256<<10), 8<<20)
		for scanner.Scan() {
			chunk, ok := parseChunk(scanner.Bytes())
			if !ok {
				continue
			}
			if closed := sw.Send(chunk, nil); closed {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			c.logger.Warn("stream read failed", zap.Error(err))
			sw.Send(nil, &transport.Error{Op: "stream", URL: c.baseURL + streamPath, Err: err})
		}
	}()

	return sr, nil
}

func (c *Client) describe(override string) string {
	if d := strings.TrimSpace(override); d != "" {
		return d
	}
	return c.description
}

func (c *Client) post(ctx context.Context, path string, payload ttsRequest) (*http.Response, error) {
	endpoint := c.baseURL + path

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrNoAudio, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoAudio, &transport.Error{Op: "POST", URL: endpoint, Err: err})
	}
	req.Header.Set("X-Hume-Api-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoAudio, &transport.Error{Op: "POST", URL: endpoint, Err: err})
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("%w: %w", ErrNoAudio, &transport.Error{
			Op:         "POST",
			URL:        endpoint,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", strings.TrimSpace(string(detail))),
		})
	}
	return resp, nil
}

func parseChunk(line []byte) ([]byte, bool) {
	line = bytes.TrimSpace(line)
	if after, found := bytes.CutPrefix(line, []byte("data:")); found {
		line = bytes.TrimSpace(after)
	}
	if len(line) == 0 || line[0] != '{' {
		return nil, false
	}

	var chunk ttsChunk
	if err := json.Unmarshal(line, &chunk); err != nil || chunk.Audio == "" {
		return nil, false
	}

	audio, err := base64.StdEncoding.DecodeString(chunk.Audio)
	if err != nil {
		return nil, false
	}
	return audio, true
}

func newResponse(audio []byte, cached bool) *speechmodel.TTSResponse {
	return &speechmodel.TTSResponse{
		Audio:     audio,
		Format:    speechmodel.AudioFormat,
		Cached:    cached,
		Bytes:     len(audio),
		CreatedAt: time.Now().UTC(),
	}
}

package retrieval

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/zhouzirui/evi-chat/backend/internal/config"
	"github.com/zhouzirui/evi-chat/backend/internal/pkg/transport"
)

// ErrNoAnswer 表示检索没有得到可用回答，调用方据此降级而不是报错退出。
var ErrNoAnswer = errors.New("retrieval returned no answer")

const maxErrorBody = 4 << 10

// Client 知识库检索助手客户端，本身无状态，可并发使用。
type Client struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	model      string
	domain     string
	template   prompt.ChatTemplate
	logger     *zap.Logger
}

// NewClient 根据配置创建检索客户端。
func NewClient(cfg config.RetrievalConfig, logger *zap.Logger) (*Client, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("%w: retrieval requires api key, assistant and base url", config.ErrConfiguration)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		endpoint:   strings.TrimRight(cfg.BaseURL, "/") + "/assistant/chat/" + url.PathEscape(cfg.Assistant),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		domain:     cfg.Context,
		template: prompt.FromMessages(
			schema.FString,
			schema.UserMessage("{context}\n\nQuestion: {question}"),
		),
		logger: logger.Named("retrieval"),
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Model    string        `json:"model"`
}

type chatResponse struct {
	Message *chatMessage `json:"message"`
	Delta   *chatMessage `json:"delta"`
}

// Query 发起一次非流式检索，返回回答文本。
// 非 200、网络失败或响应体无法解析时返回包装了 ErrNoAnswer 的错误。
func (c *Client) Query(ctx context.Context, question string) (string, error) {
	resp, err := c.post(ctx, question, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var body chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrNoAnswer, err)
	}
	if body.Message == nil || strings.TrimSpace(body.Message.Content) == "" {
		return "", fmt.Errorf("%w: empty message content", ErrNoAnswer)
	}

	c.logger.Debug("query answered", zap.Int("length", len(body.Message.Content)))
	return body.Message.Content, nil
}

// QueryStream 发起流式检索，返回逐段回答文本的只读流。
// 流是惰性且不可重放的，调用方读完或放弃时必须 Close。格式错误的行会被跳过。
func (c *Client) QueryStream(ctx context.Context, question string) (*schema.StreamReader[string], error) {
	resp, err := c.post(ctx, question, true)
	if err != nil {
		return nil, err
	}

	sr, sw := schema.Pipe[string](8)
	go func() {
		defer sw.Close()
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
		for scanner.Scan() {
			fragment, ok := parseChunk(scanner.Bytes())
			if !ok {
				continue
			}
			if closed := sw.Send(fragment, nil); closed {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			c.logger.Warn("stream read failed", zap.Error(err))
			sw.Send("", &transport.Error{Op: "stream", URL: c.endpoint, Err: err})
		}
	}()

	return sr, nil
}

func (c *Client) post(ctx context.Context, question string, stream bool) (*http.Response, error) {
	messages, err := c.render(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("%w: render template: %v", ErrNoAnswer, err)
	}

	payload, err := json.Marshal(chatRequest{Messages: messages, Stream: stream, Model: c.model})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrNoAnswer, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoAnswer, &transport.Error{Op: "POST", URL: c.endpoint, Err: err})
	}
	req.Header.Set("Api-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "application/x-ndjson")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoAnswer, &transport.Error{Op: "POST", URL: c.endpoint, Err: err})
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		terr := &transport.Error{
			Op:         "POST",
			URL:        c.endpoint,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", strings.TrimSpace(string(detail))),
		}
		return nil, fmt.Errorf("%w: %w", ErrNoAnswer, terr)
	}

	return resp, nil
}

// render 用领域上下文模板包装用户问题。
func (c *Client) render(ctx context.Context, question string) ([]chatMessage, error) {
	rendered, err := c.template.Format(ctx, map[string]any{
		"context":  c.domain,
		"question": strings.TrimSpace(question),
	})
	if err != nil {
		return nil, err
	}

	messages := make([]chatMessage, 0, len(rendered))
	for _, msg := range rendered {
		messages = append(messages, chatMessage{Role: string(msg.Role), Content: msg.Content})
	}
	return messages, nil
}

// parseChunk 解析一行 NDJSON，兼容 "data:" 前缀。
func parseChunk(line []byte) (string, bool) {
	line = bytes.TrimSpace(line)
	if after, found := bytes.CutPrefix(line, []byte("data:")); found {
		line = bytes.TrimSpace(after)
	}
	if len(line) == 0 || line[0] != '{' {
		return "", false
	}

	var chunk chatResponse
	if err := json.Unmarshal(line, &chunk); err != nil {
		return "", false
	}

	switch {
	case chunk.Message != nil && chunk.Message.Content != "":
		return chunk.Message.Content, true
	case chunk.Delta != nil && chunk.Delta.Content != "":
		return chunk.Delta.Content, true
	}
	return "", false
}

// Collect 读完整个流并拼接文本，读取结束后关闭流。
func Collect(sr *schema.StreamReader[string]) (string, error) {
	defer sr.Close()

	var builder strings.Builder
	for {
		fragment, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			return builder.String(), nil
		}
		if err != nil {
			return builder.String(), err
		}
		builder.WriteString(fragment)
	}
}

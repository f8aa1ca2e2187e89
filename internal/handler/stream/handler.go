package stream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/evi-chat/backend/internal/model/chat"
	"github.com/zhouzirui/evi-chat/backend/internal/service/retrieval"
	"github.com/zhouzirui/evi-chat/backend/internal/service/session"
	"github.com/zhouzirui/evi-chat/backend/pkg/utils"
)

// DefaultHeartbeat SSE 心跳间隔
const DefaultHeartbeat = 15 * time.Second

// Notifier 会话通知来源
type Notifier interface {
	Subscribe() (<-chan session.Notification, func())
	Status() chat.Status
	Snapshot() []chat.Entry
}

// Retriever 检索服务
type Retriever interface {
	Query(ctx context.Context, question string) (string, error)
	QueryStream(ctx context.Context, question string) (*schema.StreamReader[string], error)
}

// Handler 通过 Server-Sent Events 推送会话通知与检索结果
type Handler struct {
	events    Notifier
	retriever Retriever
	heartbeat time.Duration
	logger    *zap.Logger
}

// New creates a new stream handler. retriever may be nil.
func New(events Notifier, retriever Retriever, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		events:    events,
		retriever: retriever,
		heartbeat: DefaultHeartbeat,
		logger:    logger.Named("stream"),
	}
}

// RegisterRoutes 注册推送相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/session/events", h.handleSessionEvents)
	r.Post("/retrieval/query", h.handleQuery)
}

// StreamResponse represents a streaming response chunk
type StreamResponse struct {
	Event    string `json:"event"`
	Content  string `json:"content,omitempty"`
	Finished bool   `json:"finished,omitempty"`
	Error    string `json:"error,omitempty"`
}

type snapshotEvent struct {
	Status  chat.Status  `json:"status"`
	Entries []chat.Entry `json:"entries"`
}

// handleSessionEvents 先推送一次完整快照，随后逐条推送会话通知，直到客户端断开或会话关闭
func (h *Handler) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	notifications, unsubscribe := h.events.Subscribe()
	defer unsubscribe()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	entries := h.events.Snapshot()
	if entries == nil {
		entries = []chat.Entry{}
	}
	utils.SendSSEEvent(w, flusher, "snapshot", snapshotEvent{Status: h.events.Status(), Entries: entries})

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	ctx := r.Context()
	h.logger.Debug("event stream opened", zap.String("remote", r.RemoteAddr))
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("event stream closed by client")
			return
		case n, ok := <-notifications:
			if !ok {
				utils.SendSSEEvent(w, flusher, "closed", StreamResponse{Event: "closed", Finished: true})
				return
			}
			utils.SendSSEEvent(w, flusher, string(n.Kind), n)
		case <-ticker.C:
			utils.SendSSEComment(w, flusher, "heartbeat")
		}
	}
}

type queryRequest struct {
	Question string `json:"question" validate:"required,max=4000"`
	Stream   bool   `json:"stream"`
}

// handleQuery 直接向检索助手提问，stream=true 时以 SSE 逐段返回
func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	if h.retriever == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "retrieval not configured")
		return
	}

	var req queryRequest
	if !utils.DecodeJSON(w, r, &req) {
		return
	}
	req.Question = strings.TrimSpace(req.Question)
	if !utils.ValidateRequest(w, &req) {
		return
	}

	if !req.Stream {
		answer, err := h.retriever.Query(r.Context(), req.Question)
		if err != nil {
			h.logger.Warn("retrieval query failed", zap.Error(err))
			status := http.StatusInternalServerError
			if errors.Is(err, retrieval.ErrNoAnswer) {
				status = http.StatusBadGateway
			}
			utils.RespondError(w, status, err.Error())
			return
		}
		utils.RespondJSON(w, http.StatusOK, map[string]string{"answer": answer})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sr, err := h.retriever.QueryStream(r.Context(), req.Question)
	if err != nil {
		h.logger.Warn("retrieval stream failed", zap.Error(err))
		utils.RespondError(w, http.StatusBadGateway, err.Error())
		return
	}
	defer sr.Close()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	h.streamAnswer(w, flusher, sr)
}

func (h *Handler) streamAnswer(w http.ResponseWriter, flusher http.Flusher, sr *schema.StreamReader[string]) {
	var answer strings.Builder
	for {
		fragment, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			h.logger.Warn("retrieval stream interrupted", zap.Error(err))
			utils.SendSSEChunk(w, flusher, StreamResponse{Event: "error", Error: err.Error()})
			return
		}
		if fragment == "" {
			continue
		}

		answer.WriteString(fragment)
		utils.SendSSEChunk(w, flusher, StreamResponse{Event: "delta", Content: fragment})
	}

	utils.SendSSEChunk(w, flusher, StreamResponse{
		Event:    "message",
		Content:  answer.String(),
		Finished: true,
	})
}

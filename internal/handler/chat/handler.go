package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/evi-chat/backend/internal/config"
	"github.com/zhouzirui/evi-chat/backend/internal/model/chat"
	"github.com/zhouzirui/evi-chat/backend/internal/pkg/transport"
	"github.com/zhouzirui/evi-chat/backend/internal/service/evi"
	"github.com/zhouzirui/evi-chat/backend/internal/service/session"
	"github.com/zhouzirui/evi-chat/backend/pkg/utils"
)

// SessionService 会话控制器对 UI 暴露的操作
type SessionService interface {
	Status() chat.Status
	Snapshot() []chat.Entry
	Connect(ctx context.Context, creds evi.Credentials, configID string) error
	Disconnect()
	Mute()
	Unmute()
	SendText(text string) error
}

// CredentialProvider 为每次连接提供凭证
type CredentialProvider interface {
	Credentials(ctx context.Context) (evi.Credentials, error)
	ConfigID() string
}

// Handler 会话相关的HTTP处理器
type Handler struct {
	session SessionService
	creds   CredentialProvider
	logger  *zap.Logger
}

// New 创建会话处理器
func New(sessionSvc SessionService, creds CredentialProvider, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		session: sessionSvc,
		creds:   creds,
		logger:  logger.Named("session_handler"),
	}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/session", h.handleSnapshot)
	r.Post("/session/connect", h.handleConnect)
	r.Post("/session/disconnect", h.handleDisconnect)
	r.Post("/session/mute", h.handleMute)
	r.Post("/session/unmute", h.handleUnmute)
	r.Post("/session/text", h.handleSendText)
}

type snapshotResponse struct {
	Status  chat.Status  `json:"status"`
	Entries []chat.Entry `json:"entries"`
}

func (h *Handler) snapshot() snapshotResponse {
	entries := h.session.Snapshot()
	if entries == nil {
		entries = []chat.Entry{}
	}
	return snapshotResponse{Status: h.session.Status(), Entries: entries}
}

// handleSnapshot 返回会话状态与聊天记录
func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.snapshot())
}

// handleConnect 建立语音会话连接，body 可选，可覆盖默认的 configId
func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ConfigID string `json:"configId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if h.creds == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "evi credentials not configured")
		return
	}

	configID := payload.ConfigID
	if configID == "" {
		configID = h.creds.ConfigID()
	}

	creds, err := h.creds.Credentials(r.Context())
	if err != nil {
		h.respondSessionError(w, err)
		return
	}
	if err := h.session.Connect(r.Context(), creds, configID); err != nil {
		h.respondSessionError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, h.session.Status())
}

// handleDisconnect 断开连接，重复调用也返回成功
func (h *Handler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	h.session.Disconnect()
	utils.RespondJSON(w, http.StatusOK, h.session.Status())
}

func (h *Handler) handleMute(w http.ResponseWriter, r *http.Request) {
	h.session.Mute()
	utils.RespondJSON(w, http.StatusOK, h.session.Status())
}

func (h *Handler) handleUnmute(w http.ResponseWriter, r *http.Request) {
	h.session.Unmute()
	utils.RespondJSON(w, http.StatusOK, h.session.Status())
}

// handleSendText 发送文本输入
func (h *Handler) handleSendText(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Text string `json:"text"`
	}
	if !utils.DecodeJSON(w, r, &payload) {
		return
	}

	if err := h.session.SendText(payload.Text); err != nil {
		h.respondSessionError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// respondSessionError 将会话错误映射为HTTP状态码
func (h *Handler) respondSessionError(w http.ResponseWriter, err error) {
	var terr *transport.Error
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, config.ErrConfiguration), errors.Is(err, session.ErrEmptyText):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrAlreadyConnected), errors.Is(err, session.ErrNotConnected):
		status = http.StatusConflict
	case errors.Is(err, session.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.As(err, &terr):
		status = http.StatusBadGateway
	}

	if status >= http.StatusInternalServerError {
		h.logger.Warn("session request failed", zap.Int("status", status), zap.Error(err))
	}
	utils.RespondError(w, status, err.Error())
}

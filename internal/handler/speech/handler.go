package speech

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/evi-chat/backend/internal/model/speech"
	speechsvc "github.com/zhouzirui/evi-chat/backend/internal/service/speech"
	"github.com/zhouzirui/evi-chat/backend/pkg/utils"
)

// SpeechService 抽象语音合成，便于测试与替换实现
type SpeechService interface {
	SynthesizeSpeech(ctx context.Context, req *speech.TTSRequest) (*speech.TTSResponse, error)
}

// Handler 语音服务的HTTP处理器
type Handler struct {
	speechSvc SpeechService
	logger    *zap.Logger
}

// New 创建语音处理器，speechSvc 为空时合成接口返回 503
func New(speechSvc SpeechService, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{speechSvc: speechSvc, logger: logger.Named("speech_handler")}
}

// RegisterRoutes 注册语音相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/speech", func(speechRouter chi.Router) {
		speechRouter.Post("/synthesize", h.handleSynthesize)
		speechRouter.Get("/health", h.handleHealth)
	})
}

// handleSynthesize 合成语音。Accept 为 audio/* 时直接返回音频，否则返回 JSON（音频为 base64）
func (h *Handler) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	if h.speechSvc == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "speech synthesis not configured")
		return
	}

	var req speech.TTSRequest
	if !utils.DecodeJSON(w, r, &req) {
		return
	}
	req.Text = strings.TrimSpace(req.Text)
	if !utils.ValidateRequest(w, &req) {
		return
	}

	resp, err := h.speechSvc.SynthesizeSpeech(r.Context(), &req)
	if err != nil {
		h.logger.Warn("synthesis failed", zap.Error(err))
		status := http.StatusInternalServerError
		if errors.Is(err, speechsvc.ErrNoAudio) {
			status = http.StatusBadGateway
		}
		utils.RespondError(w, status, "speech synthesis failed")
		return
	}

	if !wantsAudio(r) {
		utils.RespondJSON(w, http.StatusOK, resp)
		return
	}

	format := resp.Format
	if format == "" {
		format = speech.AudioFormat
	}
	w.Header().Set("Content-Type", contentType(format))
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Audio)))
	w.Header().Set("Content-Disposition", "attachment; filename=speech."+format)
	if resp.Cached {
		w.Header().Set("X-Speech-Cache", "hit")
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(resp.Audio); err != nil {
		h.logger.Debug("write audio response failed", zap.Error(err))
	}
}

// handleHealth 健康检查端点
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.speechSvc == nil {
		utils.RespondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "disabled",
			"service": "speech",
		})
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "speech",
		"format":  speech.AudioFormat,
	})
}

func wantsAudio(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "audio/") || strings.Contains(accept, "application/octet-stream")
}

func contentType(format string) string {
	switch format {
	case "mp3":
		return "audio/mpeg"
	case "wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}

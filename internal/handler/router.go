package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhouzirui/evi-chat/backend/internal/handler/chat"
	"github.com/zhouzirui/evi-chat/backend/internal/handler/speech"
	"github.com/zhouzirui/evi-chat/backend/internal/handler/stream"
	middlewarePkg "github.com/zhouzirui/evi-chat/backend/internal/middleware"
	"github.com/zhouzirui/evi-chat/backend/pkg/utils"
)

// Session 会话控制器需要同时满足 REST 与事件推送两组接口
type Session interface {
	chat.SessionService
	stream.Notifier
}

// Deps 路由依赖，Retriever、Speech 与 Credentials 可以为空
type Deps struct {
	Session     Session
	Credentials chat.CredentialProvider
	Retriever   stream.Retriever
	Speech      speech.SpeechService
	Playback    speech.PlaybackHub
	Microphone  speech.MicrophoneInput
	Logger      *zap.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	sessionHandler := chat.New(deps.Session, deps.Credentials, logger)
	streamHandler := stream.New(deps.Session, deps.Retriever, logger)
	speechHandler := speech.New(deps.Speech, logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		sessionHandler.RegisterRoutes(api)
		streamHandler.RegisterRoutes(api)
		speechHandler.RegisterRoutes(api)

		if deps.Playback != nil && deps.Microphone != nil {
			speech.NewWebSocketHandler(deps.Playback, deps.Microphone, logger).RegisterWebSocketRoutes(api)
		} else {
			api.Get("/audio/ws", func(w http.ResponseWriter, _ *http.Request) {
				utils.RespondError(w, http.StatusNotImplemented, "audio websocket not available")
			})
		}
	})

	return r
}

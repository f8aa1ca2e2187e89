package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/evi-chat/backend/internal/config"
	"github.com/zhouzirui/evi-chat/backend/internal/handler"
	"github.com/zhouzirui/evi-chat/backend/internal/pkg/logger"
	"github.com/zhouzirui/evi-chat/backend/internal/service/audio"
	chatservice "github.com/zhouzirui/evi-chat/backend/internal/service/chat"
	"github.com/zhouzirui/evi-chat/backend/internal/service/evi"
	"github.com/zhouzirui/evi-chat/backend/internal/service/retrieval"
	"github.com/zhouzirui/evi-chat/backend/internal/service/session"
	"github.com/zhouzirui/evi-chat/backend/internal/service/speech"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "evi-chat: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	if envErr != nil {
		log.Info("no .env file loaded, using system environment only", zap.Error(envErr))
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	app := newApp(cfg, log)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           app.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := app.bridge.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("playback: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info("evi chat bridge listening", zap.String("addr", srv.Addr))
		return runServer(gctx, srv)
	})

	err = g.Wait()
	app.controller.Close()
	log.Info("shutdown complete")
	return err
}

type app struct {
	bridge     *audio.Bridge
	controller *session.Controller
	router     http.Handler
}

// newApp 组装服务。检索与合成未配置时跳过，相关接口返回 503
func newApp(cfg *config.Config, log *zap.Logger) *app {
	deps := handler.Deps{
		Credentials: evi.NewCredentialSource(cfg.EVI),
		Logger:      log,
	}
	opts := session.Options{Host: cfg.EVI.Host, Logger: log}

	if cfg.Retrieval.Enabled() {
		client, err := retrieval.NewClient(cfg.Retrieval, log)
		if err != nil {
			log.Warn("retrieval disabled", zap.Error(err))
		} else {
			opts.Retriever = client
			deps.Retriever = client
			log.Info("retrieval enabled", zap.String("assistant", cfg.Retrieval.Assistant))
		}
	} else {
		log.Info("retrieval not configured, skipping")
	}

	if cfg.Synthesis.Enabled() {
		client, err := speech.NewClient(cfg.Synthesis, log)
		if err != nil {
			log.Warn("speech synthesis disabled", zap.Error(err))
		} else {
			opts.Synthesizer = client
			deps.Speech = client
			log.Info("speech synthesis enabled", zap.Duration("cache_ttl", cfg.Synthesis.CacheTTL))
		}
	} else {
		log.Info("speech synthesis not configured, skipping")
	}

	dialer := evi.NewDialer(&evi.DialOptions{
		HandshakeTimeout: cfg.EVI.DialTimeout,
		PingInterval:     cfg.EVI.PingInterval,
		WriteTimeout:     10 * time.Second,
		MaxRetries:       cfg.EVI.DialRetries,
		RetryDelay:       time.Second,
	}, log)

	bridge := audio.NewBridge(log)
	controller := session.NewController(dialer, bridge, chatservice.NewLog(), opts)

	deps.Session = controller
	deps.Playback = bridge.Hub()
	deps.Microphone = bridge.Microphone()

	return &app{
		bridge:     bridge,
		controller: controller,
		router:     handler.NewRouter(deps),
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

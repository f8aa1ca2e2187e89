package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zhouzirui/evi-chat/backend/internal/model/chat"
	"github.com/zhouzirui/evi-chat/backend/internal/service/audio"
	"github.com/zhouzirui/evi-chat/backend/internal/service/evi"
	"github.com/zhouzirui/evi-chat/backend/internal/service/retrieval"
	"github.com/zhouzirui/evi-chat/backend/internal/service/session"
	"github.com/zhouzirui/evi-chat/backend/internal/service/speech"
)

var (
	listenDuration time.Duration
	listenText     string
	listenOutDir   string
	listenConfigID string
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Open an EVI session and print the chat log as it arrives",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		ctx, cancel := context.WithTimeout(ctx, listenDuration)
		defer cancel()

		source := evi.NewCredentialSource(cfg.EVI)
		creds, err := source.Credentials(ctx)
		if err != nil {
			return err
		}
		configID := listenConfigID
		if configID == "" {
			configID = source.ConfigID()
		}

		opts := session.Options{Host: cfg.EVI.Host, Logger: log}
		if client, err := retrieval.NewClient(cfg.Retrieval, log); err == nil {
			opts.Retriever = client
		}
		if client, err := speech.NewClient(cfg.Synthesis, log); err == nil {
			opts.Synthesizer = client
		}

		bridge := audio.NewBridge(log)
		sink := &fileSink{dir: listenOutDir, out: cmd.OutOrStdout()}
		detach := bridge.Hub().Attach(sink)
		defer detach()

		playCtx, stopPlayback := context.WithCancel(context.Background())
		playDone := make(chan struct{})
		go func() {
			defer close(playDone)
			_ = bridge.Run(playCtx)
		}()
		defer func() {
			stopPlayback()
			<-playDone
		}()

		dialer := evi.NewDialer(&evi.DialOptions{
			HandshakeTimeout: cfg.EVI.DialTimeout,
			PingInterval:     cfg.EVI.PingInterval,
			WriteTimeout:     10 * time.Second,
			MaxRetries:       cfg.EVI.DialRetries,
			RetryDelay:       time.Second,
		}, log)
		ctrl := session.NewController(dialer, bridge, nil, opts)
		defer ctrl.Close()

		notes, unsubscribe := ctrl.Subscribe()
		defer unsubscribe()

		if err := ctrl.Connect(ctx, creds, configID); err != nil {
			return err
		}
		if listenText != "" {
			if err := ctrl.SendText(listenText); err != nil {
				return err
			}
		}

		out := cmd.OutOrStdout()
		for {
			select {
			case <-ctx.Done():
				ctrl.Disconnect()
				fmt.Fprintf(out, "done: %d entries, %d audio chunks\n", len(ctrl.Snapshot()), sink.chunks.Load())
				return nil
			case n, ok := <-notes:
				if !ok {
					return nil
				}
				printNotification(out, n)
				if n.Kind == session.StateChanged && n.Status.State == chat.StateDisconnected {
					fmt.Fprintln(out, "session closed by server")
					return nil
				}
			}
		}
	},
}

func printNotification(out io.Writer, n session.Notification) {
	switch n.Kind {
	case session.EntryAppended:
		fmt.Fprintf(out, "[%s] %s%s\n", n.Entry.Role, n.Entry.Content, formatScores(n.Entry.EmotionScores))
	case session.EntryRemoved:
		log.Debug("entry retracted", zap.String("id", n.EntryID))
	case session.StateChanged:
		fmt.Fprintf(out, "state: %s muted=%t\n", n.Status.State, n.Status.Muted)
	}
}

func formatScores(scores []chat.EmotionScore) string {
	if len(scores) == 0 {
		return ""
	}
	parts := make([]string, 0, len(scores))
	for _, s := range scores {
		parts = append(parts, fmt.Sprintf("%s %.2f", s.Label, s.Score))
	}
	return " (" + strings.Join(parts, ", ") + ")"
}

// fileSink 把播放音频写入目录，未指定目录时只计数
type fileSink struct {
	dir    string
	out    io.Writer
	chunks atomic.Int64
}

func (s *fileSink) Play(ctx context.Context, chunk audio.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.chunks.Add(1)
	if s.dir == "" {
		return nil
	}
	name := filepath.Join(s.dir, fmt.Sprintf("%04d.%s", chunk.Seq, chunk.Format))
	return os.WriteFile(name, chunk.Data, 0o644)
}

func (s *fileSink) Flush() {
	log.Debug("playback interrupted")
}

func init() {
	listenCmd.Flags().DurationVarP(&listenDuration, "duration", "d", 30*time.Second, "how long to stay connected")
	listenCmd.Flags().StringVarP(&listenText, "text", "t", "", "text input to send once connected")
	listenCmd.Flags().StringVar(&listenOutDir, "out-dir", "", "write received audio chunks into this directory")
	listenCmd.Flags().StringVar(&listenConfigID, "config-id", "", "EVI config id (default HUME_CONFIG_ID)")
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zhouzirui/evi-chat/backend/internal/config"
	speechmodel "github.com/zhouzirui/evi-chat/backend/internal/model/speech"
	"github.com/zhouzirui/evi-chat/backend/internal/pkg/logger"
	"github.com/zhouzirui/evi-chat/backend/internal/service/retrieval"
	"github.com/zhouzirui/evi-chat/backend/internal/service/speech"
)

var (
	timeout time.Duration
	verbose bool

	cfg *config.Config
	log *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "evitester",
	Short: "Manual probe for the EVI chat bridge backends",
	Long: `evitester exercises the external services used by the chat bridge
without starting the HTTP server.

Environment variables are read the same way as the server (a .env file in
the working directory is loaded first).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		loaded, err := config.Load()
		if err != nil {
			return fmt.Errorf("配置加载失败: %w", err)
		}
		if verbose {
			loaded.Log.Level = "debug"
		}
		loaded.Log.Format = "console"
		loaded.Log.File = ""

		l, err := logger.New(loaded.Log)
		if err != nil {
			return err
		}
		cfg, log = loaded, l
		return nil
	},
}

var askStream bool

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask the retrieval assistant a question",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := retrieval.NewClient(cfg.Retrieval, log)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		question := strings.Join(args, " ")
		out := cmd.OutOrStdout()

		if !askStream {
			answer, err := client.Query(ctx, question)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, answer)
			return nil
		}

		sr, err := client.QueryStream(ctx, question)
		if err != nil {
			return err
		}
		defer sr.Close()

		for {
			fragment, err := sr.Recv()
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(out)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprint(out, fragment)
		}
	},
}

var (
	sayOut         string
	sayDescription string
	sayStream      bool
)

var sayCmd = &cobra.Command{
	Use:   "say <text>",
	Short: "Synthesize text to an mp3 file",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := speech.NewClient(cfg.Synthesis, log)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		text := strings.Join(args, " ")

		outputPath := sayOut
		if outputPath == "" {
			outputPath = fmt.Sprintf("tts-output-%d.%s", time.Now().Unix(), speechmodel.AudioFormat)
		}

		var audio []byte
		if sayStream {
			audio, err = collectStream(ctx, client, text)
		} else {
			var resp *speechmodel.TTSResponse
			resp, err = client.SynthesizeSpeech(ctx, &speechmodel.TTSRequest{Text: text, Description: sayDescription})
			if resp != nil {
				audio = resp.Audio
			}
		}
		if err != nil {
			return err
		}

		if err := os.WriteFile(outputPath, audio, 0o644); err != nil {
			return fmt.Errorf("写入音频文件失败: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes to %s\n", len(audio), outputPath)
		return nil
	},
}

func collectStream(ctx context.Context, client *speech.Client, text string) ([]byte, error) {
	sr, err := client.SynthesizeStream(ctx, text)
	if err != nil {
		return nil, err
	}
	defer sr.Close()

	var audio []byte
	chunks := 0
	for {
		chunk, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		chunks++
		audio = append(audio, chunk...)
	}
	log.Debug("stream finished", zap.Int("chunks", chunks), zap.Int("bytes", len(audio)))
	return audio, nil
}

func init() {
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 45*time.Second, "request timeout")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	askCmd.Flags().BoolVar(&askStream, "stream", false, "print the answer as it streams")

	sayCmd.Flags().StringVarP(&sayOut, "out", "o", "", "output file (default tts-output-<unix>.mp3)")
	sayCmd.Flags().StringVar(&sayDescription, "description", "", "voice description override")
	sayCmd.Flags().BoolVar(&sayStream, "stream", false, "use the instant streaming endpoint")

	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(sayCmd)
	rootCmd.AddCommand(listenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

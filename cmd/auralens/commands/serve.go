package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/auralens/auralens/pkg/archive"
	"github.com/auralens/auralens/pkg/gen"
	"github.com/auralens/auralens/pkg/gen/geminigen"
	"github.com/auralens/auralens/pkg/gen/openaigen"
	"github.com/auralens/auralens/pkg/kv"
	"github.com/auralens/auralens/pkg/live"
	"github.com/auralens/auralens/pkg/speaker"
	"github.com/auralens/auralens/pkg/speaker/openaivoice"
	"github.com/auralens/auralens/pkg/vision"
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the live orchestration server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadServeConfig(serveConfigPath)
		if err != nil {
			return err
		}
		return runServe(cmd.Context(), cfg)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "f", "config.yaml", "config file")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, cfg *ServeConfig) error {
	log := slog.Default()

	fast, err := buildGenerator(ctx, cfg.Providers.Fast)
	if err != nil {
		return fmt.Errorf("fast provider: %w", err)
	}
	deep, err := buildGenerator(ctx, cfg.Providers.Deep)
	if err != nil {
		return fmt.Errorf("deep provider: %w", err)
	}
	synth, err := buildSynthesizer(cfg.Providers.Voice)
	if err != nil {
		return fmt.Errorf("voice provider: %w", err)
	}
	analyzer, err := buildAnalyzer(ctx, cfg.Providers.Vision)
	if err != nil {
		return fmt.Errorf("vision provider: %w", err)
	}

	var arch *archive.Archive
	if cfg.Archive != "" {
		store, err := kv.Open(cfg.Archive)
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		defer store.Close()
		arch = archive.New(store)
	}

	srv := live.NewServer(live.Config{
		Fast:             fast,
		Deep:             deep,
		Synth:            synth,
		Analyzer:         analyzer,
		Archive:          arch,
		FastTimeout:      cfg.Turn.FastTimeout.Or(0),
		DeepTimeout:      cfg.Turn.DeepTimeout.Or(0),
		Staleness:        cfg.Turn.Staleness.Or(0),
		FrameWait:        cfg.Turn.FrameWait.Or(0),
		RateLimitWindow:  cfg.Turn.RateLimitWindow.Or(0),
		DedupWindow:      cfg.Turn.DedupWindow.Or(0),
		BreakerThreshold: cfg.Breaker.Threshold,
		BreakerWindow:    cfg.Breaker.Window.Or(0),
		BreakerCooldown:  cfg.Breaker.Cooldown.Or(0),
		Instructions:     cfg.Instructions,
		Log:              log,
	})

	httpSrv := &http.Server{Addr: cfg.Listen, Handler: srv}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Listen)
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func buildGenerator(ctx context.Context, pc ProviderConfig) (gen.Generator, error) {
	switch pc.Provider {
	case "openai":
		return openaigen.New(pc.APIKey, pc.Model), nil
	case "gemini":
		return geminigen.New(ctx, pc.APIKey, pc.Model)
	default:
		return nil, fmt.Errorf("unknown provider %q", pc.Provider)
	}
}

func buildSynthesizer(pc ProviderConfig) (speaker.Synthesizer, error) {
	switch pc.Provider {
	case "":
		return speaker.TextOnly{}, nil
	case "openai":
		return openaivoice.New(pc.APIKey, pc.Model, pc.Voice), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", pc.Provider)
	}
}

func buildAnalyzer(ctx context.Context, pc ProviderConfig) (vision.Analyzer, error) {
	switch pc.Provider {
	case "":
		return nil, nil
	case "gemini":
		return vision.NewGeminiAnalyzer(ctx, pc.APIKey, pc.Model)
	default:
		return nil, fmt.Errorf("unknown provider %q", pc.Provider)
	}
}

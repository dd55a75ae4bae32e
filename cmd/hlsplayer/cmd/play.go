package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/hlsplayer/internal/events"
	"github.com/jmylchreest/hlsplayer/internal/player"
	"github.com/jmylchreest/hlsplayer/internal/sink"
)

var (
	playDuration time.Duration
	playRate     float64
	playDrain    bool
)

// playCmd tunes a stream headlessly with the recording sink. It is the
// engine's dry-run surface: fragments are fetched, decrypted, paced, and
// injected, and every event is logged.
var playCmd = &cobra.Command{
	Use:   "play URL",
	Short: "Tune and play an HLS stream headlessly",
	Long: `Tune an HLS master or media playlist URL and run the full playback
pipeline into a recording sink. Playback runs until the stream ends, the
duration elapses, or the process receives an interrupt.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlay,
}

func init() {
	playCmd.Flags().DurationVar(&playDuration, "duration", 0, "stop after this long (0 = play to end)")
	playCmd.Flags().Float64Var(&playRate, "rate", 1.0, "playback rate (trick-play when not 1.0)")
	playCmd.Flags().BoolVar(&playDrain, "drain", true, "continuously drain the sink to simulate playback")
	playCmd.Flags().Bool("diagnostics", false, "serve the diagnostics HTTP endpoint during playback")
	playCmd.Flags().Int("diagnostics-port", 8270, "diagnostics HTTP port")
	mustBindPFlag("diagnostics.enabled", playCmd.Flags().Lookup("diagnostics"))
	mustBindPFlag("diagnostics.port", playCmd.Flags().Lookup("diagnostics-port"))
	rootCmd.AddCommand(playCmd)
}

func runPlay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()

	snk := sink.NewBufferedSink(cfg.Buffer.CacheSlots * 4)
	p, err := player.New(cfg, snk, logger)
	if err != nil {
		return fmt.Errorf("creating player: %w", err)
	}

	p.Events().Subscribe(func(ev events.Event) {
		logEvent(logger, ev)
	})

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	if playDuration > 0 {
		ctx, cancel = context.WithTimeout(ctx, playDuration)
		defer cancel()
	}

	if err := p.Tune(ctx, args[0]); err != nil {
		return fmt.Errorf("tuning: %w", err)
	}
	if playRate != 1.0 {
		p.SetRate(playRate)
	}

	var diag *player.Diagnostics
	if cfg.Diagnostics.Enabled {
		diag = player.NewDiagnostics(p, cfg.Diagnostics.Host, cfg.Diagnostics.Port, cfg.Diagnostics.Timeout)
		diag.Start()
	}

	if playDrain {
		go drainSink(ctx, snk)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	done := make(chan error, 1)
	go func() { done <- p.Wait() }()

	select {
	case sig := <-sigCh:
		logger.Info("signal received, stopping", slog.String("signal", sig.String()))
		p.Stop()
		err = <-done
	case <-ctx.Done():
		p.Stop()
		err = <-done
	case err = <-done:
	}

	if diag != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = diag.Shutdown(shutdownCtx)
	}

	if err != nil {
		return fmt.Errorf("playback: %w", err)
	}
	logger.Info("playback finished", slog.String("state", p.State().String()))
	return nil
}

// drainSink consumes recorded samples so the pipeline never back-pressures
// permanently during headless playback.
func drainSink(ctx context.Context, snk *sink.BufferedSink) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range snk.DrainAll() {
				_ = s
			}
		}
	}
}

func logEvent(logger *slog.Logger, ev events.Event) {
	switch ev.Type {
	case events.EventBitrateChanged:
		logger.Info("bitrate changed",
			slog.Int64("from", ev.FromBitrate),
			slog.Int64("to", ev.ToBitrate),
			slog.String("reason", ev.ChangeReason.String()))
	case events.EventInitialCachingComplete:
		logger.Info("initial caching complete")
	case events.EventDiscontinuity:
		logger.Info("discontinuity", slog.String("track", ev.Track.String()))
	case events.EventStall:
		logger.Warn("stall detected")
	case events.EventTuneFailed:
		logger.Error("tune failed",
			slog.String("reason", ev.FailureReason.String()),
			slog.Int("http_code", ev.HTTPCode))
	case events.EventEndOfStream:
		logger.Info("end of stream", slog.String("track", ev.Track.String()))
	}
}

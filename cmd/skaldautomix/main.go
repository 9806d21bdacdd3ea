/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/friendsincode/skald_automix/internal/analyzer"
	"github.com/friendsincode/skald_automix/internal/automix"
	"github.com/friendsincode/skald_automix/internal/cache"
	"github.com/friendsincode/skald_automix/internal/config"
	"github.com/friendsincode/skald_automix/internal/db"
	"github.com/friendsincode/skald_automix/internal/eventbus"
	"github.com/friendsincode/skald_automix/internal/events"
	"github.com/friendsincode/skald_automix/internal/logbuffer"
	"github.com/friendsincode/skald_automix/internal/logging"
	"github.com/friendsincode/skald_automix/internal/models"
	"github.com/friendsincode/skald_automix/internal/playout"
	"github.com/friendsincode/skald_automix/internal/scheduler"
	"github.com/friendsincode/skald_automix/internal/server"
	"github.com/friendsincode/skald_automix/internal/telemetry"
	"github.com/friendsincode/skald_automix/internal/version"
)

var (
	logger zerolog.Logger
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "skaldautomix",
	Short: "Skald AutoMix - beat-aware gapless playback engine",
	Long:  "Skald AutoMix drives gapless, beat-aware, harmonic crossfades between consecutive tracks of the Skald player.",
}

var serveCmd = &cobra.Command{
	Use:   "serve [tracks...]",
	Short: "Start the automix playback daemon",
	Long:  "Start the playback daemon. Any tracks given on the command line are queued and played with automix transitions.",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logBuf := logbuffer.New(10000)
	logger = logging.SetupWithWriter(cfg.Environment, logbuffer.NewWriter(logBuf, nil))
	logger.Info().Str("version", version.Version).Msg("Skald AutoMix starting")

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()

	tracerProvider, err := telemetry.InitTracer(rootCtx, telemetry.TracerConfig{
		ServiceName:    "skald-automix",
		ServiceVersion: version.Version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     cfg.TracingSampleRate,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}
	defer func() {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			logger.Error().Err(err).Msg("failed to shutdown tracer provider")
		}
	}()

	// Analysis cache: gorm store, optional Redis tier, fsnotify watcher.
	gormDB, err := db.Connect(cfg)
	if err != nil {
		return fmt.Errorf("open cache store: %w", err)
	}
	defer func() { _ = db.Close(gormDB) }()

	var redisTier *cache.RedisTier
	if cfg.RedisCacheOn {
		redisTier = cache.NewRedisTier(cache.RedisTierConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		defer func() { _ = redisTier.Close() }()
	}

	store, err := cache.NewStore(gormDB, redisTier, logger)
	if err != nil {
		return fmt.Errorf("init analysis cache: %w", err)
	}

	eventBus := events.NewBus()
	bridge := newBridge(cfg, eventBus, logger)
	if bridge != nil {
		defer func() { _ = bridge.Close() }()
	}

	if watcher, err := cache.NewWatcher(cfg.MediaRoot, store, eventBus, logger); err == nil {
		defer func() { _ = watcher.Close() }()
		go func() { _ = watcher.Run(rootCtx) }()
	} else {
		logger.Warn().Err(err).Str("root", cfg.MediaRoot).Msg("cache watcher unavailable")
	}

	// Analyser gateway.
	gwCfg := analyzer.DefaultConfig(cfg.AnalyzerBin)
	gwCfg.WorkDir = cfg.AnalyzerWorkDir
	gateway := analyzer.New(gwCfg, store, logger)

	// Output graph: master bus + scheduler on its clock.
	master := playout.NewMasterBus(playout.MasterBusConfig{
		GStreamerBin: cfg.GStreamerBin,
		SampleRate:   cfg.SampleRate,
		Channels:     cfg.Channels,
	}, logger)
	defer func() { _ = master.Close() }()
	go func() { _ = master.Pump(rootCtx) }()

	sched := scheduler.New(master, logger, scheduler.WithTick(cfg.SchedulerTick))
	go func() { _ = sched.Run(rootCtx) }()

	session := &automix.Session{}
	pair := automix.NewPair(automix.PairConfig{
		Factory: func() playout.Engine {
			eng := playout.NewGStreamerEngine(playout.GStreamerConfig{
				Bin:        cfg.GStreamerBin,
				SampleRate: cfg.SampleRate,
				Channels:   cfg.Channels,
			}, master.Now, logger)
			master.Attach(eng)
			return eng
		},
		Release: func(eng playout.Engine) {
			if src, ok := eng.(playout.FrameSource); ok {
				master.Detach(src)
			}
		},
		Curve:          playout.CurveFromName(cfg.FadeCurve),
		ReplayGainMode: models.ReplayGainMode(cfg.ReplayGainMode),
		UserRate:       1.0,
	}, sched, master, session, logger)
	defer pair.Close()

	svc := automix.NewService(automix.ServiceConfig{
		Enabled:        cfg.EnableAutoMix,
		MonitorWindow:  cfg.MonitorWindow(),
		MaxAnalyzeTime: float64(cfg.MaxAnalyzeTime),
		NativeAnalysis: analyzerPresent(cfg.AnalyzerBin),
	}, gateway, pair, sched, master, session, eventBus, logger)
	go func() { _ = svc.Run(rootCtx) }()

	forwardToBridge(rootCtx, eventBus, bridge)

	// Status server.
	statusSrv := server.New(svc, logBuf, logger)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort),
		Handler:           statusSrv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("status server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("status server error")
		}
	}()

	// Queue any tracks given on the command line.
	if len(args) > 0 {
		go playQueue(rootCtx, svc, eventBus, args, logger)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down gracefully...")
	stop()

	timeoutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(timeoutCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	logger.Info().Msg("Skald AutoMix stopped")
	return nil
}

// playQueue plays the command-line tracks in order, advancing the queue
// pointer on every now-playing flip so automix always sees what follows.
func playQueue(ctx context.Context, svc *automix.Service, bus *events.Bus, paths []string, logger zerolog.Logger) {
	refs := make([]models.TrackRef, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			logger.Warn().Err(err).Str("path", p).Msg("skipping track")
			continue
		}
		refs = append(refs, models.TrackRef{ID: filepath.Base(abs), Path: abs})
	}
	if len(refs) == 0 {
		return
	}

	sub := bus.Subscribe(events.EventNowPlaying)
	defer bus.Unsubscribe(events.EventNowPlaying, sub)

	if err := svc.PlayTrack(refs[0], 0); err != nil {
		logger.Error().Err(err).Msg("initial play failed")
		return
	}
	if len(refs) > 1 {
		svc.SetNextTrack(&refs[1], 1)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub:
			if !ok {
				return
			}
			idx, _ := payload["index"].(int)
			if idx+1 < len(refs) {
				svc.SetNextTrack(&refs[idx+1], idx+1)
			} else {
				svc.SetNextTrack(nil, 0)
			}
		}
	}
}

// remotePublisher is the outbound side of a cross-process event bridge.
type remotePublisher interface {
	PublishRemote(events.EventType, events.Payload)
	Close() error
}

// newBridge selects the cross-process event transport, nil for none.
func newBridge(cfg *config.Config, local *events.Bus, logger zerolog.Logger) remotePublisher {
	switch cfg.EventBridge {
	case config.BridgeRedis:
		rb, err := eventbus.NewRedisBus(eventbus.DefaultRedisConfig(cfg.RedisAddr), local, logger)
		if err == nil {
			return rb
		}
		logger.Warn().Err(err).Msg("redis bridge failed, staying in-process")
	case config.BridgeNATS:
		nb, err := eventbus.NewNATSBus(eventbus.DefaultNATSConfig(cfg.NATSURL), local, logger)
		if err == nil {
			return nb
		}
		logger.Warn().Err(err).Msg("nats bridge failed, staying in-process")
	}
	return nil
}

// forwardToBridge mirrors automix lifecycle events onto the bridge so the
// UI process can follow along. Events that arrived over the bridge are not
// echoed back out.
func forwardToBridge(ctx context.Context, local *events.Bus, bridge remotePublisher) {
	if bridge == nil {
		return
	}
	types := []events.EventType{
		events.EventNowPlaying,
		events.EventAutomixState,
		events.EventPlanScheduled,
		events.EventTransitionStart,
		events.EventTransitionSwitch,
		events.EventTransitionEnd,
		events.EventTransitionAbort,
		events.EventHardCut,
		events.EventAnalysisComplete,
		events.EventAnalysisFailed,
	}
	for _, et := range types {
		et := et
		sub := local.Subscribe(et)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case payload, ok := <-sub:
					if !ok {
						return
					}
					if bridged, _ := payload["_bridged"].(bool); bridged {
						continue
					}
					bridge.PublishRemote(et, payload)
				}
			}
		}()
	}
}

func analyzerPresent(bin string) bool {
	if _, err := os.Stat(bin); err == nil {
		return true
	}
	_, err := exec.LookPath(bin)
	return err == nil
}

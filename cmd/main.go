package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"habitat/internal/applog"
	"habitat/internal/cache"
	"habitat/internal/clock"
	"habitat/internal/config"
	"habitat/internal/engine"
	"habitat/internal/query"
	"habitat/internal/reload"
	"habitat/internal/scheduler"
	"habitat/internal/wire"
)

func main() {
	env, err := config.LoadEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "habitat: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(filepath.Join(env.ConfigDir, "config.yaml"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "habitat: %v\n", err)
		os.Exit(1)
	}

	logs := applog.NewBuilder(cfg)
	bootLogger, err := logs.Build("engine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "habitat: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer bootLogger.Sync()

	bootLogger.Info("habitat: starting",
		zap.String("ha_url", env.HassURL),
		zap.Bool("read_only", env.ReadOnly),
		zap.String("app_path", cfg.AppPath),
		zap.String("timezone", cfg.Timezone))

	clk := clock.NewRealClock()

	// The single dispatcher goroutine: every closure posted to workCh
	// runs serially here, so scheduler jobs and the catch-all HA event
	// feed never race against each other despite arriving from
	// independent producer goroutines (wire's reader, scheduler timers).
	workCh := make(chan func(), 256)
	dispatch := func(fn func()) { workCh <- fn }
	go func() {
		for fn := range workCh {
			fn()
		}
	}()

	wireLogger, err := logs.Build("wire")
	if err != nil {
		bootLogger.Fatal("habitat: failed to build wire logger", zap.Error(err))
	}
	wireClient := wire.NewClient(env.HassURL, env.HassToken, wireLogger, clk)

	cacheLogger, err := logs.Build("cache")
	if err != nil {
		bootLogger.Fatal("habitat: failed to build cache logger", zap.Error(err))
	}
	mgr := cache.NewManager(cacheLogger)

	schedLogger, err := logs.Build("scheduler")
	if err != nil {
		bootLogger.Fatal("habitat: failed to build scheduler logger", zap.Error(err))
	}
	onSchedulerError := func(jobID string, jobErr error) {
		schedLogger.Error("scheduler: job failed", zap.String("job_id", jobID), zap.Error(jobErr))
	}
	sched := scheduler.New(clk, cfg.Location, dispatch, onSchedulerError)
	if cfg.AstralLocation != nil {
		sched.SetLocation(cfg.AstralLocation.Latitude, cfg.AstralLocation.Longitude)
	}

	// The app-class registry the reload driver resolves `class:` names
	// against (the counterpart of the teacher's pkg/plugin.Registry).
	// This binary registers no classes into it.
	classes := engine.NewAppClassRegistry()

	loggerFor := func(appName, className string) *zap.Logger {
		l, err := logs.BuildForApp("apps", appName)
		if err != nil {
			return zap.NewNop()
		}
		return l.With(zap.String("class_name", className))
	}

	eng := engine.New(classes, wireClient, mgr, sched, clk, cfg.Location, loggerFor, env.ReadOnly)

	reloadLogger, err := logs.Build("reload")
	if err != nil {
		bootLogger.Fatal("habitat: failed to build reload logger", zap.Error(err))
	}
	driver := reload.New(cfg.AppPath, cfg.AppSuffix, eng, reloadLogger)

	queryLogger, err := logs.Build("query")
	if err != nil {
		bootLogger.Fatal("habitat: failed to build query logger", zap.Error(err))
	}
	queryServer := query.NewServer(eng, queryLogger, env.QueryPort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wireUp(ctx, wireClient, mgr, eng, bootLogger, dispatch)

	if err := driver.Start(ctx); err != nil {
		bootLogger.Fatal("habitat: failed to start reload driver", zap.Error(err))
	}
	if err := queryServer.Start(); err != nil {
		bootLogger.Fatal("habitat: failed to start query server", zap.Error(err))
	}

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- wireClient.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		bootLogger.Info("habitat: received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-runErrCh:
		bootLogger.Error("habitat: wire client stopped permanently", zap.Error(err))
	}

	cancel()
	wireClient.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := eng.TerminateAll(shutdownCtx); err != nil {
		bootLogger.Error("habitat: errors while terminating apps", zap.Error(err))
	}

	if err := driver.Stop(); err != nil {
		bootLogger.Error("habitat: failed to stop reload driver", zap.Error(err))
	}
	if err := queryServer.Stop(); err != nil {
		bootLogger.Error("habitat: failed to stop query server", zap.Error(err))
	}

	bootLogger.Info("habitat: shutdown complete")
}

// wireUp hooks spec §4.2/§4.4's two bulk stop/start triggers onto the
// wire client and the event bus: transport-level reconnect (A) and the
// in-band homeassistant_stop/homeassistant_started events (B), both
// routed onto the single dispatcher goroutine via dispatch.
func wireUp(ctx context.Context, wireClient *wire.Client, mgr *cache.Manager, eng *engine.Engine, logger *zap.Logger, dispatch func(func())) {
	var restartMu sync.Mutex
	restartReason := ""

	bulkStop := func(reason string) {
		restartMu.Lock()
		restartReason = reason
		restartMu.Unlock()
		if err := eng.StopAllForDisconnect(); err != nil {
			logger.Error("habitat: errors during bulk app stop", zap.Error(err))
		}
	}

	bulkStart := func() {
		if err := eng.StartAllForReconnect(); err != nil {
			logger.Error("habitat: errors during bulk app start", zap.Error(err))
		}
	}

	mgr.Bus.Subscribe("homeassistant_stop", "engine-hass-lifecycle", func(string, interface{}) {
		dispatch(func() { bulkStop("hass_restart") })
	})
	mgr.Bus.Subscribe("homeassistant_started", "engine-hass-lifecycle", func(string, interface{}) {
		dispatch(func() {
			restartMu.Lock()
			wasRestarting := restartReason == "hass_restart"
			restartReason = ""
			restartMu.Unlock()
			if wasRestarting {
				bulkStart()
			}
		})
	})

	wireClient.OnStateChange(func(state wire.ConnState) {
		switch state {
		case wire.Disconnected:
			dispatch(func() { bulkStop("connection") })
		case wire.Connected:
			dispatch(func() {
				reseedAndSubscribe(ctx, wireClient, mgr, logger, dispatch)
				bulkStart()
			})
		}
	})
}

// reseedAndSubscribe reloads the entity cache from get_states and
// re-establishes the catch-all event subscription, both of which the
// wire client resets to nothing on every fresh connection (spec §4.1:
// "subscription ids are not re-used across connections").
func reseedAndSubscribe(ctx context.Context, wireClient *wire.Client, mgr *cache.Manager, logger *zap.Logger, dispatch func(func())) {
	states, err := wireClient.GetStates(ctx)
	if err != nil {
		logger.Error("habitat: failed to reseed entity cache", zap.Error(err))
	} else {
		mgr.Seed(states)
	}

	_, err = wireClient.SubscribeEvents(ctx, "", func(eventType string, data json.RawMessage) {
		dispatch(func() { mgr.IngestEvent(eventType, data) })
	})
	if err != nil {
		logger.Error("habitat: failed to subscribe to HA events", zap.Error(err))
	}
}

const shutdownGrace = 15 * time.Second

// Callbridge - Matrix call signaling daemon
//
// Callbridge logs into a Matrix homeserver, follows call signaling in the
// rooms the account is joined to, and exposes call state and commands to
// UI clients over the event bus.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/haos/callbridge/internal/adapter"
	"github.com/haos/callbridge/pkg/call"
	"github.com/haos/callbridge/pkg/config"
	"github.com/haos/callbridge/pkg/cue"
	"github.com/haos/callbridge/pkg/eventbus"
	"github.com/haos/callbridge/pkg/logger"
	"github.com/haos/callbridge/pkg/media"
	"github.com/haos/callbridge/pkg/notification"
)

var (
	version   = "0.1.0"
	buildTime = "unknown"
)

type cliConfig struct {
	configPath string
	logLevel   string
	verbose    bool
	version    bool
}

func main() {
	cliCfg := parseFlags()

	if cliCfg.version {
		fmt.Printf("callbridge %s (built %s)\n", version, buildTime)
		return
	}

	cfg, err := loadConfig(cliCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	level := cfg.Logging.Level
	if cliCfg.verbose {
		level = "debug"
	} else if cliCfg.logLevel != "" {
		level = cliCfg.logLevel
	}
	if err := logger.Initialize(level, cfg.Logging.Format, cfg.Logging.Output); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	log := logger.Global().WithComponent("main")
	log.Info("starting callbridge", "version", version)

	if err := run(cfg, log); err != nil {
		log.Error("callbridge failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	bus := eventbus.New(eventbus.Config{
		SubscriberBuffer: cfg.EventBus.SubscriberBuffer,
		MaxSubscribers:   cfg.EventBus.MaxSubscribers,
		WebSocketEnabled: cfg.EventBus.WebSocketEnabled,
		WebSocketAddr:    cfg.EventBus.WebSocketAddr,
		WebSocketPath:    cfg.EventBus.WebSocketPath,
	})
	if err := bus.Start(); err != nil {
		return fmt.Errorf("failed to start event bus: %w", err)
	}
	defer bus.Stop()

	matrix, err := adapter.New(adapter.Config{
		HomeserverURL: cfg.Matrix.HomeserverURL,
		Username:      cfg.Matrix.Username,
		Password:      cfg.Matrix.Password,
		DeviceID:      cfg.Matrix.DeviceID,
		SyncTimeoutMS: cfg.Matrix.SyncTimeoutMS,
	})
	if err != nil {
		return fmt.Errorf("failed to create matrix adapter: %w", err)
	}
	if err := matrix.Login(cfg.Matrix.Username, cfg.Matrix.Password); err != nil {
		return err
	}

	engine, err := media.NewPionEngine(media.DefaultEngineConfig())
	if err != nil {
		return fmt.Errorf("failed to create media engine: %w", err)
	}

	var player cue.Player = cue.NopPlayer{}
	if cfg.Cues.Enabled {
		player = cue.NewExecPlayer(cfg.Cues.PlayerCommand, map[cue.Cue]string{
			cue.Ringtone: cfg.Cues.RingtoneFile,
			cue.CallEnd:  cfg.Cues.CallEndFile,
		})
	}

	notifier := notification.New(bus)
	store := call.NewStore(bus)
	for _, roomID := range cfg.Call.MutedRooms {
		store.SetMutedCallNotifications(roomID, true)
	}

	coordinator := call.NewCoordinator(call.Config{
		ICEServers:              cfg.WebRTC.ICEServers,
		InviteLifetimeMS:        cfg.Call.InviteLifetimeMS,
		DefaultInviteTimeoutSec: cfg.Call.DefaultInviteTimeoutSec,
	}, store, matrix, engine, player, notifier)
	defer coordinator.Destroy()

	tracker := call.NewTracker(store, matrix)
	router := call.NewRouter(coordinator, tracker, store, notifier)

	matrix.StartSync()
	routerDone := make(chan struct{})
	go func() {
		router.Run(matrix.ReceiveEvents())
		close(routerDone)
	}()

	log.Info("callbridge running", "user_id", matrix.UserID())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", "signal", sig.String())

	// Closing the adapter closes the event channel, which stops the
	// router. Coordinator teardown runs after the router drains.
	if err := matrix.Close(); err != nil {
		log.Warn("adapter shutdown failed", "error", err)
	}
	select {
	case <-routerDone:
	case <-time.After(5 * time.Second):
		log.Warn("router did not drain in time")
	}
	coordinator.Destroy()

	return nil
}

func loadConfig(cliCfg cliConfig) (*config.Config, error) {
	// An empty path searches the default locations; environment
	// overrides still apply when no file exists.
	return config.Load(cliCfg.configPath)
}

func parseFlags() cliConfig {
	var cfg cliConfig
	flag.StringVar(&cfg.configPath, "config", "", "Path to configuration file")
	flag.StringVar(&cfg.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.BoolVar(&cfg.verbose, "v", false, "Verbose logging (sets log level to debug)")
	flag.BoolVar(&cfg.version, "version", false, "Print version and exit")
	flag.Parse()
	return cfg
}

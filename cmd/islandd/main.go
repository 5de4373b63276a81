// Command islandd is the daemon side of the Claude Code hook integration.
// It listens on a unix socket and an optional TCP port for lifecycle events
// emitted by the hook script, tracks per-session state, parks permission
// requests until something answers them, and exposes a loopback HTTP
// gateway for observers and remote approvers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/islandd/internal/bus"
	"github.com/basket/islandd/internal/config"
	"github.com/basket/islandd/internal/cron"
	"github.com/basket/islandd/internal/gateway"
	"github.com/basket/islandd/internal/hookserver"
	"github.com/basket/islandd/internal/persistence"
	"github.com/basket/islandd/internal/session"
	"github.com/basket/islandd/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the daemon with config from ~/.islandd
  %s -port 6000               Override the hook TCP port
  %s -gateway ""              Disable the HTTP gateway

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  ISLANDD_HOME            Data directory (default: ~/.islandd)
  CLAUDE_ISLAND_PORT      Hook TCP port, shared with the hook script
  ISLANDD_SOCKET_PATH     Hook unix socket path
  ISLANDD_GATEWAY_ADDR    Gateway bind address
  ISLANDD_LOG_LEVEL       debug, info, warn, or error
`)
}

func main() {
	home := flag.String("home", "", "data directory (default: ISLANDD_HOME or ~/.islandd)")
	socket := flag.String("socket", "", "hook unix socket path (overrides config)")
	port := flag.Int("port", 0, "hook TCP port (overrides config)")
	gatewayAddr := flag.String("gateway", "", "gateway bind address (overrides config)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	quiet := flag.Bool("quiet", false, "log to file only, never stdout")
	version := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *version {
		fmt.Println("islandd", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	homeDir := *home
	if homeDir == "" {
		homeDir = config.HomeDir()
	}
	cfg, err := config.LoadFrom(homeDir)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if *socket != "" {
		cfg.Hook.SocketPath = *socket
	}
	if *port > 0 {
		cfg.Hook.TCPPort = *port
	}
	if flagPassed("gateway") {
		cfg.Gateway.Addr = *gatewayAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	// Stdout logging only makes sense on a terminal; under a service
	// manager the jsonl file is the log of record.
	quietLogs := *quiet || !isatty.IsTerminal(os.Stdout.Fd())

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	eventBus := bus.New()

	var store *persistence.Store
	if cfg.History.Enabled {
		store, err = persistence.Open(cfg.History.Path)
		if err != nil {
			fatalStartup(logger, "E_STORE_OPEN", err)
		}
		defer store.Close()
		logger.Info("startup phase", "phase", "schema_migrated", "path", cfg.History.Path)

		recorder := persistence.NewRecorder(store, eventBus, logger)
		go recorder.Run(ctx)

		sweeper := cron.NewSweeper(cron.Config{
			Store:     store,
			Logger:    logger,
			Schedule:  cfg.History.SweepSchedule,
			Retention: time.Duration(cfg.History.RetentionDays) * 24 * time.Hour,
		})
		sweeper.Start(ctx)
		defer sweeper.Stop()
	}

	tracker := session.NewTracker(eventBus, logger)
	go tracker.Run(ctx)

	hook := hookserver.New(hookserver.Config{
		SocketPath:   cfg.Hook.SocketPath,
		TCPPort:      cfg.Hook.TCPPort,
		ReadBudget:   cfg.Hook.ReadBudget(),
		PollInterval: cfg.Hook.PollInterval(),
		Workers:      cfg.Hook.Workers,
		Bus:          eventBus,
		Logger:       logger,
	})
	defer hook.Shutdown()

	if err := hook.StartUnix(); err != nil {
		fatalStartup(logger, "E_SOCKET_BIND", err)
	}
	if cfg.Hook.TCPEnabled {
		if err := hook.StartTCP(cfg.Hook.TCPPort); err != nil {
			// The unix socket still works; remote hooks just cannot reach us.
			logger.Error("tcp listener failed, continuing unix-only", "port", cfg.Hook.TCPPort, "error", err)
		}
	}
	logger.Info("startup phase", "phase", "listeners_up",
		"socket", cfg.Hook.SocketPath, "tcp", hook.TCPAddr())

	if cfg.Gateway.Addr != "" {
		if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
			fatalStartup(logger, "E_GATEWAY_ADDR", err)
		}
		gw := gateway.New(gateway.Config{
			Addr:    cfg.Gateway.Addr,
			Hook:    hook,
			Tracker: tracker,
			Store:   store,
			Bus:     eventBus,
			Logger:  logger,
		})
		go func() {
			if err := gw.Start(ctx); err != nil {
				logger.Error("gateway stopped", "error", err)
			}
		}()
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go watchReloads(ctx, watcher.Events(), logger, hook, &cfg)
	}

	logger.Info("islandd ready", "version", Version)
	<-ctx.Done()
	logger.Info("shutting down", "reason", "signal")
}

// watchReloads applies the config changes that are safe to pick up live.
// Today that is the hook TCP port and enablement; everything else logs a
// restart hint.
func watchReloads(ctx context.Context, events <-chan config.ReloadEvent, logger *slog.Logger, hook *hookserver.Server, current *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			next, err := config.LoadFrom(current.HomeDir)
			if err != nil {
				logger.Error("config reload failed", "error", err)
				continue
			}
			if next.Hook.TCPPort != current.Hook.TCPPort || next.Hook.TCPEnabled != current.Hook.TCPEnabled {
				hook.StopTCP()
				if next.Hook.TCPEnabled {
					if err := hook.StartTCP(next.Hook.TCPPort); err != nil {
						logger.Error("tcp rebind failed", "port", next.Hook.TCPPort, "error", err)
					} else {
						logger.Info("tcp listener moved", "addr", hook.TCPAddr())
					}
				} else {
					logger.Info("tcp listener disabled by config reload")
				}
			}
			if next.Hook.SocketPath != current.Hook.SocketPath {
				logger.Warn("socket_path change requires a restart")
			}
			if next.LogLevel != current.LogLevel || next.Gateway.Addr != current.Gateway.Addr {
				logger.Warn("log_level and gateway changes require a restart")
			}
			*current = next
		}
	}
}

func flagPassed(name string) bool {
	passed := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			passed = true
		}
	})
	return passed
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"islandd","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

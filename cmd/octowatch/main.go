// Octowatch polls a fleet of OctoPrint 3D printers and publishes each
// printer's job status to an MQTT broker.
//
// Every poll cycle queries each printer's /api/job endpoint, formats
// the result as a one-line status ("name: N seconds (X.XX%)", "name:
// is off", or "name: is idle"), and publishes it to the printer's topic,
// waiting for the broker to acknowledge each message. An optional HTTP
// server exposes health, the latest fleet status, and a live event
// stream. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	octowatch serve            Poll on an interval and publish to the broker
//	octowatch poll             Fetch every printer once and print the status lines
//	octowatch init [dir]       Write an example config.yaml
//	octowatch version          Print version and build information
//	octowatch -o json poll     Output poll results as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/octowatch/internal/api"
	"github.com/nugget/octowatch/internal/buildinfo"
	"github.com/nugget/octowatch/internal/config"
	"github.com/nugget/octowatch/internal/connwatch"
	"github.com/nugget/octowatch/internal/events"
	"github.com/nugget/octowatch/internal/fleet"
	"github.com/nugget/octowatch/internal/mqtt"
	"github.com/nugget/octowatch/internal/octoprint"
	"github.com/nugget/octowatch/internal/poller"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates immediately to [run], so the whole lifecycle can be driven
// from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the octowatch command. ctx controls
// the lifetime of the process; stdout receives command output and logs
// for serve; stderr receives logs for the one-shot commands. args is
// os.Args[1:]. Arguments are parsed by hand to keep flag's package
// globals out of tests that call run concurrently.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "poll":
		return runPoll(ctx, stdout, stderr, configPath, outputFmt)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Octowatch - OctoPrint fleet status publisher")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: octowatch [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Poll the fleet and publish status to the broker")
	fmt.Fprintln(w, "  poll         Fetch every printer once and print the status lines")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/octowatch/config.yaml, /etc/octowatch/config.yaml")
	return nil
}

// runServe connects to the broker and polls the fleet on an interval
// until ctx is cancelled or a signal arrives. A broker that cannot be
// reached at startup is fatal; later connection losses are retried by
// the MQTT client and surface as failed publishes.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting octowatch", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)

	logger.Info("config loaded",
		"path", cfgPath,
		"broker", cfg.Broker.URL,
		"protocol", cfg.Broker.Protocol,
		"devices", len(cfg.Fleet.Devices),
		"interval", cfg.PollInterval().String(),
		"port", cfg.Listen.Port,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	devices := cfg.Devices()
	board := fleet.NewBoard(devices)
	bus := events.New()

	// --- Broker connection ---
	scheme, host, port, err := mqtt.SplitBrokerURL(cfg.Broker.URL)
	if err != nil {
		return err
	}
	dial, err := mqtt.NewDialer(cfg.Broker.Protocol, mqtt.TransportConfig{
		ClientID:       cfg.Broker.ClientID,
		Username:       cfg.Broker.Username,
		Password:       cfg.Broker.Password,
		KeepAlive:      time.Duration(cfg.Broker.KeepAliveSec) * time.Second,
		ConnectTimeout: time.Duration(cfg.Broker.ConnectTimeoutSec) * time.Second,
		ReconnectDelay: time.Duration(cfg.Broker.ReconnectDelaySec) * time.Second,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	pub := mqtt.NewPublisher(mqtt.Options{
		Scheme:         scheme,
		AckTimeout:     cfg.AckTimeout(),
		ConnectTimeout: time.Duration(cfg.Broker.ConnectTimeoutSec) * time.Second,
		Dial:           dial,
		Logger:         logger,
	})
	if err := pub.Connect(ctx, host, port); err != nil {
		return err
	}
	defer func() {
		disconnectCtx, disconnectCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer disconnectCancel()
		if err := pub.Disconnect(disconnectCtx); err != nil {
			logger.Error("mqtt disconnect failed", "error", err)
		}
	}()

	// --- Echo subscription ---
	// Status messages seen on the fleet topics, ours or another
	// publisher's, are recorded on the board.
	if cfg.Broker.Subscribe {
		topics := make([]string, 0, len(devices))
		for _, d := range devices {
			topics = append(topics, d.Topic)
		}
		observe := func(topic string, payload []byte) {
			if board.Observe(topic, string(payload), time.Now()) {
				bus.Emit(events.SourceSubscriber, events.KindMessageObserved, map[string]any{
					"topic":   topic,
					"payload": string(payload),
				})
			}
		}
		handler := mqtt.RateLimitedHandler(ctx, int64(cfg.Broker.SubscribeRateLimit), time.Minute, logger,
			mqtt.LoggingHandler(logger, observe))
		if err := pub.Subscribe(ctx, topics, 1, handler); err != nil {
			return fmt.Errorf("subscribe fleet topics: %w", err)
		}
		logger.Info("fleet topic subscription enabled", "topics", len(topics))
	}

	// --- Connection health ---
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	if _, err := connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name: "broker",
		Probe: func(pCtx context.Context) error {
			awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
			defer awaitCancel()
			return pub.AwaitConnection(awaitCtx)
		},
		Backoff: connwatch.DefaultBackoffConfig(),
		OnReady: func() {
			bus.Emit(events.SourceBroker, events.KindBrokerUp, map[string]any{"broker": pub.Broker()})
		},
		OnDown: func(err error) {
			bus.Emit(events.SourceBroker, events.KindBrokerDown, map[string]any{
				"broker": pub.Broker(),
				"error":  err.Error(),
			})
		},
		Logger: logger,
	}); err != nil {
		return err
	}

	// --- Poller ---
	cycle := poller.NewCycle(poller.CycleConfig{
		Fetcher:         octoprint.NewClient(time.Duration(cfg.Poll.RequestTimeoutSec)*time.Second, logger),
		Publisher:       pub,
		Board:           board,
		Bus:             bus,
		PublishAttempts: cfg.Poll.PublishAttempts,
		PublishBackoff:  time.Duration(cfg.Poll.PublishBackoffMS) * time.Millisecond,
		Logger:          logger,
	})
	sched := poller.NewScheduler(cycle, devices, cfg.PollInterval(), logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})

	// --- Status API ---
	if cfg.Listen.Port > 0 {
		server := api.NewServer(api.Config{
			Address:        cfg.Listen.Address,
			Port:           cfg.Listen.Port,
			MaxConnections: cfg.Listen.MaxConnections,
			Board:          board,
			Bus:            bus,
			Broker:         pub,
			Cycle:          cycle,
			Health:         connMgr,
			Logger:         logger,
		})
		g.Go(func() error {
			if err := server.Start(gctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("API server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return server.Shutdown(shutdownCtx)
		})
	} else {
		logger.Info("status API disabled (listen.port is 0)")
	}

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("octowatch stopped")
	return nil
}

// pollResult is one device in the poll command's JSON output.
type pollResult struct {
	Device  string `json:"device"`
	Topic   string `json:"topic"`
	State   string `json:"state,omitempty"`
	Payload string `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// runPoll fetches every printer once without touching the broker and
// prints one status line per device. Logs go to stderr so stdout holds
// only the results.
func runPoll(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	cycle := poller.NewCycle(poller.CycleConfig{
		Fetcher: octoprint.NewClient(time.Duration(cfg.Poll.RequestTimeoutSec)*time.Second, logger),
		Logger:  logger,
	})
	outcomes := cycle.Run(ctx, cfg.Devices())

	if outputFmt == "json" {
		results := make([]pollResult, 0, len(outcomes))
		for _, o := range outcomes {
			r := pollResult{Device: o.Device.Name, Topic: o.Device.Topic}
			if err := o.Err(); err != nil {
				r.Error = err.Error()
			} else {
				r.State = o.Status.State.String()
				r.Payload = o.Payload
			}
			results = append(results, r)
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	for _, o := range outcomes {
		if err := o.Err(); err != nil {
			fmt.Fprintf(stdout, "%s: unavailable (%v)\n", o.Device.Name, err)
			continue
		}
		fmt.Fprintln(stdout, o.Payload)
	}
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// configuredLogger builds the logger requested by the config file.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		// Already validated by config.Validate.
		level, _ = config.ParseLogLevel(cfg.LogLevel)
	}
	return newLogger(w, level, cfg.LogFormat)
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used and must exist.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

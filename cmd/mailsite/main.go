// Mailsite turns emails into website updates.
//
// It polls one IMAP inbox for unseen messages, classifies each by
// subject (about, contact, blog), asks a text-generation model to
// extract the new section content from the body, and merges it into a
// JSON content document that the built-in web server renders.
//
// Usage:
//
//	mailsite serve          Start the web server (GET /api/content polls)
//	mailsite poll           Run one poll cycle and print the result
//	mailsite check          Validate config and probe mail and model
//	mailsite init [dir]     Write an example config
//	mailsite version        Print version and build information
//	mailsite -o json poll   Output as JSON
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

	"github.com/joho/godotenv"

	"github.com/nugget/mailsite/internal/api"
	"github.com/nugget/mailsite/internal/buildinfo"
	"github.com/nugget/mailsite/internal/config"
	"github.com/nugget/mailsite/internal/content"
	"github.com/nugget/mailsite/internal/email"
	"github.com/nugget/mailsite/internal/extract"
	"github.com/nugget/mailsite/internal/llm"
	"github.com/nugget/mailsite/internal/mqtt"
	"github.com/nugget/mailsite/internal/pipeline"
	"github.com/nugget/mailsite/internal/runlog"
	"github.com/nugget/mailsite/internal/site"
)

// main only builds the OS environment and hands off to [run], keeping
// os.Exit and os.Args out of code that tests drive.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand rather
// than with the flag package, whose globals get in the way of calling
// run from parallel tests.
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
	case "check":
		return runCheck(ctx, stdout, stderr, configPath)
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
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		fmt.Fprintf(w, "  %-12s %s\n", k+":", info[k])
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "mailsite - turn emails into website updates")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mailsite [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the web server")
	fmt.Fprintln(w, "  poll         Run one poll cycle and print the result")
	fmt.Fprintln(w, "  check        Validate config and probe the mailbox and model")
	fmt.Fprintln(w, "  init [dir]   Write an example config (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/mailsite/config.yaml, /etc/mailsite/config.yaml")
	return nil
}

// loadConfig loads .env (if any), then locates, parses, and validates
// the YAML configuration.
func loadConfig(explicit string) (*config.Config, string, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, "", fmt.Errorf("load .env: %w", err)
	}

	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

func newLogger(w io.Writer, cfg *config.Config, jsonOut bool) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel) // validated by loadConfig
	return config.NewLogger(w, level, jsonOut)
}

// app is the wired pipeline shared by serve and poll.
type app struct {
	cfg          *config.Config
	store        *content.Store
	orchestrator *pipeline.Orchestrator
	runs         *runlog.Store
	tokens       *mqtt.DailyTokens
	notifier     *mqtt.Publisher
}

// newApp wires the mailbox, extractor, content store, and run ledger.
// With publish set, MQTT is attached when configured; the caller
// starts it.
func newApp(cfg *config.Config, logger *slog.Logger, publish bool) (*app, error) {
	a := &app{
		cfg:    cfg,
		store:  content.NewStore(cfg.Content.Path, logger),
		tokens: mqtt.NewDailyTokens(nil),
	}

	client, err := llm.NewClient(llm.ProviderConfig{
		Provider: cfg.Generator.Provider,
		APIKey:   cfg.Generator.APIKey,
		BaseURL:  cfg.Generator.BaseURL,
	}, logger.With("component", "llm"))
	if err != nil {
		return nil, err
	}
	extractor := extract.New(client, cfg.Generator.Model, cfg.Generator.MaxTokens, logger,
		extract.WithTokenObserver(a.tokens))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	runs, err := runlog.NewStore(cfg.RunLogPath())
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	a.runs = runs

	opts := []pipeline.Option{
		pipeline.WithTimeout(cfg.Pipeline.Timeout),
		pipeline.WithRecorder(runs),
	}

	if publish && cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			runs.Close()
			return nil, fmt.Errorf("mqtt instance id: %w", err)
		}
		a.notifier = mqtt.New(cfg.MQTT, instanceID, a.tokens, logger)
		opts = append(opts, pipeline.WithNotifier(a.notifier))
	}

	poller := email.NewPoller(email.NewIMAPDialer(cfg.Mail, logger.With("component", "imap")), cfg.Mail.Mailbox,
		logger.With("component", "poller"))
	a.orchestrator = pipeline.New(pipeline.FromPoller(poller), extractor, a.store,
		logger.With("component", "pipeline"), opts...)

	return a, nil
}

func (a *app) Close() error {
	return a.runs.Close()
}

// runServe starts the web server and, when configured, background
// polling and MQTT publishing. It blocks until ctx is cancelled or a
// SIGINT/SIGTERM arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, cfg, true)
	logger.Info("starting mailsite", "version", buildinfo.Version, "config", cfgPath)

	a, err := newApp(cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()

	// Create the document up front so the pages render before the
	// first poll.
	a.store.Load()

	pages, err := site.New()
	if err != nil {
		return err
	}
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, a.orchestrator, a.store, pages, logger)
	server.SetRunHistory(a.runs)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if a.notifier != nil {
		go func() {
			if err := a.notifier.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	if cfg.Pipeline.Interval > 0 {
		go pollEvery(ctx, a.orchestrator, cfg.Pipeline.Interval, logger)
		logger.Info("background polling enabled", "interval", cfg.Pipeline.Interval)
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if a.notifier != nil {
			if err := a.notifier.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("mailsite stopped")
	return nil
}

// pollEvery runs the pipeline on a fixed interval until ctx ends.
// Failures are already logged and recorded by the orchestrator.
func pollEvery(ctx context.Context, r api.Runner, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Run(ctx); err != nil {
				logger.Debug("scheduled poll failed", "error", err)
			}
		}
	}
}

// runPoll executes a single cycle and reports it.
func runPoll(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, cfg, false)

	a, err := newApp(cfg, logger, false)
	if err != nil {
		return err
	}
	defer a.Close()

	res, runErr := a.orchestrator.Run(ctx)
	if err := writeResult(stdout, res, outputFmt); err != nil {
		return err
	}
	return runErr
}

func writeResult(w io.Writer, res *pipeline.Result, outputFmt string) error {
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	fmt.Fprintf(w, "run %s (%s)\n", res.RunID, res.Duration().Truncate(time.Millisecond))
	fmt.Fprintf(w, "  fetched:   %d\n", res.Fetched)
	fmt.Fprintf(w, "  processed: %d\n", res.Processed)
	fmt.Fprintf(w, "  skipped:   %d\n", res.Skipped)
	for _, d := range res.Errors {
		fmt.Fprintf(w, "  error:     [%s] uid=%d %q: %s\n", d.Stage, d.UID, d.Subject, d.Message)
	}
	if res.Fatal != "" {
		fmt.Fprintf(w, "  fatal:     %s\n", res.Fatal)
	}
	return nil
}

// runCheck validates the config, then probes the mailbox and the
// model without changing anything: the mailbox cycle is closed before
// any fetch, so no message is marked seen.
func runCheck(ctx context.Context, stdout, stderr io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "config    %s ok\n", cfgPath)
	logger := newLogger(stderr, cfg, false)

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var failed []string

	poller := email.NewPoller(email.NewIMAPDialer(cfg.Mail, logger), cfg.Mail.Mailbox, logger)
	cycle, err := poller.Open(ctx)
	if err != nil {
		fmt.Fprintf(stdout, "mailbox   FAIL %v\n", err)
		failed = append(failed, "mailbox")
	} else {
		fmt.Fprintf(stdout, "mailbox   ok (%d unseen in %s)\n", cycle.Len(), cfg.Mail.Mailbox)
		_ = cycle.Close()
	}

	client, err := llm.NewClient(llm.ProviderConfig{
		Provider: cfg.Generator.Provider,
		APIKey:   cfg.Generator.APIKey,
		BaseURL:  cfg.Generator.BaseURL,
	}, logger)
	if err == nil {
		err = client.Ping(ctx)
	}
	if err != nil {
		fmt.Fprintf(stdout, "generator FAIL %v\n", err)
		failed = append(failed, "generator")
	} else {
		fmt.Fprintf(stdout, "generator ok (%s, model %s)\n", cfg.Generator.Provider, cfg.Generator.Model)
	}

	if len(failed) > 0 {
		return fmt.Errorf("check failed: %s", strings.Join(failed, ", "))
	}
	return nil
}

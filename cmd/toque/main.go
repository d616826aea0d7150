// Toque curates a database of Top Chef France candidates.
//
// A scheduled LLM agent checks the records, searches the web for
// missing facts and writes corrections through a small set of tools. A
// batch pipeline fills required fields with bounded retries. The web UI
// shows the table, a live log of agent activity and a chat with the
// agent.
//
// Usage:
//
//	toque serve              Start the web server and scheduler
//	toque cycle              Run one agent cycle and exit
//	toque enrich             Run one enrichment pass and exit
//	toque ask <question>     Ask the agent a single question
//	toque version            Print version and build information
//	toque -o json version    Output version information as JSON
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

	"github.com/nugget/toque/internal/api"
	"github.com/nugget/toque/internal/buildinfo"
	"github.com/nugget/toque/internal/config"
	"github.com/nugget/toque/internal/prompts"
	"github.com/nugget/toque/internal/session"
)

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand so tests can
// call run concurrently without the flag package's global state.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
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
	case "cycle":
		return runCycle(ctx, stdout, stderr, configPath, outputFmt)
	case "enrich":
		return runEnrich(ctx, stdout, stderr, configPath, outputFmt)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: toque ask <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, strings.Join(cmdArgs, " "))
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Toque - Top Chef France record curation agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: toque [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the web server and scheduler")
	fmt.Fprintln(w, "  cycle        Run one agent cycle and exit")
	fmt.Fprintln(w, "  enrich       Run one enrichment pass and exit")
	fmt.Fprintln(w, "  ask          Ask the agent a single question")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/toque/config.yaml, /etc/toque/config.yaml")
	fmt.Fprintln(w, "Secrets may also come from .env or TOQUE_* environment variables.")
	return nil
}

// loadConfig reads .env files, locates and parses the YAML config and
// validates the result.
func loadConfig(explicit string) (*config.Config, string, error) {
	if err := config.LoadDotEnv(".", os.Getenv("TOQUE_ENV")); err != nil {
		return nil, "", err
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
		return nil, cfgPath, err
	}
	return cfg, cfgPath, nil
}

// newLogger builds the configured logger. The returned closer releases
// the rotating log file, if any.
func newLogger(w io.Writer, cfg *config.Config) (*slog.Logger, io.Closer) {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	return config.NewLogger(w, level, cfg.LogFormat, cfg.LogFile)
}

func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, closer := newLogger(stdout, cfg)
	defer closer.Close()

	logger.Info("starting", "build", buildinfo.String())
	logger.Info("config loaded", "path", cfgPath, "port", cfg.Listen.Port, "backends", len(cfg.LLM.Backends))

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()
	logger = a.logger

	a.startBridges(ctx)
	health := a.watchServices(ctx)

	if err := a.sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer a.sched.Stop()

	chat := session.NewManager(session.Deps{
		Logger:  logger,
		Timeout: cfg.LLM.Timeout * time.Duration(cfg.Agent.MaxIterations),
		IdleTTL: cfg.Sessions.TTL,
		Runner:  a.loop,
		Records: a.chefs,
		History: a.history,
		Bus:     a.bus,
		Metrics: a.metrics,
	})
	defer chat.Close()

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, api.Deps{
		Logger:    logger,
		Chefs:     a.chefs,
		Journal:   a.journal,
		Chat:      chat,
		Jobs:      a.sched,
		Bus:       a.bus,
		Metrics:   a.metrics,
		Health:    health,
		CycleTask: taskAgentCycle,
		Keepalive: cfg.Listen.SSEKeepalive,
	})

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("toque stopped")
	return nil
}

// runCycle runs the agent_cycle task once through the scheduler so the
// execution is recorded and the cycle counter advances.
func runCycle(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	return runTaskOnce(ctx, stdout, stderr, configPath, outputFmt, taskAgentCycle)
}

func runEnrich(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	return runTaskOnce(ctx, stdout, stderr, configPath, outputFmt, taskEnrich)
}

func runTaskOnce(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, task string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, closer := newLogger(stderr, cfg)
	defer closer.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer a.Close()

	// Force the task on even when disabled in config.
	if task == taskEnrich && !cfg.Enrich.Enabled {
		if err := a.addEnrichTask(); err != nil {
			return err
		}
	}

	exec, err := a.sched.Trigger(ctx, task)
	if err != nil && exec == nil {
		return err
	}
	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(exec); encErr != nil {
			return encErr
		}
		return err
	}
	fmt.Fprintf(stdout, "%s #%d %s in %s\n", exec.Task, exec.Count, exec.Status, exec.Duration().Round(time.Millisecond))
	if exec.Result != "" {
		fmt.Fprintln(stdout, exec.Result)
	}
	return err
}

// runAsk answers one question with the chat persona and prints the
// reply. Nothing is scheduled and no history is kept.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, question string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, closer := newLogger(stderr, cfg)
	defer closer.Close()

	a, err := newApp(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.chefs.All(ctx)
	if err != nil {
		return fmt.Errorf("load records: %w", err)
	}
	res, err := a.loop.Run(ctx, askRequest(question, prompts.ChatSystemPrompt(records)))
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, res.Reply)
	return nil
}

// Command relaybot bridges line-based chat input to a long-running
// Claude CLI agent: one subprocess, resumable sessions, per-chat turn
// serialization, and a one-shot fallback when the stream goes bad.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaybot/relaybot/internal/backend"
	"github.com/relaybot/relaybot/internal/backend/claudecli"
	"github.com/relaybot/relaybot/internal/config"
	"github.com/relaybot/relaybot/internal/logging"
	"github.com/relaybot/relaybot/internal/memory"
	"github.com/relaybot/relaybot/internal/orchestrator"
	"github.com/relaybot/relaybot/internal/session"
	"github.com/relaybot/relaybot/internal/wire"
)

var version = "dev"

func main() {
	logging.Setup()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("relaybot", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logging.SetLevel(level)

	store, err := session.Open(cfg.SessionDBPath())
	if err != nil {
		return err
	}
	defer store.Close()

	var turnTimeout time.Duration
	if cfg.Agent.TurnTimeout != "" {
		turnTimeout, err = time.ParseDuration(cfg.Agent.TurnTimeout)
		if err != nil {
			return fmt.Errorf("parse agent.turn_timeout: %w", err)
		}
	}

	cliCfg := claudecli.Config{
		Command:      cfg.Agent.Command,
		Model:        cfg.Agent.Model,
		SystemPrompt: cfg.Agent.SystemPrompt,
		AllowedTools: cfg.Agent.AllowedTools,
		WorkingDir:   cfg.Agent.WorkingDir,
	}
	primary := claudecli.New(cliCfg, backend.NewRegistry())
	defer primary.Close()

	orch := orchestrator.New(orchestrator.Options{
		Primary:     primary,
		Fallback:    claudecli.NewOneShot(cliCfg),
		Store:       store,
		Memory:      memory.NewFileProvider(cfg.MemoryDir),
		Restarter:   primary,
		WorkingDir:  cfg.Agent.WorkingDir,
		TurnTimeout: turnTimeout,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr)
	}

	slog.Info("relaybot ready", "version", version, "agent", cfg.Agent.Command, "data_dir", cfg.DataDir)
	return runStdinLoop(ctx, orch)
}

// runStdinLoop reads one message per line from stdin and relays the
// streamed reply to stdout. It is the built-in connector; richer chat
// connectors drive the orchestrator the same way.
func runStdinLoop(ctx context.Context, orch *orchestrator.Orchestrator) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			slog.Info("shutting down")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			msg := orchestrator.Message{Text: text, ChatID: "local", Connector: "stdin"}
			_, err := orch.HandleMessage(ctx, msg, printEvent)
			if err != nil {
				slog.Error("turn failed", "error", err)
			}
		}
	}
}

// printEvent renders streamed events for the terminal: deltas as they
// arrive, tool activity and the final result on their own lines.
func printEvent(m wire.Message) {
	switch v := m.(type) {
	case *wire.ContentDelta:
		fmt.Print(v.Text)
	case *wire.ToolUse:
		fmt.Printf("\n[tool: %s]\n", v.Name)
	case *wire.Result:
		fmt.Printf("\n--- %s\n", strings.TrimSpace(v.Text))
	}
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("metrics server failed", "error", err)
	}
}

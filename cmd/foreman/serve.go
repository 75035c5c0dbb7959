package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/runefall/foreman/internal/api"
	"github.com/runefall/foreman/internal/buildinfo"
	"github.com/runefall/foreman/internal/connwatch"
	"github.com/runefall/foreman/internal/dispatch"
	"github.com/runefall/foreman/internal/events"
	"github.com/runefall/foreman/internal/llm"
	"github.com/runefall/foreman/internal/mqtt"
	"github.com/runefall/foreman/internal/runner"
	"github.com/runefall/foreman/internal/tools"
	"github.com/runefall/foreman/internal/workorder"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the foreman daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func serve() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("starting", "build", buildinfo.String())

	store, err := workorder.NewStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	bus := events.New()

	registry := tools.NewRegistry()
	tools.RegisterBuiltins(registry, store)
	if cfg.GitHub.Token != "" {
		gh, err := tools.NewGitHubToolset(cfg.GitHub.Token, cfg.GitHub.Owner, cfg.GitHub.Repo, logger)
		if err != nil {
			return fmt.Errorf("github toolset: %w", err)
		}
		gh.Register(registry)
		logger.Info("github toolset registered", "owner", cfg.GitHub.Owner, "repo", cfg.GitHub.Repo)
	}

	var proxy *tools.Proxy
	if cfg.Proxy.Enabled {
		proxy = tools.NewProxy(cfg.Proxy.URL,
			time.Duration(cfg.Proxy.TimeoutSec)*time.Second, cfg.Proxy.Tools, logger)
	}

	var anthropic, openai llm.Client
	if key := cfg.Providers.Anthropic.APIKey; key != "" {
		anthropic = llm.NewAnthropicClient(key, logger)
	}
	if p := cfg.Providers.OpenAI; p.APIKey != "" || p.BaseURL != "" {
		openai = llm.NewOpenAIClient(p.APIKey, p.BaseURL, logger)
	}
	client := llm.NewMux(anthropic, openai)

	ladder := workorder.Ladder(cfg.Escalation)
	if len(ladder) == 0 {
		return fmt.Errorf("no escalation ladder configured")
	}

	r := runner.New(store, client, registry, ladder, cfg.Runner, runner.Options{
		Proxy:  proxy,
		Bus:    bus,
		Logger: logger,
	})

	driver := dispatch.New(store, r.Run, cfg.Dispatch, bus, logger)
	server := api.NewServer(cfg.Listen, store, driver, bus, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Provider reachability feeds the health endpoint; a down provider
	// degrades health but never blocks startup.
	watch := connwatch.NewManager(logger)
	defer watch.Stop()
	if anthropic != nil {
		if _, err := watch.Watch(ctx, connwatch.Config{Name: "anthropic", Probe: anthropic.Ping}); err != nil {
			return fmt.Errorf("watch anthropic: %w", err)
		}
	}
	if openai != nil {
		if _, err := watch.Watch(ctx, connwatch.Config{Name: "openai", Probe: openai.Ping}); err != nil {
			return fmt.Errorf("watch openai: %w", err)
		}
	}
	server.SetHealthManager(watch)

	if cfg.MQTT.Enabled {
		instanceID, err := mqtt.LoadOrCreateInstanceID(filepath.Dir(cfg.Store.Path))
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		sink := mqtt.NewSink(cfg.MQTT, instanceID, bus, logger)
		go func() {
			if err := sink.Start(ctx); err != nil {
				logger.Error("mqtt sink failed", "error", err)
			}
		}()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := sink.Stop(stopCtx); err != nil {
				logger.Warn("mqtt shutdown", "error", err)
			}
		}()
	}

	if err := driver.Start(ctx); err != nil {
		return fmt.Errorf("start dispatch driver: %w", err)
	}
	defer driver.Stop()

	// Shut the HTTP server down when the signal context fires.
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

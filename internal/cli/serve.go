package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aide-sh/aide/internal/config"
	"github.com/aide-sh/aide/internal/events"
	"github.com/aide-sh/aide/internal/intent"
	"github.com/aide-sh/aide/internal/lifecycle"
	"github.com/aide-sh/aide/internal/llm"
	"github.com/aide-sh/aide/internal/notify"
	"github.com/aide-sh/aide/internal/serve"
	"github.com/aide-sh/aide/internal/state"
)

type serveOptions struct {
	Host             string
	Port             int
	AuthMode         string
	APIKey           string
	CORSAllowOrigins []string
	DBPath           string
	RulesPath        string
}

func newServeCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server with REST API and WebSocket sessions",
		Long: `Start the aide server: the per-session WebSocket conversation channel
and the REST API used to approve or reject proposed commands.

API Endpoints:
  GET  /api/v1/commands                   List commands
  GET  /api/v1/commands/:id               Get command details
  POST /api/v1/commands/:id/approve       Approve and execute a command
  POST /api/v1/commands/:id/reject        Reject a pending command
  GET  /api/v1/sessions/:id/messages      Conversation history
  GET  /api/v1/sessions/:id/ws            WebSocket conversation channel
  GET  /api/v1/system-info                Disk, memory, and CPU probes
  GET  /health                            Health check

Examples:
  aide serve                                  # Start on 127.0.0.1:8787
  aide serve --port 9000                      # Custom port
  aide serve --host 0.0.0.0 --auth-mode api_key --api-key $KEY`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Host, "host", "", "HTTP bind host (default 127.0.0.1)")
	cmd.Flags().IntVar(&opts.Port, "port", 0, "HTTP server port (default 8787)")
	cmd.Flags().StringVar(&opts.AuthMode, "auth-mode", "", "Auth mode: local|api_key")
	cmd.Flags().StringVar(&opts.APIKey, "api-key", "", "API key for api_key auth mode")
	cmd.Flags().StringArrayVar(&opts.CORSAllowOrigins, "cors-allow-origin", nil, "Allowed CORS origins (repeatable). Defaults to localhost only.")
	cmd.Flags().StringVar(&opts.DBPath, "db", "", "SQLite database path (default ~/.config/aide/aide.db)")
	cmd.Flags().StringVar(&opts.RulesPath, "rules", "", "Intent rules YAML file (default built-in rules)")

	return cmd
}

func runServe(cmd *cobra.Command, opts serveOptions) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyServeFlags(cmd, opts, cfg)

	dbPath := cfg.Store.Path
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("get home dir: %w", err)
		}
		dbPath = filepath.Join(home, ".config", "aide", "aide.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	store, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	mode, err := serve.ParseAuthMode(cfg.Server.AuthMode)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewEventBus(8)
	emitter := events.NewEventEmitter(bus, 256)
	defer emitter.Close()

	notifier := notify.New(cfg.Notifications)
	defer notifier.Attach(bus)()

	engine := lifecycle.New(store, emitter, lifecycle.Config{
		LocalTimeout:      cfg.Backend.LocalTimeout(),
		SSHConnectTimeout: cfg.Backend.SSHConnectTimeout(),
		SSHExecTimeout:    cfg.Backend.SSHExecTimeout(),
	})

	detector, err := buildDetector(ctx, cfg)
	if err != nil {
		return err
	}

	engines := buildEngineFactory(ctx, cfg)

	srvCfg := serve.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Auth: serve.AuthConfig{
			Mode:   mode,
			APIKey: cfg.Server.APIKey,
		},
		Store:     store,
		Lifecycle: engine,
		Bus:       bus,
		Detector:  detector,
		Engines:   engines,
	}
	if err := serve.ValidateConfig(srvCfg); err != nil {
		return err
	}
	srv := serve.New(srvCfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nReceived shutdown signal")
		cancel()
	}()

	slog.Info("server starting",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"auth_mode", cfg.Server.AuthMode,
		"db", dbPath,
	)
	fmt.Printf("Starting aide server on http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println("Press Ctrl+C to stop")

	return srv.Start(ctx)
}

// applyServeFlags overlays explicitly-set flags on top of the loaded config.
func applyServeFlags(cmd *cobra.Command, opts serveOptions, cfg *config.Config) {
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = opts.Host
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = opts.Port
	}
	if cmd.Flags().Changed("auth-mode") {
		cfg.Server.AuthMode = opts.AuthMode
	}
	if cmd.Flags().Changed("api-key") {
		cfg.Server.APIKey = opts.APIKey
	}
	if cmd.Flags().Changed("cors-allow-origin") {
		cfg.Server.AllowedOrigins = opts.CORSAllowOrigins
	}
	if cmd.Flags().Changed("db") {
		cfg.Store.Path = config.ExpandHome(opts.DBPath)
	}
	if cmd.Flags().Changed("rules") {
		cfg.Intent.RulesPath = config.ExpandHome(opts.RulesPath)
	}
}

// buildDetector creates the keyword detector, loading a rules file when one
// is configured and optionally watching it for changes.
func buildDetector(ctx context.Context, cfg *config.Config) (intent.Detector, error) {
	var rs *intent.Ruleset
	if cfg.Intent.RulesPath != "" {
		loaded, err := intent.LoadRules(cfg.Intent.RulesPath)
		if err != nil {
			return nil, fmt.Errorf("load intent rules: %w", err)
		}
		rs = loaded
	}

	detector := intent.NewKeywordDetector(rs)

	if cfg.Intent.RulesPath != "" && cfg.Intent.WatchRules {
		go func() {
			if err := detector.Watch(ctx, cfg.Intent.RulesPath); err != nil && ctx.Err() == nil {
				slog.Warn("intent rules watcher stopped", "error", err)
			}
		}()
	}

	return detector, nil
}

// buildEngineFactory creates the Gemini engine factory. Without an API key
// the server still runs; chat turns return error messages instead of replies.
func buildEngineFactory(ctx context.Context, cfg *config.Config) llm.Factory {
	if cfg.LLM.APIKey == "" {
		slog.Warn("no Gemini API key configured, conversational replies disabled",
			"hint", "set AIDE_GEMINI_API_KEY or llm.api_key")
		return nil
	}
	factory, err := llm.NewGeminiFactory(ctx, cfg.LLM.APIKey, cfg.LLM.Model)
	if err != nil {
		slog.Warn("Gemini factory init failed, conversational replies disabled", "error", err)
		return nil
	}
	return factory
}

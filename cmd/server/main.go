// Command kubilitics-chat runs the multi-tenant AI chat server.
//
// Startup order:
//  1. Load and validate configuration (YAML file, environment, defaults)
//  2. Build the application logger and the audit trail
//  3. Open the SQLite conversation store
//  4. Build the provider bridge and the generation coordinator
//  5. Serve HTTP: websocket gateway, conversation REST API, probes, metrics
//
// Provider settings are re-applied on every config file change. SIGINT or
// SIGTERM drains running generations before exit.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kubilitics/kubilitics-chat/internal/audit"
	"github.com/kubilitics/kubilitics-chat/internal/auth"
	"github.com/kubilitics/kubilitics-chat/internal/config"
	"github.com/kubilitics/kubilitics-chat/internal/db"
	"github.com/kubilitics/kubilitics-chat/internal/generation"
	"github.com/kubilitics/kubilitics-chat/internal/llm/bridge"
	"github.com/kubilitics/kubilitics-chat/internal/server"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:          "kubilitics-chat",
		Short:        "Multi-tenant AI chat streaming server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "/etc/kubilitics/chat.yaml", "path to the YAML config file")
	return cmd
}

func run(parent context.Context, configPath string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr, err := config.NewConfigManager(configPath)
	if err != nil {
		return err
	}
	if err := mgr.Load(ctx); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		return err
	}
	cfg := mgr.Get(ctx)

	logger, err := audit.NewAppLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	auditLog := audit.NewNopLogger()
	if cfg.Audit.Enabled {
		auditCfg := audit.DefaultConfig()
		auditCfg.Path = cfg.Audit.Path
		auditCfg.MaxSize = cfg.Audit.MaxSizeMB
		auditCfg.MaxBackups = cfg.Audit.MaxBackups
		auditCfg.MaxAge = cfg.Audit.MaxAgeDays
		auditCfg.Compress = cfg.Audit.Compress
		if auditLog, err = audit.NewLogger(auditCfg, logger); err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
	}
	defer auditLog.Close()

	store, err := db.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open conversation store: %w", err)
	}
	defer store.Close()

	providers := bridge.New(cfg.ProviderSettings(), bridge.WithLogger(logger.Named("bridge")))
	coord := generation.New(store, providers, generationConfig(cfg.Generation),
		generation.WithLogger(logger.Named("generation")),
		generation.WithAudit(auditLog),
		generation.WithAccountant(store),
	)

	authn, err := auth.NewJWT(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}

	srv, err := server.NewServer(cfg, server.Deps{
		Store:       store,
		Bridge:      providers,
		Coordinator: coord,
		Auth:        authn,
		Logger:      logger,
		Audit:       auditLog,
	})
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	updates := mgr.Watch(gctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case next := <-updates:
				providers.Apply(next.ProviderSettings())
				logger.Info("configuration reloaded", zap.Strings("providers", providers.Providers()))
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})
	return g.Wait()
}

func generationConfig(c config.GenerationConfig) generation.Config {
	out := generation.DefaultConfig()
	if c.ContextWindow > 0 {
		out.ContextWindow = c.ContextWindow
	}
	if c.IdleTimeout > 0 {
		out.IdleTimeout = c.IdleTimeout
	}
	if c.MaxPromptChars > 0 {
		out.MaxPromptChars = c.MaxPromptChars
	}
	if c.DefaultProvider != "" {
		out.DefaultProvider = c.DefaultProvider
	}
	out.DefaultModel = c.DefaultModel
	return out
}

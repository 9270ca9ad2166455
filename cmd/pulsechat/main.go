package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pulsechat/internal/app"
)

type flags struct {
	configPath string
	addr       string
	dbPath     string
	logLevel   string
	redisAddr  string

	serverURL string
	email     string
	heartbeat time.Duration
	noSession bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "pulsechat: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:           "pulsechat",
		Short:         "Real-time terminal chat with presence",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&f.configPath, "config", "", "YAML config file (defaults to $"+app.ConfigPathEnvVar+")")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(newServeCmd(f), newClientCmd(f), newLocalCmd(f), newVersionCmd())
	return root
}

func newServeCmd(f *flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(f)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("starting pulsechat server",
				zap.String("version", app.Version),
				zap.String("addr", cfg.Server.Addr),
				zap.String("db", cfg.Database.Path),
			)
			handle, err := app.RunServer(ctx, cfg, logger)
			if err != nil {
				return err
			}
			return handle.Wait()
		},
	}
	addServerFlags(cmd, f)
	return cmd
}

func newClientCmd(f *flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Open the terminal client against a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.RunClient(clientConfig(f))
		},
	}
	cmd.Flags().StringVar(&f.serverURL, "server-url", envOrDefault("PULSECHAT_SERVER", "http://localhost:8080"), "server HTTP base URL")
	addClientFlags(cmd, f)
	return cmd
}

func newLocalCmd(f *flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "local",
		Short: "Run a private server and attach the client to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("addr") {
				f.addr = "127.0.0.1:0"
			}
			// the TUI owns the terminal
			if f.logLevel == "" {
				f.logLevel = "error"
			}
			cfg, logger, err := loadConfig(f)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.RunLocal(ctx, cfg, clientConfig(f), logger)
		},
	}
	addServerFlags(cmd, f)
	addClientFlags(cmd, f)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(app.BuildInfo())
		},
	}
}

func addServerFlags(cmd *cobra.Command, f *flags) {
	cmd.Flags().StringVar(&f.addr, "addr", "", "listen address")
	cmd.Flags().StringVar(&f.dbPath, "db", "", "sqlite database path")
	cmd.Flags().StringVar(&f.redisAddr, "redis-addr", "", "Redis address for the presence mirror")
}

func addClientFlags(cmd *cobra.Command, f *flags) {
	cmd.Flags().StringVar(&f.email, "email", envOrDefault("PULSECHAT_EMAIL", ""), "email to prefill at login")
	cmd.Flags().DurationVar(&f.heartbeat, "heartbeat", 10*time.Second, "heartbeat interval")
	cmd.Flags().BoolVar(&f.noSession, "no-session", false, "do not remember the login between runs")
}

// loadConfig layers non-empty flags over the config file and environment.
func loadConfig(f *flags) (*app.Config, *zap.Logger, error) {
	overrides := map[string]any{}
	for key, value := range map[string]string{
		"server.addr":         f.addr,
		"database.path":       f.dbPath,
		"presence.redis_addr": f.redisAddr,
		"log.level":           f.logLevel,
	} {
		if value != "" {
			overrides[key] = value
		}
	}

	cfg, err := app.Load(app.LoadOptions{Path: f.configPath, Overrides: overrides})
	if err != nil {
		return nil, nil, err
	}
	logger, err := app.BuildLogger(cfg.Log.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return cfg, logger, nil
}

func clientConfig(f *flags) app.ClientConfig {
	cfg := app.ClientConfig{
		ServerURL: f.serverURL,
		Email:     f.email,
		Heartbeat: f.heartbeat,
	}
	if !f.noSession {
		cfg.SessionPath = app.DefaultSessionPath()
	}
	return cfg
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentpool/agentpool/internal/config"
	"github.com/agentpool/agentpool/internal/delivery"
	"github.com/agentpool/agentpool/internal/handler"
	"github.com/agentpool/agentpool/internal/hook"
	"github.com/agentpool/agentpool/internal/instance"
	"github.com/agentpool/agentpool/internal/logging"
	"github.com/agentpool/agentpool/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pool and its HTTP surface",
	Long: `Starts the instance pool, the idle-cleanup loop, the configured delivery
consumers, and the administrative HTTP server. Runs until interrupted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := buildApp(cfg, logger)
	defer app.shutdown()

	app.pool.StartCleanupLoop(ctx, cfg.Pool.CleanupInterval())

	logger.Info("agentpool starting",
		"addr", cfg.Server.Addr,
		"max_instances", cfg.Pool.MaxInstances,
		"agent_command", cfg.Agent.Command)

	return app.server.Start(ctx)
}

// app holds the wired components for one serve run.
type app struct {
	pool    *instance.Pool
	hooks   *hook.Manager
	handler *handler.Handler
	server  *server.Server
	chat    *delivery.ChatHandler
}

// buildApp wires the pool, hook consumers, message handler, and HTTP server
// from the loaded configuration.
func buildApp(cfg *config.Config, logger *logging.Logger) *app {
	pool := instance.NewPool(instance.PoolConfig{
		MaxInstances: cfg.Pool.MaxInstances,
		IdleTimeout:  cfg.Pool.IdleTimeout(),
		Exec: instance.ExecConfig{
			Command:          cfg.Agent.Command,
			GracePeriod:      cfg.Agent.GracePeriod(),
			MaxBufferEntries: cfg.Agent.MaxBufferEntries,
		},
	}, logger)

	hooks := hook.NewManager(logger)

	a := &app{
		pool:    pool,
		hooks:   hooks,
		handler: handler.New(pool, hooks, logger),
	}

	if cfg.Chat.Enabled {
		// Without a wired chat transport, delivery goes to the log; the
		// buffering and status behavior is identical either way.
		sender := delivery.SenderFunc(func(sessionID, text string) error {
			logger.Info("chat message",
				"session_id", sessionID,
				"text", text)
			return nil
		})
		a.chat = delivery.NewChatHandler(sender, delivery.ChatConfig{
			BufferSize:    cfg.Chat.BufferSize,
			FlushInterval: cfg.Chat.FlushInterval(),
			ChunkDelay:    cfg.Chat.ChunkDelay(),
		}, logger)
		hooks.Register(a.chat, a.chat.Events()...)
	}

	if cfg.Webhook.URL != "" {
		webhook := delivery.NewWebhookHandler(delivery.WebhookConfig{
			URL:        cfg.Webhook.URL,
			RetryCount: cfg.Webhook.RetryCount,
			Timeout:    cfg.Webhook.Timeout(),
		}, logger)
		hooks.Register(webhook)
	}

	a.server = server.New(server.Config{
		Addr:            cfg.Server.Addr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout(),
	}, a.handler, hooks, logger)

	return a
}

func (a *app) shutdown() {
	a.handler.Shutdown()
	if a.chat != nil {
		a.chat.Close()
	}
}

func buildLogger(cfg *config.Config) (*logging.Logger, error) {
	if !cfg.Logging.Enabled {
		return logging.NewLogger("", cfg.Logging.Level)
	}
	return logging.NewLogger(cfg.Logging.LogDir(), cfg.Logging.Level)
}

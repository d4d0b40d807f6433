package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/afristrup/chronicler-agentic-audit/internal/api"
	"github.com/afristrup/chronicler-agentic-audit/internal/config"
	"github.com/afristrup/chronicler-agentic-audit/pkg/logger"
)

// main 是 chroniclerd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("chroniclerd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	lg := logger.Named("chroniclerd")

	app, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.close()

	if err := app.registerAgents(ctx, cfg); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.consumeEvents(gctx, cfg.Events.Workers) })
	if app.metrics != nil && cfg.Metrics.Address != "" {
		g.Go(func() error { return app.metrics.StartServer(gctx, cfg.Metrics.Address) })
	}
	if err := app.manager.Start(gctx); err != nil {
		return err
	}

	opts := []api.Option{
		api.WithFactory(app.factory),
		api.WithAudit(app.audit),
		api.WithHub(app.hub),
		api.WithShutdownTimeout(cfg.Server.ShutdownTimeout.Std()),
	}
	if app.auth != nil {
		opts = append(opts, api.WithAuth(app.auth))
	}
	if app.metrics != nil && cfg.Metrics.Address == "" {
		opts = append(opts, api.WithMetrics(app.metrics))
	}
	server := api.NewServer(cfg.Server.Address, app.manager, opts...)
	g.Go(func() error { return server.Start(gctx) })

	lg.Info("chroniclerd 已启动",
		slog.String("addr", cfg.Server.Address),
		slog.Int("agents", app.manager.Len()),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("events", cfg.Events.Driver),
		slog.String("web3", cfg.Web3.Mode))

	err = g.Wait()
	lg.Info("chroniclerd 正在关闭")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/afristrup/chronicler-agentic-audit/internal/agent"
	"github.com/afristrup/chronicler-agentic-audit/internal/agent/chronicler"
	"github.com/afristrup/chronicler-agentic-audit/internal/agent/factory"
	"github.com/afristrup/chronicler-agentic-audit/internal/audit"
	"github.com/afristrup/chronicler-agentic-audit/internal/auth"
	"github.com/afristrup/chronicler-agentic-audit/internal/config"
	"github.com/afristrup/chronicler-agentic-audit/internal/events"
	"github.com/afristrup/chronicler-agentic-audit/internal/llm"
	"github.com/afristrup/chronicler-agentic-audit/internal/llm/openai"
	"github.com/afristrup/chronicler-agentic-audit/internal/observability/alerting"
	"github.com/afristrup/chronicler-agentic-audit/internal/observability/metrics"
	"github.com/afristrup/chronicler-agentic-audit/internal/policy"
	"github.com/afristrup/chronicler-agentic-audit/internal/registry"
	"github.com/afristrup/chronicler-agentic-audit/internal/storage/mysql"
	"github.com/afristrup/chronicler-agentic-audit/internal/web3/provider"
	"github.com/afristrup/chronicler-agentic-audit/pkg/logger"
)

// app 持有守护进程的全部组件，close 按构造的逆序释放。
type app struct {
	logger   *slog.Logger
	db       *mysql.DB
	redis    *redis.Client
	chains   *provider.Registry
	queue    events.Queue
	hub      *events.Hub
	policy   *policy.Service
	audit    *audit.Service
	registry *registry.Service
	metrics  *metrics.Metrics
	manager  *agent.Manager
	factory  *factory.Factory
	auth     *auth.Service

	closers []func()
}

func (a *app) onClose(fn func()) { a.closers = append(a.closers, fn) }

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func build(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{logger: logger.Named("chroniclerd")}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	auditStore, registryStore, err := a.buildStores(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := a.buildEvents(ctx, cfg); err != nil {
		return nil, err
	}

	a.chains, err = provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return nil, err
	}
	a.onClose(a.chains.Close)
	anchor, err := a.chains.Default()
	if err != nil {
		return nil, err
	}

	if a.policy, err = a.buildPolicy(ctx, cfg); err != nil {
		return nil, err
	}

	a.audit = audit.NewService(auditStore,
		audit.WithPolicy(a.policy),
		audit.WithAnchor(anchor),
		audit.WithPublisher(a.queue),
		audit.WithGasPerLog(cfg.Audit.GasPerLog))
	a.registry = registry.NewService(registryStore, registry.WithAnchor(anchor))

	managerOpts := []agent.ManagerOption{
		agent.WithPublisher(a.queue),
		agent.WithCapacity(cfg.Manager.MaxConcurrentAgents),
		agent.WithErrorRateThreshold(cfg.Manager.ErrorRateThreshold),
		agent.WithAgentShutdownTimeout(cfg.Manager.AgentShutdownTimeout.Std()),
	}
	if cfg.Manager.HealthChecks() {
		managerOpts = append(managerOpts, agent.WithHealthInterval(cfg.Manager.HealthCheckInterval.Std()))
	} else {
		managerOpts = append(managerOpts, agent.WithHealthInterval(0))
	}
	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
		managerOpts = append(managerOpts, agent.WithObserver(a.metrics))
	}
	if alerts := buildAlerts(cfg.Alerting); alerts != nil {
		managerOpts = append(managerOpts, agent.WithAlerts(alerts))
	}
	a.manager = agent.NewManager(managerOpts...)
	a.onClose(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Manager.AgentShutdownTimeout.Std()+time.Second)
		defer cancel()
		if err := a.manager.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("关闭 agent manager 失败", slog.Any("error", err))
		}
	})

	completer, err := buildCompleter(cfg.LLM)
	if err != nil {
		return nil, err
	}
	a.factory = factory.New(
		chronicler.Deps{Audit: a.audit, Registry: a.registry, Policy: a.policy, Anchor: anchor},
		factory.WithCompleter(completer),
		factory.WithMCPDefaults(factory.MCPDefaults{
			ServerURL:       cfg.MCP.ServerURL,
			APIKey:          cfg.MCP.APIKey,
			ProtocolVersion: cfg.MCP.ProtocolVersion,
			Timeout:         cfg.MCP.Timeout.Std(),
		}))

	if cfg.Auth.Enabled {
		if a.auth, err = buildAuth(cfg.Auth); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *app) buildStores(ctx context.Context, cfg *config.Config) (audit.Store, registry.Store, error) {
	switch cfg.Storage.Driver {
	case "mysql":
		db, err := mysql.Open(ctx, cfg.Storage.MySQL)
		if err != nil {
			return nil, nil, err
		}
		a.db = db
		a.onClose(func() { _ = db.Close() })
		return mysql.NewAuditStore(db), mysql.NewRegistryStore(db), nil
	default:
		return audit.NewMemoryStore(), registry.NewMemoryStore(), nil
	}
}

func (a *app) buildEvents(ctx context.Context, cfg *config.Config) error {
	switch cfg.Events.Driver {
	case "redis":
		q, err := events.NewRedisQueue(ctx, events.RedisQueueConfig{
			Address:   cfg.Events.Redis.Address,
			Password:  cfg.Events.Redis.Password,
			DB:        cfg.Events.Redis.DB,
			Queue:     cfg.Events.Redis.Queue,
			BlockWait: cfg.Events.Redis.BlockWait.Std(),
		})
		if err != nil {
			return err
		}
		a.queue = q
	case "rabbitmq":
		q, err := events.NewRabbitMQQueue(events.RabbitMQConfig{
			URL:      cfg.Events.RabbitMQ.URL,
			Queue:    cfg.Events.RabbitMQ.Queue,
			Prefetch: cfg.Events.RabbitMQ.Prefetch,
			Durable:  true,
		})
		if err != nil {
			return err
		}
		a.queue = q
	default:
		a.queue = events.NewMemoryQueue(cfg.Events.Buffer)
	}
	a.onClose(func() {
		if err := a.queue.Close(); err != nil {
			a.logger.Warn("关闭事件队列失败", slog.Any("error", err))
		}
	})

	a.hub = events.NewHub(events.WithHubLogger(logger.Named("events")))
	a.onClose(func() { _ = a.hub.Close() })
	return nil
}

func (a *app) buildPolicy(ctx context.Context, cfg *config.Config) (*policy.Service, error) {
	engine, err := policy.LoadEngine(ctx, cfg.Policy.Module)
	if err != nil {
		return nil, err
	}

	var counter policy.Counter
	switch cfg.Policy.RateLimit.Driver {
	case "redis":
		rc := cfg.Policy.RateLimit.Redis
		a.redis = redis.NewClient(&redis.Options{Addr: rc.Address, Password: rc.Password, DB: rc.DB})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			_ = a.redis.Close()
			return nil, fmt.Errorf("连接限流 Redis 失败: %w", err)
		}
		a.onClose(func() { _ = a.redis.Close() })
		counter = policy.NewRedisCounter(a.redis, "chronicler:ratelimit:")
	default:
		counter = policy.NewMemoryCounter()
	}

	return policy.NewService(engine,
		policy.WithLimiter(policy.NewRateLimiter(counter, cfg.Policy.RateLimit.PerSecond, cfg.Policy.RateLimit.Burst)),
		policy.WithLimits(policy.Limits{
			MaxGasPerAction:   cfg.Policy.MaxGasPerAction,
			MaxActionsPerHour: cfg.Policy.MaxActionsPerHour,
			MaxActionsPerDay:  cfg.Policy.MaxActionsPerDay,
		}),
		policy.WithLogger(logger.Named("policy")))
}

// registerAgents 注册配置文件中的 agent，并按需注册默认 chronicler agent。
func (a *app) registerAgents(ctx context.Context, cfg *config.Config) error {
	defs, err := config.LoadAgentDefinitions(cfg.Agents.Definitions)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if _, err := a.factory.CreateAndRegister(ctx, a.manager, cfg.Audit.Apply(def)); err != nil {
			return fmt.Errorf("注册 agent %s 失败: %w", def.ID, err)
		}
	}
	if cfg.Manager.AutoRegisterDefault {
		if _, ok := a.manager.Get(cfg.Manager.DefaultAgentID); !ok {
			if _, err := a.factory.RegisterDefault(ctx, a.manager, cfg.Manager.DefaultAgentID); err != nil {
				return fmt.Errorf("注册默认 agent 失败: %w", err)
			}
		}
	}
	a.logger.Info("agent 注册完成", slog.Int("count", a.manager.Len()))
	return nil
}

// consumeEvents 把事件总线上的事件推送给 websocket 订阅者。
func (a *app) consumeEvents(ctx context.Context, workers int) error {
	err := a.queue.Consume(ctx, workers, a.hub.Handle)
	if errors.Is(err, events.ErrQueueClosed) {
		return nil
	}
	return err
}

func buildAlerts(cfg config.AlertingConfig) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	client := &http.Client{Timeout: 10 * time.Second}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.WebhookURL, Headers: cfg.WebhookHeaders, Client: client})
	}
	if cfg.SlackWebhook != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{WebhookURL: cfg.SlackWebhook, ChannelID: cfg.SlackChannel, Client: client})
	}
	if len(notifiers) == 0 {
		return nil
	}
	return alerting.NewFanout(notifiers...)
}

func buildCompleter(cfg config.LLMConfig) (llm.Client, error) {
	if cfg.Provider != "openai" {
		return nil, nil
	}
	return openai.NewClient(openai.Config{
		APIKey:  cfg.OpenAI.APIKey,
		BaseURL: cfg.OpenAI.BaseURL,
		Model:   cfg.OpenAI.Model,
		Timeout: cfg.OpenAI.Timeout.Std(),
	})
}

func buildAuth(cfg config.AuthConfig) (*auth.Service, error) {
	seeds := make([]auth.Seed, 0, len(cfg.Users))
	for _, u := range cfg.Users {
		seeds = append(seeds, auth.Seed{
			Username:    u.Username,
			Password:    u.Password,
			Roles:       u.Roles,
			Permissions: u.Permissions,
			Disabled:    u.Disabled,
		})
	}
	store, err := auth.NewMemoryStore(seeds)
	if err != nil {
		return nil, err
	}
	return auth.NewService(auth.Config{
		Secret:     cfg.JWTSecret,
		Issuer:     cfg.Issuer,
		Audience:   cfg.Audience,
		AccessTTL:  cfg.TokenTTL.Std(),
		RefreshTTL: cfg.RefreshTTL.Std(),
	}, store)
}

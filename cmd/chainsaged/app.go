package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"ChainSage/internal/agent"
	"ChainSage/internal/auth"
	"ChainSage/internal/config"
	"ChainSage/internal/engine"
	xerrors "ChainSage/internal/errors"
	"ChainSage/internal/llm"
	"ChainSage/internal/llm/openai"
	"ChainSage/internal/llm/pythonbridge"
	"ChainSage/internal/observability/alerting"
	"ChainSage/internal/observability/metrics"
	"ChainSage/internal/planner"
	"ChainSage/internal/storage/mysql"
	"ChainSage/internal/storage/redis"
	"ChainSage/internal/task"
	"ChainSage/internal/tool"
	"ChainSage/internal/web3/chaintools"
	"ChainSage/internal/web3/provider"
	"ChainSage/pkg/logger"
)

// application 持有一次进程运行所需的全部组件。
type application struct {
	cfg      *config.Config
	registry *tool.Registry
	agent    *agent.Agent
	metrics  *metrics.Metrics
	alerts   alerting.Dispatcher
	closers  []func() error
}

// newApplication 按配置装配链客户端、工具、选择器、引擎与运行记录。
func newApplication(ctx context.Context, cfg *config.Config) (*application, error) {
	app := &application{cfg: cfg, metrics: metrics.New()}
	if err := app.build(ctx); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *application) build(ctx context.Context) error {
	cfg := a.cfg
	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return fmt.Errorf("创建数据目录失败: %w", err)
	}

	chains, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error { chains.Close(); return nil })

	a.registry = tool.NewRegistry()
	if err := chaintools.Register(a.registry, chains); err != nil {
		return err
	}

	selector, err := a.buildSelector(ctx)
	if err != nil {
		return err
	}

	builderOpts := []planner.Option{
		planner.WithDefaultContext(tool.DefaultExecutionContext()),
		planner.WithLogger(logger.Named("planner")),
	}
	if cfg.LLM.PromptFile != "" {
		content, err := os.ReadFile(cfg.LLM.PromptFile)
		if err != nil {
			return fmt.Errorf("读取提示词模板失败: %w", err)
		}
		builderOpts = append(builderOpts, planner.WithPromptTemplate(string(content)))
	}
	builder := planner.NewBuilder(a.registry, builderOpts...)

	eng := engine.New(
		engine.WithDefaultRetries(cfg.Engine.Retries()),
		engine.WithDefaultTimeout(cfg.Engine.Timeout()),
		engine.WithBackoffUnit(cfg.Engine.BackoffUnit()),
		engine.WithObserver(a.metrics),
		engine.WithLogger(logger.Named("engine")),
	)

	runs, err := a.buildRunRepository(ctx)
	if err != nil {
		return err
	}

	a.alerts = a.buildAlerts()
	a.agent = agent.New(a.registry, builder, eng, selector,
		agent.WithRunRepository(runs),
		agent.WithAlertDispatcher(a.alerts),
		agent.WithLogger(logger.Named("agent")),
	)
	return nil
}

func (a *application) buildSelector(ctx context.Context) (llm.ChatClient, error) {
	cfg := a.cfg.LLM
	var selector llm.ChatClient
	switch cfg.Provider {
	case "python_bridge":
		script := pythonbridge.ResolveScriptPath(cfg.Python.WorkingDir, cfg.Python.ScriptPath)
		client, err := pythonbridge.NewClient(script,
			pythonbridge.WithInterpreter(cfg.Python.PythonExecutable),
			pythonbridge.WithWorkingDir(cfg.Python.WorkingDir),
			pythonbridge.WithTimeout(cfg.Python.Timeout()),
		)
		if err != nil {
			return nil, err
		}
		selector = client
	case "openai":
		apiKey := cfg.OpenAI.ResolveAPIKey()
		if apiKey == "" {
			return nil, fmt.Errorf("OpenAI provider 需要配置 api_key 或环境变量 %s", cfg.OpenAI.APIKeyEnv)
		}
		client, err := openai.NewClient(openai.Config{
			APIKey:       apiKey,
			BaseURL:      cfg.OpenAI.BaseURL,
			Model:        cfg.OpenAI.Model,
			Organization: cfg.OpenAI.Organization,
			Flavor:       openai.Flavor(cfg.OpenAI.Flavor),
			MaxTokens:    cfg.OpenAI.MaxTokens,
			Timeout:      cfg.OpenAI.Timeout(),
			Temperature:  cfg.Temperature,
		})
		if err != nil {
			return nil, err
		}
		selector = client
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.Provider)
	}

	if !cfg.Cache.Enabled {
		return selector, nil
	}
	rdb, err := redis.NewClient(ctx, redis.Options{
		Address:  cfg.Cache.Redis.Address,
		Password: cfg.Cache.Redis.Password,
		DB:       cfg.Cache.Redis.DB,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, rdb.Close)
	return redis.NewSelectionCache(selector, rdb,
		redis.WithTTL(cfg.Cache.TTL()),
		redis.WithPrefix(cfg.Cache.Prefix),
		redis.WithCacheLogger(logger.Named("selection_cache")),
	), nil
}

func (a *application) buildRunRepository(ctx context.Context) (mysql.RunRepository, error) {
	store := a.cfg.Storage.RunStore
	switch store.Driver {
	case "mysql":
		repo, err := mysql.NewSQLRunRepository(ctx, databaseConfig(store))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, repo.Close)
		return repo, nil
	default:
		return mysql.NewMemoryRunRepository(a.cfg.Runtime.DataDir)
	}
}

func (a *application) buildAlerts() alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	cfg := a.cfg.Alerting
	if cfg.Enabled && cfg.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.WebhookURL, cfg.Timeout()))
	}
	return alerting.NewGuarded(alerting.NewFanout(notifiers...), alerting.Policy{
		MinSeverity: xerrors.Severity(cfg.MinSeverity),
		Window:      cfg.DedupWindow(),
	})
}

// buildAuth 根据配置构造 API 认证服务。
func (a *application) buildAuth() (*auth.Service, error) {
	cfg := a.cfg.Auth
	keys := make([]auth.Key, 0, len(cfg.Keys))
	for _, ref := range cfg.Keys {
		keys = append(keys, auth.Key{
			Name:        ref.Name,
			Key:         ref.Key,
			KeyEnv:      ref.KeyEnv,
			Permissions: ref.Permissions,
			Disabled:    ref.Disabled,
		})
	}
	return auth.NewService(auth.Config{Mode: auth.Mode(cfg.Mode), Keys: keys})
}

// buildTasks 装配任务存储、队列、服务与处理器。
func (a *application) buildTasks(ctx context.Context) (*task.Service, *task.Processor, error) {
	cfg := a.cfg
	var store task.Store
	switch cfg.Storage.TaskStore.Driver {
	case "mysql":
		s, err := task.NewMySQLStore(ctx, databaseConfig(cfg.Storage.TaskStore))
		if err != nil {
			return nil, nil, err
		}
		store = s
	default:
		store = task.NewMemoryStore()
	}

	var queue task.Queue
	switch cfg.TaskQueue.Driver {
	case "redis":
		q, err := task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:   cfg.TaskQueue.Redis.Address,
			Password:  cfg.TaskQueue.Redis.Password,
			DB:        cfg.TaskQueue.Redis.DB,
			Queue:     cfg.TaskQueue.Redis.Queue,
			BlockWait: cfg.TaskQueue.Redis.BlockWait(),
		})
		if err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		queue = q
	case "rabbitmq":
		q, err := task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:         cfg.TaskQueue.RabbitMQ.URL,
			Queue:       cfg.TaskQueue.RabbitMQ.Queue,
			Prefetch:    cfg.TaskQueue.RabbitMQ.Prefetch,
			Durable:     cfg.TaskQueue.RabbitMQ.Durable,
			AutoDelete:  cfg.TaskQueue.RabbitMQ.AutoDelete,
			MaxPriority: cfg.TaskQueue.RabbitMQ.MaxPriority,
		})
		if err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		queue = q
	default:
		queue = task.NewMemoryQueue(cfg.TaskQueue.Buffer)
	}

	service := task.NewService(store, queue, cfg.Storage.TaskStore.Retries)
	a.closers = append(a.closers, service.Close)
	processor := task.NewProcessor(a.agent, store, queue, queue,
		task.WithWorkerCount(cfg.TaskQueue.Worker),
		task.WithProcessorLogger(logger.Named("task")),
		task.WithAlertDispatcher(a.alerts),
		task.WithObserver(a.metrics),
	)
	return service, processor, nil
}

func databaseConfig(db config.DatabaseConfig) mysql.Config {
	return mysql.Config{
		Driver:          db.Driver,
		DSN:             db.DSN,
		MaxOpenConns:    db.MaxOpenConns,
		MaxIdleConns:    db.MaxIdleConns,
		ConnMaxLifetime: db.ConnMaxLifetime(),
		ConnMaxIdleTime: db.ConnMaxIdleTime(),
		PingAttempts:    db.PingAttempts,
	}
}

// Close 逆序释放资源。
func (a *application) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.L().Warn("释放资源失败", slog.Any("error", err))
		}
	}
	a.closers = nil
	_ = logger.Sync()
}

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config 描述了 ChainSage 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	TaskQueue TaskQueueConfig `json:"task_queue"`
	LLM       LLMConfig       `json:"llm"`
	Engine    EngineConfig    `json:"engine"`
	Web3      Web3Config      `json:"web3"`
	Alerting  AlertingConfig  `json:"alerting"`
	Metrics   MetricsConfig   `json:"metrics"`
	Runtime   RuntimeConfig   `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// AuthConfig 控制 API 的访问认证。mode 为 disabled 或 api_key。
type AuthConfig struct {
	Mode string      `json:"mode"`
	Keys []APIKeyRef `json:"keys"`
}

// APIKeyRef 声明一个 API 密钥及其权限。
type APIKeyRef struct {
	Name        string   `json:"name"`
	Key         string   `json:"key"`
	KeyEnv      string   `json:"key_env"`
	Permissions []string `json:"permissions"`
	Disabled    bool     `json:"disabled"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level   string   `json:"level"`
	Format  string   `json:"format"`
	Outputs []string `json:"outputs"`
	// Rotation 作用于 outputs 中的文件路径。
	Rotation RotationConfig `json:"rotation"`
	Audit    AuditConfig    `json:"audit"`
}

// RotationConfig 描述文件日志的切割策略，零值使用 logger 的默认值。
type RotationConfig struct {
	MaxSizeMB  int  `json:"max_size_mb"`
	MaxBackups int  `json:"max_backups"`
	MaxAgeDays int  `json:"max_age_days"`
	Compress   bool `json:"compress"`
}

// AuditConfig 控制审计日志文件。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// StorageConfig 统一描述任务与执行记录的存储后端。
type StorageConfig struct {
	TaskStore DatabaseConfig `json:"task_store"`
	RunStore  DatabaseConfig `json:"run_store"`
}

// DatabaseConfig 描述 memory 或 mysql 驱动的连接参数。
type DatabaseConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
	// PingAttempts 为启动探活次数，0 使用默认值。
	PingAttempts int `json:"ping_attempts"`
	// Retries 仅对任务存储生效，表示异步任务的最大重试次数。
	Retries int `json:"retries"`
}

// ConnMaxLifetime 返回连接最长存活时间。
func (d DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(d.ConnMaxLifetimeSeconds) * time.Second
}

// ConnMaxIdleTime 返回连接最长空闲时间。
func (d DatabaseConfig) ConnMaxIdleTime() time.Duration {
	return time.Duration(d.ConnMaxIdleTimeSeconds) * time.Second
}

// TaskQueueConfig 描述异步查询队列。
type TaskQueueConfig struct {
	Driver   string         `json:"driver"`
	Worker   int            `json:"worker"`
	Buffer   int            `json:"buffer"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 同时用于 Redis 队列与选择结果缓存。
type RedisConfig struct {
	Address          string `json:"address"`
	Password         string `json:"password"`
	DB               int    `json:"db"`
	Queue            string `json:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// BlockWait 返回 BZPOPMIN 的阻塞时长。
func (r RedisConfig) BlockWait() time.Duration {
	return time.Duration(r.BlockWaitSeconds) * time.Second
}

// RabbitMQConfig 描述 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL         string `json:"url"`
	Queue       string `json:"queue"`
	Prefetch    int    `json:"prefetch"`
	Durable     bool   `json:"durable"`
	AutoDelete  bool   `json:"auto_delete"`
	MaxPriority int    `json:"max_priority"`
}

// LLMConfig 配置用于工具选择的大模型。
type LLMConfig struct {
	Provider    string             `json:"provider"`
	PromptFile  string             `json:"prompt_file"`
	Temperature float32            `json:"temperature"`
	OpenAI      OpenAIConfig       `json:"openai"`
	Python      PythonBridgeConfig `json:"python_bridge"`
	Cache       SelectionCache     `json:"cache"`
}

// OpenAIConfig 描述 OpenAI 兼容端点。
type OpenAIConfig struct {
	APIKey       string `json:"api_key"`
	APIKeyEnv    string `json:"api_key_env"`
	BaseURL      string `json:"base_url"`
	Model        string `json:"model"`
	Organization string `json:"organization"`
	// Flavor 为 openai 或 azure，空值按 openai 处理。
	Flavor         string `json:"flavor"`
	MaxTokens      int    `json:"max_tokens"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Timeout 返回请求超时。
func (o OpenAIConfig) Timeout() time.Duration {
	if o.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(o.TimeoutSeconds) * time.Second
}

// ResolveAPIKey 优先使用 api_key，其次读取 api_key_env 指定的环境变量。
func (o OpenAIConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(o.APIKey); key != "" {
		return key
	}
	if o.APIKeyEnv != "" {
		return strings.TrimSpace(os.Getenv(o.APIKeyEnv))
	}
	return ""
}

// PythonBridgeConfig 描述通过 Python 脚本完成工具选择时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `json:"python_executable"`
	ScriptPath       string `json:"script_path"`
	WorkingDir       string `json:"working_dir"`
	TimeoutSeconds   int    `json:"timeout_seconds"`
}

// Timeout 返回单次脚本调用的超时，默认 30 秒。
func (p PythonBridgeConfig) Timeout() time.Duration {
	if p.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// SelectionCache 配置基于 Redis 的选择结果缓存。
type SelectionCache struct {
	Enabled    bool        `json:"enabled"`
	Redis      RedisConfig `json:"redis"`
	TTLSeconds int         `json:"ttl_seconds"`
	Prefix     string      `json:"prefix"`
}

// TTL 返回缓存有效期。
func (s SelectionCache) TTL() time.Duration {
	return time.Duration(s.TTLSeconds) * time.Second
}

// EngineConfig 控制执行引擎的默认参数。指针字段用于区分“未配置”和显式的 0。
type EngineConfig struct {
	MaxRetries    *int `json:"max_retries"`
	TimeoutMS     int  `json:"timeout_ms"`
	BackoffUnitMS *int `json:"backoff_unit_ms"`
	Priority      int  `json:"priority"`
}

// Timeout 返回单次执行超时。
func (e EngineConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutMS) * time.Millisecond
}

// BackoffUnit 返回退避单位。
func (e EngineConfig) BackoffUnit() time.Duration {
	if e.BackoffUnitMS == nil {
		return time.Second
	}
	return time.Duration(*e.BackoffUnitMS) * time.Millisecond
}

// Retries 返回默认最大重试次数。
func (e EngineConfig) Retries() int {
	if e.MaxRetries == nil {
		return 3
	}
	return *e.MaxRetries
}

// Web3Config 包含访问区块链节点所需的信息。
type Web3Config struct {
	RPCURL       string `json:"rpc_url"`
	ChainConfig  string `json:"chain_config"`
	DefaultChain string `json:"default_chain"`
}

// AlertingConfig 控制失败告警。
type AlertingConfig struct {
	Enabled        bool   `json:"enabled"`
	WebhookURL     string `json:"webhook_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	// MinSeverity 为 info、warning 或 critical，空值不过滤。
	MinSeverity string `json:"min_severity"`
	// DedupSeconds 内相同的告警只发送一次。
	DedupSeconds int `json:"dedup_seconds"`
}

// DedupWindow 返回重复告警的抑制窗口。
func (a AlertingConfig) DedupWindow() time.Duration {
	return time.Duration(a.DedupSeconds) * time.Second
}

// Timeout 返回 Webhook 请求超时。
func (a AlertingConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// MetricsConfig 控制独立的指标端口；为空时指标挂在 API 服务的 /metrics 上。
type MetricsConfig struct {
	Address string `json:"address"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Default 返回仅使用内存后端的默认配置，baseDir 用于解析相对路径。
func Default(baseDir string) *Config {
	cfg := &Config{}
	cfg.applyDefaults(baseDir)
	return cfg
}

// Load 负责解析指定路径的 JSON 配置文件。同目录下的 .env 会先被加载，
// 已存在的环境变量不会被覆盖。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}
	baseDir := filepath.Dir(path)

	if err := loadDotEnv(filepath.Join(baseDir, ".env")); err != nil {
		return nil, err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("检查 .env 失败: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("加载 .env 失败: %w", err)
	}
	return nil
}

// applyEnv 使用 CHAINSAGE_* 环境变量覆盖常用字段。
func (c *Config) applyEnv() {
	if v := os.Getenv("CHAINSAGE_SERVER_ADDRESS"); v != "" {
		c.Server.Address = v
	}
	if v := os.Getenv("CHAINSAGE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CHAINSAGE_RPC_URL"); v != "" {
		c.Web3.RPCURL = v
	}
	if v := os.Getenv("CHAINSAGE_TASK_STORE_DSN"); v != "" {
		c.Storage.TaskStore.DSN = v
	}
	if v := os.Getenv("CHAINSAGE_RUN_STORE_DSN"); v != "" {
		c.Storage.RunStore.DSN = v
	}
	if v := os.Getenv("CHAINSAGE_ENGINE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.MaxRetries = &n
		}
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}
	if c.Storage.TaskStore.Retries <= 0 {
		c.Storage.TaskStore.Retries = 3
	}
	if c.Storage.RunStore.Driver == "" {
		c.Storage.RunStore.Driver = c.Storage.TaskStore.Driver
	}
	if c.Storage.RunStore.DSN == "" {
		c.Storage.RunStore.DSN = c.Storage.TaskStore.DSN
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Worker <= 0 {
		c.TaskQueue.Worker = 2
	}
	if c.TaskQueue.Buffer <= 0 {
		c.TaskQueue.Buffer = 1024
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "CHAINSAGE_LLM_API_KEY"
	}
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	c.LLM.Python.WorkingDir = resolvePath(baseDir, c.LLM.Python.WorkingDir, baseDir)
	c.LLM.PromptFile = resolvePath(baseDir, c.LLM.PromptFile, "")
	if c.LLM.Cache.TTLSeconds <= 0 {
		c.LLM.Cache.TTLSeconds = 300
	}
	if c.LLM.Cache.Prefix == "" {
		c.LLM.Cache.Prefix = "chainsage:selection:"
	}

	if c.Engine.TimeoutMS <= 0 {
		c.Engine.TimeoutMS = 30000
	}
	if c.Engine.Priority <= 0 {
		c.Engine.Priority = 1
	}

	c.Web3.ChainConfig = resolvePath(baseDir, c.Web3.ChainConfig, "")

	if c.Alerting.TimeoutSeconds <= 0 {
		c.Alerting.TimeoutSeconds = 5
	}

	c.Runtime.DataDir = resolvePath(baseDir, c.Runtime.DataDir, filepath.Join(baseDir, "data"))
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}
}

// Validate 检查驱动名称等枚举字段。
func (c *Config) Validate() error {
	switch c.Auth.Mode {
	case "disabled", "api_key":
	default:
		return fmt.Errorf("未知的认证模式: %s", c.Auth.Mode)
	}
	switch c.Storage.TaskStore.Driver {
	case "memory", "mysql":
	default:
		return fmt.Errorf("未知的任务存储驱动: %s", c.Storage.TaskStore.Driver)
	}
	switch c.Storage.RunStore.Driver {
	case "memory", "mysql":
	default:
		return fmt.Errorf("未知的执行记录存储驱动: %s", c.Storage.RunStore.Driver)
	}
	switch c.TaskQueue.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("未知的队列驱动: %s", c.TaskQueue.Driver)
	}
	switch c.LLM.Provider {
	case "openai", "python_bridge":
	default:
		return fmt.Errorf("未知的大模型 provider: %s", c.LLM.Provider)
	}
	switch c.Alerting.MinSeverity {
	case "", "info", "warning", "critical":
	default:
		return fmt.Errorf("未知的告警级别: %s", c.Alerting.MinSeverity)
	}
	if c.Engine.MaxRetries != nil && *c.Engine.MaxRetries < 0 {
		return errors.New("engine.max_retries 不能为负数")
	}
	return nil
}

func resolvePath(baseDir, value, fallback string) string {
	if value == "" {
		return fallback
	}
	if filepath.IsAbs(value) || baseDir == "" {
		return value
	}
	return filepath.Join(baseDir, value)
}

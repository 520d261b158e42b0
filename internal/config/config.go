package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"OpenMCP-Wallet/pkg/logger"
)

// EnvPrefix 是所有环境变量覆盖项的统一前缀。
const EnvPrefix = "WALLETD"

// DefaultPath 是未设置 WALLETD_CONFIG 时读取的配置文件。
const DefaultPath = "configs/walletd.yaml"

// Config 描述了 walletd 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   logger.Config   `yaml:"logging"`
	LLM       LLMConfig       `yaml:"llm"`
	Chat      ChatConfig      `yaml:"chat"`
	Web3      Web3Config      `yaml:"web3"`
	Prices    PricesConfig    `yaml:"prices"`
	Session   SessionConfig   `yaml:"session"`
	Storage   StorageConfig   `yaml:"storage"`
	Events    EventsConfig    `yaml:"events"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider string             `yaml:"provider"`
	OpenAI   OpenAIConfig       `yaml:"openai"`
	Python   PythonBridgeConfig `yaml:"python_bridge"`
}

// OpenAIConfig 描述 OpenAI 兼容接口的连接参数。
type OpenAIConfig struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// PythonBridgeConfig 描述通过 Python 脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `yaml:"python_executable"`
	ScriptPath       string `yaml:"script_path"`
	WorkingDir       string `yaml:"working_dir"`
}

// ChatConfig 控制对话循环的行为。
type ChatConfig struct {
	SystemPrompt string  `yaml:"system_prompt"`
	Temperature  float64 `yaml:"temperature"`
	MaxSteps     int     `yaml:"max_steps"`
}

// Web3Config 包含访问区块链节点所需的信息。
type Web3Config struct {
	ChainConfig  string `yaml:"chain_config"`
	DefaultChain string `yaml:"default_chain"`
	RPCURL       string `yaml:"rpc_url"`
	// SignerKey 是十六进制私钥，只会为地址匹配的钱包签名。
	SignerKey string `yaml:"signer_key"`
}

// PricesConfig 描述行情数据源与缓存刷新周期。
type PricesConfig struct {
	CoinGeckoURL    string        `yaml:"coingecko_url"`
	CoinGeckoAPIKey string        `yaml:"coingecko_api_key"`
	DefiLlamaURL    string        `yaml:"defillama_url"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	HTTPTimeout     time.Duration `yaml:"http_timeout"`
}

// SessionConfig 控制会话空闲回收。IdleTTL 为 0 表示永不过期。
type SessionConfig struct {
	IdleTTL       time.Duration `yaml:"idle_ttl"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// StorageConfig 统一描述 MySQL、Redis 等后端的连接信息。
type StorageConfig struct {
	ChatStore ChatStoreConfig `yaml:"chat_store"`
	Redis     RedisConfig     `yaml:"redis"`
}

// ChatStoreConfig 选择对话记录的存储实现。
type ChatStoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig 描述价格快照镜像的 Redis 连接。URL 为空时不启用。
type RedisConfig struct {
	URL string        `yaml:"url"`
	Key string        `yaml:"key"`
	TTL time.Duration `yaml:"ttl"`
}

// EventsConfig 描述事件发布通道。
type EventsConfig struct {
	Driver   string `yaml:"driver"`
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// KnowledgeConfig 指向可选的静态知识库文件。
type KnowledgeConfig struct {
	Path       string `yaml:"path"`
	MaxResults int    `yaml:"max_results"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir"`
}

// envOverrides 列出允许通过环境变量覆盖的字段。
type envOverrides struct {
	ServerAddress   string `envconfig:"SERVER_ADDRESS"`
	LogLevel        string `envconfig:"LOG_LEVEL"`
	LLMProvider     string `envconfig:"LLM_PROVIDER"`
	OpenAIAPIKey    string `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL   string `envconfig:"OPENAI_BASE_URL"`
	OpenAIModel     string `envconfig:"OPENAI_MODEL"`
	RPCURL          string `envconfig:"RPC_URL"`
	SignerKey       string `envconfig:"SIGNER_KEY"`
	CoinGeckoAPIKey string `envconfig:"COINGECKO_API_KEY"`
	RedisURL        string `envconfig:"REDIS_URL"`
	MySQLDSN        string `envconfig:"MYSQL_DSN"`
	RabbitMQURL     string `envconfig:"RABBITMQ_URL"`
}

// PathFromEnv 返回 WALLETD_CONFIG 指定的路径，未设置时返回默认路径。
func PathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv(EnvPrefix + "_CONFIG")); path != "" {
		return path
	}
	return DefaultPath
}

// Load 负责解析指定路径的 YAML 配置文件，并叠加环境变量覆盖项。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults(filepath.Dir(path))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("解析环境变量失败: %w", err)
	}

	override := func(dst *string, value string) {
		if strings.TrimSpace(value) != "" {
			*dst = value
		}
	}
	override(&c.Server.Address, env.ServerAddress)
	override(&c.Logging.Level, env.LogLevel)
	override(&c.LLM.Provider, env.LLMProvider)
	override(&c.LLM.OpenAI.APIKey, env.OpenAIAPIKey)
	override(&c.LLM.OpenAI.BaseURL, env.OpenAIBaseURL)
	override(&c.LLM.OpenAI.Model, env.OpenAIModel)
	override(&c.Web3.RPCURL, env.RPCURL)
	override(&c.Web3.SignerKey, env.SignerKey)
	override(&c.Prices.CoinGeckoAPIKey, env.CoinGeckoAPIKey)
	override(&c.Storage.Redis.URL, env.RedisURL)
	if strings.TrimSpace(env.MySQLDSN) != "" {
		c.Storage.ChatStore.DSN = env.MySQLDSN
		if c.Storage.ChatStore.Driver == "" {
			c.Storage.ChatStore.Driver = "mysql"
		}
	}
	if strings.TrimSpace(env.RabbitMQURL) != "" {
		c.Events.URL = env.RabbitMQURL
		if c.Events.Driver == "" {
			c.Events.Driver = "rabbitmq"
		}
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.OpenAI.Model == "" {
		c.LLM.OpenAI.Model = "gpt-4o-mini"
	}
	if c.LLM.OpenAI.Timeout <= 0 {
		c.LLM.OpenAI.Timeout = 60 * time.Second
	}
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	c.LLM.Python.WorkingDir = resolvePath(baseDir, c.LLM.Python.WorkingDir, baseDir)

	if c.Chat.Temperature == 0 {
		c.Chat.Temperature = 0.3
	}
	if c.Chat.MaxSteps <= 0 {
		c.Chat.MaxSteps = 10
	}

	if c.Web3.ChainConfig != "" {
		c.Web3.ChainConfig = resolvePath(baseDir, c.Web3.ChainConfig, "")
	}

	if c.Prices.CoinGeckoURL == "" {
		c.Prices.CoinGeckoURL = "https://api.coingecko.com/api/v3"
	}
	if c.Prices.DefiLlamaURL == "" {
		c.Prices.DefiLlamaURL = "https://coins.llama.fi"
	}
	if c.Prices.RefreshInterval <= 0 {
		c.Prices.RefreshInterval = time.Hour
	}
	if c.Prices.HTTPTimeout <= 0 {
		c.Prices.HTTPTimeout = 10 * time.Second
	}

	if c.Session.IdleTTL > 0 && c.Session.PruneInterval <= 0 {
		c.Session.PruneInterval = c.Session.IdleTTL / 2
	}

	if c.Storage.ChatStore.Driver == "" {
		c.Storage.ChatStore.Driver = "memory"
	}
	if c.Storage.Redis.Key == "" {
		c.Storage.Redis.Key = "walletd:prices"
	}
	if c.Storage.Redis.TTL <= 0 {
		c.Storage.Redis.TTL = 2 * c.Prices.RefreshInterval
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "nop"
	}
	if c.Events.Exchange == "" {
		c.Events.Exchange = "walletd.events"
	}

	if c.Knowledge.Path != "" {
		c.Knowledge.Path = resolvePath(baseDir, c.Knowledge.Path, "")
	}
	if c.Knowledge.MaxResults <= 0 {
		c.Knowledge.MaxResults = 3
	}

	c.Runtime.DataDir = resolvePath(baseDir, c.Runtime.DataDir, filepath.Join(baseDir, "data"))
	if c.Logging.AuditPath != "" {
		c.Logging.AuditPath = resolvePath(baseDir, c.Logging.AuditPath, "")
	}
}

func resolvePath(baseDir, value, fallback string) string {
	if value == "" {
		return fallback
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}

// Validate 检查配置中不可能成立的取值。
func (c *Config) Validate() error {
	var errs []error

	switch c.LLM.Provider {
	case "openai", "python_bridge":
	default:
		errs = append(errs, fmt.Errorf("不支持的 llm.provider: %s", c.LLM.Provider))
	}
	if c.LLM.Provider == "python_bridge" && strings.TrimSpace(c.LLM.Python.ScriptPath) == "" {
		errs = append(errs, errors.New("python_bridge 需要配置 script_path"))
	}

	if math.IsNaN(c.Chat.Temperature) || c.Chat.Temperature < 0 || c.Chat.Temperature > 2 {
		errs = append(errs, fmt.Errorf("chat.temperature 超出范围: %v", c.Chat.Temperature))
	}

	switch c.Storage.ChatStore.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Storage.ChatStore.DSN) == "" {
			errs = append(errs, errors.New("mysql 存储需要配置 dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的 chat_store.driver: %s", c.Storage.ChatStore.Driver))
	}

	switch c.Events.Driver {
	case "nop", "memory":
	case "rabbitmq":
		if strings.TrimSpace(c.Events.URL) == "" {
			errs = append(errs, errors.New("rabbitmq 事件通道需要配置 url"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的 events.driver: %s", c.Events.Driver))
	}

	if c.Session.IdleTTL < 0 {
		errs = append(errs, errors.New("session.idle_ttl 不能为负数"))
	}

	if strings.TrimSpace(c.Web3.ChainConfig) == "" && strings.TrimSpace(c.Web3.RPCURL) == "" {
		errs = append(errs, errors.New("web3 需要配置 chain_config 或 rpc_url"))
	}

	return errors.Join(errs...)
}

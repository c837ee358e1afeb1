package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"

	"scathat/internal/chain"
	"scathat/internal/detector"
	"scathat/internal/fusion"
	"scathat/internal/logging"
	"scathat/internal/verification"
	"scathat/pkg/models"
)

// EnvPrefix 环境变量前缀，如 SCATHAT_CHAIN_CHAIN_ID
const EnvPrefix = "SCATHAT"

// Config 主配置
type Config struct {
	Chain        *ChainConfig        `mapstructure:"chain"`
	Fusion       *FusionConfig       `mapstructure:"fusion"`
	Detectors    *DetectorsConfig    `mapstructure:"detectors"`
	Verification *VerificationConfig `mapstructure:"verification"`
	Writeback    *WritebackConfig    `mapstructure:"writeback"`
	Output       *OutputConfig       `mapstructure:"output"`
	Audit        *AuditConfig        `mapstructure:"audit"`
	API          *APIConfig          `mapstructure:"api"`
	Logging      *logging.LogConfig  `mapstructure:"logging"`
}

// ChainConfig 区块链配置
type ChainConfig struct {
	Nodes               []*NodeConfig `mapstructure:"nodes"`
	ChainID             int64         `mapstructure:"chain_id"`
	RegistryAddress     string        `mapstructure:"registry_address"`
	RegistryABIPath     string        `mapstructure:"registry_abi_path"`
	ReceiptTimeout      time.Duration `mapstructure:"receipt_timeout"`
	ReceiptPollInterval time.Duration `mapstructure:"receipt_poll_interval"`
	CallTimeout         time.Duration `mapstructure:"call_timeout"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
}

// NodeConfig 节点配置
type NodeConfig struct {
	Name     string `mapstructure:"name"`
	URL      string `mapstructure:"url"`
	Priority int    `mapstructure:"priority"`
}

// FusionConfig 融合权重配置
type FusionConfig struct {
	CodeWeight     float64 `mapstructure:"code_weight"`
	BytecodeWeight float64 `mapstructure:"bytecode_weight"`
	BehaviorWeight float64 `mapstructure:"behavior_weight"`
}

// Weights 转换为融合基础权重
func (f *FusionConfig) Weights() models.EffectiveWeights {
	return models.EffectiveWeights{
		Code:     f.CodeWeight,
		Bytecode: f.BytecodeWeight,
		Behavior: f.BehaviorWeight,
	}
}

// DetectorsConfig 检测器配置，地址为空的检测器不启用
type DetectorsConfig struct {
	BytecodeURL     string        `mapstructure:"bytecode_url"`
	CodeAnalyzerURL string        `mapstructure:"code_analyzer_url"`
	BehaviorURL     string        `mapstructure:"behavior_url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RetryAttempts   int           `mapstructure:"retry_attempts"`
	EnableCache     bool          `mapstructure:"enable_cache"`
	CacheSize       int           `mapstructure:"cache_size"`
}

// Endpoints 已配置的检测器及其HTTP配置
func (d *DetectorsConfig) Endpoints() map[models.Source]detector.Config {
	out := make(map[models.Source]detector.Config)
	for source, url := range map[models.Source]string{
		models.SourceBytecode:     d.BytecodeURL,
		models.SourceCodeAnalyzer: d.CodeAnalyzerURL,
		models.SourceBehavior:     d.BehaviorURL,
	} {
		if url == "" {
			continue
		}
		out[source] = detector.Config{
			BaseURL:       url,
			Timeout:       d.Timeout,
			RetryAttempts: d.RetryAttempts,
			EnableCache:   d.EnableCache,
			CacheSize:     d.CacheSize,
		}
	}
	return out
}

// VerificationConfig 链上验证配置
type VerificationConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	BatchWorkers int           `mapstructure:"batch_workers"`
}

// WritebackConfig 链上写入配置
type WritebackConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	MaxRetries         int           `mapstructure:"max_retries"`
	GasLimitMultiplier float64       `mapstructure:"gas_limit_multiplier"`
	GasPriceMultiplier float64       `mapstructure:"gas_price_multiplier"`
	BlockGasCap        float64       `mapstructure:"block_gas_cap"`
	BackoffBase        time.Duration `mapstructure:"backoff_base"`
	BatchWorkers       int           `mapstructure:"batch_workers"`
	SignerKeyEnv       string        `mapstructure:"signer_key_env"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers []string          `mapstructure:"brokers"`
	Topics  map[string]string `mapstructure:"topics"`
}

// OutputConfig 事件输出配置
type OutputConfig struct {
	Format    string       `mapstructure:"format"` // file, kafka, none
	Directory string       `mapstructure:"directory"`
	Kafka     *KafkaConfig `mapstructure:"kafka"`
}

// AuditConfig 审计存储配置
type AuditConfig struct {
	Backend     string `mapstructure:"backend"` // bolt, postgres, none
	BoltPath    string `mapstructure:"bolt_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// APIConfig HTTP服务配置
type APIConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// LoadConfig 加载配置: 默认值 < YAML文件 < SCATHAT_* 环境变量
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v, GetDefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// setDefaults 注册默认值，使环境变量可以覆盖任意标量配置
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("chain.nodes", []map[string]interface{}{})
	v.SetDefault("chain.chain_id", d.Chain.ChainID)
	v.SetDefault("chain.registry_address", d.Chain.RegistryAddress)
	v.SetDefault("chain.registry_abi_path", d.Chain.RegistryABIPath)
	v.SetDefault("chain.receipt_timeout", d.Chain.ReceiptTimeout)
	v.SetDefault("chain.receipt_poll_interval", d.Chain.ReceiptPollInterval)
	v.SetDefault("chain.call_timeout", d.Chain.CallTimeout)
	v.SetDefault("chain.health_check_interval", d.Chain.HealthCheckInterval)

	v.SetDefault("fusion.code_weight", d.Fusion.CodeWeight)
	v.SetDefault("fusion.bytecode_weight", d.Fusion.BytecodeWeight)
	v.SetDefault("fusion.behavior_weight", d.Fusion.BehaviorWeight)

	v.SetDefault("detectors.bytecode_url", d.Detectors.BytecodeURL)
	v.SetDefault("detectors.code_analyzer_url", d.Detectors.CodeAnalyzerURL)
	v.SetDefault("detectors.behavior_url", d.Detectors.BehaviorURL)
	v.SetDefault("detectors.timeout", d.Detectors.Timeout)
	v.SetDefault("detectors.retry_attempts", d.Detectors.RetryAttempts)
	v.SetDefault("detectors.enable_cache", d.Detectors.EnableCache)
	v.SetDefault("detectors.cache_size", d.Detectors.CacheSize)

	v.SetDefault("verification.timeout", d.Verification.Timeout)
	v.SetDefault("verification.batch_workers", d.Verification.BatchWorkers)

	v.SetDefault("writeback.enabled", d.Writeback.Enabled)
	v.SetDefault("writeback.max_retries", d.Writeback.MaxRetries)
	v.SetDefault("writeback.gas_limit_multiplier", d.Writeback.GasLimitMultiplier)
	v.SetDefault("writeback.gas_price_multiplier", d.Writeback.GasPriceMultiplier)
	v.SetDefault("writeback.block_gas_cap", d.Writeback.BlockGasCap)
	v.SetDefault("writeback.backoff_base", d.Writeback.BackoffBase)
	v.SetDefault("writeback.batch_workers", d.Writeback.BatchWorkers)
	v.SetDefault("writeback.signer_key_env", d.Writeback.SignerKeyEnv)

	v.SetDefault("output.format", d.Output.Format)
	v.SetDefault("output.directory", d.Output.Directory)
	v.SetDefault("output.kafka.brokers", d.Output.Kafka.Brokers)
	v.SetDefault("output.kafka.topics", d.Output.Kafka.Topics)

	v.SetDefault("audit.backend", d.Audit.Backend)
	v.SetDefault("audit.bolt_path", d.Audit.BoltPath)
	v.SetDefault("audit.postgres_dsn", d.Audit.PostgresDSN)

	v.SetDefault("api.port", d.API.Port)
	v.SetDefault("api.mode", d.API.Mode)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	logCfg := logging.DefaultLogConfig()
	verifyCfg := verification.DefaultConfig()
	writerCfg := chain.DefaultWriterConfig(big.NewInt(1))

	return &Config{
		Chain: &ChainConfig{
			Nodes:               nil, // 需要在YAML配置或环境变量中指定
			ChainID:             1,
			ReceiptTimeout:      writerCfg.ReceiptTimeout,
			ReceiptPollInterval: writerCfg.ReceiptPollInterval,
			CallTimeout:         writerCfg.CallTimeout,
			HealthCheckInterval: 30 * time.Second,
		},
		Fusion: &FusionConfig{
			CodeWeight:     fusion.DefaultWeights.Code,
			BytecodeWeight: fusion.DefaultWeights.Bytecode,
			BehaviorWeight: fusion.DefaultWeights.Behavior,
		},
		Detectors: &DetectorsConfig{
			Timeout:       30 * time.Second,
			RetryAttempts: 3,
			EnableCache:   true,
			CacheSize:     1000,
		},
		Verification: &VerificationConfig{
			Timeout:      verifyCfg.Timeout,
			BatchWorkers: verifyCfg.BatchWorkers,
		},
		Writeback: &WritebackConfig{
			Enabled:            false,
			MaxRetries:         writerCfg.MaxRetries,
			GasLimitMultiplier: writerCfg.GasLimitMultiplier,
			GasPriceMultiplier: writerCfg.GasPriceMultiplier,
			BlockGasCap:        writerCfg.BlockGasCap,
			BackoffBase:        writerCfg.BackoffBase,
			BatchWorkers:       writerCfg.BatchWorkers,
			SignerKeyEnv:       "SCATHAT_SIGNER_KEY",
		},
		Output: &OutputConfig{
			Format:    "none",
			Directory: "./outputs",
			Kafka: &KafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topics: map[string]string{
					"assessments": "scathat_assessments",
					"receipts":    "scathat_receipts",
				},
			},
		},
		Audit: &AuditConfig{
			Backend:  "bolt",
			BoltPath: "./data/audit.db",
		},
		API: &APIConfig{
			Port: 8080,
			Mode: "release",
		},
		Logging: &logCfg,
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Chain == nil || c.Fusion == nil || c.Detectors == nil || c.Verification == nil ||
		c.Writeback == nil || c.Output == nil || c.Audit == nil || c.API == nil || c.Logging == nil {
		return fmt.Errorf("配置不完整")
	}

	if c.Chain.ChainID <= 0 {
		return fmt.Errorf("chain_id 必须为正数: %d", c.Chain.ChainID)
	}
	for i, node := range c.Chain.Nodes {
		if node == nil || node.URL == "" {
			return fmt.Errorf("第 %d 个节点未配置url", i)
		}
	}
	if c.Chain.RegistryAddress != "" && !common.IsHexAddress(c.Chain.RegistryAddress) {
		return fmt.Errorf("无效的注册合约地址: %s", c.Chain.RegistryAddress)
	}

	if err := fusion.ValidateWeights(c.Fusion.Weights()); err != nil {
		return err
	}

	if c.Writeback.Enabled {
		if c.Chain.RegistryAddress == "" {
			return fmt.Errorf("启用写入时必须配置 registry_address")
		}
		if len(c.Chain.Nodes) == 0 {
			return fmt.Errorf("启用写入时必须配置节点")
		}
	}
	if c.Writeback.MaxRetries < 1 {
		return fmt.Errorf("max_retries 至少为1")
	}
	if c.Writeback.BlockGasCap <= 0 || c.Writeback.BlockGasCap > 1 {
		return fmt.Errorf("block_gas_cap 必须在(0,1]之间: %v", c.Writeback.BlockGasCap)
	}

	switch c.Output.Format {
	case "none", "file":
	case "kafka":
		if c.Output.Kafka == nil || len(c.Output.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka输出需要配置brokers")
		}
	default:
		return fmt.Errorf("不支持的输出格式: %s", c.Output.Format)
	}

	switch c.Audit.Backend {
	case "none":
	case "bolt":
		if c.Audit.BoltPath == "" {
			return fmt.Errorf("bolt审计存储需要配置bolt_path")
		}
	case "postgres":
		if c.Audit.PostgresDSN == "" {
			return fmt.Errorf("postgres审计存储需要配置postgres_dsn")
		}
	default:
		return fmt.Errorf("不支持的审计存储: %s", c.Audit.Backend)
	}

	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("无效的端口: %d", c.API.Port)
	}
	return nil
}

// WriterConfig 转换为链上写入配置
func (c *Config) WriterConfig() chain.WriterConfig {
	w := chain.DefaultWriterConfig(big.NewInt(c.Chain.ChainID))
	w.MaxRetries = c.Writeback.MaxRetries
	w.GasLimitMultiplier = c.Writeback.GasLimitMultiplier
	w.GasPriceMultiplier = c.Writeback.GasPriceMultiplier
	w.BlockGasCap = c.Writeback.BlockGasCap
	w.BackoffBase = c.Writeback.BackoffBase
	w.BatchWorkers = c.Writeback.BatchWorkers
	if c.Chain.ReceiptTimeout > 0 {
		w.ReceiptTimeout = c.Chain.ReceiptTimeout
	}
	if c.Chain.ReceiptPollInterval > 0 {
		w.ReceiptPollInterval = c.Chain.ReceiptPollInterval
	}
	if c.Chain.CallTimeout > 0 {
		w.CallTimeout = c.Chain.CallTimeout
	}
	return w
}

// VerificationSettings 转换为验证器配置
func (c *Config) VerificationSettings() verification.Config {
	return verification.Config{
		Timeout:      c.Verification.Timeout,
		BatchWorkers: c.Verification.BatchWorkers,
	}
}

// Signer 从配置的环境变量读取签名私钥
func (c *Config) Signer() (*chain.Signer, error) {
	if c.Writeback.SignerKeyEnv == "" {
		return nil, fmt.Errorf("未配置 signer_key_env")
	}
	return chain.SignerFromEnv(c.Writeback.SignerKeyEnv)
}

// Registry 创建注册合约
func (c *Config) Registry() (*chain.Registry, error) {
	if !common.IsHexAddress(c.Chain.RegistryAddress) {
		return nil, fmt.Errorf("无效的注册合约地址: %q", c.Chain.RegistryAddress)
	}
	return chain.LoadRegistry(common.HexToAddress(c.Chain.RegistryAddress), c.Chain.RegistryABIPath)
}

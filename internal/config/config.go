package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ENV_PREFIX is the prefix for environment variable overrides.
const ENV_PREFIX = "SETTLER"

// Chain is the network the settler distributes rewards on.
type Chain string

const (
	Chain_Mainnet Chain = "mainnet"
	Chain_Sepolia Chain = "sepolia"
	Chain_Local   Chain = "local"
)

func (c Chain) String() string {
	return string(c)
}

// StorageEngine selects which backend holds the ledger and offline queue.
type StorageEngine string

const (
	StorageEngine_Postgres StorageEngine = "postgres"
	StorageEngine_LevelDB  StorageEngine = "leveldb"
	StorageEngine_Memory   StorageEngine = "memory"
)

// Flag/viper key constants. Flags are kebab-case; viper keys are derived with
// KebabToSnakeCase.
const (
	Debug = "debug"

	ChainFlag = "chain"

	EthereumRpcBaseUrl = "ethereum.rpc-url"

	WalletPrivateKey = "wallet.private-key"

	DatabaseHost       = "database.host"
	DatabasePort       = "database.port"
	DatabaseUser       = "database.user"
	DatabasePassword   = "database.password"
	DatabaseDbName     = "database.db_name"
	DatabaseSchemaName = "database.schema_name"

	StorageEngineFlag  = "storage.engine"
	StorageLevelDBPath = "storage.leveldb-path"

	EvaluatorBaseUrl = "evaluator.base-url"
	EvaluatorApiKey  = "evaluator.api-key"
	EvaluatorTimeout = "evaluator.timeout"

	DistributionMintTimeout    = "distribution.mint-timeout"
	DistributionMaxAmount      = "distribution.max-amount"
	DistributionActivityAmount = "distribution.activity-reward-amount"
	DistributionRefineBase     = "distribution.refinement-reward-amount"
	DistributionContractsFile  = "distribution.contracts-file"

	DrainerWorkers     = "drainer.workers"
	DrainerMaxRetries  = "drainer.max-retries"
	DrainerBackoffBase = "drainer.backoff-base"
	DrainerBackoffMax  = "drainer.backoff-max"

	EvolutionMaxRetries      = "evolution.max-retries"
	EvolutionRetryBackoffMax = "evolution.retry-backoff-max"

	DatadogStatsdEnabled = "datadog.statsd.enabled"
	DatadogStatsdUrl     = "datadog.statsd.url"

	PrometheusEnabled = "prometheus.enabled"
	PrometheusPort    = "prometheus.port"
)

type EthereumRpcConfig struct {
	BaseUrl string
}

type WalletConfig struct {
	PrivateKey string
}

type DatabaseConfig struct {
	Host       string
	Port       int
	User       string
	Password   string
	DbName     string
	SchemaName string
}

type StorageConfig struct {
	Engine      StorageEngine
	LevelDBPath string
}

type EvaluatorConfig struct {
	BaseUrl string
	ApiKey  string
	Timeout time.Duration
}

type DistributionConfig struct {
	// MintTimeout bounds a single settlement call.
	MintTimeout time.Duration
	// MaxAmount is the hard cap on a single reward. Events above it are
	// terminally rejected.
	MaxAmount decimal.Decimal
	// ActivityRewardAmount is the token amount for a completed scored
	// activity.
	ActivityRewardAmount decimal.Decimal
	// RefinementRewardAmount is the base amount for a completed evolution
	// task, before grade scaling.
	RefinementRewardAmount decimal.Decimal
	// ContractsFile optionally overrides the built-in token contract
	// registry.
	ContractsFile string
}

type DrainerConfig struct {
	Workers     int
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

type EvolutionConfig struct {
	MaxRetries      int
	RetryBackoffMax time.Duration
}

type DatadogConfig struct {
	StatsdEnabled bool
	StatsdUrl     string
}

type PrometheusConfig struct {
	Enabled bool
	Port    int
}

type Config struct {
	Debug              bool
	Chain              Chain
	EthereumRpcConfig  EthereumRpcConfig
	WalletConfig       WalletConfig
	DatabaseConfig     DatabaseConfig
	StorageConfig      StorageConfig
	EvaluatorConfig    EvaluatorConfig
	DistributionConfig DistributionConfig
	DrainerConfig      DrainerConfig
	EvolutionConfig    EvolutionConfig
	DatadogConfig      DatadogConfig
	PrometheusConfig   PrometheusConfig
}

// NewConfig builds a Config from viper-bound flags and environment variables.
func NewConfig() *Config {
	return &Config{
		Debug: viper.GetBool(KebabToSnakeCase(Debug)),
		Chain: parseChain(viper.GetString(KebabToSnakeCase(ChainFlag))),

		EthereumRpcConfig: EthereumRpcConfig{
			BaseUrl: viper.GetString(KebabToSnakeCase(EthereumRpcBaseUrl)),
		},

		WalletConfig: WalletConfig{
			PrivateKey: viper.GetString(KebabToSnakeCase(WalletPrivateKey)),
		},

		DatabaseConfig: DatabaseConfig{
			Host:       viper.GetString(KebabToSnakeCase(DatabaseHost)),
			Port:       viper.GetInt(KebabToSnakeCase(DatabasePort)),
			User:       viper.GetString(KebabToSnakeCase(DatabaseUser)),
			Password:   viper.GetString(KebabToSnakeCase(DatabasePassword)),
			DbName:     viper.GetString(KebabToSnakeCase(DatabaseDbName)),
			SchemaName: viper.GetString(KebabToSnakeCase(DatabaseSchemaName)),
		},

		StorageConfig: StorageConfig{
			Engine:      StorageEngine(viper.GetString(KebabToSnakeCase(StorageEngineFlag))),
			LevelDBPath: viper.GetString(KebabToSnakeCase(StorageLevelDBPath)),
		},

		EvaluatorConfig: EvaluatorConfig{
			BaseUrl: viper.GetString(KebabToSnakeCase(EvaluatorBaseUrl)),
			ApiKey:  viper.GetString(KebabToSnakeCase(EvaluatorApiKey)),
			Timeout: viper.GetDuration(KebabToSnakeCase(EvaluatorTimeout)),
		},

		DistributionConfig: DistributionConfig{
			MintTimeout:            viper.GetDuration(KebabToSnakeCase(DistributionMintTimeout)),
			MaxAmount:              parseDecimal(viper.GetString(KebabToSnakeCase(DistributionMaxAmount)), "100"),
			ActivityRewardAmount:   parseDecimal(viper.GetString(KebabToSnakeCase(DistributionActivityAmount)), "0.01"),
			RefinementRewardAmount: parseDecimal(viper.GetString(KebabToSnakeCase(DistributionRefineBase)), "0.005"),
			ContractsFile:          viper.GetString(KebabToSnakeCase(DistributionContractsFile)),
		},

		DrainerConfig: DrainerConfig{
			Workers:     viper.GetInt(KebabToSnakeCase(DrainerWorkers)),
			MaxRetries:  viper.GetInt(KebabToSnakeCase(DrainerMaxRetries)),
			BackoffBase: viper.GetDuration(KebabToSnakeCase(DrainerBackoffBase)),
			BackoffMax:  viper.GetDuration(KebabToSnakeCase(DrainerBackoffMax)),
		},

		EvolutionConfig: EvolutionConfig{
			MaxRetries:      viper.GetInt(KebabToSnakeCase(EvolutionMaxRetries)),
			RetryBackoffMax: viper.GetDuration(KebabToSnakeCase(EvolutionRetryBackoffMax)),
		},

		DatadogConfig: DatadogConfig{
			StatsdEnabled: viper.GetBool(KebabToSnakeCase(DatadogStatsdEnabled)),
			StatsdUrl:     viper.GetString(KebabToSnakeCase(DatadogStatsdUrl)),
		},

		PrometheusConfig: PrometheusConfig{
			Enabled: viper.GetBool(KebabToSnakeCase(PrometheusEnabled)),
			Port:    viper.GetInt(KebabToSnakeCase(PrometheusPort)),
		},
	}
}

// ChainId returns the expected EVM chain id for the configured chain.
func (c Chain) ChainId() uint64 {
	switch c {
	case Chain_Mainnet:
		return 1
	case Chain_Sepolia:
		return 11155111
	default:
		return 31337
	}
}

func parseChain(chain string) Chain {
	switch strings.ToLower(chain) {
	case "mainnet":
		return Chain_Mainnet
	case "sepolia":
		return Chain_Sepolia
	default:
		return Chain_Local
	}
}

func parseDecimal(value string, fallback string) decimal.Decimal {
	if value == "" {
		return decimal.RequireFromString(fallback)
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.RequireFromString(fallback)
	}
	return d
}

// rewardTokenAddresses is the built-in registry of reward token contracts.
var rewardTokenAddresses = map[Chain]string{
	Chain_Mainnet: "0x8a2dbd7a5b3a7b0c3cbb4e7c45e40d07cd2b83a1",
	Chain_Sepolia: "0x1f5e8f4d0a7d22b3f13c7a1f6a3b7b9e64b2cd90",
	Chain_Local:   "0x5fbdb2315678afecb367f032d93f642f64180aa3",
}

// ContractRegistry is the on-disk override format for per-chain contract
// addresses.
type ContractRegistry struct {
	RewardToken map[string]string `yaml:"rewardToken"`
}

// GetRewardTokenAddress returns the reward token contract for the configured
// chain, honoring the contracts file override when one is set. An empty string
// means no contract is known for the chain.
func (c *Config) GetRewardTokenAddress() string {
	if c.DistributionConfig.ContractsFile != "" {
		registry, err := LoadContractRegistry(c.DistributionConfig.ContractsFile)
		if err == nil {
			if addr, ok := registry.RewardToken[c.Chain.String()]; ok {
				return addr
			}
		}
	}
	return rewardTokenAddresses[c.Chain]
}

// LoadContractRegistry reads a YAML contract registry file.
func LoadContractRegistry(path string) (*ContractRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read contract registry '%s': %w", path, err)
	}
	var registry ContractRegistry
	if err := yaml.Unmarshal(data, &registry); err != nil {
		return nil, fmt.Errorf("failed to parse contract registry '%s': %w", path, err)
	}
	return &registry, nil
}

var kebabRegex = regexp.MustCompile(`[-]`)

// KebabToSnakeCase converts a kebab-case flag name to the snake_case key
// viper stores it under.
func KebabToSnakeCase(s string) string {
	return kebabRegex.ReplaceAllString(s, "_")
}

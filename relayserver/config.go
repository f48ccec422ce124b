package relayserver

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

// Configuration keys. Each is read from the environment, a .env file or an
// optional config file.
const (
	KeyRelayHubAddress     = "RELAY_HUB_ADDRESS"
	KeyStakeManagerAddress = "STAKE_MANAGER_ADDRESS"
	KeyEthereumNodeURL     = "ETHEREUM_NODE_URL"
	KeyManagerPrivateKey   = "MANAGER_PRIVATE_KEY"
	KeyWorkerPrivateKey    = "WORKER_PRIVATE_KEY"
	KeyOwnerPrivateKey     = "OWNER_PRIVATE_KEY"
	KeyURL                 = "URL"
	KeyPort                = "PORT"
	KeyGasPricePercent     = "GAS_PRICE_PERCENT"
	KeyPctRelayFee         = "PCT_RELAY_FEE"
	KeyBaseRelayFee        = "BASE_RELAY_FEE"
	KeyStake               = "STAKE"
	KeyUnstakeDelay        = "UNSTAKE_DELAY"
	KeyWorkerMinBalance    = "WORKER_MIN_BALANCE"
	KeyWorkerTargetBalance = "WORKER_TARGET_BALANCE"
	KeyMaxGasPrice         = "MAX_GAS_PRICE"
	KeyStallTimeout        = "STALL_TIMEOUT"
	KeyMaxEscalations      = "MAX_ESCALATIONS"
	KeyGasBumpPercent      = "GAS_BUMP_PERCENT"
	KeyRateLimit           = "RATE_LIMIT"
	KeyLogLevel            = "LOG_LEVEL"
	KeyMonitorInterval     = "MONITOR_INTERVAL"
)

// Version is reported in ping responses.
const Version = "2.2.0-go"

// ServerConfig configures a relay daemon.
type ServerConfig struct {
	RelayHubAddress common.Address
	// StakeManagerAddress is read from the hub when unset.
	StakeManagerAddress common.Address
	EthereumNodeURL     string

	ManagerPrivateKey string
	WorkerPrivateKey  string
	// OwnerPrivateKey funds the stake during registration. Optional.
	OwnerPrivateKey string

	// URL is the public address registered on the hub.
	URL  string
	Port int

	// GasPricePercent is added on top of the network gas price to get the
	// minimum gas price the relay accepts.
	GasPricePercent int64
	PctRelayFee     int64
	BaseRelayFee    *big.Int

	Stake        *big.Int
	UnstakeDelay uint64

	// WorkerMinBalance triggers a withdrawal of the worker's hub earnings.
	WorkerMinBalance    *big.Int
	WorkerTargetBalance *big.Int

	// MaxGasPrice caps both accepted requests and escalations. Nil means no cap.
	MaxGasPrice *big.Int
	// StallTimeout is how long a transaction may stay unmined before it is
	// resubmitted at a higher price.
	StallTimeout   time.Duration
	MaxEscalations int
	GasBumpPercent int64

	// RateLimit is the sustained number of relay requests accepted per second.
	RateLimit float64
	LogLevel  string

	MonitorInterval time.Duration
	// ValidUntilMargin is the minimum remaining lifetime of an accepted request.
	ValidUntilMargin time.Duration
	// MaxAcceptanceBudget bounds the paymaster acceptance gas the relay risks.
	MaxAcceptanceBudget uint64
	RequestCacheTTL     time.Duration
	ConfirmTimeout      time.Duration
}

// DefaultServerConfig returns the daemon defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:                8090,
		GasPricePercent:     20,
		PctRelayFee:         0,
		BaseRelayFee:        big.NewInt(0),
		Stake:               new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil),
		UnstakeDelay:        7 * 24 * 60 * 4,
		WorkerMinBalance:    big.NewInt(100_000_000_000_000_000),
		WorkerTargetBalance: big.NewInt(300_000_000_000_000_000),
		StallTimeout:        time.Minute,
		MaxEscalations:      3,
		GasBumpPercent:      20,
		RateLimit:           20,
		LogLevel:            "info",
		MonitorInterval:     5 * time.Second,
		ValidUntilMargin:    5 * time.Minute,
		MaxAcceptanceBudget: 285252,
		RequestCacheTTL:     10 * time.Minute,
		ConfirmTimeout:      2 * time.Minute,
	}
}

// SetDefaults registers the defaults on v.
func SetDefaults(v *viper.Viper) {
	d := DefaultServerConfig()
	v.SetDefault(KeyPort, d.Port)
	v.SetDefault(KeyGasPricePercent, d.GasPricePercent)
	v.SetDefault(KeyPctRelayFee, d.PctRelayFee)
	v.SetDefault(KeyBaseRelayFee, d.BaseRelayFee.String())
	v.SetDefault(KeyStake, d.Stake.String())
	v.SetDefault(KeyUnstakeDelay, d.UnstakeDelay)
	v.SetDefault(KeyWorkerMinBalance, d.WorkerMinBalance.String())
	v.SetDefault(KeyWorkerTargetBalance, d.WorkerTargetBalance.String())
	v.SetDefault(KeyStallTimeout, d.StallTimeout)
	v.SetDefault(KeyMaxEscalations, d.MaxEscalations)
	v.SetDefault(KeyGasBumpPercent, d.GasBumpPercent)
	v.SetDefault(KeyRateLimit, d.RateLimit)
	v.SetDefault(KeyLogLevel, d.LogLevel)
	v.SetDefault(KeyMonitorInterval, d.MonitorInterval)
}

// LoadServerConfig reads the daemon configuration from v. Environment
// variables override file values.
func LoadServerConfig(v *viper.Viper) (ServerConfig, error) {
	SetDefaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	cfg := DefaultServerConfig()
	var err error

	if cfg.RelayHubAddress, err = addressKey(v, KeyRelayHubAddress, true); err != nil {
		return cfg, err
	}
	if cfg.StakeManagerAddress, err = addressKey(v, KeyStakeManagerAddress, false); err != nil {
		return cfg, err
	}
	cfg.EthereumNodeURL = v.GetString(KeyEthereumNodeURL)
	cfg.ManagerPrivateKey = v.GetString(KeyManagerPrivateKey)
	cfg.WorkerPrivateKey = v.GetString(KeyWorkerPrivateKey)
	cfg.OwnerPrivateKey = v.GetString(KeyOwnerPrivateKey)
	cfg.URL = v.GetString(KeyURL)
	cfg.Port = v.GetInt(KeyPort)
	cfg.GasPricePercent = v.GetInt64(KeyGasPricePercent)
	cfg.PctRelayFee = v.GetInt64(KeyPctRelayFee)
	cfg.UnstakeDelay = v.GetUint64(KeyUnstakeDelay)
	cfg.StallTimeout = v.GetDuration(KeyStallTimeout)
	cfg.MaxEscalations = v.GetInt(KeyMaxEscalations)
	cfg.GasBumpPercent = v.GetInt64(KeyGasBumpPercent)
	cfg.RateLimit = v.GetFloat64(KeyRateLimit)
	cfg.LogLevel = v.GetString(KeyLogLevel)
	cfg.MonitorInterval = v.GetDuration(KeyMonitorInterval)

	for key, dst := range map[string]**big.Int{
		KeyBaseRelayFee:        &cfg.BaseRelayFee,
		KeyStake:               &cfg.Stake,
		KeyWorkerMinBalance:    &cfg.WorkerMinBalance,
		KeyWorkerTargetBalance: &cfg.WorkerTargetBalance,
		KeyMaxGasPrice:         &cfg.MaxGasPrice,
	} {
		value, err := bigKey(v, key)
		if err != nil {
			return cfg, err
		}
		if value != nil {
			*dst = value
		}
	}
	return cfg, cfg.Validate()
}

func addressKey(v *viper.Viper, key string, required bool) (common.Address, error) {
	raw := v.GetString(key)
	if raw == "" {
		if required {
			return common.Address{}, fmt.Errorf("%s is required", key)
		}
		return common.Address{}, nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%s is not an address: %q", key, raw)
	}
	return common.HexToAddress(raw), nil
}

func bigKey(v *viper.Viper, key string) (*big.Int, error) {
	raw := v.GetString(key)
	if raw == "" {
		return nil, nil
	}
	value, ok := new(big.Int).SetString(raw, 0)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("%s is not a non-negative integer: %q", key, raw)
	}
	return value, nil
}

// Validate checks the configuration is usable.
func (c ServerConfig) Validate() error {
	if c.RelayHubAddress == (common.Address{}) {
		return fmt.Errorf("%s is required", KeyRelayHubAddress)
	}
	if c.GasPricePercent < 0 {
		return fmt.Errorf("%s must not be negative", KeyGasPricePercent)
	}
	if c.PctRelayFee < 0 {
		return fmt.Errorf("%s must not be negative", KeyPctRelayFee)
	}
	if c.GasBumpPercent < 10 {
		return fmt.Errorf("%s must be at least 10 to replace a pending transaction", KeyGasBumpPercent)
	}
	if c.MaxEscalations < 0 {
		return fmt.Errorf("%s must not be negative", KeyMaxEscalations)
	}
	if c.StallTimeout <= 0 || c.MonitorInterval <= 0 {
		return fmt.Errorf("%s and %s must be positive", KeyStallTimeout, KeyMonitorInterval)
	}
	if c.ConfirmTimeout <= 0 || c.RequestCacheTTL <= 0 {
		return fmt.Errorf("confirmation timeout and request cache TTL must be positive")
	}
	if c.RateLimit <= 0 {
		return fmt.Errorf("%s must be positive", KeyRateLimit)
	}
	return nil
}

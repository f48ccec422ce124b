package gsn

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Config holds the options recognized by the relay client.
type Config struct {
	RelayHubAddress     common.Address
	StakeManagerAddress common.Address
	PaymasterAddress    common.Address
	ForwarderAddress    common.Address

	// GasPricePercent is added on top of the network gas price.
	GasPricePercent int64
	// PctRelayFee is the highest relay fee percentage the client accepts.
	PctRelayFee int64
	// BaseRelayFee is the highest flat relay fee the client accepts.
	BaseRelayFee *big.Int
	// UnstakeDelay is the minimum unstake delay (blocks) a relay must have.
	UnstakeDelay uint64

	Verbose           bool
	AsyncApprovalData ApprovalDataFunc

	// ForceRelay skips Direct mode even for funded senders.
	ForceRelay bool
	// ValidUntilDuration bounds how long a signed request stays valid.
	ValidUntilDuration time.Duration
	// RelayTimeout bounds each ping, approval and submission round trip.
	RelayTimeout time.Duration
	// ConfirmationTimeout bounds the wait for a mined transaction.
	ConfirmationTimeout time.Duration
	PollInterval        time.Duration
	// MaxRelayNonceGap is how far ahead of its current nonce a relay may sign.
	MaxRelayNonceGap uint64
	// MaxGasPrice caps the gas price the client will sign for. Nil means no cap.
	MaxGasPrice *big.Int
	// PreferredRelays are pinged before discovered relays.
	PreferredRelays []string
	// RelayLookupWindowBlocks limits how far back registrations are scanned.
	RelayLookupWindowBlocks uint64
	// PingConcurrency is the number of relays raced in each selection round.
	PingConcurrency int
	// FailedRelayCooldown keeps a relay that failed out of selection.
	FailedRelayCooldown time.Duration

	Logger *zap.Logger
}

// Option configures a Config
type Option func(*Config)

// DefaultConfig returns the client defaults.
func DefaultConfig() Config {
	return Config{
		GasPricePercent:         20,
		PctRelayFee:             70,
		BaseRelayFee:            big.NewInt(0),
		UnstakeDelay:            0,
		ValidUntilDuration:      2 * 24 * time.Hour,
		RelayTimeout:            10 * time.Second,
		ConfirmationTimeout:     60 * time.Second,
		PollInterval:            500 * time.Millisecond,
		MaxRelayNonceGap:        3,
		RelayLookupWindowBlocks: 6000,
		PingConcurrency:         3,
		FailedRelayCooldown:     time.Minute,
	}
}

// NewConfig applies opts over DefaultConfig.
func NewConfig(opts ...Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = cfg.defaultLogger()
	}
	return cfg
}

func (c Config) defaultLogger() *zap.Logger {
	if !c.Verbose {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	if c.RelayHubAddress == (common.Address{}) {
		return fmt.Errorf("relayHubAddress is required")
	}
	if c.ForwarderAddress == (common.Address{}) {
		return fmt.Errorf("forwarderAddress is required")
	}
	if c.PaymasterAddress == (common.Address{}) {
		return fmt.Errorf("paymasterAddress is required")
	}
	if c.GasPricePercent < 0 {
		return fmt.Errorf("gasPricePercent must not be negative: %d", c.GasPricePercent)
	}
	if c.PctRelayFee < 0 {
		return fmt.Errorf("pctRelayFee must not be negative: %d", c.PctRelayFee)
	}
	if c.RelayTimeout <= 0 || c.ConfirmationTimeout <= 0 {
		return fmt.Errorf("relay and confirmation timeouts must be positive")
	}
	if c.PingConcurrency <= 0 {
		return fmt.Errorf("pingConcurrency must be positive: %d", c.PingConcurrency)
	}
	return nil
}

// WithRelayHub sets the hub address
func WithRelayHub(addr common.Address) Option {
	return func(c *Config) { c.RelayHubAddress = addr }
}

// WithStakeManager sets the stake manager address
func WithStakeManager(addr common.Address) Option {
	return func(c *Config) { c.StakeManagerAddress = addr }
}

// WithPaymaster sets the paymaster that sponsors requests
func WithPaymaster(addr common.Address) Option {
	return func(c *Config) { c.PaymasterAddress = addr }
}

// WithForwarder sets the forwarder requests are signed for
func WithForwarder(addr common.Address) Option {
	return func(c *Config) { c.ForwarderAddress = addr }
}

// WithGasPricePercent sets the markup over the network gas price
func WithGasPricePercent(pct int64) Option {
	return func(c *Config) { c.GasPricePercent = pct }
}

// WithPctRelayFee sets the highest acceptable relay fee percentage
func WithPctRelayFee(pct int64) Option {
	return func(c *Config) { c.PctRelayFee = pct }
}

// WithBaseRelayFee sets the highest acceptable flat relay fee
func WithBaseRelayFee(fee *big.Int) Option {
	return func(c *Config) { c.BaseRelayFee = fee }
}

// WithUnstakeDelay sets the minimum unstake delay required of relays
func WithUnstakeDelay(blocks uint64) Option {
	return func(c *Config) { c.UnstakeDelay = blocks }
}

// WithVerbose enables development logging
func WithVerbose(verbose bool) Option {
	return func(c *Config) { c.Verbose = verbose }
}

// WithAsyncApprovalData sets the approval data callback
func WithAsyncApprovalData(fn ApprovalDataFunc) Option {
	return func(c *Config) { c.AsyncApprovalData = fn }
}

// WithForceRelay disables Direct mode
func WithForceRelay(force bool) Option {
	return func(c *Config) { c.ForceRelay = force }
}

// WithPreferredRelays sets relay URLs tried before discovered ones
func WithPreferredRelays(urls ...string) Option {
	return func(c *Config) { c.PreferredRelays = append([]string(nil), urls...) }
}

// WithTimeouts sets relay round-trip and confirmation timeouts
func WithTimeouts(relay, confirmation time.Duration) Option {
	return func(c *Config) {
		c.RelayTimeout = relay
		c.ConfirmationTimeout = confirmation
	}
}

// WithPollInterval sets how often receipts are polled
func WithPollInterval(interval time.Duration) Option {
	return func(c *Config) { c.PollInterval = interval }
}

// WithMaxGasPrice caps the signed gas price
func WithMaxGasPrice(price *big.Int) Option {
	return func(c *Config) { c.MaxGasPrice = price }
}

// WithPingConcurrency sets the number of relays raced per round
func WithPingConcurrency(n int) Option {
	return func(c *Config) { c.PingConcurrency = n }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

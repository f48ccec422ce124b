package relayserver_test

import (
	"math/big"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gsnrelay/gsn/go/relayserver"
)

const testHub = "0x00000000000000000000000000000000000000AA"

func TestLoadServerConfig(t *testing.T) {
	t.Run("defaults apply", func(t *testing.T) {
		t.Setenv(relayserver.KeyRelayHubAddress, testHub)

		cfg, err := relayserver.LoadServerConfig(viper.New())
		require.NoError(t, err)
		defaults := relayserver.DefaultServerConfig()
		assert.Equal(t, defaults.Port, cfg.Port)
		assert.Equal(t, defaults.GasPricePercent, cfg.GasPricePercent)
		assert.Equal(t, defaults.StallTimeout, cfg.StallTimeout)
		assert.Equal(t, 0, defaults.Stake.Cmp(cfg.Stake))
		assert.Nil(t, cfg.MaxGasPrice)
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv(relayserver.KeyRelayHubAddress, testHub)
		t.Setenv(relayserver.KeyPort, "9000")
		t.Setenv(relayserver.KeyPctRelayFee, "15")
		t.Setenv(relayserver.KeyMaxGasPrice, "0x3b9aca00")
		t.Setenv(relayserver.KeyStallTimeout, "90s")
		t.Setenv(relayserver.KeyURL, "https://relay.example.org")

		cfg, err := relayserver.LoadServerConfig(viper.New())
		require.NoError(t, err)
		assert.Equal(t, 9000, cfg.Port)
		assert.Equal(t, int64(15), cfg.PctRelayFee)
		assert.Equal(t, big.NewInt(1_000_000_000), cfg.MaxGasPrice)
		assert.Equal(t, 90*time.Second, cfg.StallTimeout)
		assert.Equal(t, "https://relay.example.org", cfg.URL)
	})

	t.Run("hub is required", func(t *testing.T) {
		_, err := relayserver.LoadServerConfig(viper.New())
		require.Error(t, err)
		assert.Contains(t, err.Error(), relayserver.KeyRelayHubAddress)
	})

	t.Run("bad values are rejected", func(t *testing.T) {
		for key, value := range map[string]string{
			relayserver.KeyRelayHubAddress: "hub",
			relayserver.KeyStake:           "-5",
			relayserver.KeyGasBumpPercent:  "5",
			relayserver.KeyRateLimit:       "0",
		} {
			t.Run(key, func(t *testing.T) {
				t.Setenv(relayserver.KeyRelayHubAddress, testHub)
				t.Setenv(key, value)
				_, err := relayserver.LoadServerConfig(viper.New())
				require.Error(t, err)
				assert.Contains(t, err.Error(), key)
			})
		}
	})
}

func TestServerConfigValidate(t *testing.T) {
	cfg := relayserver.DefaultServerConfig()
	assert.Error(t, cfg.Validate(), "hub unset")

	cfg.RelayHubAddress[19] = 1
	require.NoError(t, cfg.Validate())

	cfg.ConfirmTimeout = 0
	assert.Error(t, cfg.Validate())
}

package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:  "expand single env var",
			input: "sign_key: ${TEST_SIGN_KEY}",
			envVars: map[string]string{
				"TEST_SIGN_KEY": "test_key_123",
			},
			expected: "sign_key: test_key_123",
		},
		{
			name:  "expand multiple env vars",
			input: "account: ${ACCOUNT}\nsign_key: ${SIGN_KEY}",
			envVars: map[string]string{
				"ACCOUNT":  "acct_value",
				"SIGN_KEY": "key_value",
			},
			expected: "account: acct_value\nsign_key: key_value",
		},
		{
			name:     "missing env var returns empty string",
			input:    "account: ${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "account: ",
		},
		{
			name:  "mixed static and env vars",
			input: "static_value: 123\naccount: ${TEST_ACCOUNT}",
			envVars: map[string]string{
				"TEST_ACCOUNT": "dynamic_account",
			},
			expected: "static_value: 123\naccount: dynamic_account",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}

			result := expandEnvVars(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	configContent := `bot:
  bot_id: "grid-1"
  start_price: "pool"
  min_price: "5x"
  max_price: "5x"
  increment_percent: 1.0
  target_spread_percent: 2.0
  weight_distribution:
    buy: 1.0
    sell: 1.0
  bot_funds:
    buy: "1000"
    sell: "1000"
  active_orders:
    buy: 10
    sell: 10
  asset_a: "BASE"
  asset_b: "QUOTE"
  dry_run: false
  active: true

chain:
  account: "1.2.100"
  sign_key: "${TEST_SIGN_KEY}"
  fee_asset_id: "1.3.0"

system:
  log_level: "INFO"
  database_path: "grid.db"
`

	_, err = tmpFile.Write([]byte(configContent))
	require.NoError(t, err)
	tmpFile.Close()

	os.Setenv("TEST_SIGN_KEY", "sign_key_from_env")
	defer os.Unsetenv("TEST_SIGN_KEY")

	cfg, err := LoadConfig(tmpFile.Name())
	require.NoError(t, err, "LoadConfig() error")

	assert.Equal(t, Secret("sign_key_from_env"), cfg.Chain.SignKey)
	assert.Equal(t, "BASE", cfg.Bot.AssetA)
	assert.Equal(t, "QUOTE", cfg.Bot.AssetB)
}

func TestValidateRejectsIncrementOutOfRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bot.DryRun = true
	cfg.Bot.IncrementPercent = 0
	assert.Error(t, cfg.Validate())

	cfg.Bot.IncrementPercent = 100
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsWeightDistributionOutOfRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bot.DryRun = true
	cfg.Bot.WeightDistribution.Buy = 2.5
	assert.Error(t, cfg.Validate())

	cfg.Bot.WeightDistribution.Buy = 1.0
	cfg.Bot.WeightDistribution.Sell = -1.5
	assert.Error(t, cfg.Validate())
}

func TestValidateRequiresSignKeyUnlessDryRun(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bot.DryRun = false
	cfg.Chain.Account = "1.2.100"
	cfg.Chain.SignKey = ""
	assert.Error(t, cfg.Validate())

	cfg.Chain.SignKey = "wif-key"
	assert.NoError(t, cfg.Validate())
}

func TestValidateAcceptsDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Chain.Account = "1.2.100"
	assert.NoError(t, cfg.Validate())
}

func TestSideAmountIsPercentage(t *testing.T) {
	amt := SideAmount{Buy: "50%", Sell: "1000"}

	isPct, raw := amt.IsPercentage("buy")
	assert.True(t, isPct)
	assert.Equal(t, "50", raw)

	isPct, raw = amt.IsPercentage("sell")
	assert.False(t, isPct)
	assert.Equal(t, "1000", raw)
}

func TestConfigStringMasksSignKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Chain.Account = "1.2.100"
	cfg.Chain.SignKey = "super-secret-wif-key"

	output := cfg.String()
	assert.NotContains(t, output, "super-secret-wif-key")
	assert.Contains(t, output, "[REDACTED]")
}

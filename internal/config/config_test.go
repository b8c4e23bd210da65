package config

import (
	"os"
	"path/filepath"
	"testing"

	"hedge-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// TestLoadConfigDefaults: a minimal config gets the documented defaults.
func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `{"symbol": "DOGEUSDC", "quote_asset": "USDC"}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 14, cfg.ATRLength)
	assert.Equal(t, 2.0, cfg.ATRMultiplier)
	assert.Equal(t, "1h", cfg.ATRTimeframe)
	assert.Equal(t, 20, cfg.ATRLookback)
	assert.Equal(t, 0.26, cfg.SpacingMultiplier)
	assert.Equal(t, 4, cfg.MaxOpenOrders)
	assert.Equal(t, 2, cfg.MaxOrdersPerBatch)
	assert.Equal(t, 3.0, cfg.OrderFrequencyS)
	assert.Equal(t, 0.05, cfg.ActivationBounds)
	assert.Equal(t, 0.5, cfg.UpperLowerRatio)
	assert.Equal(t, 0.8, cfg.SafetyFactor)
	assert.Equal(t, 20, cfg.MaxLeverageLimit)
	assert.Equal(t, 0.8, cfg.UtilizationRatio)
	assert.Equal(t, 1.0, cfg.RiskCheckIntervalS)
	assert.Equal(t, 0.8, cfg.MaxMarginRatio)
	assert.Equal(t, 0.15, cfg.MaxDrawdownPct)
	assert.Equal(t, 0.05, cfg.BalanceTolerancePct)
	assert.Equal(t, 600.0, cfg.OrderTimeoutS)
	assert.False(t, cfg.ForceFlattenOnStart)
	assert.False(t, cfg.ResetOnChannelBreakout)
}

// TestLoadConfigRejectsInvalid: bad values fail before start with a
// ConfigError.
func TestLoadConfigRejectsInvalid(t *testing.T) {
	cases := []string{
		`{"quote_asset": "USDC"}`, // missing symbol
		`{"symbol": "DOGEUSDC"}`,  // missing quote asset
		`{"symbol": "DOGEUSDC", "quote_asset": "USDC", "upper_lower_ratio": 2}`, // ratio out of range
		`{"symbol": "DOGEUSDC", "quote_asset": "USDC", "safety_factor": 1.5}`,   // factor out of range
		`{"symbol": "DOGEUSDC", "quote_asset": "USDC", "atr_length": -1}`,       // negative length
	}
	for _, raw := range cases {
		path := writeConfig(t, raw)
		_, err := LoadConfig(path)
		require.Error(t, err, "config %s should be rejected", raw)
		var cfgErr *models.ConfigError
		assert.ErrorAs(t, err, &cfgErr)
	}
}

// TestLoadCredentialsFromEnv: keys come only from the environment.
func TestLoadCredentialsFromEnv(t *testing.T) {
	t.Setenv("LONG_API_KEY", "lk")
	t.Setenv("LONG_API_SECRET", "ls")
	t.Setenv("SHORT_API_KEY", "sk")
	t.Setenv("SHORT_API_SECRET", "ss")

	long, short, err := LoadCredentials()
	require.NoError(t, err)
	assert.Equal(t, "lk", long.APIKey)
	assert.Equal(t, "ss", short.SecretKey)

	t.Setenv("SHORT_API_KEY", "")
	_, _, err = LoadCredentials()
	assert.Error(t, err)
}

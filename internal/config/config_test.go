package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(nil, envMap(nil))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Address)
	assert.Equal(t, "0.003", cfg.ServiceFeeRate.String())
	assert.Equal(t, 30*time.Minute, cfg.CancelWindow)
	assert.True(t, cfg.PaymentRequired)
	assert.True(t, cfg.MarkupEnabled)
	assert.Equal(t, 7*24*time.Hour, cfg.AutoCompleteAfter)
	assert.Equal(t, 5, cfg.WebhookMaxRetries)
	assert.Equal(t, time.Minute, cfg.WebhookBaseInterval)
	assert.Equal(t, 5*time.Second, cfg.WebhookAttemptTimeout)
	assert.Equal(t, 4, cfg.WebhookWorkers)
	assert.Equal(t, 15*time.Minute, cfg.PaymentExpiry)
	assert.False(t, cfg.Production())
}

func TestLoad_EnvOverridesFlags(t *testing.T) {
	cfg, err := Load(
		[]string{"-a", ":9000", "-webhook-max-retries", "2", "-payment-required=false"},
		envMap(map[string]string{
			"ADDRESS":               ":9100",
			"SERVICE_FEE_RATE":      "0.01",
			"WEBHOOK_BASE_INTERVAL": "30s",
			"MARKUP_ENABLED":        "false",
			"ENV":                   "production",
			"DEBUG":                 "true",
		}),
	)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Address)
	assert.Equal(t, 2, cfg.WebhookMaxRetries)
	assert.False(t, cfg.PaymentRequired)
	assert.False(t, cfg.MarkupEnabled)
	assert.Equal(t, "0.01", cfg.ServiceFeeRate.String())
	assert.Equal(t, 30*time.Second, cfg.WebhookBaseInterval)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.Production())
}

func TestLoad_Rejects(t *testing.T) {
	tests := map[string]map[string]string{
		"negative fee":        {"SERVICE_FEE_RATE": "-0.1"},
		"garbage fee":         {"SERVICE_FEE_RATE": "abc"},
		"zero retries":        {"WEBHOOK_MAX_RETRIES": "0"},
		"bad duration":        {"WEBHOOK_ATTEMPT_TIMEOUT": "soon"},
		"zero timeout":        {"WEBHOOK_ATTEMPT_TIMEOUT": "0s"},
		"lease shorter":       {"WEBHOOK_LEASE_TIMEOUT": "1s"},
		"bad bool":            {"PAYMENT_REQUIRED": "maybe"},
		"zero payment expiry": {"PAYMENT_EXPIRY": "0s"},
	}
	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(nil, envMap(env))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	_, err := Load([]string{"-unknown"}, envMap(nil))
	assert.Error(t, err)
}

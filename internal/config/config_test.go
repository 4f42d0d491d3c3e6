package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 60*time.Second, cfg.Saga.RecoveryInterval)
	assert.Equal(t, 30*time.Second, cfg.Saga.ApprovalTimeoutInterval)
	assert.Equal(t, uint32(5), cfg.Webhook.FailureThreshold)
	assert.Equal(t, 0.2, cfg.Webhook.RetryJitter)
	assert.Equal(t, 3, cfg.Saga.ConcurrencyRetries)
	assert.Equal(t, []string{"*"}, cfg.Security.CORSOrigins)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("DB_DRIVER", "memory")
	t.Setenv("WEBHOOK_FAILURE_THRESHOLD", "3")
	t.Setenv("SAGA_RECOVERY_INTERVAL", "15s")
	t.Setenv("CORS_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("ENVIRONMENT", "staging")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, uint32(3), cfg.Webhook.FailureThreshold)
	assert.Equal(t, 15*time.Second, cfg.Saga.RecoveryInterval)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Security.CORSOrigins)
	assert.Equal(t, "staging", cfg.Environment)
}

func TestLoad_InvalidDuration(t *testing.T) {
	t.Setenv("SAGA_DEFAULT_TIMEOUT", "soon")

	_, err := Load()
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Database.Driver = "mysql" },
			wantErr: "unsupported database driver",
		},
		{
			name:    "zero failure threshold",
			mutate:  func(c *Config) { c.Webhook.FailureThreshold = 0 },
			wantErr: "failure threshold",
		},
		{
			name:    "retry jitter above one",
			mutate:  func(c *Config) { c.Webhook.RetryJitter = 1.5 },
			wantErr: "retry jitter",
		},
		{
			name: "default jwt secret in production",
			mutate: func(c *Config) {
				c.Environment = "production"
			},
			wantErr: "JWT secret",
		},
		{
			name: "enabled rate limit without budget",
			mutate: func(c *Config) {
				c.RateLimit.Enabled = true
				c.RateLimit.Limit = 0
			},
			wantErr: "rate limit",
		},
		{
			name:   "memory driver needs no database host",
			mutate: func(c *Config) { c.Database.Driver = "memory"; c.Database.Host = "" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			tt.mutate(cfg)

			err = cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_URLs(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "host=localhost port=5432 user=postgres password= dbname=sagacore sslmode=disable", cfg.GetDatabaseURL())
	assert.Equal(t, "postgres://postgres:@localhost:5432/sagacore?sslmode=disable", cfg.GetMigrateURL())
	assert.Equal(t, "localhost:6379", cfg.GetRedisAddr())
}

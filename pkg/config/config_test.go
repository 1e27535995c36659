package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) *viper.Viper {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	v := viper.New()
	v.SetConfigFile(path)
	return v
}

const minimal = `
jwt:
  secret_key: s3cret
database:
  password: pw
hprid:
  url: http://registry.local/verify
`

func TestLoadWith_Defaults(t *testing.T) {
	cfg, err := LoadWith(writeConfig(t, minimal))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10*time.Minute, cfg.Grants.TTL)
	assert.Equal(t, "leveldb", cfg.Archive.Backend)
	assert.Equal(t, "log", cfg.Notification.Provider)
	assert.Equal(t, "record-archive", cfg.Fabric.ChaincodeName)
	assert.Equal(t, "/metrics", cfg.Monitoring.MetricsPath)
	assert.Equal(t, 30, cfg.Server.RateLimit)
	assert.Equal(t, 5*time.Second, cfg.Database.QueryTimeout)
	assert.Equal(t, "host=localhost port=5432 user=medvault password=pw dbname=medvault sslmode=require", cfg.Database.DSN())
}

func TestLoadWith_FileOverrides(t *testing.T) {
	cfg, err := LoadWith(writeConfig(t, minimal+`
server:
  port: 9443
grants:
  ttl: 5m
  in_memory: true
notification:
  provider: sms
  url: https://sms.local/send
  timeout: 3s
`))
	require.NoError(t, err)

	assert.Equal(t, 9443, cfg.Server.Port)
	assert.Equal(t, 5*time.Minute, cfg.Grants.TTL)
	assert.True(t, cfg.Grants.InMemory)
	assert.Equal(t, "sms", cfg.Notification.Provider)
	assert.Equal(t, 3*time.Second, cfg.Notification.Timeout)
}

func TestLoadWith_EnvOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", "from-env")
	t.Setenv("DATABASE_URL", "postgres://u:p@db/medvault")
	t.Setenv("PORT", "7000")

	cfg, err := LoadWith(writeConfig(t, minimal))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.JWT.SecretKey)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "postgres://u:p@db/medvault", cfg.Database.DSN())
}

func TestLoadWith_Invalid(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", "")
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing secret", "database:\n  password: pw\nhprid:\n  url: http://x\n", "JWT secret key"},
		{"missing hprid", "jwt:\n  secret_key: s\ndatabase:\n  password: pw\n", "hprid"},
		{"unknown archive", minimal + "archive:\n  backend: s3\n", "unknown archive backend"},
		{"fabric without peer", minimal + "archive:\n  backend: fabric\n", "peer_endpoint"},
		{"sms without url", minimal + "notification:\n  provider: sms\n", "requires url"},
		{"unknown provider", minimal + "notification:\n  provider: pigeon\n", "unknown notification provider"},
		{"zero query timeout", "jwt:\n  secret_key: s\ndatabase:\n  password: pw\n  query_timeout: 0s\nhprid:\n  url: http://x\n", "query_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadWith(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

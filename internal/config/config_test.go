package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := fromViper(newViper())
	require.NoError(t, err)

	require.Equal(t, "postgres", cfg.DBDriver)
	require.Equal(t, "localhost:5000", cfg.ListenAddr())
	require.Equal(t, 256, cfg.SendBufferSize)
	require.Equal(t, 54*time.Second, cfg.PingInterval)
	require.Equal(t, 60*time.Second, cfg.PongWait)
	require.Equal(t, []string{"http://localhost:3000"}, cfg.AllowedOrigins)
	require.Empty(t, cfg.KafkaBrokers)
	require.Empty(t, cfg.RedisAddr)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DB_DRIVER", "SQLite")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("WS_PING_INTERVAL", "5s")
	t.Setenv("WS_PONG_WAIT", "7s")
	t.Setenv("CHANGEFEED_WORKERS", "2")

	cfg, err := fromViper(newViper())
	require.NoError(t, err)
	require.Equal(t, "sqlite", cfg.DBDriver)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	require.Equal(t, 5*time.Second, cfg.PingInterval)
	require.Equal(t, 2, cfg.ChangeFeedWorkers)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "unknown driver", env: map[string]string{"DB_DRIVER": "mongo"}},
		{name: "pong shorter than ping", env: map[string]string{"WS_PING_INTERVAL": "10s", "WS_PONG_WAIT": "5s"}},
		{name: "empty send buffer", env: map[string]string{"WS_SEND_BUFFER": "0"}},
		{name: "kafka without topic", env: map[string]string{"KAFKA_BROKERS": "k1:9092", "KAFKA_TOPIC": " "}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := fromViper(newViper())
			require.Error(t, err)
		})
	}
}

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envFrom(values map[string]string) func(string) string {
	return func(key string) string {
		return values[key]
	}
}

func TestSettingsFromEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		s, err := SettingsFromEnv(envFrom(map[string]string{
			"HA_URL":   "ws://homeassistant.local:8123/api/websocket",
			"HA_TOKEN": "token",
		}))
		require.NoError(t, err)

		assert.False(t, s.ReadOnly)
		assert.Equal(t, "config/entries.yaml", s.EntriesFile)
		assert.Equal(t, 8081, s.APIPort)
		assert.False(t, s.HistoryEnabled())
	})

	t.Run("overrides", func(t *testing.T) {
		s, err := SettingsFromEnv(envFrom(map[string]string{
			"HA_URL":        "ws://ha:8123/api/websocket",
			"HA_TOKEN":      "token",
			"READ_ONLY":     "true",
			"ENTRIES_FILE":  "/data/entries.yaml",
			"API_PORT":      "9090",
			"IQUA_API_URL":  "http://localhost:9999/v1",
			"INFLUX_URL":    "http://influx:8086",
			"INFLUX_BUCKET": "softener",
		}))
		require.NoError(t, err)

		assert.True(t, s.ReadOnly)
		assert.Equal(t, "/data/entries.yaml", s.EntriesFile)
		assert.Equal(t, 9090, s.APIPort)
		assert.Equal(t, "http://localhost:9999/v1", s.IquaAPIURL)
		assert.True(t, s.HistoryEnabled())
	})

	testCases := []struct {
		name string
		env  map[string]string
	}{
		{"missing token", map[string]string{"HA_URL": "ws://ha"}},
		{"missing url", map[string]string{"HA_TOKEN": "token"}},
		{"bad port", map[string]string{"HA_URL": "ws://ha", "HA_TOKEN": "t", "API_PORT": "http"}},
		{"influx without bucket", map[string]string{"HA_URL": "ws://ha", "HA_TOKEN": "t", "INFLUX_URL": "http://influx:8086"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := SettingsFromEnv(envFrom(tc.env))
			assert.Error(t, err)
		})
	}
}

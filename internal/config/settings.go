package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const (
	defaultEntriesFile = "config/entries.yaml"
	defaultAPIPort     = 8081
)

// Settings holds the process configuration read from the environment
type Settings struct {
	HAURL       string
	HAToken     string
	ReadOnly    bool
	EntriesFile string
	APIPort     int
	IquaAPIURL  string

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string
}

// HistoryEnabled reports whether InfluxDB history is configured
func (s *Settings) HistoryEnabled() bool {
	return s.InfluxURL != ""
}

// LoadSettings loads an optional .env file and reads Settings from the
// environment
func LoadSettings(logger *zap.Logger) (*Settings, error) {
	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}
	return SettingsFromEnv(os.Getenv)
}

// SettingsFromEnv builds Settings from getenv. HA_URL and HA_TOKEN are required.
func SettingsFromEnv(getenv func(string) string) (*Settings, error) {
	s := &Settings{
		HAURL:        getenv("HA_URL"),
		HAToken:      getenv("HA_TOKEN"),
		ReadOnly:     getenv("READ_ONLY") == "true",
		EntriesFile:  getenv("ENTRIES_FILE"),
		APIPort:      defaultAPIPort,
		IquaAPIURL:   getenv("IQUA_API_URL"),
		InfluxURL:    getenv("INFLUX_URL"),
		InfluxToken:  getenv("INFLUX_TOKEN"),
		InfluxOrg:    getenv("INFLUX_ORG"),
		InfluxBucket: getenv("INFLUX_BUCKET"),
	}

	if s.HAURL == "" || s.HAToken == "" {
		return nil, fmt.Errorf("HA_URL and HA_TOKEN environment variables must be set")
	}

	if s.EntriesFile == "" {
		s.EntriesFile = defaultEntriesFile
	}

	if port := getenv("API_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return nil, fmt.Errorf("invalid API_PORT %q", port)
		}
		s.APIPort = p
	}

	if s.HistoryEnabled() && s.InfluxBucket == "" {
		return nil, fmt.Errorf("INFLUX_BUCKET must be set when INFLUX_URL is set")
	}

	return s, nil
}

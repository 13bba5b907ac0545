package chatsync

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/bustart/chatsync/chat"
)

type ConfigLoader interface {
	Load() (*Config, error)
}

// EnvConfigLoader loads the configuration from environment variables, reading
// a .env file first when one exists. GATEWAY_URL, ACCESS_TOKEN, HISTORY_FILE
// and the RECONNECT_* variables map onto the corresponding Config fields.
type EnvConfigLoader struct {
}

func (l *EnvConfigLoader) Load() (*Config, error) {
	// A missing .env file is not an error; plain environment variables
	// still apply.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	config := &Config{}
	config.Gateway.URL = getEnv("GATEWAY_URL")
	config.Auth.AccessToken = getEnv("ACCESS_TOKEN")

	config.History.File = getEnv("HISTORY_FILE")
	config.History.Enabled = config.History.File != ""

	config.Reconnect.Enabled = getEnv("RECONNECT") != "off"
	config.Reconnect.InitialDelay, _ = time.ParseDuration(getEnv("RECONNECT_INITIAL_DELAY"))
	config.Reconnect.MaxDelay, _ = time.ParseDuration(getEnv("RECONNECT_MAX_DELAY"))
	config.Reconnect.MaxAttempts, _ = strconv.Atoi(getEnv("RECONNECT_MAX_ATTEMPTS"))

	defaults := chat.DefaultReconnectPolicy()
	if config.Reconnect.InitialDelay == 0 {
		config.Reconnect.InitialDelay = defaults.InitialDelay
	}
	if config.Reconnect.MaxDelay == 0 {
		config.Reconnect.MaxDelay = defaults.MaxDelay
	}
	if config.Reconnect.MaxAttempts == 0 {
		config.Reconnect.MaxAttempts = defaults.MaxAttempts
	}
	return config, nil
}

// DefaultConfigLoader yields a configuration pointed at a local dev gateway.
type DefaultConfigLoader struct {
}

func (l *DefaultConfigLoader) Load() (*Config, error) {
	config := &Config{}
	config.Gateway.URL = "ws://localhost:8080/ws"
	defaults := chat.DefaultReconnectPolicy()
	config.Reconnect.Enabled = defaults.Enabled
	config.Reconnect.InitialDelay = defaults.InitialDelay
	config.Reconnect.MaxDelay = defaults.MaxDelay
	config.Reconnect.MaxAttempts = defaults.MaxAttempts
	return config, nil
}

// Utility function to get an environment variable with a default value
func getEnv(key string) string {
	value, exists := os.LookupEnv(key)
	if !exists {
		return ""
	}
	return value
}

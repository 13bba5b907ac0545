package chatsync

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/spf13/viper"
)

type Config struct {
	Gateway struct {
		// URL is the websocket endpoint of the chat gateway, e.g.
		// ws://localhost:8080/ws. The default is ws://localhost:8080/ws.
		URL string `validate:"required,wsurl"`
	}
	Auth struct {
		// AccessToken is the signed-in user's JWT. The uid claim (or the
		// subject) identifies the current user; an empty token means
		// signed out.
		AccessToken string
	}
	History struct {
		// Enabled turns the local SQLite message cache on.
		Enabled bool
		// File is the path of the cache database file.
		// The default is ./chatsync.db.
		File string `validate:"required_if=Enabled true"`
	}
	Reconnect struct {
		// Enabled turns automatic redialing after a dropped connection on.
		// The default is true.
		Enabled bool
		// InitialDelay is the first backoff delay; it doubles per failed
		// attempt up to MaxDelay.
		InitialDelay time.Duration `validate:"min=0"`
		MaxDelay     time.Duration `validate:"min=0"`
		// MaxAttempts bounds consecutive failed reconnects. 0 means
		// unbounded.
		MaxAttempts int `validate:"min=0"`
	}
	valid bool
}

// LoadConfig loads the configuration from the config file and environment
// variables. Any invalid value is not rejected here; it is caught in the
// validation step.
func LoadConfig() (*Config, error) {
	config := &Config{}
	viper.SetConfigName("config")
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("gateway.url", "ws://localhost:8080/ws")
	viper.SetDefault("history.enabled", false)
	viper.SetDefault("history.file", "./chatsync.db")
	viper.SetDefault("reconnect.enabled", true)
	viper.SetDefault("reconnect.initialdelay", 2*time.Second)
	viper.SetDefault("reconnect.maxdelay", 30*time.Second)
	viper.SetDefault("reconnect.maxattempts", 10)

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// no config file; defaults and environment variables apply
	}

	if err := viper.Unmarshal(&config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(",")),
		),
	); err != nil {
		// defer error to validation step
		return config, nil
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.valid {
		return nil
	}
	err := validate.Struct(c)
	if err != nil {
		return err
	}
	c.valid = true
	return nil
}

func FormatValidationErrors(err error) string {

	errors, ok := err.(validator.ValidationErrors)
	if !ok {
		return ""
	}
	trans, _ := uniTrans.GetTranslator("en")
	translated := errors.Translate(trans)

	var sb strings.Builder
	for _, v := range translated {
		sb.WriteString(v)
		sb.WriteString("\n")
	}
	return sb.String()
}

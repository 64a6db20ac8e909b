package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode     string `mapstructure:"mode"`
	Port     int    `mapstructure:"port"`
	RelayURL string `mapstructure:"relay_url"`

	// ICEServers are STUN/TURN URLs handed to the media engine.
	ICEServers []string `mapstructure:"ice_servers"`

	// OpusMaxBitrate caps maxaveragebitrate in rewritten SDP, bits/s.
	OpusMaxBitrate int `mapstructure:"opus_max_bitrate"`

	// ReconnectBudget is the number of media-path repair attempts allowed
	// between two successful connections.
	ReconnectBudget int `mapstructure:"reconnect_budget"`

	// SendAttempts and SendBackoff shape the relay-write retry loop.
	SendAttempts int           `mapstructure:"send_attempts"`
	SendBackoff  time.Duration `mapstructure:"send_backoff"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("relay_url", "http://localhost:8080")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("opus_max_bitrate", 24000)
	v.SetDefault("reconnect_budget", 5)
	v.SetDefault("send_attempts", 3)
	v.SetDefault("send_backoff", "200ms")

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	// Endpoint is the per-channel websocket base, e.g. ws://localhost:8080/ws.
	Endpoint string `mapstructure:"endpoint"`
	// APIBase is the REST base for auth and video-room records.
	APIBase     string        `mapstructure:"api_base"`
	Token       string        `mapstructure:"token"`
	DisplayName string        `mapstructure:"display_name"`
	ICEServers  []string      `mapstructure:"ice_servers"`
	ReadLimit   int64         `mapstructure:"read_limit"`
	PingPeriod  time.Duration `mapstructure:"ping_period"`

	Relay Relay `mapstructure:"relay"`
}

// Relay configures the development signaling relay (cmd/relayd).
type Relay struct {
	Mode   string `mapstructure:"mode"`
	Port   int    `mapstructure:"port"`
	Secret string `mapstructure:"secret"`
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

	v.SetDefault("endpoint", "ws://localhost:8080/ws")
	v.SetDefault("api_base", "http://localhost:8000")
	v.SetDefault("display_name", "guest")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("relay.mode", "release")
	v.SetDefault("relay.port", 8080)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode        string `mapstructure:"mode"`
	ControlPort int    `mapstructure:"control_port"`
	Secret      string `mapstructure:"secret"`

	ServerURL   string `mapstructure:"server_url"`
	AccessToken string `mapstructure:"access_token"`
	UserID      string `mapstructure:"user_id"`
	Username    string `mapstructure:"username"`

	SendBuffer        int           `mapstructure:"send_buffer"`
	PingPeriod        time.Duration `mapstructure:"ping_period"`
	PongWait          time.Duration `mapstructure:"pong_wait"`
	MaxReconnects     int           `mapstructure:"max_reconnects"`
	TypingDebounce    time.Duration `mapstructure:"typing_debounce"`
	CallRingTimeout   time.Duration `mapstructure:"call_ring_timeout"`
	STUNServers       []string      `mapstructure:"stun_servers"`
	DirectoryFile     string        `mapstructure:"directory_file"`
	VideoBitrate      int           `mapstructure:"video_bitrate"`
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
	v.SetDefault("control_port", 8090)
	v.SetDefault("server_url", "ws://localhost:3000/ws")
	v.SetDefault("user_id", "local")
	v.SetDefault("username", "guest")
	v.SetDefault("send_buffer", 32)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("max_reconnects", 5)
	v.SetDefault("typing_debounce", "1s")
	// 0 keeps ringing until an explicit accept/reject/end.
	v.SetDefault("call_ring_timeout", "0s")
	v.SetDefault("stun_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("video_bitrate", 1_500_000)

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

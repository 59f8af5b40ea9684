package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode string `mapstructure:"mode"`
	Port int    `mapstructure:"port"`

	// Relay credential authority (external, untrusted).
	RelayAuthorityURL     string        `mapstructure:"relay_authority_url"`
	RelayFetchTimeout     time.Duration `mapstructure:"relay_fetch_timeout"`
	StunURLs              []string      `mapstructure:"stun_urls"`
	CredentialTTLFallback time.Duration `mapstructure:"credential_ttl_fallback"`

	// Negotiation.
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`

	// Quality monitor.
	SampleInterval time.Duration `mapstructure:"sample_interval"`

	// Audio pipeline.
	ChunkDuration time.Duration `mapstructure:"chunk_duration"`
	SinkURL       string        `mapstructure:"sink_url"`
	SinkRateLimit int           `mapstructure:"sink_rate_limit"`
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
	v.SetDefault("relay_authority_url", "")
	v.SetDefault("relay_fetch_timeout", "5s")
	v.SetDefault("stun_urls", []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"})
	v.SetDefault("credential_ttl_fallback", "10m")
	v.SetDefault("handshake_timeout", "30s")
	v.SetDefault("sample_interval", "2s")
	v.SetDefault("chunk_duration", "250ms")
	v.SetDefault("sink_url", "")
	v.SetDefault("sink_rate_limit", 5)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the server section.
type Config struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	RateLimit    float64       `mapstructure:"rate_limit"`
	RateBurst    int           `mapstructure:"rate_burst"`
}

// Addr returns the listen address as host:port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ServerConfig decodes the server section of v.
func ServerConfig(v *viper.Viper) (Config, error) {
	var c Config
	if err := v.UnmarshalKey("server", &c); err != nil {
		return Config{}, fmt.Errorf("decode server config: %w", err)
	}
	return c, nil
}

// LoadConfig reads configuration from file and environment variables.
// An empty configPath searches for pulsewatch.yaml in the usual places;
// a missing file is not an error.
func LoadConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("pulsewatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/pulsewatch")
	}

	// PW_PLUGINS_PULSE_TICK_INTERVAL=30s overrides plugins.pulse.tick_interval.
	v.SetEnvPrefix("PW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.rate_limit", 100)
	v.SetDefault("server.rate_burst", 200)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("database.path", "./data/pulsewatch.db")

	v.SetDefault("stream.token_secret", "")
	v.SetDefault("stream.token_ttl", "24h")

	v.SetDefault("seed.path", "")
	v.SetDefault("seed.watch", false)

	v.SetDefault("plugins.pulse.enabled", true)
	v.SetDefault("plugins.pulse.tick_interval", "1m")
	v.SetDefault("plugins.pulse.max_workers", 10)
	v.SetDefault("plugins.pulse.deadline_grace", "2s")
	v.SetDefault("plugins.pulse.availability_sweep", true)
	v.SetDefault("plugins.pulse.renotify_interval", "0s")
	v.SetDefault("plugins.pulse.notify_timeout", "10s")
	v.SetDefault("plugins.pulse.insecure_skip_verify", false)
	v.SetDefault("plugins.pulse.notify.email", "")
	v.SetDefault("plugins.pulse.notify.slack_webhook_url", "")
	v.SetDefault("plugins.pulse.notify.webhook_url", "")
	v.SetDefault("plugins.pulse.notify.webhook_secret", "")
	v.SetDefault("plugins.pulse.notify.alertmanager_url", "")
	v.SetDefault("plugins.pulse.notify.max_per_second", 0)
	v.SetDefault("plugins.pulse.notify.smtp.host", "")
	v.SetDefault("plugins.pulse.notify.smtp.port", 25)
	v.SetDefault("plugins.pulse.notify.smtp.username", "")
	v.SetDefault("plugins.pulse.notify.smtp.password", "")
	v.SetDefault("plugins.pulse.notify.smtp.from", "pulsewatch@localhost")
}

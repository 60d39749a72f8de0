package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	DataDir         string        `mapstructure:"data_dir"`
	AdminKey        string        `mapstructure:"admin_key"`
	RuntimeCommand  string        `mapstructure:"runtime_command"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ResponseTimeout time.Duration `mapstructure:"response_timeout"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	PortAttempts    int           `mapstructure:"port_attempts"`
}

// Load reads configuration from AGENTGATE_* env vars and an optional
// agentgate.yaml alongside the working directory. Env wins over file.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AGENTGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", "8088")
	v.SetDefault("data_dir", ".data")
	v.SetDefault("admin_key", "")
	v.SetDefault("runtime_command", "opencode")
	v.SetDefault("idle_timeout", 5*time.Minute)
	v.SetDefault("response_timeout", 2*time.Minute)
	v.SetDefault("sweep_interval", 30*time.Second)
	v.SetDefault("port_attempts", 50)

	v.SetConfigName("agentgate")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from environment variables and an optional
// config.yaml in the working directory. Environment variables use the
// COMFYPROXY_ prefix with underscores for nesting, e.g.
// COMFYPROXY_SERVER_PORT, COMFYPROXY_FEISHU_APP_SECRET, and take precedence
// over file values. Returns a validated Config or an error.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("COMFYPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine, the environment carries everything.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")

	// Secrets have no usable default; registering the keys lets viper see
	// their environment variables during Unmarshal.
	v.SetDefault("database.url", "")
	v.SetDefault("feishu.app_id", "")
	v.SetDefault("feishu.app_secret", "")

	v.SetDefault("comfyui.base_url", "http://127.0.0.1:8188")
	v.SetDefault("comfyui.poll_interval_seconds", 1)
	v.SetDefault("comfyui.generation_timeout_seconds", 600)
	v.SetDefault("comfyui.request_timeout_seconds", 10)
	v.SetDefault("comfyui.download_timeout_seconds", 60)

	v.SetDefault("feishu.base_url", "https://open.feishu.cn")
	v.SetDefault("feishu.max_upload_retries", 3)
	v.SetDefault("feishu.retry_delay_seconds", 1)
	v.SetDefault("feishu.request_timeout_seconds", 30)

	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.poll_interval_seconds", 2)
}

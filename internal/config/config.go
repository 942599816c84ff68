package config

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"   validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	ComfyUI  ComfyUIConfig  `mapstructure:"comfyui"  validate:"required"`
	Feishu   FeishuConfig   `mapstructure:"feishu"   validate:"required"`
	Worker   WorkerConfig   `mapstructure:"worker"   validate:"required"`
}

// ServerConfig contains all HTTP server related settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required"`
}

// ComfyUIConfig contains the generation engine connection settings.
type ComfyUIConfig struct {
	BaseURL string `mapstructure:"base_url" validate:"required,url"`

	// PollIntervalSeconds is the fixed interval between history polls while
	// a workflow is executing.
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds" validate:"required,gt=0"`

	// GenerationTimeoutSeconds bounds the whole polling loop for one task.
	GenerationTimeoutSeconds int `mapstructure:"generation_timeout_seconds" validate:"required,gt=0"`

	// RequestTimeoutSeconds bounds a single HTTP call to the engine.
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds" validate:"required,gt=0"`

	// DownloadTimeoutSeconds bounds fetching one generated image.
	DownloadTimeoutSeconds int `mapstructure:"download_timeout_seconds" validate:"required,gt=0"`
}

// FeishuConfig contains the Feishu open platform credentials and upload
// retry policy.
type FeishuConfig struct {
	AppID     string `mapstructure:"app_id"     validate:"required"`
	AppSecret string `mapstructure:"app_secret" validate:"required"`
	BaseURL   string `mapstructure:"base_url"   validate:"required,url"`

	// MaxUploadRetries is the number of additional attempts after a
	// transient upload failure.
	MaxUploadRetries int `mapstructure:"max_upload_retries" validate:"gte=0"`

	// RetryDelaySeconds is the base delay of the exponential backoff
	// between upload attempts.
	RetryDelaySeconds int `mapstructure:"retry_delay_seconds" validate:"required,gt=0"`

	// RequestTimeoutSeconds bounds a single Feishu API call.
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds" validate:"required,gt=0"`
}

// WorkerConfig contains the background worker loop settings.
type WorkerConfig struct {
	// Concurrency is the number of tasks the loop drives simultaneously.
	Concurrency int `mapstructure:"concurrency" validate:"required,gt=0"`

	// PollIntervalSeconds is how often the loop scans for pending tasks.
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds" validate:"required,gt=0"`
}

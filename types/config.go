package types

// AppConfig represents the complete application configuration
type AppConfig struct {
	Verbose  bool           `mapstructure:"verbose"`
	Config   string         `mapstructure:"config"`
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Notify   NotifyConfig   `mapstructure:"notify"`
}

// ServerConfig holds HTTP API settings
type ServerConfig struct {
	Port int `mapstructure:"port" validate:"required,min=1,max=65535"`
}

// DatabaseConfig holds SQLite storage settings
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// NotifyConfig holds outbox dispatcher settings. An empty WebhookURL routes
// notifications to the structured log instead.
type NotifyConfig struct {
	WebhookURL      string `mapstructure:"webhookUrl" validate:"omitempty,url"`
	IntervalSeconds int    `mapstructure:"intervalSeconds" validate:"omitempty,min=1,max=3600"`
}

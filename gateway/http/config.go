package http

import (
	"time"

	"github.com/c360/fedgate/errors"
)

// Config holds the HTTP listener settings.
type Config struct {
	// ListenAddress is the HTTP bind address (default ":8080")
	ListenAddress string `json:"listen_address" yaml:"listen_address"`

	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`

	// MaxRequestSize caps request bodies in bytes (default 1MB)
	MaxRequestSize int64 `json:"max_request_size" yaml:"max_request_size"`

	// AdminWriteRate limits PUT and DELETE on /services, in writes per
	// second across all clients, with AdminWriteBurst headroom.
	AdminWriteRate  float64 `json:"admin_write_rate" yaml:"admin_write_rate"`
	AdminWriteBurst int     `json:"admin_write_burst" yaml:"admin_write_burst"`

	EnablePlayground bool     `json:"enable_playground" yaml:"enable_playground"`
	EnableCORS       bool     `json:"enable_cors" yaml:"enable_cors"`
	CORSOrigins      []string `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty"`
}

// DefaultConfig returns the listener defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddress:    ":8080",
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     30 * time.Second,
		ShutdownTimeout:  30 * time.Second,
		MaxRequestSize:   1 << 20,
		AdminWriteRate:   10,
		AdminWriteBurst:  5,
		EnablePlayground: true,
		EnableCORS:       true,
		CORSOrigins:      []string{"*"},
	}
}

// Validate fills unset fields with defaults and checks the rest.
func (c *Config) Validate() error {
	def := DefaultConfig()
	if c.ListenAddress == "" {
		c.ListenAddress = def.ListenAddress
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.MaxRequestSize == 0 {
		c.MaxRequestSize = def.MaxRequestSize
	}

	if c.AdminWriteRate == 0 {
		c.AdminWriteRate = def.AdminWriteRate
	}
	if c.AdminWriteBurst == 0 {
		c.AdminWriteBurst = def.AdminWriteBurst
	}

	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.ShutdownTimeout < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"timeouts cannot be negative")
	}
	if c.MaxRequestSize < 0 || c.MaxRequestSize > 100<<20 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"max_request_size must be between 1 byte and 100MB")
	}

	if c.AdminWriteRate < 0 || c.AdminWriteBurst < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"admin write rate and burst cannot be negative")
	}

	if c.EnableCORS && len(c.CORSOrigins) == 0 {
		c.CORSOrigins = []string{"*"}
	}
	return nil
}

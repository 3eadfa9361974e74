// Package cli provides configuration loading and error handling shared
// by the clove commands.
package cli

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const maxWalkDepth = 25

// Config is the resolved clove configuration from clove.yaml.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Check    CheckConfig    `mapstructure:"check"`
	List     ListConfig     `mapstructure:"list"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig holds the listener settings.
type ServerConfig struct {
	GRPCAddr       string        `mapstructure:"grpc_addr"`
	DebugAddr      string        `mapstructure:"debug_addr"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRecvBytes   int           `mapstructure:"max_recv_bytes"`
}

// DatabaseConfig holds the store settings. Driver selects the backend:
// "postgres" for production, "memory" for development and tests.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// CheckConfig tunes the resolution engine.
type CheckConfig struct {
	MaxDepth         int `mapstructure:"max_depth"`
	ConcurrencyLimit int `mapstructure:"concurrency_limit"`
	BatchMax         int `mapstructure:"batch_max"`
}

// ListConfig tunes the reverse-index operations.
type ListConfig struct {
	MaxResults int `mapstructure:"max_results"`
	// Confirm is "auto" (confirm candidates only when the model requires
	// it) or "always".
	Confirm string `mapstructure:"confirm"`
}

// LogConfig selects log verbosity and encoding.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "console"
}

// LoadConfig discovers and loads configuration with proper precedence:
// flags > env > config file > defaults.
//
// Returns the loaded config, the path to the config file (empty if none found),
// and any error encountered.
func LoadConfig(explicitConfigPath string) (*Config, string, error) {
	v := viper.New()

	// 1. Set defaults first (lowest precedence)
	setDefaults(v)

	// 2. Set up environment variable binding
	v.SetEnvPrefix("CLOVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 3. Find and load config file
	configPath, err := findConfigFile(explicitConfigPath)
	if err != nil {
		return nil, "", err
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, configPath, fmt.Errorf("reading config file: %w", err)
		}
	}

	// 4. Unmarshal into Config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, configPath, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, configPath, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.grpc_addr", ":9090")
	v.SetDefault("server.debug_addr", ":9091")
	v.SetDefault("server.request_timeout", "10s")
	v.SetDefault("server.max_recv_bytes", 0)

	// Database defaults
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.url", "")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "")
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.sslmode", "prefer")
	v.SetDefault("database.max_open_conns", 16)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "30m")

	// Check engine defaults
	v.SetDefault("check.max_depth", 25)
	v.SetDefault("check.concurrency_limit", 32)
	v.SetDefault("check.batch_max", 100)

	// List defaults
	v.SetDefault("list.max_results", 1000)
	v.SetDefault("list.confirm", "auto")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// findConfigFile finds the config file to use.
// If explicitPath is provided, it validates the file exists.
// Otherwise, it walks up from cwd looking for clove.yaml or clove.yml,
// stopping at a .git directory or after maxWalkDepth levels.
func findConfigFile(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicitPath)
		}
		return explicitPath, nil
	}

	// Auto-discovery: walk up to .git or maxWalkDepth
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting cwd: %w", err)
	}

	dir := cwd
	for i := 0; i < maxWalkDepth; i++ {
		// Try clove.yaml then clove.yml
		for _, name := range []string{"clove.yaml", "clove.yml"} {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}

		// Check for repo boundary (.git file or directory)
		gitPath := filepath.Join(dir, ".git")
		if _, err := os.Stat(gitPath); err == nil {
			break // Stop at repo root
		}

		// Move up
		parent := filepath.Dir(dir)
		if parent == dir {
			break // Reached filesystem root
		}
		dir = parent
	}

	return "", nil // No config found, use defaults
}

// DSN returns the database connection string.
// If database.url is set, it's returned directly.
// Otherwise, builds a DSN from discrete fields.
func (c *Config) DSN() (string, error) {
	db := c.Database

	if db.URL != "" {
		return db.URL, nil
	}

	// Build DSN from discrete fields
	if db.Host == "" {
		return "", fmt.Errorf("database.host is required when database.url is not set")
	}
	if db.Name == "" {
		return "", fmt.Errorf("database.name is required when database.url is not set")
	}
	if db.User == "" {
		return "", fmt.Errorf("database.user is required when database.url is not set")
	}

	// Build postgres:// URL
	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:   "/" + db.Name,
	}

	if db.Password != "" {
		u.User = url.UserPassword(db.User, db.Password)
	} else {
		u.User = url.User(db.User)
	}

	if db.SSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.SSLMode)
		u.RawQuery = q.Encode()
	}

	return u.String(), nil
}

// Redacted returns a copy with credentials masked, for display by the
// config command.
func (c *Config) Redacted() Config {
	out := *c
	if out.Database.Password != "" {
		out.Database.Password = "********"
	}
	if out.Database.URL != "" {
		if u, err := url.Parse(out.Database.URL); err == nil && u.User != nil {
			if _, has := u.User.Password(); has {
				u.User = url.UserPassword(u.User.Username(), "********")
				out.Database.URL = u.String()
			}
		}
	}
	return out
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Placeholder values shipped in example config files. Treated the same
// as empty: entitlement features stay disabled instead of crashing.
const (
	PlaceholderPublicKey = "REPLACE_WITH_PUBLIC_KEY"
	PlaceholderAPIURL    = "https://api.example.com"
)

// Config represents the complete application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" envconfig:"SERVER"`
	Entitlement EntitlementConfig `yaml:"entitlement" envconfig:"ENTITLEMENT"`
	Logging     LoggingConfig     `yaml:"logging" envconfig:"LOGGING"`
	Paths       PathsConfig       `yaml:"paths" envconfig:"PATHS"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8090"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// EntitlementConfig contains the invite-code subsystem configuration.
// PublicKey is the standard-base64 Ed25519 key codes are verified
// against; APIBaseURL is the remote entitlement authority.
type EntitlementConfig struct {
	PublicKey      string        `yaml:"public_key" envconfig:"PUBLIC_KEY"`
	APIBaseURL     string        `yaml:"api_base_url" envconfig:"API_BASE_URL"`
	VerifyTimeout  time.Duration `yaml:"verify_timeout" envconfig:"VERIFY_TIMEOUT" default:"5s"`
	PushTimeout    time.Duration `yaml:"push_timeout" envconfig:"PUSH_TIMEOUT" default:"30s"`
	VerifyInterval time.Duration `yaml:"verify_interval" envconfig:"VERIFY_INTERVAL" default:"24h"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"console"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/tiergate.log"`
}

// PathsConfig contains file system paths configuration
type PathsConfig struct {
	DataDir   string `yaml:"data_dir" envconfig:"DATA_DIR" default:"data"`
	StateFile string `yaml:"state_file" envconfig:"STATE_FILE" default:"entitlement.dat"`
	LogsDir   string `yaml:"logs_dir" envconfig:"LOGS_DIR" default:"logs"`
}

// Load loads configuration from environment variables and config file
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("TIERGATE", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	configFile := getConfigFilePath()
	if _, err := os.Stat(configFile); err == nil {
		fileCfg, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = mergeConfigs(*fileCfg, cfg)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFromFile loads configuration from YAML file
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// mergeConfigs merges file config with env config (env takes precedence)
func mergeConfigs(fileConfig, envConfig Config) Config {
	if envConfig.Entitlement.PublicKey == "" {
		envConfig.Entitlement.PublicKey = fileConfig.Entitlement.PublicKey
	}
	if envConfig.Entitlement.APIBaseURL == "" {
		envConfig.Entitlement.APIBaseURL = fileConfig.Entitlement.APIBaseURL
	}
	if fileConfig.Server.Port != 0 && envConfig.Server.Port == 8090 {
		envConfig.Server.Port = fileConfig.Server.Port
	}
	if fileConfig.Logging.Level != "" && envConfig.Logging.Level == "info" {
		envConfig.Logging.Level = fileConfig.Logging.Level
	}
	if fileConfig.Paths.DataDir != "" && envConfig.Paths.DataDir == "data" {
		envConfig.Paths.DataDir = fileConfig.Paths.DataDir
	}

	return envConfig
}

// getConfigFilePath returns the path of the optional YAML config file.
// TIERGATE_CONFIG overrides the default next to the working directory.
func getConfigFilePath() string {
	if path := os.Getenv("TIERGATE_CONFIG"); path != "" {
		return path
	}
	return "tiergate.yaml"
}

func (c *Config) validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Entitlement.VerifyTimeout <= 0 {
		return fmt.Errorf("verify timeout must be positive")
	}
	if c.Entitlement.PushTimeout <= 0 {
		return fmt.Errorf("push timeout must be positive")
	}
	if c.Entitlement.VerifyInterval < time.Minute {
		return fmt.Errorf("verify interval must be at least one minute")
	}
	return nil
}

// HasPublicKey reports whether a usable verification key is configured.
// Placeholder values from example configs count as unconfigured.
func (c *EntitlementConfig) HasPublicKey() bool {
	key := strings.TrimSpace(c.PublicKey)
	return key != "" && key != PlaceholderPublicKey
}

// HasAPIBaseURL reports whether a usable authority URL is configured.
func (c *EntitlementConfig) HasAPIBaseURL() bool {
	url := strings.TrimSpace(c.APIBaseURL)
	return url != "" && url != PlaceholderAPIURL
}

// StateFilePath resolves the entitlement state file under the data dir.
func (c *Config) StateFilePath() string {
	if filepath.IsAbs(c.Paths.StateFile) {
		return c.Paths.StateFile
	}
	return filepath.Join(c.Paths.DataDir, c.Paths.StateFile)
}

// EnsureDirectories creates the data and logs directories if needed.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogsDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

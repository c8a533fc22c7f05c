package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix      = "RANYA_BRIDGE"
	configFileName = "config.json"
)

// envKeys are bound to environment variables explicitly so they can be
// supplied without a config file, e.g. RANYA_BRIDGE_TELEGRAM_BOT_TOKEN.
var envKeys = []string{
	"data_dir",
	"agent.api_key",
	"agent.provider",
	"agent.model",
	"telegram.bot_token",
	"discord.bot_token",
	"slack.app_token",
	"slack.bot_token",
	"matrix.homeserver_url",
	"matrix.access_token",
	"webhook.secret",
	"socket.auth_token",
	"telegram.enabled",
	"discord.enabled",
	"slack.enabled",
	"matrix.enabled",
	"webhook.enabled",
	"socket.enabled",
}

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// DefaultDataDir returns $RANYA_BRIDGE_DATA_DIR or ~/.ranya-bridge.
func DefaultDataDir() (string, error) {
	if dir := os.Getenv(envPrefix + "_DATA_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".ranya-bridge"), nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	dir, err := DefaultDataDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, configFileName)
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(configPath)
	if ext := strings.TrimPrefix(filepath.Ext(configPath), "."); ext != "" {
		v.SetConfigType(ext)
	} else {
		v.SetConfigType("json")
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}
	return v
}

// Load reads the config file, overlays environment variables and fills
// derived paths. A missing file yields defaults plus environment.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("cannot determine config path")
	}

	v := newViper(configPath)
	if _, err := os.Stat(configPath); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		if l.configPath != "" {
			cfg.DataDir = filepath.Dir(l.configPath)
		} else {
			dir, err := DefaultDataDir()
			if err != nil {
				return nil, err
			}
			cfg.DataDir = dir
		}
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "logs", "bridge.log")
	}
	if cfg.Logging.AuditFile == "" {
		cfg.Logging.AuditFile = filepath.Join(cfg.DataDir, "logs", "audit.log")
	}

	return cfg, nil
}

// Save writes cfg to the config path as JSON.
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if err := os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := cfg.ToJSON()
	if err != nil {
		return err
	}
	if err := os.WriteFile(configPath, []byte(data+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// LoadEnvFiles loads KEY=VALUE pairs from the given dotenv files into the
// process environment. Missing files are skipped and variables that are
// already set are not overridden.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}

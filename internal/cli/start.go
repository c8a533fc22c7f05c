package cli

import (
	"fmt"

	"github.com/harun/ranya-bridge/internal/config"
	"github.com/harun/ranya-bridge/internal/daemon"
	"github.com/harun/ranya-bridge/internal/logger"
	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the bridge daemon in the foreground",
	Long: `Start the bridge daemon in the foreground.
Every enabled channel is started and the process runs until it receives
SIGINT or SIGTERM.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	pidFile := daemon.PIDFilePath(cfg.DataDir)
	if pid, err := daemon.ReadPID(pidFile); err == nil && daemon.ProcessAlive(pid) {
		return fmt.Errorf("daemon is already running (PID %d)", pid)
	}

	log, err := logger.New(loggerConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = log.Close() }()

	d, err := daemon.New(cfg, log, daemon.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	d.Wait()
	return nil
}

// loadConfig reads the dotenv file and the config, then applies flag
// overrides. It returns the config path that was used.
func loadConfig() (*config.Config, string, error) {
	if envFile != "" {
		if err := config.LoadEnvFiles(envFile); err != nil {
			return nil, "", err
		}
	}

	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, loader.GetConfigPath(), nil
}

func loggerConfig(cfg *config.Config) logger.Config {
	return logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSizeMB,
		MaxAge:    cfg.Logging.MaxAgeDays,
		Compress:  cfg.Logging.Compress,
	}
}

package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/harun/ranya-bridge/internal/daemon"
	"github.com/spf13/cobra"
)

var (
	stopTimeout int
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the bridge daemon",
	Long: `Stop the bridge daemon gracefully.
Sends SIGTERM to the daemon and waits for it to shut down, then falls back
to SIGKILL once the timeout passes.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().IntVar(&stopTimeout, "timeout", 30, "timeout in seconds to wait for daemon to stop")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	pidFile := daemon.PIDFilePath(cfg.DataDir)
	pid, err := daemon.ReadPID(pidFile)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(cmd.OutOrStdout(), "Daemon is not running")
		return nil
	}
	if err != nil {
		return err
	}
	if !daemon.ProcessAlive(pid) {
		_ = os.Remove(pidFile)
		fmt.Fprintln(cmd.OutOrStdout(), "Daemon is not running (removed stale PID file)")
		return nil
	}

	if err := daemon.StopProcess(pid, time.Duration(stopTimeout)*time.Second); err != nil {
		return err
	}
	_ = os.Remove(pidFile)
	fmt.Fprintln(cmd.OutOrStdout(), "Daemon stopped successfully")
	return nil
}

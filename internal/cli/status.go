package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/harun/ranya-bridge/internal/daemon"
	"github.com/harun/ranya-bridge/pkg/state"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Show the current status of the bridge daemon. When diagnostics are
enabled the per-channel state is queried from the running daemon.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	pidFile := daemon.PIDFilePath(cfg.DataDir)
	pid, err := daemon.ReadPID(pidFile)
	if err != nil || !daemon.ProcessAlive(pid) {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	fmt.Fprintln(out, "Status: running")
	fmt.Fprintf(out, "PID: %d\n", pid)
	if info, err := os.Stat(pidFile); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
	}

	if !cfg.Diagnostics.Enabled {
		return nil
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
	defer cancel()
	states, err := fetchChannelStates(ctx, "http://"+cfg.Diagnostics.ListenAddr+"/channels")
	if err != nil {
		fmt.Fprintf(out, "Channels: unavailable (%v)\n", err)
		return nil
	}
	writeChannelStates(out, states)
	return nil
}

func fetchChannelStates(ctx context.Context, url string) ([]state.ChannelState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var states []state.ChannelState
	if err := json.NewDecoder(resp.Body).Decode(&states); err != nil {
		return nil, fmt.Errorf("failed to decode channel states: %w", err)
	}
	return states, nil
}

func writeChannelStates(w io.Writer, states []state.ChannelState) {
	if len(states) == 0 {
		fmt.Fprintln(w, "Channels: none")
		return
	}
	fmt.Fprintln(w, "Channels:")
	for _, s := range states {
		status := "stopped"
		if s.IsRunning {
			status = "running"
		}
		line := fmt.Sprintf("  %-10s %-8s messages=%d", s.Channel, status, s.MessageCount)
		if s.LastMessageAt != nil {
			line += " last=" + s.LastMessageAt.Format(time.RFC3339)
		}
		if s.Error != "" {
			line += " error=" + s.Error
		}
		fmt.Fprintln(w, line)
	}
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

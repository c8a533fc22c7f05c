package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// runCLI executes the root command with args and returns its output.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := GetRootCmd()
	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(output)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return output.String(), err
}

// writeTestConfig writes a config file into a fresh data dir and returns
// its path together with the data dir.
func writeTestConfig(t *testing.T, overrides map[string]any) (string, string) {
	t.Helper()
	dir := t.TempDir()
	raw := map[string]any{"data_dir": dir}
	for k, v := range overrides {
		raw[k] = v
	}
	data, err := json.Marshal(raw)
	require.NoError(t, err)

	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path, dir
}

package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

const testConfigYAML = `model:
  provider: mock
  name: mock-model
storage:
  backend: %BACKEND%
logging:
  level: error
  console: false
gateway:
  port: 0
`

// writeTestConfig writes a mock-provider config and a pm persona into a temp dir
func writeTestConfig(t *testing.T, backend string) string {
	t.Helper()
	dir := t.TempDir()

	path := filepath.Join(dir, "config.yaml")
	content := strings.ReplaceAll(testConfigYAML, "%BACKEND%", backend)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	agentsDir := filepath.Join(dir, "agents")
	require.NoError(t, os.MkdirAll(agentsDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(agentsDir, "pm.yaml"), []byte("persona:\n  role: Product Manager\n"), 0644))
	return path
}

// resetFlags restores every flag to its default; cobra keeps values between runs
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, child := range cmd.Commands() {
		resetFlags(child)
	}
}

// execute runs the root command with args and stdin, returning stdout
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := GetRootCmd()
	resetFlags(root)

	out := &bytes.Buffer{}
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)

	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func hasCommand(name string) bool {
	for _, c := range GetRootCmd().Commands() {
		if c.Name() == name {
			return true
		}
	}
	return false
}

package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/internal/config"
	"github.com/xkilldash9x/scalpel-replay/internal/service"
)

// capturingFactory records the config it was asked to build components for
// and refuses to launch anything.
type capturingFactory struct {
	mu   sync.Mutex
	cfg  config.Interface
	opts service.Options
}

var errNoLaunch = assert.AnError

func (f *capturingFactory) Create(_ context.Context, cfg config.Interface, opts service.Options, _ *zap.Logger) (*service.Components, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg, f.opts = cfg, opts
	return nil, errNoLaunch
}

// isolate keeps tests from picking up a developer's config or environment.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("HOME", dir)
	t.Setenv("SCALPEL_REPLAY_DATABASE_URL", "")
	t.Setenv("SCALPEL_REPLAY_AUTH_SECRET", "")
	return dir
}

func execute(t *testing.T, root *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

const minimalScript = `
name: smoke
version: 1
subscripts:
  - name: main
    actions:
      - seq: 1
        events:
          - seq: 1
            type: navigate
            value: https://shop.example/
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

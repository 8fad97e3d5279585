package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
	"github.com/xkilldash9x/scalpel-replay/internal/results"
	"github.com/xkilldash9x/scalpel-replay/internal/service"
)

func TestVersionCommand(t *testing.T) {
	isolate(t)
	out, err := execute(t, newRootCommand(&capturingFactory{}), "version")
	require.NoError(t, err)
	assert.Equal(t, "scalpel-replay "+Version+"\n", out)
}

func TestReplayRequiresScript(t *testing.T) {
	isolate(t)
	_, err := execute(t, newRootCommand(&capturingFactory{}), "replay")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg(s)")
}

func TestReplayFlagsOverrideConfig(t *testing.T) {
	dir := isolate(t)
	cfgPath := writeFile(t, dir, "custom.yaml", `
browser:
  headless: false
replay:
  min_match_score: 0.6
  prompt_enabled: true
results:
  output_dir: from-file
`)
	scriptPath := writeFile(t, dir, "smoke.yaml", minimalScript)

	f := &capturingFactory{}
	_, err := execute(t, newRootCommand(f), "--config", cfgPath, "replay", "--headless", "--min-score", "0.8", "--no-prompt", "--persist", scriptPath)
	require.ErrorIs(t, err, errNoLaunch)

	require.NotNil(t, f.cfg)
	assert.True(t, f.cfg.Browser().Headless)
	assert.InDelta(t, 0.8, f.cfg.Replay().MinMatchScore, 1e-9)
	assert.False(t, f.cfg.Replay().PromptEnabled, "--no-prompt wins over the file")
	assert.Equal(t, "from-file", f.cfg.Results().OutputDir)
	assert.True(t, f.opts.Persist)
	assert.Equal(t, service.PromptConsole, f.opts.Prompt)
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	dir := isolate(t)
	scriptPath := writeFile(t, dir, "smoke.yaml", minimalScript)
	t.Setenv("SCALPEL_REPLAY_REPLAY_MIN_MATCH_SCORE", "0.7")

	f := &capturingFactory{}
	_, err := execute(t, newRootCommand(f), "replay", scriptPath)
	require.ErrorIs(t, err, errNoLaunch)
	assert.InDelta(t, 0.7, f.cfg.Replay().MinMatchScore, 1e-9)
}

func TestConfigFileInWorkingDirectory(t *testing.T) {
	dir := isolate(t)
	writeFile(t, dir, "config.yaml", "results:\n  output_dir: local-results\n")
	scriptPath := writeFile(t, dir, "smoke.yaml", minimalScript)

	f := &capturingFactory{}
	_, err := execute(t, newRootCommand(f), "replay", scriptPath)
	require.ErrorIs(t, err, errNoLaunch)
	assert.Equal(t, "local-results", f.cfg.Results().OutputDir)
}

func TestInvalidConfigIsRejected(t *testing.T) {
	dir := isolate(t)
	cfgPath := writeFile(t, dir, "bad.yaml", "replay:\n  min_match_score: 7\n")

	f := &capturingFactory{}
	_, err := execute(t, newRootCommand(f), "--config", cfgPath, "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_match_score")
	assert.Nil(t, f.cfg, "nothing is launched")
}

func TestReplayRejectsBrokenScript(t *testing.T) {
	dir := isolate(t)
	scriptPath := writeFile(t, dir, "broken.yaml", "name: [")

	f := &capturingFactory{}
	_, err := execute(t, newRootCommand(f), "replay", scriptPath)
	require.Error(t, err)
	assert.NotErrorIs(t, err, errNoLaunch)
	assert.Nil(t, f.cfg)
}

func TestRecordOptions(t *testing.T) {
	dir := isolate(t)

	f := &capturingFactory{}
	_, err := execute(t, newRootCommand(f), "record", filepath.Join(dir, "notes.txt"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must end in")

	_, err = execute(t, newRootCommand(f), "record", "--url", "https://shop.example/", filepath.Join(dir, "new.yaml"))
	require.ErrorIs(t, err, errNoLaunch)
	assert.Equal(t, service.PromptAuto, f.opts.Prompt)
	assert.False(t, f.cfg.Replay().PromptEnabled)

	_, err = execute(t, newRootCommand(f), "record", "--append", filepath.Join(dir, "missing.yaml"), filepath.Join(dir, "new.yaml"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, errNoLaunch)
}

func TestServeUsesRemotePrompts(t *testing.T) {
	isolate(t)
	f := &capturingFactory{}
	_, err := execute(t, newRootCommand(f), "serve", "--addr", "127.0.0.1:9999")
	require.ErrorIs(t, err, errNoLaunch)
	assert.Equal(t, service.PromptRemote, f.opts.Prompt)
	assert.False(t, f.opts.Persist, "no database configured")
	assert.True(t, f.cfg.Replay().PromptEnabled)
	assert.Equal(t, "127.0.0.1:9999", f.cfg.Server().Addr)
}

func TestValidateCommand(t *testing.T) {
	dir := isolate(t)
	good := writeFile(t, dir, "good.yaml", minimalScript)
	bad := writeFile(t, dir, "bad.yaml", "name: [")

	out, err := execute(t, newRootCommand(&capturingFactory{}), "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, good)

	out, err = execute(t, newRootCommand(&capturingFactory{}), "validate", good, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2")
	assert.Contains(t, out, "FAIL")

	scripts := filepath.Join(dir, "scripts")
	require.NoError(t, os.Mkdir(scripts, 0o755))
	writeFile(t, scripts, "a.yaml", minimalScript)
	writeFile(t, scripts, "readme.md", "not a script")
	out, err = execute(t, newRootCommand(&capturingFactory{}), "validate")
	require.NoError(t, err, out)
	assert.Contains(t, out, "a.yaml")
	assert.NotContains(t, out, "readme.md")
}

func TestTokenCommand(t *testing.T) {
	isolate(t)
	_, err := execute(t, newRootCommand(&capturingFactory{}), "token")
	require.Error(t, err, "no secret configured")

	t.Setenv("SCALPEL_REPLAY_AUTH_SECRET", "test-secret")
	out, err := execute(t, newRootCommand(&capturingFactory{}), "token", "--subject", "ops")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "."), 3)
}

func TestLogsCommand(t *testing.T) {
	dir := isolate(t)
	logPath := writeFile(t, dir, "replay.jsonl", strings.Join([]string{
		`{"level":"info","ts":"2026-03-01T12:00:00.000Z","logger":"scalpel-replay.session","msg":"Replay started."}`,
		`{"level":"warn","ts":"2026-03-01T12:00:01.000Z","logger":"scalpel-replay.session","msg":"Event skipped."}`,
		`plain text line`,
	}, "\n")+"\n")

	out, err := execute(t, newRootCommand(&capturingFactory{}), "logs", "--file", logPath, "--level", "warn")
	require.NoError(t, err)
	assert.NotContains(t, out, "Replay started.")
	assert.Contains(t, out, "Event skipped.")
	assert.Contains(t, out, "plain text line")

	out, err = execute(t, newRootCommand(&capturingFactory{}), "logs", "--file", logPath, "--raw")
	require.NoError(t, err)
	assert.Contains(t, out, `"msg":"Replay started."`)

	_, err = execute(t, newRootCommand(&capturingFactory{}), "logs", "--file", filepath.Join(dir, "missing.log"))
	require.Error(t, err)
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "not json", formatLogLine("not json"))
	line := formatLogLine(`{"level":"error","ts":"t0","logger":"l","msg":"boom"}`)
	assert.Contains(t, line, "ERROR")
	assert.Contains(t, line, "boom")

	assert.Empty(t, progressLine(schemas.NodeNotification{Kind: schemas.NodeCreate, NodeType: "event"}))
	assert.Empty(t, progressLine(schemas.NodeNotification{Kind: schemas.NodeState, NodeType: "action", State: "success"}))
	got := progressLine(schemas.NodeNotification{
		Kind: schemas.NodeState, NodeType: string(results.NodeEvent), State: string(results.StateFailed),
		Label: "click Buy", Status: schemas.StatusTargetNotFound,
	})
	assert.Contains(t, got, "click Buy")
	assert.Contains(t, got, schemas.StatusTargetNotFound.String())
}

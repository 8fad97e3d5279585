package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
	"github.com/xkilldash9x/scalpel-replay/internal/bus"
	"github.com/xkilldash9x/scalpel-replay/internal/config"
	"github.com/xkilldash9x/scalpel-replay/internal/replay"
	"github.com/xkilldash9x/scalpel-replay/internal/results"
	"github.com/xkilldash9x/scalpel-replay/internal/store"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	goleak.VerifyTestMain(m)
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

type fakeController struct {
	mu       sync.Mutex
	started  []*schemas.Script
	commands []string
	startErr error
}

func (f *fakeController) SessionID() string { return "session-1" }

func (f *fakeController) Snapshot() schemas.StateNotification {
	return schemas.StateNotification{SessionID: "session-1", Version: 3}
}

func (f *fakeController) Start(s *schemas.Script, runID string) (<-chan replay.RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = append(f.started, s)
	return make(chan replay.RunResult, 1), nil
}

func (f *fakeController) record(cmd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	return nil
}

func (f *fakeController) Stop() error    { return f.record("stop") }
func (f *fakeController) Pause() error   { return f.record("pause") }
func (f *fakeController) Suspend() error { return f.record("suspend") }
func (f *fakeController) Resume() error  { return f.record("resume") }

func (f *fakeController) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

type fakePrompts struct {
	mu      sync.Mutex
	answers []replay.PromptAnswer
}

func (f *fakePrompts) Answer(a replay.PromptAnswer) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a.ID != 7 {
		return false
	}
	f.answers = append(f.answers, a)
	return true
}

func (f *fakePrompts) Answers() []replay.PromptAnswer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]replay.PromptAnswer(nil), f.answers...)
}

type fakeRuns struct {
	lastScript string
	lastLimit  int
}

func (f *fakeRuns) GetRun(_ context.Context, id string) (results.Summary, error) {
	if id != "run-1" {
		return results.Summary{}, store.ErrNotFound
	}
	return results.Summary{RunID: "run-1", Script: "smoke", Events: 3}, nil
}

func (f *fakeRuns) ListRuns(_ context.Context, script string, limit int) ([]results.Summary, error) {
	f.lastScript, f.lastLimit = script, limit
	return []results.Summary{{RunID: "run-1", Script: script}}, nil
}

type harness struct {
	srv     *Server
	ctrl    *fakeController
	prompts *fakePrompts
	runs    *fakeRuns
	bus     *bus.Bus
}

func newHarness(t *testing.T, secret string) *harness {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "smoke.yaml"), []byte(minimalScript), 0o644))

	b := bus.New(zaptest.NewLogger(t), 16)
	t.Cleanup(b.Shutdown)
	h := &harness{ctrl: &fakeController{}, prompts: &fakePrompts{}, runs: &fakeRuns{}, bus: b}
	cfg := config.ServerConfig{Addr: "127.0.0.1:0", AuthSecret: secret, StatusRate: 1000, StatusBurst: 10}
	h.srv = New(cfg, Deps{
		Runner:    h.ctrl,
		Prompts:   h.prompts,
		Runs:      h.runs,
		Bus:       b,
		ScriptDir: dir,
	}, zaptest.NewLogger(t))
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any, header http.Header) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec, resp
}

func TestHealthAndStatus(t *testing.T) {
	h := newHarness(t, "")
	rec, resp := h.do(t, http.MethodGet, "/api/v1/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", resp.Message)

	rec, resp = h.do(t, http.MethodGet, "/api/v1/status", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "session-1", resp.Data.(map[string]any)["sessionId"])
}

func TestStartRun(t *testing.T) {
	tests := []struct {
		name     string
		body     any
		startErr error
		want     int
	}{
		{name: "starts a script", body: StartRunRequest{Script: "smoke.yaml"}, want: http.StatusAccepted},
		{name: "missing script", body: map[string]string{}, want: http.StatusBadRequest},
		{name: "path traversal", body: StartRunRequest{Script: "../etc/passwd.yaml"}, want: http.StatusBadRequest},
		{name: "not a script file", body: StartRunRequest{Script: "notes.txt"}, want: http.StatusBadRequest},
		{name: "unknown script", body: StartRunRequest{Script: "gone.yaml"}, want: http.StatusUnprocessableEntity},
		{name: "session busy", body: StartRunRequest{Script: "smoke.yaml"}, startErr: replay.ErrBusy, want: http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "")
			h.ctrl.startErr = tt.startErr
			rec, _ := h.do(t, http.MethodPost, "/api/v1/runs", tt.body, nil)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusAccepted {
				require.Len(t, h.ctrl.started, 1)
				assert.Equal(t, "smoke", h.ctrl.started[0].Name)
			}
		})
	}
}

func TestRunHistory(t *testing.T) {
	h := newHarness(t, "")

	rec, resp := h.do(t, http.MethodGet, "/api/v1/runs/run-1", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "run-1", resp.Data.(map[string]any)["runId"])

	rec, _ = h.do(t, http.MethodGet, "/api/v1/runs/run-2", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = h.do(t, http.MethodGet, "/api/v1/runs?script=smoke&limit=9999", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "smoke", h.runs.lastScript)
	assert.Equal(t, maxListLimit, h.runs.lastLimit)

	rec, _ = h.do(t, http.MethodGet, "/api/v1/runs?limit=-1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestControlEndpoints(t *testing.T) {
	h := newHarness(t, "")
	for _, cmd := range []string{"pause", "suspend", "resume", "stop"} {
		rec, _ := h.do(t, http.MethodPost, "/api/v1/control/"+cmd, nil, nil)
		assert.Equal(t, http.StatusOK, rec.Code, cmd)
	}
	assert.Equal(t, []string{"pause", "suspend", "resume", "stop"}, h.ctrl.Commands())
}

func TestAnswerPrompt(t *testing.T) {
	h := newHarness(t, "")

	rec, _ := h.do(t, http.MethodPost, "/api/v1/prompts/7/answer", AnswerRequest{Choice: config.ChoiceContinue}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []replay.PromptAnswer{{ID: 7, Choice: config.ChoiceContinue}}, h.prompts.Answers())

	rec, _ = h.do(t, http.MethodPost, "/api/v1/prompts/8/answer", AnswerRequest{Choice: config.ChoiceSkip}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = h.do(t, http.MethodPost, "/api/v1/prompts/7/answer", AnswerRequest{Choice: "later"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = h.do(t, http.MethodPost, "/api/v1/prompts/x/answer", AnswerRequest{Choice: config.ChoiceSkip}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthMiddleware(t *testing.T) {
	const secret = "s3cret-for-tests"
	h := newHarness(t, secret)

	rec, _ := h.do(t, http.MethodGet, "/api/v1/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code, "health stays public")

	rec, _ = h.do(t, http.MethodGet, "/api/v1/status", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := IssueToken(secret, "ops", time.Minute)
	require.NoError(t, err)
	rec, _ = h.do(t, http.MethodGet, "/api/v1/status", nil, http.Header{"Authorization": {"Bearer " + token}})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = h.do(t, http.MethodGet, "/api/v1/status?token="+token, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code, "query token")

	forged, err := IssueToken("another-secret", "ops", time.Minute)
	require.NoError(t, err)
	rec, _ = h.do(t, http.MethodGet, "/api/v1/status", nil, http.Header{"Authorization": {"Bearer " + forged}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired, err := IssueToken(secret, "ops", -time.Minute)
	require.NoError(t, err)
	rec, _ = h.do(t, http.MethodGet, "/api/v1/status", nil, http.Header{"Authorization": {"Bearer " + expired}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	_, err = IssueToken("", "ops", time.Minute)
	assert.Error(t, err)
}

package server

import (
	"errors"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/internal/config"
	"github.com/xkilldash9x/scalpel-replay/internal/replay"
	"github.com/xkilldash9x/scalpel-replay/internal/script"
	"github.com/xkilldash9x/scalpel-replay/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// StartRunRequest names a script under the script directory.
type StartRunRequest struct {
	Script string `json:"script" binding:"required"`
	RunID  string `json:"runId"`
}

// AnswerRequest is the body of a prompt answer.
type AnswerRequest struct {
	Choice config.TimeoutChoice `json:"choice" binding:"required"`
}

func (s *Server) health(c *gin.Context) {
	success(c, gin.H{"status": "ok", "session": s.deps.Runner.SessionID()})
}

func (s *Server) status(c *gin.Context) {
	success(c, s.deps.Runner.Snapshot())
}

func (s *Server) startRun(c *gin.Context) {
	var req StartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if !filepath.IsLocal(req.Script) || !script.IsScriptFile(req.Script) {
		fail(c, http.StatusBadRequest, "script must be a .yaml, .yml or .json file inside the script directory")
		return
	}
	sc, err := script.Load(filepath.Join(s.deps.ScriptDir, req.Script))
	if err != nil {
		fail(c, http.StatusUnprocessableEntity, err.Error())
		return
	}

	done, err := s.deps.Runner.Start(sc, req.RunID)
	switch {
	case errors.Is(err, replay.ErrBusy):
		fail(c, http.StatusConflict, err.Error())
		return
	case errors.Is(err, replay.ErrNoScript):
		fail(c, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		fail(c, http.StatusServiceUnavailable, err.Error())
		return
	}
	// Finished runs reach observers through the bus.
	_ = done

	s.logger.Info("Run started from the API.", zap.String("script", req.Script), zap.String("subject", c.GetString(subjectKey)))
	accepted(c, s.deps.Runner.Snapshot())
}

func (s *Server) listRuns(c *gin.Context) {
	if s.deps.Runs == nil {
		fail(c, http.StatusServiceUnavailable, "run history is not configured")
		return
	}
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			fail(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}
	runs, err := s.deps.Runs.ListRuns(c.Request.Context(), c.Query("script"), limit)
	if err != nil {
		s.logger.Error("Failed to list runs.", zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to list runs")
		return
	}
	success(c, runs)
}

func (s *Server) getRun(c *gin.Context) {
	if s.deps.Runs == nil {
		fail(c, http.StatusServiceUnavailable, "run history is not configured")
		return
	}
	run, err := s.deps.Runs.GetRun(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		fail(c, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("Failed to load run.", zap.String("run_id", c.Param("id")), zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to load run")
		return
	}
	success(c, run)
}

func (s *Server) control(op func(Controller) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := op(s.deps.Runner); err != nil {
			fail(c, http.StatusServiceUnavailable, err.Error())
			return
		}
		success(c, s.deps.Runner.Snapshot())
	}
}

func (s *Server) answerPrompt(c *gin.Context) {
	if s.deps.Prompts == nil {
		fail(c, http.StatusServiceUnavailable, "remote prompts are not enabled")
		return
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		fail(c, http.StatusBadRequest, "prompt id must be numeric")
		return
	}
	var req AnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Choice.Valid() {
		fail(c, http.StatusBadRequest, "choice must be skip, stop or continue")
		return
	}
	if !s.deps.Prompts.Answer(replay.PromptAnswer{ID: id, Choice: req.Choice}) {
		fail(c, http.StatusNotFound, "no such prompt, or it was already answered")
		return
	}
	success(c, gin.H{"id": id, "choice": req.Choice})
}

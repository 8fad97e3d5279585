// Package scheduler replays scripts on cron schedules for synthetic
// monitoring. Only one run is active at a time; a tick that arrives while a
// run is in progress is skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
	"github.com/xkilldash9x/scalpel-replay/internal/config"
	"github.com/xkilldash9x/scalpel-replay/internal/replay"
	"github.com/xkilldash9x/scalpel-replay/internal/script"
)

// ErrUnknownMonitor is returned by Trigger for names that are not scheduled.
var ErrUnknownMonitor = errors.New("scheduler: unknown monitor")

// Replayer runs a script to completion. *replay.Runner satisfies it.
type Replayer interface {
	Replay(ctx context.Context, script *schemas.Script, runID string) (replay.RunResult, error)
}

// specParser accepts standard five-field specs, an optional leading seconds
// field, and descriptors such as @every 5m.
var specParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type monitor struct {
	cfg   config.MonitorConfig
	path  string
	entry cron.EntryID
}

// Scheduler owns the cron table and the script cache.
type Scheduler struct {
	cfg    config.SchedulerConfig
	runner Replayer
	logger *zap.Logger
	cron   *cron.Cron

	mu       sync.RWMutex
	monitors map[string]*monitor
	scripts  map[string]*schemas.Script

	active  atomic.Bool
	skipped atomic.Int64
	runs    atomic.Int64

	runCtx context.Context
}

// New validates every monitor, loads its script and registers it with cron.
func New(cfg config.SchedulerConfig, runner Replayer, logger *zap.Logger) (*Scheduler, error) {
	log := logger.Named("scheduler")
	s := &Scheduler{
		cfg:    cfg,
		runner: runner,
		logger: log,
		cron: cron.New(
			cron.WithParser(specParser),
			cron.WithLogger(cronLogger{log.Sugar()}),
			cron.WithChain(cron.Recover(cronLogger{log.Sugar()})),
		),
		monitors: make(map[string]*monitor),
		scripts:  make(map[string]*schemas.Script),
		runCtx:   context.Background(),
	}
	for _, mc := range cfg.Monitors {
		if err := s.add(mc); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) scriptPath(name string) string {
	if filepath.IsAbs(name) || s.cfg.ScriptDir == "" {
		return filepath.Clean(name)
	}
	return filepath.Join(s.cfg.ScriptDir, name)
}

func (s *Scheduler) add(mc config.MonitorConfig) error {
	if mc.Name == "" {
		return errors.New("scheduler: monitor name is required")
	}
	if _, dup := s.monitors[mc.Name]; dup {
		return fmt.Errorf("scheduler: duplicate monitor %q", mc.Name)
	}
	path := s.scriptPath(mc.Script)
	sc, err := script.Load(path)
	if err != nil {
		return fmt.Errorf("scheduler: monitor %q: %w", mc.Name, err)
	}
	name := mc.Name
	entry, err := s.cron.AddFunc(mc.Cron, func() { s.fire(name) })
	if err != nil {
		return fmt.Errorf("scheduler: monitor %q has an invalid schedule %q: %w", mc.Name, mc.Cron, err)
	}
	s.monitors[name] = &monitor{cfg: mc, path: path, entry: entry}
	s.scripts[path] = sc
	s.logger.Info("Monitor scheduled.", zap.String("monitor", name), zap.String("cron", mc.Cron), zap.String("script", path))
	return nil
}

// Monitors lists scheduled monitor names in order.
func (s *Scheduler) Monitors() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.monitors))
	for name := range s.monitors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Next is when the monitor fires next; zero before Run or for unknown names.
func (s *Scheduler) Next(name string) time.Time {
	s.mu.RLock()
	m, ok := s.monitors[name]
	s.mu.RUnlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(m.entry).Next
}

// Skipped counts ticks dropped because a run was already active.
func (s *Scheduler) Skipped() int64 { return s.skipped.Load() }

// Runs counts monitor runs that were started.
func (s *Scheduler) Runs() int64 { return s.runs.Load() }

// Trigger runs a monitor now, subject to the same one-at-a-time rule.
func (s *Scheduler) Trigger(name string) error {
	s.mu.RLock()
	_, ok := s.monitors[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMonitor, name)
	}
	s.fire(name)
	return nil
}

func (s *Scheduler) fire(name string) {
	if !s.active.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.logger.Warn("Skipping monitor run; another run is still active.", zap.String("monitor", name))
		return
	}
	defer s.active.Store(false)

	s.mu.RLock()
	m := s.monitors[name]
	sc := s.scripts[m.path]
	ctx := s.runCtx
	s.mu.RUnlock()

	s.runs.Add(1)
	start := time.Now()
	res, err := s.runner.Replay(ctx, sc, "")
	if err != nil {
		s.logger.Error("Monitor run failed to complete.", zap.String("monitor", name), zap.Error(err))
		return
	}
	fields := []zap.Field{
		zap.String("monitor", name),
		zap.String("run_id", res.RunID),
		zap.String("status", res.Status.String()),
		zap.Duration("elapsed", time.Since(start)),
	}
	if res.Status != schemas.StatusSuccess {
		s.logger.Warn("Monitor run did not succeed.", append(fields, zap.String("message", res.Message))...)
		return
	}
	s.logger.Info("Monitor run succeeded.", fields...)
}

// Reload re-reads the script at path if a monitor uses it. A script that no
// longer parses leaves the previous version in place.
func (s *Scheduler) Reload(path string) (bool, error) {
	path = filepath.Clean(path)
	s.mu.RLock()
	_, used := s.scripts[path]
	s.mu.RUnlock()
	if !used {
		return false, nil
	}
	sc, err := script.Load(path)
	if err != nil {
		s.logger.Warn("Keeping the previous script version.", zap.String("script", path), zap.Error(err))
		return false, err
	}
	s.mu.Lock()
	s.scripts[path] = sc
	s.mu.Unlock()
	s.logger.Info("Script reloaded.", zap.String("script", path))
	return true, nil
}

// Run starts the cron table and, if configured, the script directory
// watcher. It returns after ctx is cancelled and any active run has ended.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	var watchDone chan error
	if s.cfg.Watch && s.cfg.ScriptDir != "" {
		w, err := newWatcher(s.cfg.ScriptDir, s, s.logger)
		if err != nil {
			return err
		}
		watchDone = make(chan error, 1)
		go func() { watchDone <- w.run(ctx) }()
	}

	s.cron.Start()
	s.logger.Info("Scheduler started.", zap.Int("monitors", len(s.Monitors())))
	<-ctx.Done()

	<-s.cron.Stop().Done()
	if watchDone != nil {
		if err := <-watchDone; err != nil {
			return err
		}
	}
	s.logger.Info("Scheduler stopped.", zap.Int64("runs", s.Runs()), zap.Int64("skipped", s.Skipped()))
	return nil
}

// cronLogger adapts zap to cron's logging interface.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}

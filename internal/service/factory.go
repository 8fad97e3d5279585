// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/internal/browser"
	"github.com/xkilldash9x/scalpel-replay/internal/bus"
	"github.com/xkilldash9x/scalpel-replay/internal/config"
	"github.com/xkilldash9x/scalpel-replay/internal/prompt"
	"github.com/xkilldash9x/scalpel-replay/internal/replay"
)

// PromptMode selects who answers timeout prompts.
type PromptMode string

const (
	// PromptAuto answers with the configured default choice.
	PromptAuto PromptMode = "auto"
	// PromptConsole asks on the terminal.
	PromptConsole PromptMode = "console"
	// PromptRemote publishes prompts for websocket observers.
	PromptRemote PromptMode = "remote"
)

// remoteFallbackAfter is how long a remote prompt waits before the default
// choice is applied.
const remoteFallbackAfter = 2 * time.Minute

const (
	busBuffer     = 256
	resultsBuffer = 16
)

// Options are the per-command knobs that are not part of the config file.
type Options struct {
	Prompt PromptMode
	// Persist requires a database and stores every finished run.
	Persist bool
	// In and Out back the console prompter; they default to stdin and stdout.
	In  io.Reader
	Out io.Writer
}

// ComponentFactory creates the set of components needed for a session.
// This abstraction is the key to making the command logic testable.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, opts Options, logger *zap.Logger) (*Components, error)
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct{}

// NewComponentFactory creates a new production-ready component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// selectPrompter builds the prompter for mode. Prompts disabled in config
// always get the automatic prompter.
func selectPrompter(cfg config.ReplayConfig, mode PromptMode, b *bus.Bus, opts Options, logger *zap.Logger) (replay.Prompter, *prompt.Remote, error) {
	fallback := cfg.DefaultTimeoutChoice
	if !cfg.PromptEnabled || mode == "" || mode == PromptAuto {
		return prompt.Auto{Choice: fallback}, nil, nil
	}
	switch mode {
	case PromptConsole:
		in, out := opts.In, opts.Out
		if in == nil {
			in = os.Stdin
		}
		if out == nil {
			out = os.Stdout
		}
		return prompt.NewConsole(in, out, fallback, logger), nil, nil
	case PromptRemote:
		r := prompt.NewRemote(b, fallback, remoteFallbackAfter, logger)
		return r, r, nil
	}
	return nil, nil, fmt.Errorf("unknown prompt mode %q", mode)
}

// Create handles the full dependency injection and initialization of session components.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, opts Options, logger *zap.Logger) (*Components, error) {
	components := &Components{
		runs:       make(chan replay.RunResult, resultsBuffer),
		consumerWG: &sync.WaitGroup{},
	}

	// Ensure cleanup happens if initialization fails midway.
	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Bus
	components.Bus = bus.New(logger, busBuffer)

	// 2. Store
	if opts.Persist {
		if cfg.Database().URL == "" {
			initializationErr = fmt.Errorf("persistence requested but database URL is not configured (hint: check SCALPEL_REPLAY_DATABASE_URL)")
			return nil, initializationErr
		}
		pool, st, err := InitializeStore(ctx, cfg.Database(), logger)
		if err != nil {
			initializationErr = err
			return nil, initializationErr
		}
		components.DBPool = pool
		components.Store = st
		logger.Debug("Store service initialized.")
	}

	// 3. Prompter
	prompter, remote, err := selectPrompter(cfg.Replay(), opts.Prompt, components.Bus, opts, logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Remote = remote

	// 4. Results consumer
	var persister RunPersister
	if components.Store != nil {
		persister = components.Store
	}
	StartResultsConsumer(ctx, components.consumerWG, components.runs, persister, components.Bus, cfg.Results(), logger)
	logger.Debug("Results consumer started.")

	// 5. Browser
	br, err := browser.Launch(ctx, cfg.Browser(), logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to launch browser: %w", err)
		return nil, initializationErr
	}
	components.Browser = br
	logger.Debug("Browser launched.")

	// 6. Runner
	sessionID := uuid.NewString()
	runner, err := replay.NewRunner(sessionID, replay.Options{
		Replay:   cfg.Replay(),
		Activity: cfg.Activity(),
		LogRef:   cfg.Logger().LogFile,
	}, replay.Deps{
		Host:     br,
		Content:  br,
		Prompter: prompter,
		Sink:     components.sink(logger),
		States:   components.Bus,
		Nodes:    components.Bus,
	}, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create replay session: %w", err)
		return nil, initializationErr
	}
	components.Runner = runner

	runCtx, cancel := context.WithCancel(context.Background())
	components.runnerCancel = cancel
	components.runnerDone = make(chan struct{})
	go func() {
		defer close(components.runnerDone)
		_ = runner.Run(runCtx)
	}()
	br.SetDeliver(runner.Deliver)

	logger.Info("All session components initialized successfully.", zap.String("session_id", sessionID))
	return components, nil
}

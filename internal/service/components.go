// File: internal/service/components.go
package service

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/internal/browser"
	"github.com/xkilldash9x/scalpel-replay/internal/bus"
	"github.com/xkilldash9x/scalpel-replay/internal/observability"
	"github.com/xkilldash9x/scalpel-replay/internal/prompt"
	"github.com/xkilldash9x/scalpel-replay/internal/replay"
	"github.com/xkilldash9x/scalpel-replay/internal/store"
)

const shutdownWait = 30 * time.Second

// Components holds everything a replay, record or serve command needs and
// owns their shutdown order.
type Components struct {
	Bus     *bus.Bus
	Browser *browser.Browser
	Runner  *replay.Runner
	// Store is nil when persistence is disabled.
	Store  *store.Store
	DBPool *pgxpool.Pool
	// Remote is set when prompts are answered by websocket observers.
	Remote *prompt.Remote

	// runs decouples finished runs on the session goroutine from export and
	// persistence.
	runs       chan replay.RunResult
	consumerWG *sync.WaitGroup

	runnerCancel context.CancelFunc
	runnerDone   chan struct{}
}

// sink hands finished runs to the results consumer without blocking the
// session goroutine.
func (c *Components) sink(logger *zap.Logger) replay.ResultSink {
	return replay.ResultSinkFunc(func(res replay.RunResult) {
		select {
		case c.runs <- res:
		default:
			logger.Error("Results queue is full; run will not be exported or persisted.", zap.String("run_id", res.RunID))
		}
	})
}

// Shutdown gracefully closes all components, ensuring resources are released in the correct order.
func (c *Components) Shutdown() {
	logger := observability.GetLogger()
	logger.Debug("Beginning components shutdown sequence.")

	// 1. Stop the runner so no more results are produced.
	if c.runnerCancel != nil {
		c.runnerCancel()
		if c.runnerDone != nil && !waitClosed(c.runnerDone, shutdownWait) {
			logger.Warn("Runner did not stop in time.")
		}
		logger.Debug("Runner stopped.")
	}

	// 2. Close the results channel so the consumer drains and exits.
	if c.runs != nil {
		close(c.runs)
		c.runs = nil
	}
	if c.consumerWG != nil {
		if !timedWait(c.consumerWG, shutdownWait) {
			logger.Warn("Results consumer did not finish in time.")
		} else {
			logger.Debug("Results consumer finished processing.")
		}
	}

	if c.Remote != nil {
		c.Remote.Close()
	}

	// 3. Close the browser. Its listeners stop delivering before the bus goes away.
	if c.Browser != nil {
		if err := c.Browser.Close(); err != nil {
			logger.Warn("Error during browser shutdown.", zap.Error(err))
		} else {
			logger.Debug("Browser closed.")
		}
	}

	if c.Bus != nil {
		c.Bus.Shutdown()
		logger.Debug("Bus shut down.")
	}

	// 4. Close the database connection pool.
	if c.DBPool != nil {
		c.DBPool.Close()
		logger.Debug("Database connection pool closed.")
	}

	logger.Info("All components shut down successfully.")
}

// timedWait waits for wg, giving up after d.
func timedWait(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	return waitClosed(done, d)
}

func waitClosed(ch <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}

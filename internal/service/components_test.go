package service

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
	"github.com/xkilldash9x/scalpel-replay/internal/bus"
	"github.com/xkilldash9x/scalpel-replay/internal/replay"
)

func TestTimedWait(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		wg := &sync.WaitGroup{}
		wg.Add(1)
		go func() {
			time.Sleep(10 * time.Millisecond)
			wg.Done()
		}()
		assert.True(t, timedWait(wg, 1*time.Second), "timedWait should return true when wait completes")
	})

	t.Run("Timeout", func(t *testing.T) {
		wg := &sync.WaitGroup{}
		wg.Add(1)
		assert.False(t, timedWait(wg, 10*time.Millisecond), "timedWait should return false on timeout")
		wg.Done()
	})
}

func TestSinkNeverBlocks(t *testing.T) {
	c := &Components{runs: make(chan replay.RunResult, 1)}
	sink := c.sink(zap.NewNop())

	sink.RunFinished(replay.RunResult{RunID: "run-1"})
	sink.RunFinished(replay.RunResult{RunID: "run-2"})

	assert.Equal(t, "run-1", (<-c.runs).RunID)
	assert.Len(t, c.runs, 0, "the overflowing run is dropped")
}

func TestComponents_Shutdown(t *testing.T) {
	b := bus.New(zap.NewNop(), 8)
	runs := make(chan replay.RunResult, 4)
	wg := &sync.WaitGroup{}

	runnerCalled := false
	runnerDone := make(chan struct{})

	var handled []string
	var mu sync.Mutex
	wg.Add(1)
	go func() {
		defer wg.Done()
		for res := range runs {
			mu.Lock()
			handled = append(handled, res.RunID)
			mu.Unlock()
		}
	}()

	components := &Components{
		Bus:        b,
		runs:       runs,
		consumerWG: wg,
		runnerCancel: func() {
			runnerCalled = true
			close(runnerDone)
		},
		runnerDone: runnerDone,
	}
	runs <- replay.RunResult{RunID: "run-1", Status: schemas.StatusSuccess}

	components.Shutdown()

	assert.True(t, runnerCalled, "the runner is cancelled first")
	assert.Equal(t, []string{"run-1"}, handled, "queued runs are handled before shutdown returns")
	assert.False(t, b.TryPost(bus.TopicRun, "late"), "the bus is shut down")
}

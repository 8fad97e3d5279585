package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
	"github.com/xkilldash9x/scalpel-replay/internal/bus"
	"github.com/xkilldash9x/scalpel-replay/internal/config"
	"github.com/xkilldash9x/scalpel-replay/internal/mocks"
	"github.com/xkilldash9x/scalpel-replay/internal/replay"
)

func TestDrainChannel(t *testing.T) {
	ch := make(chan replay.RunResult, 3)
	ch <- replay.RunResult{RunID: "1"}
	ch <- replay.RunResult{RunID: "2"}
	close(ch)

	var batch []replay.RunResult
	drainChannel(ch, &batch)

	require.Len(t, batch, 2)
	assert.Equal(t, "1", batch[0].RunID)
	assert.Equal(t, "2", batch[1].RunID)
}

func isRun(id string) any {
	return mock.MatchedBy(func(res replay.RunResult) bool { return res.RunID == id })
}

func TestStartResultsConsumer(t *testing.T) {
	logger := zap.NewNop()

	t.Run("ExportsPersistsAndPublishes", func(t *testing.T) {
		dir := t.TempDir()
		persister := new(mocks.MockRunPersister)
		pub := new(mocks.MockPublisher)
		run := finishedRun("run-1", schemas.StatusSuccess)

		persister.On("PersistRun", mock.Anything, run.Tree).Return(nil).Once()
		pub.On("TryPost", bus.TopicRun, isRun("run-1")).Return(true).Once()

		runs := make(chan replay.RunResult, 1)
		wg := &sync.WaitGroup{}
		StartResultsConsumer(context.Background(), wg, runs, persister, pub, config.ResultsConfig{OutputDir: dir}, logger)
		runs <- run
		close(runs)
		wg.Wait()

		persister.AssertExpectations(t)
		pub.AssertExpectations(t)
		for _, name := range []string{"run-1.xml", "run-1.json"} {
			_, err := os.Stat(filepath.Join(dir, name))
			assert.NoError(t, err, name)
		}
	})

	t.Run("PersistFailureStillPublishes", func(t *testing.T) {
		persister := new(mocks.MockRunPersister)
		pub := new(mocks.MockPublisher)
		run := finishedRun("run-2", schemas.StatusTargetNotFound)

		persister.On("PersistRun", mock.Anything, mock.Anything).Return(errors.New("db down")).Once()
		pub.On("TryPost", bus.TopicRun, isRun("run-2")).Return(false).Once()

		runs := make(chan replay.RunResult, 1)
		wg := &sync.WaitGroup{}
		StartResultsConsumer(context.Background(), wg, runs, persister, pub, config.ResultsConfig{}, logger)
		runs <- run
		close(runs)
		wg.Wait()

		persister.AssertExpectations(t)
		pub.AssertExpectations(t)
	})

	t.Run("MissingTreeIsOnlyPublished", func(t *testing.T) {
		pub := new(mocks.MockPublisher)
		pub.On("TryPost", bus.TopicRun, isRun("run-3")).Return(true).Once()

		runs := make(chan replay.RunResult, 1)
		wg := &sync.WaitGroup{}
		StartResultsConsumer(context.Background(), wg, runs, nil, pub, config.ResultsConfig{OutputDir: t.TempDir()}, logger)
		runs <- replay.RunResult{RunID: "run-3", Status: schemas.StatusInternalError}
		close(runs)
		wg.Wait()

		pub.AssertExpectations(t)
	})

	t.Run("CancelDrainsQueuedRuns", func(t *testing.T) {
		pub := new(mocks.MockPublisher)
		pub.On("TryPost", bus.TopicRun, mock.Anything).Return(true).Twice()

		runs := make(chan replay.RunResult, 2)
		runs <- replay.RunResult{RunID: "a"}
		runs <- replay.RunResult{RunID: "b"}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		wg := &sync.WaitGroup{}
		StartResultsConsumer(ctx, wg, runs, nil, pub, config.ResultsConfig{}, logger)
		wg.Wait()

		pub.AssertExpectations(t)
		assert.Len(t, runs, 0)
	})
}

func TestInitializeStoreRejectsBadURL(t *testing.T) {
	_, _, err := InitializeStore(context.Background(), config.DatabaseConfig{URL: "postgres://%zz"}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unable to parse PGX pool config")
}

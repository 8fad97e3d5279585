// File: internal/service/initializers.go
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/internal/bus"
	"github.com/xkilldash9x/scalpel-replay/internal/config"
	"github.com/xkilldash9x/scalpel-replay/internal/replay"
	"github.com/xkilldash9x/scalpel-replay/internal/results"
	"github.com/xkilldash9x/scalpel-replay/internal/store"
)

// RunPersister stores finished result trees.
type RunPersister interface {
	PersistRun(ctx context.Context, tree *results.Tree) error
}

// Publisher announces finished runs to observers.
type Publisher interface {
	TryPost(topic bus.Topic, payload any) bool
}

// InitializeStore connects to PostgreSQL, applies the schema and returns the
// pool with a store on top of it. The caller closes the pool.
func InitializeStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*pgxpool.Pool, *store.Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to parse PGX pool config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to create PGX connection pool: %w", err)
	}

	st, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to initialize database store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	logger.Info("Result store ready.", zap.String("host", poolConfig.ConnConfig.Host))
	return pool, st, nil
}

// StartResultsConsumer launches a goroutine that exports, persists and
// announces every finished run. It manages its lifecycle using the provided
// WaitGroup and exits when runs is closed or ctx is cancelled. persister and
// pub may be nil.
func StartResultsConsumer(ctx context.Context, wg *sync.WaitGroup, runs <-chan replay.RunResult, persister RunPersister, pub Publisher, cfg config.ResultsConfig, logger *zap.Logger) {
	log := logger.Named("results")
	handle := func(res replay.RunResult) {
		processRun(res, persister, pub, cfg, log)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Debug("Starting results consumer goroutine.")
		defer log.Debug("Results consumer goroutine shut down.")

		for {
			select {
			case res, ok := <-runs:
				if !ok {
					return
				}
				handle(res)
			case <-ctx.Done():
				// Anything already queued is still written out.
				log.Warn("Results consumer context canceled, draining queued runs.")
				var pending []replay.RunResult
				drainChannel(runs, &pending)
				for _, res := range pending {
					handle(res)
				}
				return
			}
		}
	}()
}

func processRun(res replay.RunResult, persister RunPersister, pub Publisher, cfg config.ResultsConfig, logger *zap.Logger) {
	fields := []zap.Field{zap.String("run_id", res.RunID), zap.String("status", res.Status.String())}
	if res.Tree == nil {
		logger.Warn("Run finished without a result tree.", fields...)
	} else {
		if cfg.OutputDir != "" {
			paths, err := results.Export(cfg.OutputDir, res.Tree, cfg.Compress)
			if err != nil {
				logger.Error("Failed to export results.", append(fields, zap.Error(err))...)
			} else {
				logger.Info("Results exported.", append(fields, zap.Strings("files", paths))...)
			}
		}
		if persister != nil {
			// Not tied to the command context so a run finished during shutdown is still stored.
			persistCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := persister.PersistRun(persistCtx, res.Tree); err != nil {
				logger.Error("Failed to persist run. Data may be lost.", append(fields, zap.Error(err))...)
			}
			cancel()
		}
	}
	if pub != nil && !pub.TryPost(bus.TopicRun, res) {
		logger.Debug("Run result was not delivered to every observer.", fields...)
	}
}

// drainChannel reads any remaining items from the channel buffer into batch.
// It stops when the channel is closed or the buffer is empty.
func drainChannel(runs <-chan replay.RunResult, batch *[]replay.RunResult) {
	for {
		select {
		case res, ok := <-runs:
			if !ok {
				return
			}
			*batch = append(*batch, res)
		default:
			return
		}
	}
}

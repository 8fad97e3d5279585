package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/scalpel-replay/internal/observability"
	"github.com/xkilldash9x/scalpel-replay/internal/scheduler"
	"github.com/xkilldash9x/scalpel-replay/internal/server"
	"github.com/xkilldash9x/scalpel-replay/internal/service"
)

func newServeCmd(a *app) *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the observer API and scheduled monitors",
		Long: `Starts a browser session controlled over a REST API, streams run state to
websocket observers and replays the configured monitors on their schedules.
Timeout prompts are answered by observers.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg := a.cfg

			// Observers answer prompts; unanswered ones fall back to the default.
			cfg.SetReplayPromptEnabled(true)
			components, err := a.factory.Create(ctx, cfg, service.Options{
				Prompt:  service.PromptRemote,
				Persist: cfg.Database().URL != "",
			}, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize serve components: %w", err)
			}
			defer components.Shutdown()

			deps := server.Deps{
				Runner:    components.Runner,
				Bus:       components.Bus,
				ScriptDir: cfg.Scheduler().ScriptDir,
			}
			if components.Remote != nil {
				deps.Prompts = components.Remote
			}
			if components.Store != nil {
				deps.Runs = components.Store
			}
			srv := server.New(cfg.Server(), deps, logger)

			var sched *scheduler.Scheduler
			if len(cfg.Scheduler().Monitors) > 0 {
				if sched, err = scheduler.New(cfg.Scheduler(), components.Runner, logger); err != nil {
					return err
				}
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Run(gctx) })
			if sched != nil {
				g.Go(func() error { return sched.Run(gctx) })
			}

			logger.Info("Serving", zap.String("addr", cfg.Server().Addr), zap.Int("monitors", len(cfg.Scheduler().Monitors)))
			return g.Wait()
		},
	}

	serveCmd.Flags().String("addr", "", "Listen address for the API (overrides server.addr)")
	serveCmd.Flags().String("scripts", "", "Script directory for runs and monitors (overrides scheduler.script_dir)")
	serveCmd.Flags().Bool("headless", false, "Run the browser without a window")
	serveCmd.Flags().StringP("output", "o", "", "Directory to export result trees to")
	return serveCmd
}


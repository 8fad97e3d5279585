package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/internal/observability"
	"github.com/xkilldash9x/scalpel-replay/internal/script"
	"github.com/xkilldash9x/scalpel-replay/internal/service"
)

func newReplayCmd(a *app) *cobra.Command {
	var (
		noPrompt     bool
		promptMode   string
		persist      bool
		saveRepaired bool
		runID        string
	)

	replayCmd := &cobra.Command{
		Use:   "replay <script>",
		Short: "Replays a recorded script in a new browser session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Use the context passed from main.go (signal-aware).
			ctx := cmd.Context()
			logger := observability.GetLogger()

			path, err := expandPath(args[0])
			if err != nil {
				return err
			}
			sc, err := script.Load(path)
			if err != nil {
				return err
			}

			mode := service.PromptMode(promptMode)
			switch {
			case noPrompt:
				a.cfg.SetReplayPromptEnabled(false)
			case cmd.Flags().Changed("prompt"):
				a.cfg.SetReplayPromptEnabled(true)
			}

			logger.Info("Starting replay",
				zap.String("script", sc.Name),
				zap.String("path", path),
				zap.Float64("min_match_score", a.cfg.Replay().MinMatchScore),
				zap.Bool("headless", a.cfg.Browser().Headless),
			)

			components, err := a.factory.Create(ctx, a.cfg, service.Options{
				Prompt:  mode,
				Persist: persist,
				In:      cmd.InOrStdin(),
				Out:     cmd.OutOrStdout(),
			}, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize replay components: %w", err)
			}
			defer components.Shutdown()

			stopProgress := watchProgress(components.Bus, cmd.OutOrStdout())
			res, err := components.Runner.Replay(ctx, sc, runID)
			stopProgress()

			if errors.Is(err, context.Canceled) {
				logger.Warn("Replay aborted by user signal", zap.String("run_id", res.RunID))
				return err
			}
			if res.RunID == "" {
				// The run never started.
				return err
			}
			printRunSummary(cmd.OutOrStdout(), res)

			if res.Repaired && saveRepaired {
				if serr := script.Save(path, res.Script); serr != nil {
					logger.Error("Failed to save repaired script", zap.Error(serr))
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Repaired timeouts saved to %s\n", path)
				}
			}
			return err
		},
	}

	replayCmd.Flags().Bool("headless", false, "Run the browser without a window")
	replayCmd.Flags().Float64("min-score", 0, "Minimum element match score (0-1]")
	replayCmd.Flags().StringP("output", "o", "", "Directory to export result trees to")
	replayCmd.Flags().Bool("compress", false, "Brotli-compress exported result trees")
	replayCmd.Flags().BoolVar(&noPrompt, "no-prompt", false, "Never ask on timeouts; apply the default choice")
	replayCmd.Flags().StringVar(&promptMode, "prompt", string(service.PromptConsole), "Who answers timeout prompts: auto, console or remote")
	replayCmd.Flags().BoolVar(&persist, "persist", false, "Store the result in the database")
	replayCmd.Flags().BoolVar(&saveRepaired, "save-repaired", false, "Write auto-repaired timeouts back to the script")
	replayCmd.Flags().StringVar(&runID, "run-id", "", "Use this run id instead of a generated one")
	return replayCmd
}

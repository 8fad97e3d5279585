package cmd

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
	"github.com/xkilldash9x/scalpel-replay/internal/observability"
	"github.com/xkilldash9x/scalpel-replay/internal/script"
	"github.com/xkilldash9x/scalpel-replay/internal/service"
)

func newRecordCmd(a *app) *cobra.Command {
	var (
		startURL   string
		appendPath string
		duration   time.Duration
		name       string
	)

	recordCmd := &cobra.Command{
		Use:   "record <output-script>",
		Short: "Records browser interactions into a new or existing script",
		Long: `Opens a browser and records clicks, form input, navigation and tab changes
until the duration elapses or the command is interrupted. The script is then
written to the given path; the extension selects YAML or JSON.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			out, err := expandPath(args[0])
			if err != nil {
				return err
			}
			if !script.IsScriptFile(out) {
				return fmt.Errorf("output %q must end in .yaml, .yml or .json", out)
			}

			var base *schemas.Script
			if appendPath != "" {
				p, err := expandPath(appendPath)
				if err != nil {
					return err
				}
				if base, err = script.Load(p); err != nil {
					return err
				}
			}
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(out), filepath.Ext(out))
			}

			// Recording never prompts.
			a.cfg.SetReplayPromptEnabled(false)
			components, err := a.factory.Create(ctx, a.cfg, service.Options{Prompt: service.PromptAuto}, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize recording components: %w", err)
			}
			defer components.Shutdown()

			if err := components.Runner.StartRecording(base, name, startURL); err != nil {
				return fmt.Errorf("failed to start recording: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Recording. Press Ctrl+C to stop.")

			var deadline <-chan time.Time
			if duration > 0 {
				timer := time.NewTimer(duration)
				defer timer.Stop()
				deadline = timer.C
			}
			select {
			case <-ctx.Done():
			case <-deadline:
			}

			sc, err := components.Runner.StopRecording()
			if err != nil {
				return fmt.Errorf("failed to stop recording: %w", err)
			}
			if err := script.Save(out, sc); err != nil {
				return err
			}
			logger.Info("Recording saved", zap.String("path", out), zap.String("script", sc.Name))
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s\n", out)
			return nil
		},
	}

	recordCmd.Flags().StringVarP(&startURL, "url", "u", "", "URL to open when recording starts")
	recordCmd.Flags().StringVar(&appendPath, "append", "", "Existing script to append the recording to")
	recordCmd.Flags().DurationVar(&duration, "duration", 0, "Stop recording after this long (0 waits for Ctrl+C)")
	recordCmd.Flags().StringVar(&name, "name", "", "Script name (defaults to the output file name)")
	recordCmd.Flags().Bool("headless", false, "Run the browser without a window")
	return recordCmd
}

package cmd

import (
	"fmt"
	"strings"

	"github.com/hpcloud/tail"
	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
)

func newLogsCmd(a *app) *cobra.Command {
	var (
		file     string
		follow   bool
		fromEnd  bool
		raw      bool
		minLevel string
	)

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Shows the replay log file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if file == "" {
				file = a.cfg.Logger().LogFile
			}
			if file == "" {
				return fmt.Errorf("no log file configured (logger.log_file)")
			}
			path, err := expandPath(file)
			if err != nil {
				return err
			}
			var threshold zapcore.Level
			if err := threshold.UnmarshalText([]byte(minLevel)); err != nil {
				return fmt.Errorf("invalid --level %q: %w", minLevel, err)
			}

			tcfg := tail.Config{
				Follow:    follow,
				ReOpen:    follow,
				MustExist: true,
				Logger:    tail.DiscardingLogger,
			}
			if follow && fromEnd {
				tcfg.Location = &tail.SeekInfo{Offset: 0, Whence: 2}
			}
			t, err := tail.TailFile(path, tcfg)
			if err != nil {
				return fmt.Errorf("failed to tail log file: %w", err)
			}
			defer func() {
				_ = t.Stop()
				t.Cleanup()
			}()

			out := cmd.OutOrStdout()
			for {
				select {
				case <-ctx.Done():
					return nil
				case line, ok := <-t.Lines:
					if !ok {
						return nil
					}
					if line.Err != nil {
						return line.Err
					}
					if !levelAtLeast(line.Text, threshold) {
						continue
					}
					if raw {
						fmt.Fprintln(out, line.Text)
					} else {
						fmt.Fprintln(out, formatLogLine(line.Text))
					}
				}
			}
		},
	}

	logsCmd.Flags().StringVar(&file, "file", "", "Log file to read (defaults to logger.log_file)")
	logsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing lines as they are written")
	logsCmd.Flags().BoolVar(&fromEnd, "tail", false, "With --follow, start at the end of the file")
	logsCmd.Flags().BoolVar(&raw, "raw", false, "Print JSON lines unformatted")
	logsCmd.Flags().StringVar(&minLevel, "level", "debug", "Only show entries at or above this level")
	return logsCmd
}

// levelAtLeast reports whether a JSON log line is at or above min. Lines
// without a level are always shown.
func levelAtLeast(line string, min zapcore.Level) bool {
	lvl := json.Get([]byte(line), "level").ToString()
	if lvl == "" {
		return true
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(lvl))); err != nil {
		return true
	}
	return l >= min
}

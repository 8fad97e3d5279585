package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/scalpel-replay/internal/script"
)

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [scripts...]",
		Short: "Checks scripts for parse and reference errors",
		Long: `Parses and checks each script. Without arguments every script in the
configured script directory is checked.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := args
			if len(paths) == 0 {
				listed, err := script.List(a.cfg.Scheduler().ScriptDir)
				if err != nil {
					return err
				}
				paths = listed
			}

			out := cmd.OutOrStdout()
			failed := 0
			for _, p := range paths {
				path, err := expandPath(p)
				if err == nil {
					_, err = script.Load(path)
				}
				if err != nil {
					failed++
					fmt.Fprintf(out, "%s %s\n  %s\n", failStyle.Render("FAIL"), p, err)
					continue
				}
				fmt.Fprintf(out, "%s %s\n", okStyle.Render("ok  "), p)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d scripts are invalid", failed, len(paths))
			}
			return nil
		},
	}
}

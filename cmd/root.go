// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/internal/config"
	"github.com/xkilldash9x/scalpel-replay/internal/observability"
	"github.com/xkilldash9x/scalpel-replay/internal/service"
)

const envPrefix = "SCALPEL_REPLAY"

// app carries the state shared by every subcommand of one root command.
type app struct {
	cfgFile string
	cfg     config.Interface
	factory service.ComponentFactory
}

// NewRootCommand builds the command tree with the production component factory.
func NewRootCommand() *cobra.Command {
	return newRootCommand(service.NewComponentFactory())
}

func newRootCommand(factory service.ComponentFactory) *cobra.Command {
	a := &app{factory: factory}

	rootCmd := &cobra.Command{
		Use:   "scalpel-replay",
		Short: "Record browser sessions and replay them as resilient scripts.",
		// Version is dynamically set at build time. See cmd/version.go.
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// This function runs before any command, setting up config and logging.
			v := viper.New()
			config.SetDefaults(v)
			if err := initializeConfig(cmd, v, a.cfgFile); err != nil {
				// Initialize a fallback logger if config loading fails.
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "scalpel-replay"})
				return err
			}
			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "scalpel-replay"})
				return err
			}
			a.cfg = cfg
			observability.InitializeLogger(cfg.Logger())

			observability.GetLogger().Debug("Starting scalpel-replay", zap.String("version", Version), zap.String("command", cmd.Name()))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./config.yaml or ~/.scalpel-replay/config.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(
		newReplayCmd(a),
		newRecordCmd(a),
		newServeCmd(a),
		newValidateCmd(a),
		newTokenCmd(a),
		newLogsCmd(a),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the command tree with a signal-aware context.
func Execute(ctx context.Context) error {
	rootCmd := NewRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return nil
	}
	// Use the logger if available, otherwise fall back to stderr.
	if errors.Is(err, context.Canceled) {
		observability.GetLogger().Info("Command aborted.")
	} else {
		fmt.Fprintln(os.Stderr, "Error:", err)
		observability.GetLogger().Debug("Command execution failed", zap.Error(err))
	}
	observability.Sync()
	return err
}

// initializeConfig reads in the config file and environment variables.
func initializeConfig(cmd *cobra.Command, v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".scalpel-replay"))
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; proceed with defaults/env vars
	}

	return bindFlags(cmd, v)
}

// flagKeys maps command flags onto config keys so flags override the file
// and the environment.
var flagKeys = map[string]string{
	"headless":  "browser.headless",
	"min-score": "replay.min_match_score",
	"output":    "results.output_dir",
	"compress":  "results.compress",
	"addr":      "server.addr",
	"scripts":   "scheduler.script_dir",
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	for flag, key := range flagKeys {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}
	return nil
}

// expandPath resolves a leading ~ in user supplied paths.
func expandPath(p string) (string, error) {
	expanded, err := homedir.Expand(p)
	if err != nil {
		return "", fmt.Errorf("invalid path %q: %w", p, err)
	}
	return expanded, nil
}

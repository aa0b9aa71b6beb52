package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sliverarmory/exepack"
	"github.com/sliverarmory/exepack/internal/config"
	"github.com/sliverarmory/exepack/internal/observability"
)

// app carries state shared by subcommands once the root command has
// loaded configuration.
type app struct {
	configPath string
	logLevel   string

	cfg     *config.Config
	log     *zap.Logger
	toolkit *exepack.Toolkit
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:          "exepack",
		Short:        "Detect, pack and patch PE, ELF and Mach-O executables",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level override: debug, info, warn, error")

	rootCmd.AddCommand(
		newDetectCmd(a),
		newPackCmd(a),
		newReplaceCmd(a),
	)
	return rootCmd
}

func (a *app) init() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		if err := config.ValidateLevel(a.logLevel); err != nil {
			return fmt.Errorf("--log-level: %w", err)
		}
		cfg.Log.Level = a.logLevel
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.log = logger
	a.toolkit = exepack.New(exepack.WithLogger(logger))
	return nil
}

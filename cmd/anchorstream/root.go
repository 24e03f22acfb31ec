package main

import (
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"anchorstream/internal/config"
	"anchorstream/internal/logging"
)

type commandContext struct {
	configFlag *string
	levelFlag  *string

	once   sync.Once
	config *config.Config
	logger *zap.SugaredLogger
	err    error
}

func (c *commandContext) ensure() (*config.Config, *zap.SugaredLogger, error) {
	c.once.Do(func() {
		cfg, err := config.Load(strings.TrimSpace(*c.configFlag))
		if err != nil {
			c.err = err
			return
		}
		level := cfg.Log.Level
		if *c.levelFlag != "" {
			level = *c.levelFlag
		}
		logger, err := logging.New("anchorstream", level, cfg.Log.Format)
		if err != nil {
			c.err = err
			return
		}
		c.config = cfg
		c.logger = logger
	})
	return c.config, c.logger, c.err
}

func newRootCommand() *cobra.Command {
	var configFlag, levelFlag string
	ctx := &commandContext{configFlag: &configFlag, levelFlag: &levelFlag}

	rootCmd := &cobra.Command{
		Use:           "anchorstream",
		Short:         "Stream camera frames to an inference server and place labeled markers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&levelFlag, "log-level", "", "Override log.level")

	rootCmd.AddCommand(newRunCommand(ctx))
	rootCmd.AddCommand(newMockServerCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))
	return rootCmd
}

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as TOML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := ctx.ensure()
			if err != nil {
				return err
			}
			payload, err := config.Encode(*cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(payload)
			return err
		},
	})
	return configCmd
}

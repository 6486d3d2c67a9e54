package main

import (
	"github.com/spf13/cobra"

	"github.com/teslashibe/go-attend/internal/config"
	"github.com/teslashibe/go-attend/internal/log"
)

// app carries state resolved by the root command to its subcommands.
type app struct {
	cfgFile string
	debug   bool
	config  config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "attend",
		Short:         "Multimodal pointing and selection engine for gaze and gesture input",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(a.cfgFile)
		if err != nil {
			return err
		}
		if a.debug {
			cfg.Log.Level = "debug"
		}
		a.config = cfg
		log.Init(cfg.Log.Level, cfg.Log.JSON)
		return nil
	}
	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./attend.yaml)")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "enable debug logging")

	root.AddCommand(newServeCmd(a), newCalibrateCmd(a))
	return root
}

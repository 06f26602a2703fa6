package main

import (
	"github.com/spf13/cobra"

	"github.com/zeusync/serialstate/internal/config"
	"github.com/zeusync/serialstate/internal/injector"
)

type app struct {
	configPath string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "serialctl",
		Short:         "inspect, convert and store serialized state documents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default: serialstate.yaml in ., ./configs or ~/.serialstate)")

	cmd.AddCommand(
		a.inspectCmd(),
		a.convertCmd(),
		a.verifyCmd(),
		a.snapshotCmd(),
	)
	return cmd
}

func (a *app) toolkit() (*injector.Toolkit, func(), error) {
	return injector.InitializeToolkit(a.cfg)
}

func (a *app) snapshots() (*injector.Snapshots, func(), error) {
	return injector.InitializeSnapshots(a.cfg)
}

package main

import (
	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long:  `Apply pending migrations and serve the privilege enforcement API until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app := serverApp()
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}

package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long:  `Bring the schema up to date and, when enabled, bootstrap the privilege catalog.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), fx.New(infrastructure(), fx.NopLogger))
		},
	}
}

// runOnce starts the app so its invokes run, then stops it.
func runOnce(ctx context.Context, app *fx.App) error {
	if err := app.Err(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := app.Start(ctx); err != nil {
		return err
	}
	return app.Stop(context.Background())
}

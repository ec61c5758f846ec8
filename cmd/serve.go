package cmd

import (
	"context"
	"fmt"

	"sentinel/bootstrap"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server",
		Long:  "Load the configuration, seed the rule set and serve the gateway API until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), configFile)
		},
	}
}

// runServer initializes and runs the gateway until a shutdown signal.
func runServer(ctx context.Context, path string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, logger, _, err := bootstrap.InitConfig(path)
	if err != nil {
		return err
	}

	app, err := bootstrap.NewApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer app.Shutdown()

	app.Start(ctx)
	if err := app.Wait(ctx); err != nil {
		return fmt.Errorf("server stopped: %w", err)
	}
	return nil
}

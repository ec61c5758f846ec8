// Package bootstrap wires configuration, storage, the rule engine, rate
// limiting and notification channels into a running gateway.
//
// Usage:
//
//	cfg, _, err := config.LoadConfig(path)
//	if err != nil {
//	    return err
//	}
//	app, err := bootstrap.NewApp(ctx, cfg, logger)
//	if err != nil {
//	    return err
//	}
//	defer app.Shutdown()
//
//	app.Start(ctx)
//	return app.Wait(ctx)
package bootstrap

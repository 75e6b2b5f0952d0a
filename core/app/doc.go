// Package app boots a runtime: an [actor.Registry] bound to an
// [engine.Engine], with the logger service already registered.
//
// # Basic Usage
//
//	a, err := app.Run(app.Config{
//	    Engine: engine.Options{Workers: 8},
//	    Logger: app.LoggerConfig{Path: "/var/log/svcrt.log"},
//	    Bootstrap: func(a *app.App) error {
//	        _, err := a.Register("echo", echo.New(echo.Options{Port: 7000}))
//	        return err
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Graceful shutdown
//	a.Shutdown(ctx)
//
// The engine stops on its own once every service, the logger included, has
// retired. [engine.Engine.Hup] makes the logger reopen its file.
package app

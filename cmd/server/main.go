// Command server runs the inference gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/helixflow/helixgate/internal/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "config file path (default: ./config.yaml, ./configs/config.yaml, /etc/helixgate/config.yaml)")
	flag.Parse()

	path := *configPath
	if path == "" {
		path = os.Getenv("HELIXGATE_CONFIG")
	}

	app, cleanup, err := initializeApplication(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "helixgate: %v\n", err)
		os.Exit(1)
	}

	flush, err := logger.Init(logger.Options{
		Level:      app.Config.Log.Level,
		Format:     app.Config.Log.Format,
		Output:     app.Config.Log.Output,
		MaxSizeMB:  app.Config.Log.MaxSizeMB,
		MaxBackups: app.Config.Log.MaxBackups,
		MaxAgeDays: app.Config.Log.MaxAgeDays,
		Compress:   app.Config.Log.Compress,
	})
	if err != nil {
		cleanup()
		fmt.Fprintf(os.Stderr, "helixgate: %v\n", err)
		os.Exit(1)
	}

	runErr := run(app)

	// Application services stop before the injector cleanup closes the
	// stores, so the final usage flush still has somewhere to write.
	app.Cleanup()
	cleanup()
	flush()

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "helixgate: %v\n", runErr)
		os.Exit(1)
	}
}

// run serves until a shutdown signal or a listener failure, then drains.
func run(app *Application) error {
	app.Scheduler.Start()
	if err := app.Janitor.Start(); err != nil {
		return fmt.Errorf("start janitor: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.L().Info("server.listening", zap.String("addr", app.Server.Addr))
		if err := app.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.L().Info("server.shutdown_signal", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), app.Config.Server.ShutdownTimeoutOrDefault())
	defer cancel()

	// Stop accepting requests first. Open streams hold Shutdown until
	// they finish or the deadline passes; the scheduler drain below
	// force-cancels whatever outlives it.
	if err := app.Server.Shutdown(ctx); err != nil {
		logger.L().Warn("server.shutdown_incomplete", zap.Error(err))
	}
	app.Janitor.Stop()
	if err := app.Scheduler.Stop(ctx); err != nil {
		logger.L().Warn("scheduler.stop_failed", zap.Error(err))
	}
	return <-errCh
}

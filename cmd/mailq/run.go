package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gorilla/handlers"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/mailq/api"
	"github.com/xraph/mailq/retention"
)

func runCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler, the wake sources and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), c)
		},
	}
}

func runDaemon(ctx context.Context, c *cli) error {
	e, err := openEnv(ctx, c.cfg, c.logger, true)
	if err != nil {
		return err
	}
	// eng.Run closes the store on the way out.
	defer e.closeRedis()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.eng.Run(gctx) })

	if c.cfg.Retention.MaxAge > 0 {
		janitor, err := retention.New(e.eng.Store(), c.cfg.Retention.MaxAge,
			retention.WithSchedule(c.cfg.Retention.Schedule),
			retention.WithLogger(c.logger),
		)
		if err != nil {
			return errors.Join(err, e.eng.Stop(context.WithoutCancel(ctx)))
		}
		g.Go(func() error { return janitor.Run(gctx) })
	}

	if c.cfg.API.Addr != "" {
		srv := newHTTPServer(c, e)
		g.Go(func() error {
			c.logger.Info("http api listening", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Scheduler.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	notify(c.logger, daemon.SdNotifyReady)
	err = g.Wait()
	notify(c.logger, daemon.SdNotifyStopping)
	return err
}

func newHTTPServer(c *cli, e *env) *http.Server {
	var h http.Handler = api.New(e.eng, api.WithLogger(c.logger)).Handler()
	if c.cfg.API.AccessLog {
		h = handlers.CombinedLoggingHandler(os.Stdout, h)
	}
	h = handlers.RecoveryHandler(
		handlers.RecoveryLogger(slog.NewLogLogger(c.logger.Handler(), slog.LevelError)),
	)(h)

	return &http.Server{
		Addr:              c.cfg.API.Addr,
		Handler:           h,
		ReadHeaderTimeout: c.cfg.API.ReadHeaderTimeout,
	}
}

// notify is a no-op outside systemd.
func notify(logger *slog.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		logger.Warn("sd_notify failed", slog.String("state", state), slog.String("error", err.Error()))
	}
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bitfsorg/path402-go/api"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background workers",
		Long: `Runs the HTTP API, the notarization outbox, and the dividend scheduler
until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	n, err := a.buildNode(ctx)
	if err != nil {
		return err
	}
	defer n.Close()

	srv := &http.Server{
		Addr: a.cfg.ListenAddr,
		Handler: api.New(n.ledger, n.dividends,
			api.WithLogger(a.logger.Named("api")),
			api.WithMetrics(n.metrics)).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	outboxDone := make(chan error, 1)
	go func() { outboxDone <- n.outbox.Run(ctx) }()

	quit := make(chan struct{})
	tickers := []*time.Ticker{
		schedule(a.task(ctx, "distribute", n.distributeAll), a.cfg.DistributeInterval, quit),
		schedule(a.task(ctx, "settle", n.settlePending), a.cfg.SettleInterval, quit),
		schedule(a.task(ctx, "prune nonces", n.pruneNonces), a.cfg.OutboxInterval, quit),
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	var runErr error
	select {
	case s := <-stop:
		a.logger.Info("stopping", zap.Stringer("signal", s))
	case runErr = <-serveErr:
	case <-ctx.Done():
	}

	close(quit)
	for _, t := range tickers {
		t.Stop()
	}
	shutdownCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown", zap.Error(err))
	}
	cancel()
	if err := <-outboxDone; err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Warn("outbox worker", zap.Error(err))
	}
	return runErr
}

// schedule runs task every interval until done is closed. The ticker is
// paused while task runs, so runs never overlap.
func schedule(task func(), interval time.Duration, done <-chan struct{}) *time.Ticker {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				ticker.Stop()
				task()
				ticker.Reset(interval)
			case <-done:
				return
			}
		}
	}()
	return ticker
}

// task adapts a counted job to schedule, logging its outcome.
func (a *app) task(ctx context.Context, name string, job func(context.Context) (int, error)) func() {
	return func() {
		n, err := job(ctx)
		switch {
		case err != nil:
			a.logger.Error(name+" failed", zap.Int("count", n), zap.Error(err))
		case n > 0:
			a.logger.Info(name, zap.Int("count", n))
		}
	}
}

func (n *node) distributeAll(ctx context.Context) (int, error) {
	ds, err := n.dividends.DistributeAll(ctx)
	return len(ds), err
}

func (n *node) settlePending(ctx context.Context) (int, error) {
	return n.dividends.ProcessPending(ctx)
}

func (n *node) pruneNonces(ctx context.Context) (int, error) {
	return n.store.PruneNonces(ctx)
}

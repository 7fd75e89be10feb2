package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/searchktools/topk-server/config"
	"github.com/searchktools/topk-server/core"
)

// App runs a master server until it is interrupted
type App struct {
	cfg    *config.Config
	log    *zap.Logger
	master *core.Master

	signals chan os.Signal
}

// New validates cfg and creates the master server
func New(cfg *config.Config, log *zap.Logger, opts ...core.Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	opts = append([]core.Option{core.WithLogger(log)}, opts...)
	master, err := core.NewMaster(cfg.Master(), opts...)
	if err != nil {
		return nil, fmt.Errorf("create server: %w", err)
	}

	return &App{
		cfg:     cfg,
		log:     log,
		master:  master,
		signals: make(chan os.Signal, 1),
	}, nil
}

// Master returns the underlying server
func (a *App) Master() *core.Master {
	return a.master
}

// Addr returns the bound address once Run has started listening
func (a *App) Addr() net.Addr {
	return a.master.Addr()
}

// Run binds the listener and serves until SIGINT, SIGTERM or ctx ends.
// It returns after the work queue has drained.
func (a *App) Run(ctx context.Context) error {
	if err := a.master.Listen(); err != nil {
		return err
	}

	signal.Notify(a.signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(a.signals)
	go a.awaitSignal()

	a.log.Info("topk server starting",
		zap.Stringer("address", a.master.Addr()),
		zap.Int("workers", a.cfg.Server.Workers),
		zap.Int("top_k", a.cfg.Server.TopK),
	)

	err := a.master.Serve(ctx)
	a.log.Info("topk server stopped")
	return err
}

// Shutdown stops accepting connections; Run returns once in-flight work is done
func (a *App) Shutdown() error {
	return a.master.Shutdown()
}

func (a *App) awaitSignal() {
	select {
	case sig := <-a.signals:
		a.log.Info("signal received, shutting down", zap.Stringer("signal", sig))
		if err := a.master.Shutdown(); err != nil {
			a.log.Warn("shutdown failed", zap.Error(err))
		}
	case <-a.master.Done():
	}
}

// Close stops the server if it is still running and flushes the logger
func (a *App) Close() error {
	err := a.master.Shutdown()

	// syncing a terminal fails with EINVAL or ENOTTY on some platforms
	if syncErr := a.log.Sync(); syncErr != nil &&
		!errors.Is(syncErr, syscall.EINVAL) && !errors.Is(syncErr, syscall.ENOTTY) {
		err = multierr.Append(err, fmt.Errorf("sync logger: %w", syncErr))
	}
	return err
}

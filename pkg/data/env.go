package data

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/polisai/upsg/pkg/storage"
)

// ConversionObserver is notified after every converter invocation.
type ConversionObserver func(ctx context.Context, from, to Kind, elapsed time.Duration, err error)

// Env is the provisioning context handed to handles and stages. Nil fields
// disable the corresponding backend; conversions that need it fail with
// domain.ErrNoBackend.
type Env struct {
	TempDir  string
	SQL      *storage.SQLStore
	Objects  *storage.ObjectStore
	Registry *Registry
	Observer ConversionObserver
	Logger   *slog.Logger
}

func (e *Env) registry() *Registry {
	if e == nil || e.Registry == nil {
		return DefaultRegistry()
	}
	return e.Registry
}

func (e *Env) logger() *slog.Logger {
	if e == nil || e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func (e *Env) tempDir() string {
	if e == nil || e.TempDir == "" {
		return os.TempDir()
	}
	return e.TempDir
}

func (e *Env) observe(ctx context.Context, from, to Kind, elapsed time.Duration, err error) {
	if e == nil || e.Observer == nil {
		return
	}
	e.Observer(ctx, from, to, elapsed, err)
}

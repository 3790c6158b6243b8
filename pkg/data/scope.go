package data

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/polisai/upsg/pkg/domain"
	"github.com/polisai/upsg/pkg/storage"
)

// Scope collects cleanups for external resources and runs them in reverse
// acquisition order on Close.
type Scope struct {
	mu       sync.Mutex
	cleanups []func(context.Context) error
	closed   bool

	once     sync.Once
	closeErr error
}

// NewScope returns an empty scope.
func NewScope() *Scope {
	return &Scope{}
}

// Add registers fn to run on Close. Adding to a closed scope runs fn
// immediately and returns a phase error joined with fn's result.
func (s *Scope) Add(fn func(context.Context) error) error {
	s.mu.Lock()
	if !s.closed {
		s.cleanups = append(s.cleanups, fn)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	err := fmt.Errorf("%w: scope already closed", domain.ErrPhase)
	return errors.Join(err, fn(context.Background()))
}

// TempFile creates an empty file in dir and registers its removal.
func (s *Scope) TempFile(dir, pattern string) (string, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	path := f.Name()
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := s.Add(func(context.Context) error { return removeFile(path) }); err != nil {
		return "", err
	}
	return path, nil
}

// TempTable reserves a fresh table name in store and registers its drop.
// The table itself is created by the caller.
func (s *Scope) TempTable(store *storage.SQLStore) (string, error) {
	name := storage.TempTableName()
	if err := s.Add(func(ctx context.Context) error { return store.DropTable(ctx, name) }); err != nil {
		return "", err
	}
	return name, nil
}

// TempObject reserves a fresh object key and registers its removal.
func (s *Scope) TempObject(store *storage.ObjectStore, suffix string) (string, error) {
	key := storage.TempObjectKey(suffix)
	if err := s.Add(func(ctx context.Context) error { return store.Remove(ctx, "", key) }); err != nil {
		return "", err
	}
	return key, nil
}

// Close runs every cleanup, last registered first. Errors are joined; later
// calls return the result of the first.
func (s *Scope) Close(ctx context.Context) error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		cleanups := s.cleanups
		s.cleanups = nil
		s.mu.Unlock()

		var errs []error
		for i := len(cleanups) - 1; i >= 0; i-- {
			if err := cleanups[i](ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

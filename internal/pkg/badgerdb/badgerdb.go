// Package badgerdb provides embedded BadgerDB connection utilities.
package badgerdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Config contains BadgerDB configuration.
type Config struct {
	Path       string
	InMemory   bool
	SyncWrites bool
	// GCInterval is how often the value log is garbage collected. Zero disables GC.
	GCInterval     time.Duration
	GCDiscardRatio float64
}

// DB wraps a badger database together with its value log GC loop.
type DB struct {
	*badger.DB

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Open opens the database described by cfg.
func Open(cfg Config) (*DB, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("badger path is required")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory: %w", err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&logger{l: slog.Default().With("component", "badger")})

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	db := &DB{DB: bdb, stopCh: make(chan struct{})}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		db.wg.Add(1)
		go db.runGC(cfg.GCInterval, ratio)
	}

	slog.Info("opened badger database", "path", cfg.Path, "in_memory", cfg.InMemory)
	return db, nil
}

// Close stops the GC loop and closes the database.
func (d *DB) Close() error {
	close(d.stopCh)
	d.wg.Wait()
	return d.DB.Close()
}

// Update runs fn in a read-write transaction unless ctx is already done.
func (d *DB) Update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.DB.Update(fn)
}

// View runs fn in a read-only transaction unless ctx is already done.
func (d *DB) View(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.DB.View(fn)
}

func (d *DB) runGC(interval time.Duration, ratio float64) {
	defer d.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			if err := d.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				slog.Warn("badger value log gc failed", "error", err)
			}
		}
	}
}

// logger adapts slog to badger's logger interface.
type logger struct {
	l *slog.Logger
}

func (l *logger) Errorf(format string, args ...any) {
	l.l.Error(fmt.Sprintf(format, args...))
}

func (l *logger) Warningf(format string, args ...any) {
	l.l.Warn(fmt.Sprintf(format, args...))
}

func (l *logger) Infof(format string, args ...any) {
	l.l.Debug(fmt.Sprintf(format, args...))
}

func (l *logger) Debugf(format string, args ...any) {
	l.l.Debug(fmt.Sprintf(format, args...))
}

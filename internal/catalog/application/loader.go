package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	catalog "loomwatch/internal/catalog/domain"
	"loomwatch/internal/observability/metrics"
)

// Replacer swaps the whole catalog contents.
type Replacer interface {
	Replace(ctx context.Context, materials []catalog.Material) error
}

// Broadcaster pushes a message to live subscribers.
type Broadcaster interface {
	Broadcast(msgType string, data any)
}

// ReadFunc parses a catalog file.
type ReadFunc func(path string) ([]catalog.Material, error)

// Loader imports catalog spreadsheets into the catalog store.
type Loader struct {
	read        ReadFunc
	targets     []Replacer
	broadcaster Broadcaster
	logger      *log.Logger
}

// LoaderOption configures the loader.
type LoaderOption func(*Loader)

// WithBroadcaster announces every successful import with a material_update message.
func WithBroadcaster(b Broadcaster) LoaderOption {
	return func(l *Loader) {
		l.broadcaster = b
	}
}

// NewLoader constructs a Loader writing to every target in order.
func NewLoader(read ReadFunc, logger *log.Logger, targets []Replacer, opts ...LoaderOption) (*Loader, error) {
	if read == nil {
		return nil, errors.New("catalog loader: nil reader")
	}
	if len(targets) == 0 {
		return nil, errors.New("catalog loader: no targets")
	}
	for _, t := range targets {
		if t == nil {
			return nil, errors.New("catalog loader: nil target")
		}
	}
	if logger == nil {
		logger = log.Default()
	}
	l := &Loader{read: read, targets: targets, logger: logger}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// LoadFile replaces the catalog with the file contents. A file that fails to parse
// leaves the current catalog untouched.
func (l *Loader) LoadFile(ctx context.Context, path string) (int, error) {
	materials, err := l.read(path)
	if err != nil {
		metrics.IncCatalogReload(metrics.ResultError)
		return 0, err
	}
	for _, target := range l.targets {
		if err := target.Replace(ctx, materials); err != nil {
			metrics.IncCatalogReload(metrics.ResultError)
			return 0, fmt.Errorf("catalog loader: replace: %w", err)
		}
	}
	metrics.IncCatalogReload(metrics.ResultSuccess)
	if l.broadcaster != nil {
		l.broadcaster.Broadcast("material_update", materials)
	}
	return len(materials), nil
}

// Watch reloads the file whenever it is written or replaced, until ctx is done.
// The parent directory is watched so editors that save through a rename are seen.
func (l *Loader) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}
	l.logger.Printf("catalog: watching %s", abs)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			count, err := l.LoadFile(ctx, abs)
			if err != nil {
				l.logger.Printf("catalog: reload failed, keeping previous catalog: %v", err)
				continue
			}
			l.logger.Printf("catalog: reloaded materials=%d", count)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Printf("catalog: watcher error: %v", err)
		}
	}
}

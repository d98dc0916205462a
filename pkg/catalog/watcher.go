package catalog

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/opsforge/opsforge/pkg/stores"
	"github.com/opsforge/opsforge/pkg/telemetry"
)

// debounceWindow coalesces the burst of filesystem events an editor save
// produces into one re-sync.
const debounceWindow = 250 * time.Millisecond

// Watcher re-syncs the catalog file into the store when it changes.
type Watcher struct {
	path    string
	store   stores.Store
	logger  *telemetry.Logger
	watcher *fsnotify.Watcher
}

// NewWatcher creates a watcher for the catalog file. Call Run to start it.
func NewWatcher(path string, store stores.Store, logger *telemetry.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := fsw.Add(path); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	return &Watcher{
		path:    path,
		store:   store,
		logger:  logger.NewComponentLogger("catalog-watcher"),
		watcher: fsw,
	}, nil
}

// Run blocks, re-syncing on changes, until the context is cancelled. A
// catalog file that fails to parse is logged and skipped; the store keeps
// its last good state.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() {
		_ = w.watcher.Close()
	}()

	var timer *time.Timer
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
			} else {
				timer.Reset(debounceWindow)
			}
			pending = timer.C

		case <-pending:
			pending = nil
			w.resync(ctx)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("catalog watch error")
		}
	}
}

func (w *Watcher) resync(ctx context.Context) {
	file, err := Load(w.path)
	if err != nil {
		w.logger.WithError(err).Error("catalog reload failed, keeping previous state")
		return
	}
	if err := file.Sync(ctx, w.store); err != nil {
		w.logger.WithError(err).Error("catalog sync failed")
		return
	}
	w.logger.Infof("catalog re-synced: %d runbooks", len(file.Runbooks))
}

package plans

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/platinummonkey/creditd/pkg/observability"
)

// Watcher serves a catalog file and reloads it when the file changes.
// A file that fails to parse leaves the previous catalog in place.
type Watcher struct {
	path    string
	logger  *observability.Logger
	current atomic.Pointer[Catalog]
}

var _ Resolver = (*Watcher)(nil)

// NewWatcher loads path. The initial load must succeed.
func NewWatcher(path string, logger *observability.Logger) (*Watcher, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	w := &Watcher{path: path, logger: logger.WithField("catalog", path)}
	if err := w.Reload(); err != nil {
		return nil, err
	}
	return w, nil
}

// Reload re-reads the catalog file
func (w *Watcher) Reload() error {
	c, err := LoadCatalog(w.path)
	if err != nil {
		return err
	}
	w.current.Store(c)
	plans, packs := c.Len()
	w.logger.WithFields(map[string]interface{}{
		"plans":        plans,
		"credit_packs": packs,
	}).Info("Catalog loaded")
	return nil
}

// Current returns the catalog in effect
func (w *Watcher) Current() *Catalog {
	return w.current.Load()
}

// Run watches the catalog's directory until ctx is done. The directory is
// watched instead of the file so that editors replacing the file by rename
// are noticed.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := w.Reload(); err != nil {
				w.logger.WithError(err).Warn("Catalog reload failed; keeping previous catalog")
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("Catalog watcher error")
		}
	}
}

// PlanIDForPrice implements Resolver
func (w *Watcher) PlanIDForPrice(priceID string) (PlanID, bool) {
	return w.Current().PlanIDForPrice(priceID)
}

// CreditsForPlan implements Resolver
func (w *Watcher) CreditsForPlan(planID PlanID) (PlanCredits, bool) {
	return w.Current().CreditsForPlan(planID)
}

// CreditPackForPrice implements Resolver
func (w *Watcher) CreditPackForPrice(priceID string) (CreditPack, bool) {
	return w.Current().CreditPackForPrice(priceID)
}

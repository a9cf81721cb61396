package config

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jjmerchante/cauldron-pool-scheduler/pkg/telemetry"
)

// CredentialWatcher reloads the credential file on change.
type CredentialWatcher struct {
	log     *telemetry.Logger
	path    string
	watcher *fsnotify.Watcher
}

// NewCredentialWatcher creates a watcher for the given credential file.
func NewCredentialWatcher(log *telemetry.Logger, path string) *CredentialWatcher {
	if log == nil {
		log = telemetry.NopLogger()
	}
	return &CredentialWatcher{
		log:  log.NewComponentLogger("credential-watcher"),
		path: path,
	}
}

// Watch starts watching the credential file and calls reloadFn with the
// freshly parsed contents after every change. Reloads are debounced;
// editors that replace files trigger Create events, so both Write and
// Create are handled.
func (w *CredentialWatcher) Watch(ctx context.Context, reloadFn func(*CredentialFile) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	w.watcher = watcher

	if err := watcher.Add(w.path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch credentials file: %w", err)
	}

	go w.processEvents(ctx, reloadFn)

	w.log.WithField("path", w.path).Info("Watching credentials file")
	return nil
}

// processEvents drains watcher events and triggers debounced reloads.
func (w *CredentialWatcher) processEvents(ctx context.Context, reloadFn func(*CredentialFile) error) {
	var reloadTimer *time.Timer
	reloadDelay := 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			if w.watcher != nil {
				_ = w.watcher.Close()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.log.WithField("op", event.Op.String()).Debug("Credentials file changed")

				if reloadTimer != nil {
					reloadTimer.Stop()
				}
				reloadTimer = time.AfterFunc(reloadDelay, func() {
					if err := w.triggerReload(reloadFn); err != nil {
						w.log.WithError(err).Error("Failed to reload credentials")
					}
				})
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Error("Watcher error")
		}
	}
}

func (w *CredentialWatcher) triggerReload(reloadFn func(*CredentialFile) error) error {
	creds, err := LoadCredentials(w.path)
	if err != nil {
		return err
	}

	if err := reloadFn(creds); err != nil {
		return fmt.Errorf("failed to apply reloaded credentials: %w", err)
	}

	w.log.WithField("users", len(creds.Users)).Info("Credentials reloaded")
	return nil
}

// Stop stops watching for file changes.
func (w *CredentialWatcher) Stop() error {
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}

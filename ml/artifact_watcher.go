package ml

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatchArtifact reports changes to the model file until ctx is done. The
// loaded model is never replaced; a change only means a restart is needed.
// onChange may be nil.
func WatchArtifact(ctx context.Context, path string, logger *zap.Logger, onChange func(fsnotify.Op)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// The directory is watched so that replace-by-rename is seen too.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}
	target := filepath.Clean(path)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
					!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
					continue
				}
				logger.Warn("model artifact changed on disk; restart to load it",
					zap.String("path", path),
					zap.String("op", event.Op.String()))
				if onChange != nil {
					onChange(event.Op)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error("model artifact watcher", zap.Error(err))
			}
		}
	}()
	return nil
}

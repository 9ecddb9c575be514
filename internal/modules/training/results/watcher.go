package results

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watch calls onChange whenever the result artifact is created, written or
// renamed into place. The directory is watched rather than the file because
// the file is replaced on every job. Watch returns once the watcher is
// installed; it stops when ctx is done.
func (s *Store) Watch(ctx context.Context, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create artifact watcher: %w", err)
	}

	dir := filepath.Dir(s.resultsPath)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go s.watchLoop(ctx, w, onChange)
	return nil
}

func (s *Store) watchLoop(ctx context.Context, w *fsnotify.Watcher, onChange func()) {
	defer w.Close()
	name := filepath.Clean(s.resultsPath)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			s.log.Debug().Str("op", event.Op.String()).Msg("Result artifact changed on disk")
			onChange()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logWatchError(s.log, err)
		}
	}
}

func logWatchError(log zerolog.Logger, err error) {
	log.Warn().Err(err).Msg("Artifact watcher error")
}

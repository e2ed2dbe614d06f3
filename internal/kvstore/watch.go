package kvstore

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// foreignWriteGrace is how long after one of our own writes a filesystem
// event is still attributed to us. Renames and directory updates trail the
// Put that caused them.
const foreignWriteGrace = 2 * time.Second

// Watch logs a warning whenever the data directory is modified by something
// other than this Store. The underlying store supports exactly one writer
// process; a foreign write means the on-disk state can no longer be trusted.
//
// Watch blocks until ctx is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() {
		_ = w.Close()
	}()

	if err := s.addWatches(w, s.dir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			// The optional history repo lives inside the data dir.
			if isGitPath(s.dir, event.Name) {
				continue
			}
			// New subdirectories must be watched as they appear.
			if event.Op.Has(fsnotify.Create) {
				if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
					_ = w.Add(event.Name)
				}
			}
			last := time.Unix(0, s.lastWrite.Load())
			if time.Since(last) > foreignWriteGrace {
				slog.Warn("Data directory modified by another process",
					"path", event.Name, "op", event.Op.String())
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Error("Data directory watcher error", "err", err)
		}
	}
}

// addWatches registers dir and all existing subdirectories.
func (s *Store) addWatches(w *fsnotify.Watcher, dir string) error {
	if err := w.Add(dir); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() && entry.Name() != ".git" {
			if err := s.addWatches(w, filepath.Join(dir, entry.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

// isGitPath reports whether name falls under the ".git" directory inside
// root, where the optional change history repo keeps its state.
func isGitPath(root, name string) bool {
	rel, err := filepath.Rel(root, name)
	if err != nil {
		return false
	}
	return rel == ".git" || strings.HasPrefix(rel, ".git"+string(filepath.Separator))
}

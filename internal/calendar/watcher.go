/*
Copyright 2025 The Placeholder Scaler Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package calendar

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

// FileWatcher triggers a calendar refresh when a file-backed calendar
// source changes on disk, so edits take effect without waiting for the
// refresh interval.
type FileWatcher struct {
	path     string
	onChange func()
	log      logr.Logger
}

// NewFileWatcher creates a watcher for the given local calendar file.
func NewFileWatcher(path string, log logr.Logger, onChange func()) *FileWatcher {
	return &FileWatcher{
		path:     path,
		onChange: onChange,
		log:      log,
	}
}

// Start watches the calendar file until the context is cancelled. The
// parent directory is watched because editors and configmap mounts replace
// files instead of writing them in place.
func (w *FileWatcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close() //nolint:errcheck
		return err
	}

	w.log.Info("Started calendar file watcher", "path", w.path)

	base := filepath.Base(w.path)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			// Let the write settle before re-reading.
			time.Sleep(100 * time.Millisecond)
			w.log.Info("Calendar file changed, refreshing", "file", event.Name)
			w.onChange()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Error(err, "Calendar file watcher error")

		case <-ctx.Done():
			return watcher.Close()
		}
	}
}

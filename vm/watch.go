/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package vm

import (
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// ImageWatcher hot-reloads bytecode images (vm/serializer.go's
// WriteImage format) from a directory, re-running ReadImage and
// notifying a callback whenever a ".img" file is created or rewritten.
// Grounded on storage/compute.go's gls.Go-wrapped worker goroutines for
// keeping the watch loop's State binding explicit rather than implicit.
type ImageWatcher struct {
	fsw      *fsnotify.Watcher
	dir      string
	state    *State
	onReload func(name string, p *Proto, err error)
	done     chan struct{}
}

// NewImageWatcher watches dir for image file changes and invokes
// onReload with the freshly-deserialized Proto (or the error that
// prevented it) for each one. The watch loop runs bound to state so any
// code onReload triggers (e.g. re-JIT-compiling the reloaded Proto) sees
// a consistent CurrentState().
func NewImageWatcher(state *State, dir string, onReload func(name string, p *Proto, err error)) (*ImageWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, wrapError(KindInternal, "watch: failed to create fsnotify watcher", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, wrapError(KindInternal, "watch: failed to watch directory "+dir, err)
	}

	w := &ImageWatcher{
		fsw:      fsw,
		dir:      dir,
		state:    state,
		onReload: onReload,
		done:     make(chan struct{}),
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				Settings.Logger.Printf("[state %s] panic in image watch loop: %v\n%s", state.ID, r, debug.Stack())
			}
		}()
		WithState(state, w.loop)
	}()
	return w, nil
}

func (w *ImageWatcher) loop() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".img") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload(event.Name)
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		case <-w.done:
			return
		}
	}
}

func (w *ImageWatcher) reload(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.onReload(filepath.Base(path), nil, err)
		return
	}
	p, err := ReadImage(data)
	w.onReload(filepath.Base(path), p, err)
}

// Close stops the watch loop and releases the underlying fsnotify
// watcher.
func (w *ImageWatcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

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
	"testing"
	"time"
)

func TestImageWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	state := NewState("watch-test")

	type event struct {
		name string
		p    *Proto
		err  error
	}
	events := make(chan event, 4)

	w, err := NewImageWatcher(state, dir, func(name string, p *Proto, err error) {
		events <- event{name, p, err}
	})
	if err != nil {
		t.Fatalf("NewImageWatcher: %v", err)
	}
	defer w.Close()

	root := sampleImageProto()
	f, err := os.Create(filepath.Join(dir, "sample.img"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := WriteImage(f, root, DumpOptions{}); err != nil {
		t.Fatalf("WriteImage: %v", err)
	}
	f.Close()

	select {
	case e := <-events:
		if e.err != nil {
			t.Fatalf("unexpected reload error: %v", e.err)
		}
		if e.p == nil {
			t.Fatal("expected a non-nil reloaded Proto")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for image watcher to fire")
	}
}

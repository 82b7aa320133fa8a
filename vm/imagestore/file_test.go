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
package imagestore

import (
	"io"
	"testing"
)

func TestFileStoreWriteReadRoundTrip(t *testing.T) {
	factory := &FileFactory{Basepath: t.TempDir()}
	store := factory.Open("ns1")

	w, err := store.WriteImage("hello")
	if err != nil {
		t.Fatalf("WriteImage: %v", err)
	}
	if _, err := w.Write([]byte("bytecode payload")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := store.ReadImage("hello")
	if err != nil {
		t.Fatalf("ReadImage: %v", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "bytecode payload" {
		t.Fatalf("unexpected round-trip content: %q", data)
	}
}

func TestFileStoreListAndRemove(t *testing.T) {
	factory := &FileFactory{Basepath: t.TempDir()}
	store := factory.Open("ns1")

	for _, name := range []string{"a", "b", "c"} {
		w, err := store.WriteImage(name)
		if err != nil {
			t.Fatalf("WriteImage(%s): %v", name, err)
		}
		w.Close()
	}

	names, err := store.ListImages()
	if err != nil {
		t.Fatalf("ListImages: %v", err)
	}
	if len(names) != 3 {
		t.Fatalf("expected 3 images, got %d: %v", len(names), names)
	}

	if err := store.RemoveImage("b"); err != nil {
		t.Fatalf("RemoveImage: %v", err)
	}
	names, _ = store.ListImages()
	if len(names) != 2 {
		t.Fatalf("expected 2 images after removal, got %d: %v", len(names), names)
	}
}

func TestFileStoreListOnMissingNamespaceReturnsEmpty(t *testing.T) {
	factory := &FileFactory{Basepath: t.TempDir()}
	store := factory.Open("never-written")
	names, err := store.ListImages()
	if err != nil {
		t.Fatalf("ListImages on missing namespace should not error: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("expected no images, got %v", names)
	}
}

func TestSanitizeNameStripsSeparators(t *testing.T) {
	if got := sanitizeName("a/b/c"); got != "a_b_c" {
		t.Fatalf("expected path separators to be stripped, got %q", got)
	}
}

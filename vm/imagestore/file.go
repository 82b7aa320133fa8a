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
	"os"
	"path/filepath"
	"strings"
)

// FileStore persists images as plain files under a directory, grounded
// on storage/persistence-files.go's FileStorage (ReadColumn/WriteColumn/
// RemoveColumn pattern over os.Open/os.Create), generalized from
// shard+column naming to a single image-name key.
type FileStore struct {
	path string
}

// FileFactory mirrors storage/persistence-files.go's FileFactory.
type FileFactory struct {
	Basepath string
}

func (f *FileFactory) Open(namespace string) Store {
	return &FileStore{path: filepath.Join(f.Basepath, namespace) + string(filepath.Separator)}
}

func (s *FileStore) imagePath(name string) string {
	return s.path + sanitizeName(name) + ".img"
}

// sanitizeName strips path separators so a caller-chosen image name can
// never escape the store's directory.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, string(filepath.Separator), "_")
	return name
}

func (s *FileStore) ReadImage(name string) (io.ReadCloser, error) {
	return os.Open(s.imagePath(name))
}

func (s *FileStore) WriteImage(name string) (io.WriteCloser, error) {
	if err := os.MkdirAll(s.path, 0750); err != nil {
		return nil, err
	}
	return os.Create(s.imagePath(name))
}

func (s *FileStore) RemoveImage(name string) error {
	return os.Remove(s.imagePath(name))
}

func (s *FileStore) ListImages() ([]string, error) {
	entries, err := os.ReadDir(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".img") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".img"))
	}
	return names, nil
}

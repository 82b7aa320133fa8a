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

// Package imagestore holds pluggable backends for persisting serialized
// bytecode images (vm.WriteImage/vm.ReadImage) by name, generalized from
// storage/persistence.go's column/schema/log persistence interface down
// to the single concern this engine actually needs: a named blob store,
// since a bytecode image carries everything a Proto tree needs in one
// self-contained byte stream (no column/log split, no replay).
package imagestore

import "io"

// Store persists named bytecode images. Names are opaque keys chosen by
// the caller (vm/watch.go uses the source file's base name).
type Store interface {
	ReadImage(name string) (io.ReadCloser, error)
	WriteImage(name string) (io.WriteCloser, error)
	RemoveImage(name string) error
	ListImages() ([]string, error)
}

// Factory mirrors storage/persistence.go's PersistenceFactory: a
// configuration object that opens a concrete Store for one logical
// image namespace (e.g. one deployment/tenant).
type Factory interface {
	Open(namespace string) Store
}

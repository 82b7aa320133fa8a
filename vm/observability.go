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
	"encoding/json"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// LogEntry is one structured table-access record (spec.md §6 "Table-
// access observability"): timestamp, operation, and a type+repr pair
// for both the key and the value involved.
type LogEntry struct {
	Timestamp time.Time
	Op        string // "get" or "set"
	KeyType   string
	KeyRepr   string
	ValueType string
	ValueRepr string
}

// IntRange bounds a numeric key or value for the filter below; a nil
// *IntRange on ObservabilityFilter means "no range restriction".
type IntRange struct {
	Min, Max int64
}

func (r *IntRange) contains(v int64) bool {
	if r == nil {
		return true
	}
	return v >= r.Min && v <= r.Max
}

// ObservabilityFilter is the per-State predicate installed on the table
// get/set path (spec.md §6): include/exclude glob patterns over keys and
// values; exact-match include/exclude sets over ops and types (an entry
// passes the type sets if its key type or its value type does); an
// integer range for keys or values; and a dedup mode that suppresses
// repeated entries.
type ObservabilityFilter struct {
	IncludeKeyGlobs, ExcludeKeyGlobs     []string
	IncludeValueGlobs, ExcludeValueGlobs []string
	IncludeOps, ExcludeOps               []string
	IncludeTypes, ExcludeTypes           []string
	KeyRange, ValueRange                 *IntRange
	Dedup                                bool
}

func matchesAny(patterns []string, s string) bool {
	for _, pat := range patterns {
		if ok, _ := filepath.Match(pat, s); ok {
			return true
		}
	}
	return false
}

func passesGlobPair(include, exclude []string, s string) bool {
	if len(exclude) > 0 && matchesAny(exclude, s) {
		return false
	}
	if len(include) > 0 && !matchesAny(include, s) {
		return false
	}
	return true
}

func passesStringSet(include, exclude []string, s string) bool {
	if len(exclude) > 0 {
		for _, e := range exclude {
			if e == s {
				return false
			}
		}
	}
	if len(include) > 0 {
		for _, i := range include {
			if i == s {
				return true
			}
		}
		return false
	}
	return true
}

// Accepts reports whether e passes every configured predicate.
func (f *ObservabilityFilter) Accepts(e LogEntry) bool {
	if !passesStringSet(f.IncludeOps, f.ExcludeOps, e.Op) {
		return false
	}
	if !passesStringSet(f.IncludeTypes, f.ExcludeTypes, e.KeyType) &&
		!passesStringSet(f.IncludeTypes, f.ExcludeTypes, e.ValueType) {
		return false
	}
	if !passesGlobPair(f.IncludeKeyGlobs, f.ExcludeKeyGlobs, e.KeyRepr) {
		return false
	}
	if !passesGlobPair(f.IncludeValueGlobs, f.ExcludeValueGlobs, e.ValueRepr) {
		return false
	}
	if f.KeyRange != nil {
		if n, err := strconv.ParseInt(e.KeyRepr, 10, 64); err != nil || !f.KeyRange.contains(n) {
			return false
		}
	}
	if f.ValueRange != nil {
		if n, err := strconv.ParseInt(e.ValueRepr, 10, 64); err != nil || !f.ValueRange.contains(n) {
			return false
		}
	}
	return true
}

// Observer applies an ObservabilityFilter to a stream of table accesses,
// deduplicates repeats when configured, and fans accepted entries out to
// any connected websocket clients (grounded on scm/network.go's
// upgrade-then-push websocket pattern, generalized from a single
// bidirectional channel into a broadcast hub since observability is
// inherently one-to-many).
type Observer struct {
	mu      sync.Mutex
	filter  ObservabilityFilter
	seen    map[uint64]bool
	clients map[*websocket.Conn]bool
}

func NewObserver(filter ObservabilityFilter) *Observer {
	return &Observer{
		filter:  filter,
		seen:    make(map[uint64]bool),
		clients: make(map[*websocket.Conn]bool),
	}
}

// Record applies the filter (and dedup, if enabled) to e, and if it
// survives, fans it out to connected websocket clients. Returns whether
// the entry was emitted.
func (o *Observer) Record(e LogEntry) bool {
	if !o.filter.Accepts(e) {
		return false
	}
	if o.filter.Dedup {
		key := dedupHash(e)
		o.mu.Lock()
		if o.seen[key] {
			o.mu.Unlock()
			return false
		}
		o.seen[key] = true
		o.mu.Unlock()
	}
	o.broadcast(e)
	return true
}

func dedupHash(e LogEntry) uint64 {
	var h uint64 = 1469598103934665603
	for _, s := range []string{e.Op, e.KeyType, e.KeyRepr, e.ValueType, e.ValueRepr} {
		for i := 0; i < len(s); i++ {
			h ^= uint64(s[i])
			h *= 1099511628211
		}
	}
	return h
}

func (o *Observer) broadcast(e LogEntry) {
	payload, err := json.Marshal(e)
	if err != nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for c := range o.clients {
		if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
			c.Close()
			delete(o.clients, c)
		}
	}
}

var observabilityUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWebSocket upgrades an HTTP connection into a streaming client for
// this Observer's log entries — one call per incoming connection,
// mirroring scm/network.go's upgrade-then-loop shape but push-only
// (observability has no client->server message to read).
func (o *Observer) ServeWebSocket(w http.ResponseWriter, r *http.Request) error {
	conn, err := observabilityUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return wrapError(KindInternal, "observability: websocket upgrade failed", err)
	}
	o.mu.Lock()
	o.clients[conn] = true
	o.mu.Unlock()
	return nil
}

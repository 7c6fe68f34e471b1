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
	"sync/atomic"
	"time"
)

type snapshot struct {
	events    []Event
	fetchedAt time.Time
}

// Store holds the last successfully fetched event set. Snapshots are
// replaced atomically and handed out read-only, so evaluators never see a
// partially updated list. A failed refresh leaves the previous snapshot in
// place: stale-but-known is safer than an empty calendar.
type Store struct {
	current atomic.Pointer[snapshot]
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

// Replace swaps in a new event set recorded at the given fetch time.
func (s *Store) Replace(events []Event, fetchedAt time.Time) {
	s.current.Store(&snapshot{events: events, fetchedAt: fetchedAt})
}

// Events returns the current snapshot. The returned slice must be treated
// as read-only; it is shared between all readers of the snapshot.
func (s *Store) Events() []Event {
	snap := s.current.Load()
	if snap == nil {
		return nil
	}
	return snap.events
}

// LastSuccess returns the time of the last successful refresh, zero if no
// fetch has succeeded yet.
func (s *Store) LastSuccess() time.Time {
	snap := s.current.Load()
	if snap == nil {
		return time.Time{}
	}
	return snap.fetchedAt
}

// HasData reports whether at least one fetch has succeeded.
func (s *Store) HasData() bool {
	return s.current.Load() != nil
}

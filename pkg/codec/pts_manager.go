// Frontline Perception System
// Copyright (C) 2020-2025 TurbineOne LLC
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package codec

import (
	"sync"

	"golang.org/x/exp/slices"
)

// ptsRetentionLimit bounds how many offset→PTS entries we keep. Eviction is
// by insertion count, not elapsed time, so a stream with widely spaced
// jumbo frames can evict an entry that is still wanted. That matches the
// original behavior and keeps the structure O(1)-ish; don't "fix" it here.
const ptsRetentionLimit = 100

// PtsLookupResult is the outcome of a PtsManager.Lookup.
type PtsLookupResult int

const (
	// PtsNone means no entry was ever inserted at or before the offset.
	PtsNone PtsLookupResult = iota
	// PtsFound means a timestamp was resolved.
	PtsFound
	// PtsEndOfStream means the offset is at or past the end-of-stream
	// offset; there is no timestamp because there is no data there.
	PtsEndOfStream
)

type ptsEntry struct {
	offset uint64
	pts    uint64
}

// PtsManager correlates byte offsets in the continuous input stream with
// presentation timestamps, for later lookup by output frame producers.
// It lives as long as the codec session, not one stream.
type PtsManager struct {
	mu sync.Mutex

	// entries is sorted ascending by offset.
	entries []ptsEntry

	eosOffset uint64
	hasEOS    bool
}

func NewPtsManager() *PtsManager {
	return &PtsManager{}
}

// InsertPts records that the byte at streamOffset has the given timestamp.
// If the retained-entry count would exceed the limit, the entry with the
// smallest offset is evicted. Inserting at or past a previously set
// end-of-stream offset clears that marker, since new data supersedes it.
func (m *PtsManager) InsertPts(offset, pts uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hasEOS && offset >= m.eosOffset {
		m.hasEOS = false
	}

	// The common case is appending monotonically increasing offsets.
	if n := len(m.entries); n == 0 || offset > m.entries[n-1].offset {
		m.entries = append(m.entries, ptsEntry{offset: offset, pts: pts})
	} else {
		i, found := slices.BinarySearchFunc(m.entries, offset,
			func(e ptsEntry, target uint64) int {
				switch {
				case e.offset < target:
					return -1
				case e.offset > target:
					return 1
				default:
					return 0
				}
			})
		if found {
			m.entries[i].pts = pts

			return
		}

		m.entries = slices.Insert(m.entries, i, ptsEntry{offset: offset, pts: pts})
	}

	if len(m.entries) > ptsRetentionLimit {
		m.entries = slices.Delete(m.entries, 0, 1)
	}
}

// SetEndOfStreamOffset records the first offset that is not stream data.
func (m *PtsManager) SetEndOfStreamOffset(offset uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.eosOffset = offset
	m.hasEOS = true
}

// Lookup resolves the timestamp for the greatest recorded offset at or
// before the query offset.
func (m *PtsManager) Lookup(offset uint64) (uint64, PtsLookupResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hasEOS && offset >= m.eosOffset {
		return 0, PtsEndOfStream
	}

	// Find the first entry strictly greater than offset; the answer is the
	// entry just before it.
	i, _ := slices.BinarySearchFunc(m.entries, offset,
		func(e ptsEntry, target uint64) int {
			if e.offset <= target {
				return -1
			}

			return 1
		})
	if i == 0 {
		return 0, PtsNone
	}

	return m.entries[i-1].pts, PtsFound
}

// entryCount is exposed for tests asserting the retention bound.
func (m *PtsManager) entryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.entries)
}

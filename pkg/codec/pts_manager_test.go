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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPtsLookupExact(t *testing.T) {
	m := NewPtsManager()
	m.InsertPts(0, 1000)
	m.InsertPts(100, 2000)
	m.InsertPts(200, 3000)

	pts, res := m.Lookup(100)
	assert.Equal(t, PtsFound, res)
	assert.EqualValues(t, 2000, pts)
}

func TestPtsLookupBetween(t *testing.T) {
	m := NewPtsManager()
	m.InsertPts(0, 1000)
	m.InsertPts(100, 2000)

	// An offset inside a packet resolves to the timestamp of the packet it
	// falls in, i.e. the greatest recorded offset at or below it.
	pts, res := m.Lookup(150)
	assert.Equal(t, PtsFound, res)
	assert.EqualValues(t, 2000, pts)

	pts, res = m.Lookup(99)
	assert.Equal(t, PtsFound, res)
	assert.EqualValues(t, 1000, pts)
}

func TestPtsLookupBeforeFirst(t *testing.T) {
	m := NewPtsManager()

	_, res := m.Lookup(0)
	assert.Equal(t, PtsNone, res)

	m.InsertPts(100, 2000)

	_, res = m.Lookup(50)
	assert.Equal(t, PtsNone, res)
}

func TestPtsReplaceSameOffset(t *testing.T) {
	m := NewPtsManager()
	m.InsertPts(100, 2000)
	m.InsertPts(100, 9000)

	pts, res := m.Lookup(100)
	assert.Equal(t, PtsFound, res)
	assert.EqualValues(t, 9000, pts)
	assert.Equal(t, 1, m.entryCount())
}

func TestPtsOutOfOrderInsert(t *testing.T) {
	m := NewPtsManager()
	m.InsertPts(200, 3000)
	m.InsertPts(0, 1000)
	m.InsertPts(100, 2000)

	pts, res := m.Lookup(150)
	assert.Equal(t, PtsFound, res)
	assert.EqualValues(t, 2000, pts)
}

func TestPtsRetentionEviction(t *testing.T) {
	m := NewPtsManager()

	for i := 0; i < ptsRetentionLimit+50; i++ {
		m.InsertPts(uint64(i*100), uint64(i))
	}

	assert.Equal(t, ptsRetentionLimit, m.entryCount())

	// The earliest 50 entries were evicted.
	_, res := m.Lookup(49 * 100)
	assert.Equal(t, PtsNone, res)

	pts, res := m.Lookup(50 * 100)
	assert.Equal(t, PtsFound, res)
	assert.EqualValues(t, 50, pts)
}

func TestPtsEndOfStream(t *testing.T) {
	m := NewPtsManager()
	m.InsertPts(0, 1000)
	m.SetEndOfStreamOffset(100)

	pts, res := m.Lookup(50)
	assert.Equal(t, PtsFound, res)
	assert.EqualValues(t, 1000, pts)

	_, res = m.Lookup(100)
	assert.Equal(t, PtsEndOfStream, res)

	_, res = m.Lookup(500)
	assert.Equal(t, PtsEndOfStream, res)
}

func TestPtsInsertClearsEndOfStream(t *testing.T) {
	m := NewPtsManager()
	m.SetEndOfStreamOffset(100)

	// New data at or past the marker supersedes it.
	m.InsertPts(100, 5000)

	pts, res := m.Lookup(100)
	assert.Equal(t, PtsFound, res)
	assert.EqualValues(t, 5000, pts)
}

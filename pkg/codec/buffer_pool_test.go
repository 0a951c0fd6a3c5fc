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
	"github.com/stretchr/testify/require"
)

// testBuffer is a heap-backed MappedBuffer for tests.
type testBuffer struct {
	data  []byte
	index uint32
}

func (b *testBuffer) Bytes() []byte { return b.data }
func (b *testBuffer) Index() uint32 { return b.index }

func newTestBuffer(index uint32, size int) *testBuffer {
	return &testBuffer{data: make([]byte, size), index: index}
}

func TestBufferPoolConfigure(t *testing.T) {
	bp := newBufferPool(PortInput)

	_, err := bp.AddBuffer(1, newTestBuffer(0, 16))
	require.NoError(t, err)
	_, err = bp.AddBuffer(1, newTestBuffer(1, 16))
	require.NoError(t, err)

	packets, err := bp.ConfigureBuffers(1, 2)
	require.NoError(t, err)
	require.Len(t, packets, 2)

	// Packets bind 1:1 to buffers by index and start free.
	for i, p := range packets {
		assert.EqualValues(t, i, p.Index())
		assert.EqualValues(t, i, p.Buffer().Index())
		assert.True(t, p.Free())
		assert.True(t, p.isPending())
	}
}

func TestBufferPoolDenseIndices(t *testing.T) {
	bp := newBufferPool(PortInput)

	_, err := bp.AddBuffer(1, newTestBuffer(1, 16))
	var pvErr *ProtocolViolationError
	require.ErrorAs(t, err, &pvErr)
}

func TestBufferPoolZeroLength(t *testing.T) {
	bp := newBufferPool(PortInput)

	_, err := bp.AddBuffer(1, newTestBuffer(0, 0))
	var pvErr *ProtocolViolationError
	require.ErrorAs(t, err, &pvErr)
}

func TestBufferPoolOrdinalMismatch(t *testing.T) {
	bp := newBufferPool(PortOutput)

	_, err := bp.AddBuffer(2, newTestBuffer(0, 16))
	require.NoError(t, err)

	// Mixing generations within one add sequence.
	_, err = bp.AddBuffer(3, newTestBuffer(1, 16))
	var omErr *OrdinalMismatchError
	require.ErrorAs(t, err, &omErr)
	assert.EqualValues(t, 3, omErr.Have)
	assert.EqualValues(t, 2, omErr.Want)

	// Configuring under the wrong generation.
	_, err = bp.ConfigureBuffers(3, 1)
	require.ErrorAs(t, err, &omErr)
}

func TestBufferPoolStaleGeneration(t *testing.T) {
	bp := newBufferPool(PortOutput)

	_, err := bp.AddBuffer(5, newTestBuffer(0, 16))
	require.NoError(t, err)
	_, err = bp.ConfigureBuffers(5, 1)
	require.NoError(t, err)

	bp.EnsureNotConfigured()

	// A new generation below the last one is stale, not a protocol bug.
	_, err = bp.AddBuffer(4, newTestBuffer(0, 16))
	var omErr *OrdinalMismatchError
	require.ErrorAs(t, err, &omErr)
}

func TestBufferPoolConfigureTwice(t *testing.T) {
	bp := newBufferPool(PortInput)

	_, err := bp.AddBuffer(1, newTestBuffer(0, 16))
	require.NoError(t, err)
	_, err = bp.ConfigureBuffers(1, 1)
	require.NoError(t, err)

	_, err = bp.ConfigureBuffers(1, 1)
	var pvErr *ProtocolViolationError
	require.ErrorAs(t, err, &pvErr)

	_, err = bp.AddBuffer(1, newTestBuffer(1, 16))
	require.ErrorAs(t, err, &pvErr)
}

func TestBufferPoolCountMismatch(t *testing.T) {
	bp := newBufferPool(PortInput)

	_, err := bp.AddBuffer(1, newTestBuffer(0, 16))
	require.NoError(t, err)

	_, err = bp.ConfigureBuffers(1, 2)
	var pvErr *ProtocolViolationError
	require.ErrorAs(t, err, &pvErr)
}

func TestBufferPoolEnsureNotConfiguredIdempotent(t *testing.T) {
	bp := newBufferPool(PortOutput)

	bp.EnsureNotConfigured()
	bp.EnsureNotConfigured()
	assert.False(t, bp.isConfigured())

	_, err := bp.AddBuffer(1, newTestBuffer(0, 16))
	require.NoError(t, err)
	_, err = bp.ConfigureBuffers(1, 1)
	require.NoError(t, err)
	assert.True(t, bp.isConfigured())

	bp.EnsureNotConfigured()
	assert.False(t, bp.isConfigured())

	// The next generation starts clean.
	_, err = bp.AddBuffer(2, newTestBuffer(0, 16))
	require.NoError(t, err)
	packets, err := bp.ConfigureBuffers(2, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, packets[0].LifetimeOrdinal())
}

func TestBufferPoolPacketLookup(t *testing.T) {
	bp := newBufferPool(PortOutput)

	_, err := bp.packet(1, 0)
	var pvErr *ProtocolViolationError
	require.ErrorAs(t, err, &pvErr)

	_, err = bp.AddBuffer(1, newTestBuffer(0, 16))
	require.NoError(t, err)
	_, err = bp.ConfigureBuffers(1, 1)
	require.NoError(t, err)

	p, err := bp.packet(1, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 0, p.Index())

	_, err = bp.packet(2, 0)
	var omErr *OrdinalMismatchError
	require.ErrorAs(t, err, &omErr)

	_, err = bp.packet(1, 1)
	require.ErrorAs(t, err, &pvErr)
}

func TestPacketFreeAlternates(t *testing.T) {
	b := newBuffer(PortOutput, 1, newTestBuffer(0, 16))
	p := newPacket(1, 0, b)

	require.True(t, p.Free())
	p.SetFree(false)
	p.SetFree(true)

	// Same-value transitions are process bugs, not client errors.
	assert.Panics(t, func() { p.SetFree(true) })
}

func TestPacketActivateOnce(t *testing.T) {
	b := newBuffer(PortInput, 1, newTestBuffer(0, 16))
	p := newPacket(1, 0, b)

	require.True(t, p.isPending())
	p.activate()
	assert.False(t, p.isPending())
	assert.Panics(t, func() { p.activate() })
}

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
	"fmt"
)

// bufferPool owns the buffers and packets of one (port, generation) and
// answers free/busy/lookup queries. It has no lock of its own; the engine
// mutates it only under the engine lock.
//
// Per generation the pool moves empty → adding → configured, and
// EnsureNotConfigured returns it to empty from any of those states.
type bufferPool struct {
	port Port

	// lifetimeOrdinal is the current buffer generation, 0 before the first
	// AddBuffer. It only moves forward.
	lifetimeOrdinal uint64

	buffers []*Buffer
	packets []*Packet // nil until ConfigureBuffers
}

func newBufferPool(port Port) *bufferPool {
	return &bufferPool{port: port}
}

// AddBuffer registers one buffer for the given generation. Buffers must
// arrive with dense, gapless indices starting at 0.
func (bp *bufferPool) AddBuffer(lifetimeOrdinal uint64, mapped MappedBuffer) (*Buffer, error) {
	if bp.packets != nil {
		return nil, &ProtocolViolationError{
			Reason: fmt.Sprintf("AddBuffer on %s port after buffers configured", bp.port),
		}
	}

	if len(bp.buffers) == 0 {
		if lifetimeOrdinal < bp.lifetimeOrdinal {
			return nil, &OrdinalMismatchError{Port: bp.port, Have: lifetimeOrdinal, Want: bp.lifetimeOrdinal}
		}

		bp.lifetimeOrdinal = lifetimeOrdinal
	} else if lifetimeOrdinal != bp.lifetimeOrdinal {
		return nil, &OrdinalMismatchError{Port: bp.port, Have: lifetimeOrdinal, Want: bp.lifetimeOrdinal}
	}

	if len(mapped.Bytes()) == 0 {
		return nil, &ProtocolViolationError{
			Reason: fmt.Sprintf("zero-length buffer on %s port", bp.port),
		}
	}

	if mapped.Index() != uint32(len(bp.buffers)) {
		return nil, &ProtocolViolationError{
			Reason: fmt.Sprintf("buffer index %d on %s port, expected dense index %d",
				mapped.Index(), bp.port, len(bp.buffers)),
		}
	}

	b := newBuffer(bp.port, lifetimeOrdinal, mapped)
	bp.buffers = append(bp.buffers, b)

	return b, nil
}

// ConfigureBuffers finalizes the generation, binding one packet to each
// registered buffer (1:1 by index). All packets start free on the side that
// produces them.
func (bp *bufferPool) ConfigureBuffers(lifetimeOrdinal uint64, packetCount int) ([]*Packet, error) {
	if len(bp.buffers) == 0 {
		return nil, &ProtocolViolationError{
			Reason: fmt.Sprintf("ConfigureBuffers on %s port before any AddBuffer", bp.port),
		}
	}

	if bp.packets != nil {
		return nil, &ProtocolViolationError{
			Reason: fmt.Sprintf("ConfigureBuffers on %s port twice for one generation", bp.port),
		}
	}

	if lifetimeOrdinal != bp.lifetimeOrdinal {
		return nil, &OrdinalMismatchError{Port: bp.port, Have: lifetimeOrdinal, Want: bp.lifetimeOrdinal}
	}

	if packetCount != len(bp.buffers) {
		return nil, &ProtocolViolationError{
			Reason: fmt.Sprintf("%d packets for %d buffers on %s port",
				packetCount, len(bp.buffers), bp.port),
		}
	}

	bp.packets = make([]*Packet, packetCount)
	for i := range bp.packets {
		bp.packets[i] = newPacket(lifetimeOrdinal, uint32(i), bp.buffers[i])
	}

	return bp.packets, nil
}

// EnsureNotConfigured idempotently clears all buffers and packets for the
// pool, regardless of whether the generation was empty, partially added, or
// fully configured. Outstanding Buffer/Packet references become invalid.
func (bp *bufferPool) EnsureNotConfigured() {
	bp.buffers = nil
	bp.packets = nil
}

func (bp *bufferPool) isConfigured() bool { return bp.packets != nil }

func (bp *bufferPool) currentLifetime() uint64 { return bp.lifetimeOrdinal }

// packet looks up a configured packet by (generation, index).
func (bp *bufferPool) packet(lifetimeOrdinal uint64, index uint32) (*Packet, error) {
	if bp.packets == nil {
		return nil, &ProtocolViolationError{
			Reason: fmt.Sprintf("packet reference on %s port with no buffers configured", bp.port),
		}
	}

	if lifetimeOrdinal != bp.lifetimeOrdinal {
		return nil, &OrdinalMismatchError{Port: bp.port, Have: lifetimeOrdinal, Want: bp.lifetimeOrdinal}
	}

	if index >= uint32(len(bp.packets)) {
		return nil, &ProtocolViolationError{
			Reason: fmt.Sprintf("packet index %d out of range on %s port (%d packets)",
				index, bp.port, len(bp.packets)),
		}
	}

	return bp.packets[index], nil
}

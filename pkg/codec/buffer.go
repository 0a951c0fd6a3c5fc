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

	"github.com/rs/zerolog"
)

// Buffer is one contiguous memory region backing packets on one port of one
// buffer generation. It is owned exclusively by the bufferPool of its
// (port, generation) and becomes invalid when that generation is torn down.
type Buffer struct {
	port            Port
	lifetimeOrdinal uint64
	index           uint32
	mapped          MappedBuffer
}

func newBuffer(port Port, lifetimeOrdinal uint64, mapped MappedBuffer) *Buffer {
	return &Buffer{
		port:            port,
		lifetimeOrdinal: lifetimeOrdinal,
		index:           mapped.Index(),
		mapped:          mapped,
	}
}

func (b *Buffer) Port() Port { return b.port }

func (b *Buffer) LifetimeOrdinal() uint64 { return b.lifetimeOrdinal }

func (b *Buffer) Index() uint32 { return b.index }

func (b *Buffer) Bytes() []byte { return b.mapped.Bytes() }

func (b *Buffer) Len() int { return len(b.mapped.Bytes()) }

func (b *Buffer) MarshalZerologObject(e *zerolog.Event) {
	e.Str(lPort, b.port.String()).
		Uint64(lBufferLifetime, b.lifetimeOrdinal).
		Uint32(lIndex, b.index).
		Int("len", b.Len())
}

// FrameRef is a non-owning, generation-checked association between a Packet
// and a backend decoded-frame slot. A stale generation simply fails to
// resolve; that is a normal outcome, not an error.
type FrameRef struct {
	Generation uint64
	Index      int
}

// packetLifecycle distinguishes a packet that has never been recycled from
// one in steady-state rotation. The pending→active transition happens
// exactly once.
type packetLifecycle int

const (
	packetPending packetLifecycle = iota
	packetActive
)

// Packet is one transfer unit: a buffer binding plus mutable metadata.
// It has no lock of its own. Metadata is mutated only by whichever domain
// currently has the packet: the control domain under the engine lock while
// queued or recycled, the backend while decoding into it.
type Packet struct {
	lifetimeOrdinal uint64
	index           uint32
	buffer          *Buffer

	startOffset int
	validLength int

	// streamOffset is the continuous input-stream byte offset associated
	// with this packet's payload. The engine stamps it on input packets;
	// the backend stamps it on output packets for PTS resolution.
	streamOffset    uint64
	hasStreamOffset bool

	pts    uint64
	hasPTS bool

	free      bool
	lifecycle packetLifecycle

	frame    FrameRef
	hasFrame bool
}

func newPacket(lifetimeOrdinal uint64, index uint32, buffer *Buffer) *Packet {
	return &Packet{
		lifetimeOrdinal: lifetimeOrdinal,
		index:           index,
		buffer:          buffer,
		free:            true,
		lifecycle:       packetPending,
	}
}

func (p *Packet) LifetimeOrdinal() uint64 { return p.lifetimeOrdinal }

func (p *Packet) Index() uint32 { return p.index }

func (p *Packet) Buffer() *Buffer { return p.buffer }

func (p *Packet) SetStartOffset(offset int) { p.startOffset = offset }

func (p *Packet) StartOffset() int { return p.startOffset }

func (p *Packet) SetValidLength(length int) { p.validLength = length }

func (p *Packet) ValidLength() int { return p.validLength }

func (p *Packet) SetStreamOffset(offset uint64) {
	p.streamOffset = offset
	p.hasStreamOffset = true
}

func (p *Packet) StreamOffset() (uint64, bool) {
	return p.streamOffset, p.hasStreamOffset
}

func (p *Packet) SetPTS(pts uint64) {
	p.pts = pts
	p.hasPTS = true
}

func (p *Packet) ClearPTS() { p.hasPTS = false }

func (p *Packet) PTS() (uint64, bool) {
	return p.pts, p.hasPTS
}

// SetFree flips the free/busy flag. The flag must alternate strictly;
// setting it to the value it already holds is a logic error in this
// process, not a client mistake, so it panics.
func (p *Packet) SetFree(free bool) {
	if p.free == free {
		panic(fmt.Sprintf("packet %d free flag set to %v twice", p.index, free))
	}

	p.free = free
}

func (p *Packet) Free() bool { return p.free }

// isPending reports whether the packet has never been through its first
// recycle/emit.
func (p *Packet) isPending() bool { return p.lifecycle == packetPending }

// activate performs the one-time pending→active transition.
func (p *Packet) activate() {
	if p.lifecycle == packetActive {
		panic(fmt.Sprintf("packet %d activated twice", p.index))
	}

	p.lifecycle = packetActive
}

func (p *Packet) SetFrame(ref FrameRef) {
	p.frame = ref
	p.hasFrame = true
}

func (p *Packet) Frame() (FrameRef, bool) {
	return p.frame, p.hasFrame
}

func (p *Packet) ClearFrame() { p.hasFrame = false }

func (p *Packet) MarshalZerologObject(e *zerolog.Event) {
	e.Uint64(lBufferLifetime, p.lifetimeOrdinal).
		Uint32(lIndex, p.index).
		Int(lValidLength, p.validLength).
		Bool("free", p.free)
}

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

// Package codec implements a validated, de-asynchronized decoder session:
// the state machine that sits between a protocol binding and a
// codec-specific backend. The Engine serializes protocol-facing calls,
// tracks buffer and packet ownership per port, drains queued input on a
// dedicated processing goroutine, and runs the mid-stream output
// reconfiguration handshake with the backend.
//
// The backend is a CoreCodec capability; the protocol binding consumes the
// Engine's public methods and receives events through an EventSink. The
// Engine never parses wire bytes and never maps memory itself.
package codec

import (
	"github.com/rs/zerolog"
)

const (
	lBufferCount    = "bufferCount"
	lBufferLifetime = "bufferLifetime"
	lEntryCount     = "entryCount"
	lHeight         = "height"
	lIndex          = "index"
	lOffset         = "offset"
	lPTS            = "pts"
	lPacketCount    = "packetCount"
	lPort           = "port"
	lQueueDepth     = "queueDepth"
	lState          = "state"
	lStream         = "streamLifetime"
	lValidLength    = "validLength"
	lWidth          = "width"
)

//nolint:gochecknoglobals // allows logging from non-method funcs
var log zerolog.Logger

// Port identifies one of the two independent buffer/packet namespaces of a
// stream.
type Port int

const (
	PortInput Port = iota
	PortOutput
)

func (p Port) String() string {
	switch p {
	case PortInput:
		return "input"
	case PortOutput:
		return "output"
	default:
		return "invalid"
	}
}

// FormatDetails carries the out-of-band description of the input payload,
// e.g. codec-specific parameter sets. The version lets client and engine
// detect staleness.
type FormatDetails struct {
	FormatDetailsVersion uint64
	MimeType             string
	OobBytes             []byte
}

// OutputConfig describes negotiated output buffer constraints and format.
// It is produced by the CoreCodec on demand and versioned by two
// independent ordinals so the client can detect stale configs.
type OutputConfig struct {
	StreamLifetimeOrdinal uint64

	BufferConstraintsVersion        uint64
	BufferConstraintsActionRequired bool
	FormatDetailsVersion            uint64

	PacketCountNeeded int
	BufferBytesNeeded int

	Width       int
	Height      int
	Stride      int
	PixelFormat string
}

func (c OutputConfig) MarshalZerologObject(e *zerolog.Event) {
	e.Uint64(lStream, c.StreamLifetimeOrdinal).
		Int(lPacketCount, c.PacketCountNeeded).
		Int(lWidth, c.Width).
		Int(lHeight, c.Height).
		Str("pixelFormat", c.PixelFormat)
}

// MappedBuffer is one contiguous, already-mapped memory region. The engine
// only reads its bytes and index; mapping and pinning happen elsewhere.
type MappedBuffer interface {
	Bytes() []byte
	Index() uint32
}

// CoreCodec is the backend capability the engine drives. Implementations
// manage their own internal synchronization; every method is called with no
// engine lock held. Blocking in QueueInputPacket while waiting for free
// output packets is expected backpressure, but any such wait must be
// bounded, reporting a failure through the events sink on expiry.
type CoreCodec interface {
	// SetEvents registers the callback sink. Called once, before Init.
	SetEvents(events CoreEvents)

	Init(details FormatDetails) error

	// StartStream begins a new stream. The ordinal is echoed back on
	// mid-stream events so the engine can drop stale ones.
	StartStream(streamLifetimeOrdinal uint64) error

	// StopStream tells the backend to stop decoding and waits for it to
	// reach idle. After it returns, no callbacks for the stopped stream may
	// be emitted.
	StopStream()

	QueueInputFormatDetails(details FormatDetails)
	QueueInputPacket(p *Packet)
	QueueInputEndOfStream()

	AddBuffer(port Port, b *Buffer)
	ConfigureBuffers(port Port, packets []*Packet)
	EnsureBuffersNotConfigured(port Port)
	RecycleOutputPacket(p *Packet)

	BuildNewOutputConfig(streamLifetimeOrdinal, bufferConstraintsVersion,
		formatDetailsVersion uint64, actionRequired bool) (OutputConfig, error)

	// PrepareReconfig runs before the client is told a reconfiguration is
	// needed; it must leave the backend able to proceed with old-format
	// buffers discarded. Called once per reconfiguration event.
	PrepareReconfig()

	// FinishReconfig runs after the client has configured new output
	// buffers; the backend picks up the new buffer set and geometry.
	FinishReconfig()
}

// CoreEvents is the sink a CoreCodec emits into, implemented by the Engine.
// Callbacks may arrive from any backend thread, but never while the
// backend's own lock is held.
type CoreEvents interface {
	OnFailCodec(err error)
	OnFailStream(err error)

	// OnMidStreamOutputConfigChange blocks the calling thread until the
	// reconfiguration completes, the stream stops, or the bounded wait
	// expires. Events carrying a superseded stream ordinal are dropped.
	OnMidStreamOutputConfigChange(streamLifetimeOrdinal uint64, reconfigRequired bool)

	OnInputPacketDone(p *Packet)
	OnOutputPacket(p *Packet, errorBefore, errorDuring bool)
	OnOutputEndOfStream(errorBefore bool)
}

// EventSink is the outward-facing event surface consumed by the protocol
// binding. The engine invokes it with no internal lock held, so
// implementations may re-enter the engine.
type EventSink interface {
	// OnCodecFailed is terminal for the whole session, reported at most once.
	OnCodecFailed(err error)
	// OnStreamFailed is terminal only for the stream active at the time.
	OnStreamFailed(streamLifetimeOrdinal uint64, err error)

	OnOutputConfigChange(config OutputConfig)
	OnOutputPacket(p OutputPacket)
	OnOutputEndOfStream(streamLifetimeOrdinal uint64, errorBefore bool)

	// OnInputPacketFree reports that the backend is done reading an input
	// packet and the client may refill it.
	OnInputPacketFree(bufferLifetimeOrdinal uint64, index uint32)
}

// OutputPacket is the protocol-facing snapshot of one emitted output packet.
type OutputPacket struct {
	StreamLifetimeOrdinal uint64
	BufferLifetimeOrdinal uint64
	Index                 uint32

	StartOffset int
	ValidLength int

	PTS    uint64
	HasPTS bool

	ErrorBefore bool
	ErrorDuring bool
}

// InputPacket describes one client-queued input transfer unit.
type InputPacket struct {
	BufferLifetimeOrdinal uint64
	Index                 uint32

	StartOffset int
	ValidLength int

	PTS    uint64
	HasPTS bool
}

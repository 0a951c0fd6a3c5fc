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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCore is a scripted CoreCodec. Data-path behavior is injected through
// the onQueueInput hook, which runs on the engine's processing goroutine,
// exactly where a real backend would decode.
type fakeCore struct {
	mu     sync.Mutex
	events CoreEvents

	initDetails   FormatDetails
	startOrdinals []uint64
	stopCount     int
	queuedFormats []FormatDetails
	queuedPackets []*Packet
	eosCount      int
	recycled      []*Packet
	outPackets    []*Packet
	prepareCount  int
	finishCount   int

	startErr     error
	onQueueInput func(c *fakeCore, p *Packet)
	onQueueEOS   func(c *fakeCore)
}

func newFakeCore() *fakeCore {
	return &fakeCore{}
}

func (c *fakeCore) SetEvents(events CoreEvents) { c.events = events }

func (c *fakeCore) Init(details FormatDetails) error {
	c.initDetails = details

	return nil
}

func (c *fakeCore) StartStream(streamLifetimeOrdinal uint64) error {
	c.mu.Lock()
	c.startOrdinals = append(c.startOrdinals, streamLifetimeOrdinal)
	c.mu.Unlock()

	return c.startErr
}

func (c *fakeCore) StopStream() {
	c.mu.Lock()
	c.stopCount++
	c.mu.Unlock()
}

func (c *fakeCore) QueueInputFormatDetails(details FormatDetails) {
	c.mu.Lock()
	c.queuedFormats = append(c.queuedFormats, details)
	c.mu.Unlock()
}

func (c *fakeCore) QueueInputPacket(p *Packet) {
	c.mu.Lock()
	c.queuedPackets = append(c.queuedPackets, p)
	hook := c.onQueueInput
	c.mu.Unlock()

	if hook != nil {
		hook(c, p)

		return
	}

	c.events.OnInputPacketDone(p)
}

func (c *fakeCore) QueueInputEndOfStream() {
	c.mu.Lock()
	c.eosCount++
	hook := c.onQueueEOS
	c.mu.Unlock()

	if hook != nil {
		hook(c)

		return
	}

	c.events.OnOutputEndOfStream(false)
}

func (c *fakeCore) AddBuffer(port Port, b *Buffer) {}

func (c *fakeCore) ConfigureBuffers(port Port, packets []*Packet) {
	if port != PortOutput {
		return
	}

	c.mu.Lock()
	c.outPackets = packets
	c.mu.Unlock()
}

func (c *fakeCore) EnsureBuffersNotConfigured(port Port) {}

func (c *fakeCore) RecycleOutputPacket(p *Packet) {
	c.mu.Lock()
	c.recycled = append(c.recycled, p)
	c.mu.Unlock()
}

func (c *fakeCore) BuildNewOutputConfig(streamLifetimeOrdinal, bufferConstraintsVersion,
	formatDetailsVersion uint64, actionRequired bool,
) (OutputConfig, error) {
	return OutputConfig{
		StreamLifetimeOrdinal:           streamLifetimeOrdinal,
		BufferConstraintsVersion:        bufferConstraintsVersion,
		BufferConstraintsActionRequired: actionRequired,
		FormatDetailsVersion:            formatDetailsVersion,
		PacketCountNeeded:               2,
		BufferBytesNeeded:               64,
		Width:                           320,
		Height:                          240,
		Stride:                          320,
		PixelFormat:                     "yuv420p",
	}, nil
}

func (c *fakeCore) PrepareReconfig() {
	c.mu.Lock()
	c.prepareCount++
	c.outPackets = nil
	c.mu.Unlock()
}

func (c *fakeCore) FinishReconfig() {
	c.mu.Lock()
	c.finishCount++
	c.mu.Unlock()
}

// outputPacket returns a configured output packet, or nil if the output
// generation is not configured.
func (c *fakeCore) outputPacket(i int) *Packet {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i >= len(c.outPackets) {
		return nil
	}

	return c.outPackets[i]
}

// recordSink funnels engine events into channels the test selects on.
type recordSink struct {
	configC    chan OutputConfig
	outputC    chan OutputPacket
	eosC       chan uint64
	freeC      chan uint32
	codecErrC  chan error
	streamErrC chan error
}

func newRecordSink() *recordSink {
	return &recordSink{
		configC:    make(chan OutputConfig, 16),
		outputC:    make(chan OutputPacket, 16),
		eosC:       make(chan uint64, 16),
		freeC:      make(chan uint32, 16),
		codecErrC:  make(chan error, 16),
		streamErrC: make(chan error, 16),
	}
}

func (s *recordSink) OnCodecFailed(err error) { s.codecErrC <- err }

func (s *recordSink) OnStreamFailed(streamLifetimeOrdinal uint64, err error) {
	s.streamErrC <- err
}

func (s *recordSink) OnOutputConfigChange(config OutputConfig) { s.configC <- config }

func (s *recordSink) OnOutputPacket(p OutputPacket) { s.outputC <- p }

func (s *recordSink) OnOutputEndOfStream(streamLifetimeOrdinal uint64, errorBefore bool) {
	s.eosC <- streamLifetimeOrdinal
}

func (s *recordSink) OnInputPacketFree(bufferLifetimeOrdinal uint64, index uint32) {
	s.freeC <- index
}

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}

	var zero T

	return zero
}

func assertQuiet[T any](t *testing.T, ch <-chan T, what string) {
	t.Helper()

	select {
	case <-ch:
		t.Fatalf("unexpected %s", what)
	default:
	}
}

func newTestEngineConfig(t *testing.T, config Config) (*Engine, *fakeCore, *recordSink) {
	t.Helper()

	core := newFakeCore()
	sink := newRecordSink()
	nop := zerolog.Nop()
	e := New(&config, core, sink, &nop)

	require.NoError(t, e.Init(FormatDetails{
		FormatDetailsVersion: 1,
		MimeType:             "video/h264",
	}))
	t.Cleanup(e.Close)

	return e, core, sink
}

func newTestEngine(t *testing.T) (*Engine, *fakeCore, *recordSink) {
	t.Helper()

	return newTestEngineConfig(t, ConfigDefault())
}

// setupInput starts stream 1 and configures two input buffers.
func setupInput(t *testing.T, e *Engine) {
	t.Helper()

	require.NoError(t, e.StartStream(1))

	for i := uint32(0); i < 2; i++ {
		require.NoError(t, e.AddBuffer(PortInput, 1, newTestBuffer(i, 64)))
	}

	require.NoError(t, e.ConfigureBuffers(PortInput, 1, 2))
}

// configureOutput answers one pending output config change.
func configureOutput(t *testing.T, e *Engine, sink *recordSink, lifetime uint64) OutputConfig {
	t.Helper()

	config := recv(t, sink.configC, "output config change")

	for i := uint32(0); i < uint32(config.PacketCountNeeded); i++ {
		require.NoError(t, e.AddBuffer(PortOutput, lifetime, newTestBuffer(i, config.BufferBytesNeeded)))
	}

	require.NoError(t, e.ConfigureBuffers(PortOutput, lifetime, config.PacketCountNeeded))

	return config
}

// echoInput is an onQueueInput hook that emits one output packet per input
// packet, running the reconfiguration handshake when no output generation
// is configured. It mirrors the contour of a real decoder.
func echoInput(c *fakeCore, p *Packet) {
	if c.outputPacket(0) == nil {
		c.events.OnMidStreamOutputConfigChange(p.LifetimeOrdinal(), true)
	}

	c.mu.Lock()
	var out *Packet

	for _, candidate := range c.outPackets {
		if candidate.Free() || candidate.isPending() {
			out = candidate

			break
		}
	}
	c.mu.Unlock()

	if out == nil {
		// The handshake did not complete; the stream is gone.
		c.events.OnInputPacketDone(p)

		return
	}

	out.SetStartOffset(0)
	out.SetValidLength(p.ValidLength())

	if offset, ok := p.StreamOffset(); ok {
		out.SetStreamOffset(offset)
	}

	c.events.OnOutputPacket(out, false, false)
	c.events.OnInputPacketDone(p)
}

func TestDecodeSession(t *testing.T) {
	e, core, sink := newTestEngine(t)
	core.onQueueInput = echoInput

	setupInput(t, e)

	require.NoError(t, e.QueueInputPacket(1, InputPacket{
		BufferLifetimeOrdinal: 1, Index: 0, StartOffset: 0, ValidLength: 8,
		PTS: 42, HasPTS: true,
	}))

	// The first frame forces the output configuration handshake.
	config := configureOutput(t, e, sink, 1)
	assert.EqualValues(t, 1, config.StreamLifetimeOrdinal)
	assert.True(t, config.BufferConstraintsActionRequired)

	out := recv(t, sink.outputC, "output packet")
	assert.EqualValues(t, 1, out.StreamLifetimeOrdinal)
	assert.EqualValues(t, 8, out.ValidLength)
	assert.True(t, out.HasPTS)
	assert.EqualValues(t, 42, out.PTS)

	free := recv(t, sink.freeC, "input packet free")
	assert.EqualValues(t, 0, free)

	require.NoError(t, e.RecycleOutputPacket(out.BufferLifetimeOrdinal, out.Index))

	// The second packet lands at input offset 8 and resolves its own PTS.
	require.NoError(t, e.QueueInputPacket(1, InputPacket{
		BufferLifetimeOrdinal: 1, Index: 1, StartOffset: 0, ValidLength: 8,
		PTS: 43, HasPTS: true,
	}))

	out = recv(t, sink.outputC, "second output packet")
	assert.True(t, out.HasPTS)
	assert.EqualValues(t, 43, out.PTS)
	recv(t, sink.freeC, "second input packet free")

	require.NoError(t, e.QueueInputEndOfStream(1))
	eosOrdinal := recv(t, sink.eosC, "end of stream")
	assert.EqualValues(t, 1, eosOrdinal)

	require.NoError(t, e.StopStream(1))

	core.mu.Lock()
	defer core.mu.Unlock()
	assert.Equal(t, 1, core.stopCount)
	assert.Equal(t, 1, core.eosCount)
	assert.Len(t, core.queuedPackets, 2)
}

func TestFormatDetailsDeliveredInBand(t *testing.T) {
	e, core, sink := newTestEngine(t)

	setupInput(t, e)

	details := FormatDetails{FormatDetailsVersion: 2, MimeType: "video/h264", OobBytes: []byte{1, 2}}
	require.NoError(t, e.QueueInputFormatDetails(1, details))

	// Format details alone reach the backend only with the next payload.
	require.NoError(t, e.QueueInputPacket(1, InputPacket{
		BufferLifetimeOrdinal: 1, Index: 0, StartOffset: 0, ValidLength: 4,
	}))
	recv(t, sink.freeC, "input packet free")

	core.mu.Lock()
	require.Len(t, core.queuedFormats, 1)
	assert.EqualValues(t, 2, core.queuedFormats[0].FormatDetailsVersion)
	require.Len(t, core.queuedPackets, 1)
	core.mu.Unlock()

	// No new details: the next packet goes through bare.
	require.NoError(t, e.QueueInputPacket(1, InputPacket{
		BufferLifetimeOrdinal: 1, Index: 1, StartOffset: 0, ValidLength: 4,
	}))
	recv(t, sink.freeC, "second input packet free")

	core.mu.Lock()
	assert.Len(t, core.queuedFormats, 1)
	assert.Len(t, core.queuedPackets, 2)
	core.mu.Unlock()
}

func TestMidStreamReconfig(t *testing.T) {
	e, core, sink := newTestEngine(t)
	core.onQueueInput = echoInput

	setupInput(t, e)

	require.NoError(t, e.QueueInputPacket(1, InputPacket{
		BufferLifetimeOrdinal: 1, Index: 0, StartOffset: 0, ValidLength: 8,
	}))
	configureOutput(t, e, sink, 1)
	out := recv(t, sink.outputC, "output packet")
	recv(t, sink.freeC, "input packet free")
	require.NoError(t, e.RecycleOutputPacket(out.BufferLifetimeOrdinal, out.Index))

	// The backend detects a geometry change: drop its rotation so the next
	// frame re-runs the handshake.
	core.PrepareReconfig()
	core.mu.Lock()
	core.prepareCount-- // not a handshake, just the test forcing the state
	core.mu.Unlock()

	require.NoError(t, e.QueueInputPacket(1, InputPacket{
		BufferLifetimeOrdinal: 1, Index: 1, StartOffset: 0, ValidLength: 8,
	}))

	config := configureOutput(t, e, sink, 2)
	assert.True(t, config.BufferConstraintsActionRequired)

	out = recv(t, sink.outputC, "post-reconfig output packet")
	assert.EqualValues(t, 2, out.BufferLifetimeOrdinal)
	recv(t, sink.freeC, "input packet free")

	core.mu.Lock()
	prepare, finish := core.prepareCount, core.finishCount
	core.mu.Unlock()
	assert.Equal(t, 2, prepare)
	assert.Equal(t, 2, finish)

	// Recycling against the superseded generation is moot, not fatal.
	require.NoError(t, e.RecycleOutputPacket(1, 0))
	assertQuiet(t, sink.codecErrC, "codec failure")
}

func TestStopDuringReconfig(t *testing.T) {
	e, core, sink := newTestEngine(t)
	core.onQueueInput = echoInput

	setupInput(t, e)

	require.NoError(t, e.QueueInputPacket(1, InputPacket{
		BufferLifetimeOrdinal: 1, Index: 0, StartOffset: 0, ValidLength: 8,
	}))

	// The backend is now blocked in the handshake. Stop instead of
	// configuring; the stop must release it promptly.
	recv(t, sink.configC, "output config change")
	require.NoError(t, e.StopStream(1))

	core.mu.Lock()
	stop := core.stopCount
	core.mu.Unlock()
	assert.Equal(t, 1, stop)

	assertQuiet(t, sink.outputC, "output packet after stop")
	assertQuiet(t, sink.streamErrC, "stream failure")
	assertQuiet(t, sink.codecErrC, "codec failure")
}

func TestReconfigTimeout(t *testing.T) {
	config := ConfigDefault()
	config.ReconfigTimeout = 100 * time.Millisecond

	e, core, sink := newTestEngineConfig(t, config)
	core.onQueueInput = echoInput

	setupInput(t, e)

	require.NoError(t, e.QueueInputPacket(1, InputPacket{
		BufferLifetimeOrdinal: 1, Index: 0, StartOffset: 0, ValidLength: 8,
	}))

	// Receive the config change but never configure buffers.
	recv(t, sink.configC, "output config change")

	err := recv(t, sink.streamErrC, "stream failure")

	var toErr *TimeoutError
	require.ErrorAs(t, err, &toErr)
}

func TestStaleReconfigDropped(t *testing.T) {
	e, core, sink := newTestEngine(t)

	require.NoError(t, e.StartStream(1))
	require.NoError(t, e.StopStream(1))
	require.NoError(t, e.StartStream(2))

	// An event still carrying the old stream's ordinal returns immediately
	// and reaches the client as nothing.
	core.events.OnMidStreamOutputConfigChange(1, true)

	assertQuiet(t, sink.configC, "config change for stale stream")
	assertQuiet(t, sink.streamErrC, "stream failure")
}

func TestStreamOrdinalsMonotonic(t *testing.T) {
	e, _, sink := newTestEngine(t)

	require.NoError(t, e.StartStream(2))
	require.NoError(t, e.StopStream(2))

	err := e.StartStream(1)

	var pvErr *ProtocolViolationError
	require.ErrorAs(t, err, &pvErr)
	require.ErrorAs(t, recv(t, sink.codecErrC, "codec failure"), &pvErr)

	// A failed session absorbs further data-path calls silently.
	assert.NoError(t, e.QueueInputEndOfStream(2))
}

func TestStartStreamWhileActive(t *testing.T) {
	e, _, sink := newTestEngine(t)

	require.NoError(t, e.StartStream(1))

	err := e.StartStream(2)

	var pvErr *ProtocolViolationError
	require.ErrorAs(t, err, &pvErr)
	recv(t, sink.codecErrC, "codec failure")
}

func TestStartStreamBackendFailure(t *testing.T) {
	e, core, sink := newTestEngine(t)
	core.startErr = errors.New("hardware gone")

	err := e.StartStream(1)

	var bfErr *BackendFailureError
	require.ErrorAs(t, err, &bfErr)
	require.ErrorAs(t, recv(t, sink.codecErrC, "codec failure"), &bfErr)
}

func TestQueueWrongStreamOrdinal(t *testing.T) {
	e, _, sink := newTestEngine(t)

	require.NoError(t, e.StartStream(5))

	err := e.QueueInputEndOfStream(4)

	var pvErr *ProtocolViolationError
	require.ErrorAs(t, err, &pvErr)
	recv(t, sink.codecErrC, "codec failure")
}

func TestQueueAfterEndOfStream(t *testing.T) {
	e, _, sink := newTestEngine(t)

	setupInput(t, e)
	require.NoError(t, e.QueueInputEndOfStream(1))

	err := e.QueueInputPacket(1, InputPacket{
		BufferLifetimeOrdinal: 1, Index: 0, StartOffset: 0, ValidLength: 4,
	})

	var pvErr *ProtocolViolationError
	require.ErrorAs(t, err, &pvErr)
	recv(t, sink.codecErrC, "codec failure")
}

func TestQueueBusyInputPacket(t *testing.T) {
	e, core, sink := newTestEngine(t)

	// Hold input packets: the backend never reports them done.
	blockC := make(chan struct{})
	t.Cleanup(func() { close(blockC) })
	core.onQueueInput = func(c *fakeCore, p *Packet) {
		<-blockC
	}

	setupInput(t, e)

	in := InputPacket{BufferLifetimeOrdinal: 1, Index: 0, StartOffset: 0, ValidLength: 4}
	require.NoError(t, e.QueueInputPacket(1, in))

	// Queueing the same packet again while the codec owns it.
	err := e.QueueInputPacket(1, in)

	var pvErr *ProtocolViolationError
	require.ErrorAs(t, err, &pvErr)
	recv(t, sink.codecErrC, "codec failure")
}

func TestQueueInputRangeOutsideBuffer(t *testing.T) {
	e, _, sink := newTestEngine(t)

	setupInput(t, e)

	err := e.QueueInputPacket(1, InputPacket{
		BufferLifetimeOrdinal: 1, Index: 0, StartOffset: 32, ValidLength: 64,
	})

	var pvErr *ProtocolViolationError
	require.ErrorAs(t, err, &pvErr)
	recv(t, sink.codecErrC, "codec failure")
}

func TestDoubleRecycleFails(t *testing.T) {
	e, core, sink := newTestEngine(t)
	core.onQueueInput = echoInput

	setupInput(t, e)

	require.NoError(t, e.QueueInputPacket(1, InputPacket{
		BufferLifetimeOrdinal: 1, Index: 0, StartOffset: 0, ValidLength: 8,
	}))
	configureOutput(t, e, sink, 1)
	out := recv(t, sink.outputC, "output packet")
	recv(t, sink.freeC, "input packet free")

	require.NoError(t, e.RecycleOutputPacket(out.BufferLifetimeOrdinal, out.Index))

	err := e.RecycleOutputPacket(out.BufferLifetimeOrdinal, out.Index)

	var pvErr *ProtocolViolationError
	require.ErrorAs(t, err, &pvErr)
	recv(t, sink.codecErrC, "codec failure")
}

func TestRecycleNeverEmittedPacket(t *testing.T) {
	e, core, sink := newTestEngine(t)
	core.onQueueInput = echoInput

	setupInput(t, e)

	require.NoError(t, e.QueueInputPacket(1, InputPacket{
		BufferLifetimeOrdinal: 1, Index: 0, StartOffset: 0, ValidLength: 8,
	}))
	config := configureOutput(t, e, sink, 1)
	recv(t, sink.outputC, "output packet")
	recv(t, sink.freeC, "input packet free")

	// A client may sweep all packets at start, including ones the codec has
	// not emitted yet. Tolerated once per packet.
	lastIndex := uint32(config.PacketCountNeeded - 1)
	require.NoError(t, e.RecycleOutputPacket(1, lastIndex))
	assertQuiet(t, sink.codecErrC, "codec failure")
}

func TestOutputEndOfStreamOnce(t *testing.T) {
	e, core, sink := newTestEngine(t)

	setupInput(t, e)
	require.NoError(t, e.QueueInputEndOfStream(1))
	recv(t, sink.eosC, "end of stream")

	// A duplicate from the backend is suppressed.
	core.events.OnOutputEndOfStream(false)
	assertQuiet(t, sink.eosC, "duplicate end of stream")
}

func TestStopStreamNotCurrent(t *testing.T) {
	e, core, _ := newTestEngine(t)

	require.NoError(t, e.StartStream(3))

	// Stops aimed at a stream that is not current are tolerated.
	require.NoError(t, e.StopStream(2))

	core.mu.Lock()
	stop := core.stopCount
	core.mu.Unlock()
	assert.Equal(t, 0, stop)
}

func TestStopFreesQueuedInput(t *testing.T) {
	e, core, sink := newTestEngine(t)

	blockC := make(chan struct{})
	core.onQueueInput = func(c *fakeCore, p *Packet) {
		<-blockC
		c.events.OnInputPacketDone(p)
	}

	setupInput(t, e)

	// Packet 0 goes in-flight to the backend; packet 1 is still queued
	// behind it when the stop lands.
	require.NoError(t, e.QueueInputPacket(1, InputPacket{
		BufferLifetimeOrdinal: 1, Index: 0, StartOffset: 0, ValidLength: 4,
	}))
	require.NoError(t, e.QueueInputPacket(1, InputPacket{
		BufferLifetimeOrdinal: 1, Index: 1, StartOffset: 0, ValidLength: 4,
	}))

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(blockC)
	}()

	require.NoError(t, e.StopStream(1))

	// Both packets come back: 0 from the backend's done, 1 from the drain.
	freed := map[uint32]bool{}
	freed[recv(t, sink.freeC, "first input packet free")] = true
	freed[recv(t, sink.freeC, "second input packet free")] = true
	assert.True(t, freed[0])
	assert.True(t, freed[1])

	// The same buffer generation is reusable on the next stream, including
	// the packet that was stranded in the queue at stop time.
	require.NoError(t, e.StartStream(2))
	require.NoError(t, e.QueueInputPacket(2, InputPacket{
		BufferLifetimeOrdinal: 1, Index: 1, StartOffset: 0, ValidLength: 4,
	}))
	recv(t, sink.freeC, "requeued packet free")
	assertQuiet(t, sink.codecErrC, "codec failure")
}

func TestInputPacketDoneAfterStop(t *testing.T) {
	e, core, sink := newTestEngine(t)

	blockC := make(chan struct{})
	core.onQueueInput = func(c *fakeCore, p *Packet) {
		<-blockC
		c.events.OnInputPacketDone(p)
	}

	setupInput(t, e)
	require.NoError(t, e.QueueInputPacket(1, InputPacket{
		BufferLifetimeOrdinal: 1, Index: 0, StartOffset: 0, ValidLength: 4,
	}))

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(blockC)
	}()

	// Stop waits for the in-flight pass; the late done still frees the
	// packet since its generation is current.
	require.NoError(t, e.StopStream(1))
	recv(t, sink.freeC, "input packet free")
}

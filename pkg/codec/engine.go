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
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config configures the engine.
type Config struct { //nolint:govet // Don't care about alignment.
	LogLevel        string        `yaml:"logLevel" json:"logLevel" doc:"Log level override for the codec package. One of: trace, debug, info, warn, error"`
	ReconfigTimeout time.Duration `yaml:"reconfigTimeout" json:"reconfigTimeout" doc:"Ceiling on how long the backend may wait for the client to supply new output buffers"`
}

// ConfigDefault returns the default values for a Config.
func ConfigDefault() Config {
	return Config{
		LogLevel:        "",
		ReconfigTimeout: 5 * time.Second,
	}
}

// Engine is the composition root of one codec session. It owns zero-or-one
// active stream, the per-port buffer pools, and the PTS manager, and
// mediates between the protocol-facing API surface and the CoreCodec
// backend callback surface.
//
// Protocol-facing calls may arrive on any thread; they serialize on the
// engine lock. A dedicated processing goroutine, started at Init and
// joined at Close, drains the input queue and feeds the backend, so a
// backend stall never blocks the protocol surface.
type Engine struct {
	config *Config
	core   CoreCodec
	sink   EventSink

	// lock protects every field below. It is never held while calling into
	// the core or the sink, so either may re-enter the engine.
	lock              sync.Mutex
	input             *bufferPool
	output            *bufferPool
	pts               *PtsManager
	queue             *inputQueue
	stream            *stream // nil while no stream exists
	lastStreamOrdinal uint64
	initialFormat     FormatDetails

	// inputOffset is the continuous input-stream byte offset, accumulated
	// across queued packets for PTS correlation.
	inputOffset uint64

	nextBufferConstraintsVersion uint64
	nextFormatDetailsVersion     uint64

	codecFailed bool

	processingDone chan struct{}
}

// New returns a new Engine driving the given core, reporting to the given
// sink. Init must be called before anything else.
func New(config *Config, core CoreCodec, sink EventSink, logger *zerolog.Logger) *Engine {
	log = logger.With().Str("pkg", "codec").Logger()

	if config.LogLevel != ConfigDefault().LogLevel {
		level, err := zerolog.ParseLevel(config.LogLevel)
		if err != nil {
			panic(err.Error())
		}

		log = log.Level(level)
	}

	return &Engine{
		config: config,
		core:   core,
		sink:   sink,

		input:  newBufferPool(PortInput),
		output: newBufferPool(PortOutput),
		pts:    NewPtsManager(),
		queue:  newInputQueue(),

		processingDone: make(chan struct{}),
	}
}

// Init initializes the backend with the initial input format details and
// starts the processing goroutine.
func (e *Engine) Init(details FormatDetails) error {
	e.core.SetEvents(e)

	if err := e.core.Init(details); err != nil {
		return &BackendFailureError{Op: "Init", Err: err}
	}

	e.lock.Lock()
	e.initialFormat = details
	e.lock.Unlock()

	go e.processLoop()

	log.Info().Str("mimeType", details.MimeType).Msg("engine initialized")

	return nil
}

// Close stops any active stream, ends the processing goroutine, and waits
// for it to exit. The engine may not be used afterward.
func (e *Engine) Close() {
	e.lock.Lock()
	st := e.stream
	e.lock.Unlock()

	if st != nil {
		_ = e.StopStream(st.lifetimeOrdinal)
	}

	e.queue.Close()
	<-e.processingDone

	log.Info().Msg("engine closed")
}

func (e *Engine) pool(port Port) *bufferPool {
	if port == PortInput {
		return e.input
	}

	return e.output
}

// protocolViolation logs and reports a fatal client protocol bug. The
// whole session fails; the error is also returned for the immediate caller.
func (e *Engine) protocolViolation(reason string) error {
	err := &ProtocolViolationError{Reason: reason}
	log.Error().Msg(err.Error())
	e.failCodec(err)

	return err
}

// failCodec reports an unrecoverable session failure, at most once.
func (e *Engine) failCodec(cause error) {
	e.lock.Lock()

	if e.codecFailed {
		e.lock.Unlock()

		return
	}

	e.codecFailed = true

	if st := e.stream; st != nil && st.state != streamFailed {
		st.state = streamFailed
		st.signalStop()
	}

	e.queue.SetFailed(true)
	e.lock.Unlock()

	log.Error().Err(cause).Msg("codec failed")
	e.sink.OnCodecFailed(cause)
}

// failStream reports a failure terminal only for the currently active
// stream. If the session has already failed, or the stream is already
// failed or stopping, this is a no-op so one root cause never produces
// more than one outward report.
func (e *Engine) failStream(cause error) {
	e.lock.Lock()

	st := e.stream
	if e.codecFailed || st == nil ||
		st.state == streamFailed || st.state == streamStopping {
		e.lock.Unlock()

		return
	}

	ordinal := st.lifetimeOrdinal
	st.state = streamFailed
	st.signalStop()
	e.queue.SetFailed(true)
	e.lock.Unlock()

	log.Warn().Err(cause).Uint64(lStream, ordinal).Msg("stream failed")
	e.sink.OnStreamFailed(ordinal, cause)
}

//
// Setup surface.
//

// AddBuffer registers one buffer on a port. A stale generation is tolerated
// and logged; any other misuse fails the session.
func (e *Engine) AddBuffer(port Port, lifetimeOrdinal uint64, mapped MappedBuffer) error {
	e.lock.Lock()

	if e.codecFailed {
		e.lock.Unlock()

		return nil
	}

	b, err := e.pool(port).AddBuffer(lifetimeOrdinal, mapped)
	e.lock.Unlock()

	if err != nil {
		return e.setupErr(err)
	}

	e.core.AddBuffer(port, b)

	log.Debug().Object("buffer", b).Msg("buffer added")

	return nil
}

// ConfigureBuffers finalizes the current buffer generation on a port,
// binding packetCount packets 1:1 to the registered buffers. On the output
// port, this is also the second phase of a mid-stream reconfiguration: if
// one is outstanding, the backend is handed the new buffer set and
// released.
func (e *Engine) ConfigureBuffers(port Port, lifetimeOrdinal uint64, packetCount int) error {
	e.lock.Lock()

	if e.codecFailed {
		e.lock.Unlock()

		return nil
	}

	packets, err := e.pool(port).ConfigureBuffers(lifetimeOrdinal, packetCount)

	var finishing *stream

	if err == nil && port == PortOutput {
		if st := e.stream; st != nil && st.state == streamReconfiguring {
			finishing = st
		}
	}
	e.lock.Unlock()

	if err != nil {
		return e.setupErr(err)
	}

	e.core.ConfigureBuffers(port, packets)

	log.Info().Str(lPort, port.String()).Uint64(lBufferLifetime, lifetimeOrdinal).
		Int(lPacketCount, packetCount).Msg("buffers configured")

	if finishing == nil {
		return nil
	}

	e.core.FinishReconfig()

	e.lock.Lock()
	if e.stream == finishing && finishing.state == streamReconfiguring {
		finishing.state = streamActive
		done := finishing.reconfigDoneC
		finishing.reconfigDoneC = nil
		e.lock.Unlock()

		close(done)
		log.Info().Uint64(lStream, finishing.lifetimeOrdinal).
			Msg("mid-stream output reconfiguration complete")

		return nil
	}
	e.lock.Unlock()

	return nil
}

// EnsureBuffersNotConfigured idempotently tears down the port's buffer
// generation.
func (e *Engine) EnsureBuffersNotConfigured(port Port) {
	e.lock.Lock()
	e.pool(port).EnsureNotConfigured()
	e.lock.Unlock()

	e.core.EnsureBuffersNotConfigured(port)

	log.Debug().Str(lPort, port.String()).Msg("buffers deconfigured")
}

// setupErr sorts a pool error into the tolerated and fatal buckets.
func (e *Engine) setupErr(err error) error {
	if mismatch, ok := err.(*OrdinalMismatchError); ok {
		log.Warn().Msg(mismatch.Error())

		return mismatch
	}

	return e.protocolViolation(err.Error())
}

//
// Stream control surface.
//

// StartStream begins a new stream under a client-chosen, monotonically
// increasing lifetime ordinal. A backend setup failure here tears down the
// whole session, not just the stream.
func (e *Engine) StartStream(streamLifetimeOrdinal uint64) error {
	e.lock.Lock()

	if e.codecFailed {
		e.lock.Unlock()

		return &ProtocolViolationError{Reason: "StartStream after codec failure"}
	}

	if e.stream != nil {
		current := e.stream.lifetimeOrdinal
		e.lock.Unlock()

		return e.protocolViolation(
			fmt.Sprintf("StartStream(%d) while stream %d exists",
				streamLifetimeOrdinal, current))
	}

	if streamLifetimeOrdinal <= e.lastStreamOrdinal {
		e.lock.Unlock()

		return e.protocolViolation(
			fmt.Sprintf("stream lifetime ordinal %d not above %d",
				streamLifetimeOrdinal, e.lastStreamOrdinal))
	}

	st := newStream(streamLifetimeOrdinal)
	e.stream = st
	e.lastStreamOrdinal = streamLifetimeOrdinal
	initial := e.initialFormat
	e.lock.Unlock()

	if err := e.core.StartStream(streamLifetimeOrdinal); err != nil {
		wrapped := &BackendFailureError{Op: "StartStream", Err: err}

		e.lock.Lock()
		st.state = streamFailed
		st.signalStop()
		e.stream = nil
		e.lock.Unlock()

		e.failCodec(wrapped)

		return wrapped
	}

	e.lock.Lock()
	st.state = streamActive
	// The initial format details are (re-)delivered in-band ahead of the
	// first payload of every stream.
	st.pendingInputFormat = &initial
	e.queue.SetFailed(false)
	e.lock.Unlock()

	log.Info().Uint64(lStream, streamLifetimeOrdinal).Msg("stream started")

	return nil
}

// StopStream stops the identified stream: cancel/drain queued input, stop
// the backend and wait for it to reach idle, then discard the stream. Safe
// to call on a failed stream without re-deriving its error. Stops aimed at
// a superseded stream are tolerated and logged.
func (e *Engine) StopStream(streamLifetimeOrdinal uint64) error {
	e.lock.Lock()

	st := e.stream
	if st == nil || st.lifetimeOrdinal != streamLifetimeOrdinal {
		e.lock.Unlock()

		log.Warn().Uint64(lStream, streamLifetimeOrdinal).
			Msg("StopStream for a stream that is not current")

		return nil
	}

	st.state = streamStopping
	st.signalStop()
	e.lock.Unlock()

	// Order matters: drain first, so after this returns no processing-pass
	// code touches the stream; then let the backend reach idle.
	dropped := e.queue.CancelAndDrain()
	e.core.StopStream()

	e.lock.Lock()
	e.stream = nil

	// Dropped packets never reached the backend, so no OnInputPacketDone is
	// coming for them. Their buffer generation outlives the stream; hand
	// them back or they stay busy forever.
	var freed []*Packet

	for _, item := range dropped {
		if item.kind != inputItemPacket {
			continue
		}

		p := item.packet
		if p.LifetimeOrdinal() != e.input.currentLifetime() || p.Free() {
			continue
		}

		p.SetFree(true)
		freed = append(freed, p)
	}
	e.lock.Unlock()

	for _, p := range freed {
		e.sink.OnInputPacketFree(p.LifetimeOrdinal(), p.Index())
	}

	log.Info().Uint64(lStream, streamLifetimeOrdinal).Msg("stream stopped")

	return nil
}

//
// Data path surface.
//

// checkQueueableLocked validates a data-path call against the current
// stream. The bool result is false for the silent no-op cases: a failed
// session or stream absorbs further queueing without re-erroring.
func (e *Engine) checkQueueableLocked(streamLifetimeOrdinal uint64, op string) (bool, error) {
	if e.codecFailed {
		return false, nil
	}

	st := e.stream
	if st == nil {
		return false, &ProtocolViolationError{Reason: op + " with no stream"}
	}

	if st.state == streamFailed {
		return false, nil
	}

	if st.lifetimeOrdinal != streamLifetimeOrdinal {
		return false, &ProtocolViolationError{
			Reason: fmt.Sprintf("%s for stream %d, current stream is %d",
				op, streamLifetimeOrdinal, st.lifetimeOrdinal),
		}
	}

	if !st.queueable() {
		return false, &ProtocolViolationError{
			Reason: fmt.Sprintf("%s in state %s", op, st.state),
		}
	}

	if st.inputEndOfStreamQueued {
		return false, &ProtocolViolationError{Reason: op + " after end of stream"}
	}

	return true, nil
}

// QueueInputFormatDetails queues a format-details update. It is delivered
// to the backend in-band with the next data-bearing input item, not
// immediately.
func (e *Engine) QueueInputFormatDetails(streamLifetimeOrdinal uint64, details FormatDetails) error {
	e.lock.Lock()
	ok, err := e.checkQueueableLocked(streamLifetimeOrdinal, "QueueInputFormatDetails")
	e.lock.Unlock()

	if err != nil {
		return e.protocolViolation(err.Error())
	}

	if !ok {
		return nil
	}

	e.queue.Enqueue(inputItem{kind: inputItemFormatDetails, details: details})

	return nil
}

// QueueInputPacket queues one input packet the client has filled. The
// packet becomes busy (owned by the codec) until OnInputPacketFree.
func (e *Engine) QueueInputPacket(streamLifetimeOrdinal uint64, in InputPacket) error {
	e.lock.Lock()

	ok, err := e.checkQueueableLocked(streamLifetimeOrdinal, "QueueInputPacket")
	if err != nil {
		e.lock.Unlock()

		return e.protocolViolation(err.Error())
	}

	if !ok {
		e.lock.Unlock()

		return nil
	}

	p, err := e.input.packet(in.BufferLifetimeOrdinal, in.Index)
	if err != nil {
		e.lock.Unlock()

		return e.setupErr(err)
	}

	if !p.Free() {
		e.lock.Unlock()

		return e.protocolViolation(
			fmt.Sprintf("input packet %d queued while busy", in.Index))
	}

	if in.ValidLength <= 0 || in.StartOffset < 0 ||
		in.StartOffset+in.ValidLength > p.Buffer().Len() {
		e.lock.Unlock()

		return e.protocolViolation(
			fmt.Sprintf("input packet %d range [%d, %d) outside buffer of %d bytes",
				in.Index, in.StartOffset, in.StartOffset+in.ValidLength, p.Buffer().Len()))
	}

	if p.isPending() {
		p.activate()
	}

	p.SetFree(false)
	p.SetStartOffset(in.StartOffset)
	p.SetValidLength(in.ValidLength)

	offset := e.inputOffset
	e.inputOffset += uint64(in.ValidLength)
	p.SetStreamOffset(offset)

	if in.HasPTS {
		p.SetPTS(in.PTS)
		e.pts.InsertPts(offset, in.PTS)
	} else {
		p.ClearPTS()
	}

	e.lock.Unlock()

	e.queue.Enqueue(inputItem{kind: inputItemPacket, packet: p})

	return nil
}

// QueueInputEndOfStream marks the input side of the stream complete.
func (e *Engine) QueueInputEndOfStream(streamLifetimeOrdinal uint64) error {
	e.lock.Lock()

	ok, err := e.checkQueueableLocked(streamLifetimeOrdinal, "QueueInputEndOfStream")
	if err != nil {
		e.lock.Unlock()

		return e.protocolViolation(err.Error())
	}

	if !ok {
		e.lock.Unlock()

		return nil
	}

	e.stream.inputEndOfStreamQueued = true
	e.pts.SetEndOfStreamOffset(e.inputOffset)
	e.lock.Unlock()

	e.queue.Enqueue(inputItem{kind: inputItemEndOfStream})

	return nil
}

// RecycleOutputPacket returns an output packet to the codec so it can be
// filled again. Recycling a brand-new packet the codec never emitted is a
// tolerated no-op; recycling the same packet twice is a client bug.
func (e *Engine) RecycleOutputPacket(bufferLifetimeOrdinal uint64, index uint32) error {
	e.lock.Lock()

	if e.codecFailed {
		e.lock.Unlock()

		return nil
	}

	p, err := e.output.packet(bufferLifetimeOrdinal, index)
	if err != nil {
		e.lock.Unlock()

		if mismatch, ok := err.(*OrdinalMismatchError); ok {
			// Common during a reconfiguration race; the recycle is moot.
			log.Debug().Msg(mismatch.Error())

			return nil
		}

		return e.protocolViolation(err.Error())
	}

	if p.isPending() {
		p.activate()

		if p.Free() {
			e.lock.Unlock()

			return nil
		}
	} else if p.Free() {
		e.lock.Unlock()

		return e.protocolViolation(
			fmt.Sprintf("output packet %d recycled twice", index))
	}

	p.SetFree(true)
	p.ClearFrame()
	e.lock.Unlock()

	e.core.RecycleOutputPacket(p)

	return nil
}

// BuildNewOutputConfig is a pure query for an output config snapshot at the
// given versions. Failure is transient and surfaced only to this caller.
func (e *Engine) BuildNewOutputConfig(streamLifetimeOrdinal, bufferConstraintsVersion,
	formatDetailsVersion uint64, actionRequired bool,
) (OutputConfig, error) {
	cfg, err := e.core.BuildNewOutputConfig(streamLifetimeOrdinal,
		bufferConstraintsVersion, formatDetailsVersion, actionRequired)
	if err != nil {
		return OutputConfig{}, &ResourceUnavailableError{Op: "BuildNewOutputConfig", Err: err}
	}

	return cfg, nil
}

//
// Processing domain.
//

func (e *Engine) processLoop() {
	defer close(e.processingDone)

	for range e.queue.WakeC() {
		e.processPass()
	}
}

// processPass drains the queue, processing each item fully. Backend
// backpressure blocks here, never on the protocol surface.
func (e *Engine) processPass() {
	for {
		item, ok := e.queue.Dequeue()
		if !ok {
			break
		}

		e.processInput(item)
	}

	e.queue.FinishPass()
}

func (e *Engine) processInput(item inputItem) {
	switch item.kind {
	case inputItemFormatDetails:
		e.lock.Lock()
		if st := e.stream; st != nil && st.state != streamFailed {
			details := item.details
			st.pendingInputFormat = &details
		}
		e.lock.Unlock()

	case inputItemPacket:
		e.lock.Lock()
		st := e.stream
		if st == nil || st.state == streamFailed {
			e.lock.Unlock()

			return
		}

		pending := st.pendingInputFormat
		st.pendingInputFormat = nil
		e.lock.Unlock()

		// Out-of-band details always go in-band immediately ahead of the
		// next payload, even when byte-identical to what the backend
		// already saw. In-band signalling may have changed since last time.
		if pending != nil {
			e.core.QueueInputFormatDetails(*pending)
		}

		e.core.QueueInputPacket(item.packet)

	case inputItemEndOfStream:
		e.core.QueueInputEndOfStream()

	case inputItemInvalid:
		log.Error().Msg("invalid input item dequeued")
	}
}

//
// CoreEvents surface: callbacks from the backend's threads. The engine
// translates them into protocol-facing notifications, with no lock held at
// the point of the sink call.
//

// OnFailCodec implements CoreEvents.
func (e *Engine) OnFailCodec(err error) {
	e.failCodec(&BackendFailureError{Op: "core", Err: err})
}

// OnFailStream implements CoreEvents.
func (e *Engine) OnFailStream(err error) {
	e.failStream(&BackendFailureError{Op: "core", Err: err})
}

// OnInputPacketDone implements CoreEvents. The backend is finished reading
// the packet; ownership returns to the client.
func (e *Engine) OnInputPacketDone(p *Packet) {
	e.lock.Lock()

	if e.codecFailed || p.LifetimeOrdinal() != e.input.currentLifetime() {
		e.lock.Unlock()

		return
	}

	p.SetFree(true)
	lifetime, index := p.LifetimeOrdinal(), p.Index()
	e.lock.Unlock()

	e.sink.OnInputPacketFree(lifetime, index)
}

// OnOutputPacket implements CoreEvents. The packet moves from the codec to
// the client, with its PTS resolved from the stream offset the backend
// stamped on it.
func (e *Engine) OnOutputPacket(p *Packet, errorBefore, errorDuring bool) {
	e.lock.Lock()

	st := e.stream
	if st == nil || st.state == streamFailed || st.state == streamStopping {
		e.lock.Unlock()

		return
	}

	if st.state == streamReconfiguring {
		// This is a protocol-layer ordering bug in this process, not a
		// client error: no output may be emitted mid-reconfiguration.
		e.lock.Unlock()
		panic("output packet emitted during output reconfiguration")
	}

	if p.isPending() {
		p.activate()
	}

	p.SetFree(false)

	out := OutputPacket{
		StreamLifetimeOrdinal: st.lifetimeOrdinal,
		BufferLifetimeOrdinal: p.LifetimeOrdinal(),
		Index:                 p.Index(),
		StartOffset:           p.StartOffset(),
		ValidLength:           p.ValidLength(),
		ErrorBefore:           errorBefore,
		ErrorDuring:           errorDuring,
	}

	if offset, ok := p.StreamOffset(); ok {
		if pts, res := e.pts.Lookup(offset); res == PtsFound {
			p.SetPTS(pts)
			out.PTS, out.HasPTS = pts, true
		} else {
			p.ClearPTS()
		}
	}

	e.lock.Unlock()

	e.sink.OnOutputPacket(out)
}

// OnOutputEndOfStream implements CoreEvents.
func (e *Engine) OnOutputEndOfStream(errorBefore bool) {
	e.lock.Lock()

	st := e.stream
	if st == nil || st.state == streamFailed || st.state == streamStopping ||
		st.outputEndOfStreamSeen {
		e.lock.Unlock()

		return
	}

	if st.state == streamReconfiguring {
		e.lock.Unlock()
		panic("output end of stream emitted during output reconfiguration")
	}

	st.outputEndOfStreamSeen = true
	ordinal := st.lifetimeOrdinal
	e.lock.Unlock()

	log.Info().Uint64(lStream, ordinal).Msg("output end of stream")
	e.sink.OnOutputEndOfStream(ordinal, errorBefore)
}

// OnMidStreamOutputConfigChange implements CoreEvents. With
// reconfigRequired it runs the two-phase reconfiguration handshake,
// blocking the calling backend thread until the client has configured new
// output buffers (bounded by ReconfigTimeout). Events for a superseded
// stream are dropped.
func (e *Engine) OnMidStreamOutputConfigChange(streamLifetimeOrdinal uint64, reconfigRequired bool) {
	e.lock.Lock()

	st := e.stream
	if st == nil || st.lifetimeOrdinal != streamLifetimeOrdinal || st.state != streamActive {
		e.lock.Unlock()

		log.Debug().Uint64(lStream, streamLifetimeOrdinal).Bool("required", reconfigRequired).
			Msg("dropping stale mid-stream output config change")

		return
	}

	if !reconfigRequired {
		e.nextFormatDetailsVersion++
		fdv := e.nextFormatDetailsVersion
		bcv := e.nextBufferConstraintsVersion
		e.lock.Unlock()

		cfg, err := e.core.BuildNewOutputConfig(streamLifetimeOrdinal, bcv, fdv, false)
		if err != nil {
			e.failStream(&ResourceUnavailableError{Op: "BuildNewOutputConfig", Err: err})

			return
		}

		e.sink.OnOutputConfigChange(cfg)

		return
	}

	st.state = streamReconfiguring
	done := make(chan struct{})
	st.reconfigDoneC = done
	stopC := st.stopC

	e.nextBufferConstraintsVersion++
	e.nextFormatDetailsVersion++
	bcv := e.nextBufferConstraintsVersion
	fdv := e.nextFormatDetailsVersion

	// The old output generation is dead as of this event.
	e.output.EnsureNotConfigured()
	e.lock.Unlock()

	log.Info().Uint64(lStream, streamLifetimeOrdinal).
		Msg("mid-stream output reconfiguration required")

	e.core.PrepareReconfig()

	cfg, err := e.core.BuildNewOutputConfig(streamLifetimeOrdinal, bcv, fdv, true)
	if err != nil {
		e.failStream(&ResourceUnavailableError{Op: "BuildNewOutputConfig", Err: err})

		return
	}

	e.sink.OnOutputConfigChange(cfg)

	// Block the backend's producing thread until the client supplies fresh
	// output buffers, the stream goes away, or the bounded wait expires.
	select {
	case <-done:
	case <-stopC:
	case <-time.After(e.config.ReconfigTimeout):
		e.failStream(&TimeoutError{Op: "output reconfiguration", Timeout: e.config.ReconfigTimeout})
	}
}

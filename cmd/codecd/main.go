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

// codecd decodes one elementary-stream file into raw frames on disk. It is
// the reference client of the codec engine: it plays the protocol side of
// the session, including buffer setup and mid-stream output
// reconfiguration.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/TurbineOne/codec-session/pkg/codec"
	"github.com/TurbineOne/codec-session/pkg/ffcodec"
)

var log zerolog.Logger //nolint:gochecknoglobals // Don't care.

const streamLifetimeOrdinal = 1

// memBuffer is a heap-backed codec.MappedBuffer.
type memBuffer struct {
	data  []byte
	index uint32
}

func (b *memBuffer) Bytes() []byte { return b.data }
func (b *memBuffer) Index() uint32 { return b.index }

// driverSink funnels engine events into channels the driver goroutines
// select on. Sends block; the driver always drains.
type driverSink struct {
	configC    chan codec.OutputConfig
	outputC    chan codec.OutputPacket
	eosC       chan struct{}
	freeInputC chan uint32
	failC      chan error
}

func newDriverSink(inputBufferCount int) *driverSink {
	return &driverSink{
		configC:    make(chan codec.OutputConfig, 1),
		outputC:    make(chan codec.OutputPacket, 16),
		eosC:       make(chan struct{}, 1),
		freeInputC: make(chan uint32, inputBufferCount),
		failC:      make(chan error, 2),
	}
}

func (s *driverSink) OnCodecFailed(err error) {
	s.failC <- fmt.Errorf("codec failed: %w", err)
}

func (s *driverSink) OnStreamFailed(ordinal uint64, err error) {
	s.failC <- fmt.Errorf("stream %d failed: %w", ordinal, err)
}

func (s *driverSink) OnOutputConfigChange(config codec.OutputConfig) {
	s.configC <- config
}

func (s *driverSink) OnOutputPacket(p codec.OutputPacket) {
	s.outputC <- p
}

func (s *driverSink) OnOutputEndOfStream(ordinal uint64, errorBefore bool) {
	s.eosC <- struct{}{}
}

func (s *driverSink) OnInputPacketFree(bufferLifetimeOrdinal uint64, index uint32) {
	s.freeInputC <- index
}

// driver owns the client half of one decode session.
type driver struct {
	config *codecdConfig
	engine *codec.Engine
	sink   *driverSink

	inputBuffers []*memBuffer

	// Output state, touched only by the event goroutine.
	outputBuffers  []*memBuffer
	outputLifetime uint64
	frameCount     int
}

// setupInput registers the input buffer rotation and seeds the free-index
// channel with every packet.
func (d *driver) setupInput() error {
	d.inputBuffers = make([]*memBuffer, d.config.InputBufferCount)

	for i := range d.inputBuffers {
		d.inputBuffers[i] = &memBuffer{
			data:  make([]byte, d.config.InputChunkBytes),
			index: uint32(i),
		}

		if err := d.engine.AddBuffer(codec.PortInput, 1, d.inputBuffers[i]); err != nil {
			return err
		}
	}

	if err := d.engine.ConfigureBuffers(codec.PortInput, 1, len(d.inputBuffers)); err != nil {
		return err
	}

	for i := range d.inputBuffers {
		d.sink.freeInputC <- uint32(i)
	}

	return nil
}

// feedInput reads the input file in chunks and queues each chunk as soon as
// an input packet frees up.
func (d *driver) feedInput(ctx context.Context) error {
	f, err := os.Open(d.config.Input)
	if err != nil {
		return fmt.Errorf("opening input failed: %w", err)
	}
	defer f.Close() //nolint:errcheck // Don't care about error

	for {
		var index uint32
		select {
		case index = <-d.sink.freeInputC:
		case <-ctx.Done():
			return ctx.Err()
		}

		buf := d.inputBuffers[index]

		n, err := f.Read(buf.data)
		if n > 0 {
			qErr := d.engine.QueueInputPacket(streamLifetimeOrdinal, codec.InputPacket{
				BufferLifetimeOrdinal: 1,
				Index:                 index,
				StartOffset:           0,
				ValidLength:           n,
			})
			if qErr != nil {
				return qErr
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return d.engine.QueueInputEndOfStream(streamLifetimeOrdinal)
			}

			return fmt.Errorf("reading input failed: %w", err)
		}
	}
}

// configureOutput answers an output config change by standing up a fresh
// buffer generation sized to the new constraints.
func (d *driver) configureOutput(config codec.OutputConfig) error {
	d.outputLifetime++
	d.outputBuffers = make([]*memBuffer, config.PacketCountNeeded)

	for i := range d.outputBuffers {
		d.outputBuffers[i] = &memBuffer{
			data:  make([]byte, config.BufferBytesNeeded),
			index: uint32(i),
		}

		if err := d.engine.AddBuffer(codec.PortOutput, d.outputLifetime, d.outputBuffers[i]); err != nil {
			return err
		}
	}

	return d.engine.ConfigureBuffers(codec.PortOutput, d.outputLifetime, len(d.outputBuffers))
}

// writeFrame dumps one output packet's payload to the output directory and
// recycles the packet.
func (d *driver) writeFrame(p codec.OutputPacket) error {
	if p.BufferLifetimeOrdinal == d.outputLifetime {
		buf := d.outputBuffers[p.Index()]
		payload := buf.data[p.StartOffset : p.StartOffset+p.ValidLength]

		name := filepath.Join(d.config.OutputDir, fmt.Sprintf("frame_%06d.raw", d.frameCount))
		if err := os.WriteFile(name, payload, 0o644); err != nil { //nolint:gosec // Not sensitive.
			return fmt.Errorf("writing frame failed: %w", err)
		}

		d.frameCount++
	}

	return d.engine.RecycleOutputPacket(p.BufferLifetimeOrdinal, p.Index())
}

// handleEvents is the protocol side of the session: output configs, output
// frames, end of stream, and failures.
func (d *driver) handleEvents(ctx context.Context) error {
	for {
		select {
		case config := <-d.sink.configC:
			log.Info().Object("config", config).Msg("output config change")

			if err := d.configureOutput(config); err != nil {
				return err
			}

		case p := <-d.sink.outputC:
			if err := d.writeFrame(p); err != nil {
				return err
			}

		case <-d.sink.eosC:
			log.Info().Int("frames", d.frameCount).Msg("end of stream")

			return d.engine.StopStream(streamLifetimeOrdinal)

		case err := <-d.sink.failC:
			return err

		case <-ctx.Done():
			_ = d.engine.StopStream(streamLifetimeOrdinal)

			return ctx.Err()
		}
	}
}

func run() error {
	sink := newDriverSink(currentConfig.Codecd.InputBufferCount)
	core := ffcodec.New(&currentConfig.Ffcodec, &log)

	defer core.Close()

	engine := codec.New(&currentConfig.Codec, core, sink, &log)

	details := codec.FormatDetails{
		FormatDetailsVersion: 1,
		MimeType:             currentConfig.Codecd.MimeType,
	}
	if err := engine.Init(details); err != nil {
		return err
	}

	defer engine.Close()

	d := &driver{
		config: &currentConfig.Codecd,
		engine: engine,
		sink:   sink,
	}

	if err := engine.StartStream(streamLifetimeOrdinal); err != nil {
		return err
	}

	if err := d.setupInput(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.feedInput(gCtx)
	})

	g.Go(func() error {
		defer cancel()

		return d.handleEvents(gCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func main() {
	initConfig() // May early exit if config init fails.

	if currentConfig.Codecd.Input == "" {
		log.Error().Msg("no input file; use --input")
		os.Exit(1)
	}

	if err := run(); err != nil {
		log.Error().Err(err).Msg("decode failed")
		os.Exit(1)
	}

	log.Info().Msg("done")
}

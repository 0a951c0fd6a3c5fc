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

// Package ffcodec implements the codec.CoreCodec backend on FFmpeg via
// go-astiav. Input packets are elementary-stream chunks; output packets
// are raw decoded frames materialized into the client's output buffers.
package ffcodec

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/rs/zerolog"

	"github.com/TurbineOne/codec-session/pkg/codec"
)

const (
	lCodec       = "codec"
	lFrameCount  = "frameCount"
	lGeneration  = "generation"
	lHeight      = "height"
	lIndex       = "index"
	lMimeType    = "mimeType"
	lPacketCount = "packetCount"
	lPort        = "port"
	lStream      = "streamLifetime"
	lWidth       = "width"
)

//nolint:gochecknoglobals // allows logging from non-method funcs
var log zerolog.Logger

// mimeTypeToCodecID maps the input format's MIME type to the FFmpeg
// decoder we feed it to.
var mimeTypeToCodecID = map[string]astiav.CodecID{
	"video/h264":  astiav.CodecIDH264,
	"video/hevc":  astiav.CodecIDHevc,
	"video/mjpeg": astiav.CodecIDMjpeg,
	"video/mpeg2": astiav.CodecIDMpeg2Video,
	"video/mpeg4": astiav.CodecIDMpeg4,
	"video/vp8":   astiav.CodecIDVp8,
	"video/vp9":   astiav.CodecIDVp9,
}

// Config configures the FFmpeg-backed core codec.
type Config struct { //nolint:govet // Don't care about alignment.
	FfmpegLogLevel    string        `yaml:"ffmpegLogLevel" json:"ffmpegLogLevel" doc:"Log level for ffmpeg. One of: quiet, panic, fatal, error, warning, info, verbose, debug"`
	OutputPacketCount int           `yaml:"outputPacketCount" json:"outputPacketCount" doc:"Output packets requested from the client per buffer generation"`
	FreeWaitTimeout   time.Duration `yaml:"freeWaitTimeout" json:"freeWaitTimeout" doc:"Ceiling on how long decoding may wait for a free output packet"`
	FlushSentinel     string        `yaml:"flushSentinel" json:"flushSentinel" doc:"Bytes fed to the decoder ahead of the end-of-stream flush, for codecs that want an explicit end marker. Empty for none"`
}

// ConfigDefault returns the default values for a Config.
func ConfigDefault() Config {
	return Config{
		FfmpegLogLevel:    "error",
		OutputPacketCount: 4,
		FreeWaitTimeout:   5 * time.Second,
		FlushSentinel:     "",
	}
}

// UnsupportedMimeTypeError indicates no decoder is available for the
// requested input format.
type UnsupportedMimeTypeError struct {
	MimeType string
}

func (e *UnsupportedMimeTypeError) Error() string {
	return fmt.Sprintf("no decoder for mime type %q", e.MimeType)
}

// BufferTooSmallError indicates a decoded frame does not fit the
// client-provided output buffer.
type BufferTooSmallError struct {
	FrameBytes  int
	BufferBytes int
}

func (e *BufferTooSmallError) Error() string {
	return fmt.Sprintf("decoded frame of %d bytes exceeds output buffer of %d bytes",
		e.FrameBytes, e.BufferBytes)
}

// errStreamGone is an internal signal that the current stream stopped or
// failed while a frame was in flight. The frame is dropped, not an error.
var errStreamGone = errors.New("stream gone")

// Codec implements codec.CoreCodec on an FFmpeg decoder. The engine calls
// the data-path methods from its single processing goroutine; the setup
// methods arrive on client threads. The lock covers the fields both sides
// touch: the output packet rotation and the negotiated geometry.
type Codec struct {
	config *Config
	events codec.CoreEvents

	details codec.FormatDetails

	// pendingOob is prepended to the next input payload. Out-of-band codec
	// config (e.g. H.264 parameter sets) has to reach the decoder in-band
	// because we feed raw elementary-stream bytes, not a container.
	pendingOob []byte

	decCodec        *astiav.Codec
	decCodecContext *astiav.CodecContext
	inPkt           *astiav.Packet
	decFrame        *astiav.Frame

	// The rawvideo "encoder" is how decoded frames become contiguous bytes
	// in the client's buffer. It does no compression; it serializes the
	// frame's planes.
	encCodecContext *astiav.CodecContext
	encPkt          *astiav.Packet
	encWidth        int
	encHeight       int

	streamLifetimeOrdinal uint64
	stopC                 chan struct{}
	stopped               bool

	lock            sync.Mutex
	width           int
	height          int
	pixelFormat     string
	outPackets      []*codec.Packet
	freeC           chan *codec.Packet
	frameGeneration uint64
	frameCount      int
}

// New returns a new Codec. Must be Init()'ed before use.
func New(config *Config, logger *zerolog.Logger) *Codec {
	log = logger.With().Str("pkg", "ffcodec").Logger()

	ffmpegLoggerSetup(config)

	return &Codec{
		config: config,
	}
}

// SetEvents implements codec.CoreCodec.
func (c *Codec) SetEvents(events codec.CoreEvents) {
	c.events = events
}

// Init implements codec.CoreCodec. It resolves the decoder for the input
// format but does not open a context; StartStream does that per stream.
func (c *Codec) Init(details codec.FormatDetails) error {
	codecID, ok := mimeTypeToCodecID[details.MimeType]
	if !ok {
		return &UnsupportedMimeTypeError{MimeType: details.MimeType}
	}

	c.decCodec = astiav.FindDecoder(codecID)
	if c.decCodec == nil {
		return &UnsupportedMimeTypeError{MimeType: details.MimeType}
	}

	c.details = details
	c.inPkt = astiav.AllocPacket()
	c.decFrame = astiav.AllocFrame()
	c.encPkt = astiav.AllocPacket()

	log.Info().Str(lMimeType, details.MimeType).Str(lCodec, c.decCodec.Name()).
		Msg("decoder resolved")

	return nil
}

// Close frees all FFmpeg resources. The codec may not be used afterward.
func (c *Codec) Close() {
	c.closeDecoder()

	if c.encCodecContext != nil {
		c.encCodecContext.Free()
		c.encCodecContext = nil
	}

	if c.inPkt != nil {
		c.inPkt.Free()
		c.inPkt = nil
	}

	if c.decFrame != nil {
		c.decFrame.Free()
		c.decFrame = nil
	}

	if c.encPkt != nil {
		c.encPkt.Free()
		c.encPkt = nil
	}
}

// StartStream implements codec.CoreCodec. Each stream gets a fresh decoder
// context so no state leaks across stream boundaries.
func (c *Codec) StartStream(streamLifetimeOrdinal uint64) error {
	if err := c.openDecoder(); err != nil {
		return err
	}

	c.streamLifetimeOrdinal = streamLifetimeOrdinal
	c.stopC = make(chan struct{})
	c.stopped = false
	c.pendingOob = c.details.OobBytes

	log.Debug().Uint64(lStream, streamLifetimeOrdinal).Msg("stream started")

	return nil
}

// StopStream implements codec.CoreCodec. The engine guarantees no data-path
// call is in flight when this runs, so tearing down the decoder context here
// is safe.
func (c *Codec) StopStream() {
	if !c.stopped {
		c.stopped = true
		close(c.stopC)
	}

	c.closeDecoder()

	log.Debug().Uint64(lStream, c.streamLifetimeOrdinal).Msg("stream stopped")
}

func (c *Codec) openDecoder() error {
	c.closeDecoder()

	c.decCodecContext = astiav.AllocCodecContext(c.decCodec)

	if err := c.decCodecContext.Open(c.decCodec, nil); err != nil {
		c.decCodecContext.Free()
		c.decCodecContext = nil

		return fmt.Errorf("opening decoder context failed: %w", err)
	}

	return nil
}

func (c *Codec) closeDecoder() {
	if c.decCodecContext == nil {
		return
	}

	// Best practice is to send a nil packet to flush the decoder.
	_ = c.decCodecContext.SendPacket(nil)

	var err error
	for err == nil {
		err = c.decCodecContext.ReceiveFrame(c.decFrame)
	}

	c.decCodecContext.Free()
	c.decCodecContext = nil
}

// QueueInputFormatDetails implements codec.CoreCodec. A mid-stream format
// update re-arms the out-of-band bytes; a MIME type change re-resolves the
// decoder for the next stream.
func (c *Codec) QueueInputFormatDetails(details codec.FormatDetails) {
	if details.MimeType != c.details.MimeType {
		codecID, ok := mimeTypeToCodecID[details.MimeType]
		if !ok {
			c.events.OnFailStream(&UnsupportedMimeTypeError{MimeType: details.MimeType})

			return
		}

		decCodec := astiav.FindDecoder(codecID)
		if decCodec == nil {
			c.events.OnFailStream(&UnsupportedMimeTypeError{MimeType: details.MimeType})

			return
		}

		log.Info().Str(lMimeType, details.MimeType).Str(lCodec, decCodec.Name()).
			Msg("input format changed")
		c.decCodec = decCodec
	}

	c.details = details
	c.pendingOob = details.OobBytes
}

// QueueInputPacket implements codec.CoreCodec. It feeds the payload to the
// decoder and distributes any frames that come out, which can block waiting
// for free output packets or for a reconfiguration handshake.
func (c *Codec) QueueInputPacket(p *codec.Packet) {
	payload := p.Buffer().Bytes()[p.StartOffset() : p.StartOffset()+p.ValidLength()]

	data := payload
	if len(c.pendingOob) > 0 {
		data = make([]byte, 0, len(c.pendingOob)+len(payload))
		data = append(data, c.pendingOob...)
		data = append(data, payload...)
		c.pendingOob = nil
	}

	if err := c.inPkt.FromData(data); err != nil {
		c.events.OnFailStream(fmt.Errorf("wrapping input payload failed: %w", err))

		return
	}

	// The input stream offset rides through the decoder as the packet PTS,
	// so each output frame comes back stamped with the offset of the input
	// bytes that produced it. The engine resolves real timestamps from it.
	if offset, ok := p.StreamOffset(); ok {
		c.inPkt.SetPts(int64(offset))
	}

	err := c.decCodecContext.SendPacket(c.inPkt)
	c.inPkt.Unref()

	// The decoder has copied what it needs; the input packet goes back to
	// the client regardless of what decoding does next.
	c.events.OnInputPacketDone(p)

	if err != nil {
		c.events.OnFailStream(fmt.Errorf("sending packet to decoder failed: %w", err))

		return
	}

	c.receiveFrames()
}

// QueueInputEndOfStream implements codec.CoreCodec. It flushes the decoder
// and propagates end-of-stream after the last frame. A configured flush
// sentinel goes in first, for codec conventions where end-of-stream is an
// in-band marker rather than just starvation.
func (c *Codec) QueueInputEndOfStream() {
	if len(c.config.FlushSentinel) > 0 {
		if err := c.inPkt.FromData([]byte(c.config.FlushSentinel)); err != nil {
			c.events.OnFailStream(fmt.Errorf("wrapping flush sentinel failed: %w", err))

			return
		}

		err := c.decCodecContext.SendPacket(c.inPkt)
		c.inPkt.Unref()

		if err != nil {
			c.events.OnFailStream(fmt.Errorf("sending flush sentinel failed: %w", err))

			return
		}
	}

	// Best practice is to send a nil packet to flush the decoder.
	if err := c.decCodecContext.SendPacket(nil); err != nil {
		c.events.OnFailStream(fmt.Errorf("flushing decoder failed: %w", err))

		return
	}

	if err := c.receiveFrames(); err != nil {
		return
	}

	c.events.OnOutputEndOfStream(false)
}

// receiveFrames drains the decoder, delivering each frame to an output
// packet. One input packet can expand into multiple frames, so we query the
// decoder in a loop until it returns an error.
func (c *Codec) receiveFrames() error {
	for {
		if err := c.decCodecContext.ReceiveFrame(c.decFrame); err != nil {
			if errors.Is(err, astiav.ErrEof) || errors.Is(err, astiav.ErrEagain) {
				return nil
			}

			err = fmt.Errorf("receiving frame from decoder failed: %w", err)
			c.events.OnFailStream(err)

			return err
		}

		err := c.deliverFrame(c.decFrame)

		c.decFrame.Unref()

		if err != nil {
			return err
		}
	}
}

// deliverFrame materializes one decoded frame into a free output packet and
// emits it. The first frame of a stream, and any geometry change after
// that, runs the output reconfiguration handshake first.
func (c *Codec) deliverFrame(f *astiav.Frame) error {
	c.lock.Lock()
	needReconfig := c.outPackets == nil || f.Width() != c.width || f.Height() != c.height

	if needReconfig {
		c.width = f.Width()
		c.height = f.Height()
		c.pixelFormat = f.PixelFormat().Name()
	}
	c.lock.Unlock()

	if needReconfig {
		log.Info().Int(lWidth, f.Width()).Int(lHeight, f.Height()).
			Uint64(lStream, c.streamLifetimeOrdinal).Msg("output geometry change")

		// Blocks until the client has configured new output buffers, the
		// stream goes away, or the engine's bounded wait expires.
		c.events.OnMidStreamOutputConfigChange(c.streamLifetimeOrdinal, true)
	}

	c.lock.Lock()
	freeC := c.freeC
	c.lock.Unlock()

	if freeC == nil {
		// Reconfiguration did not complete; the stream stopped or failed
		// under us. Not an error worth reporting twice.
		return errStreamGone
	}

	var p *codec.Packet
	select {
	case p = <-freeC:
	case <-c.stopC:
		return errStreamGone
	case <-time.After(c.config.FreeWaitTimeout):
		err := fmt.Errorf("no free output packet within %v", c.config.FreeWaitTimeout)
		c.events.OnFailStream(err)

		return err
	}

	n, err := c.encodeFrameInto(f, p.Buffer().Bytes())
	if err != nil {
		c.events.OnFailStream(err)

		return err
	}

	p.SetStartOffset(0)
	p.SetValidLength(n)

	if pts := f.Pts(); pts != astiav.NoPtsValue && pts >= 0 {
		p.SetStreamOffset(uint64(pts))
	}

	c.lock.Lock()
	p.SetFrame(codec.FrameRef{Generation: c.frameGeneration, Index: c.frameCount})
	c.frameCount++
	count := c.frameCount
	c.lock.Unlock()

	log.Trace().Uint32(lIndex, p.Index()).Int(lFrameCount, count).Msg("frame delivered")

	c.events.OnOutputPacket(p, false, false)

	return nil
}

// encodeFrameInto serializes the frame's planes into dst via a rawvideo
// encoder pass and returns the byte count.
func (c *Codec) encodeFrameInto(f *astiav.Frame, dst []byte) (int, error) {
	if c.encCodecContext == nil || f.Width() != c.encWidth || f.Height() != c.encHeight {
		if err := c.openEncoder(f); err != nil {
			return 0, err
		}
	}

	if err := c.encCodecContext.SendFrame(f); err != nil {
		return 0, fmt.Errorf("sending frame to rawvideo encoder failed: %w", err)
	}

	c.encPkt.Unref()

	err := c.encCodecContext.ReceivePacket(c.encPkt)
	if err != nil {
		return 0, fmt.Errorf("receiving rawvideo packet failed: %w", err)
	}

	data := c.encPkt.Data()
	if len(data) > len(dst) {
		return 0, &BufferTooSmallError{FrameBytes: len(data), BufferBytes: len(dst)}
	}

	n := copy(dst, data)

	// Rawvideo is 1:1 frame to packet, but drain any remainders like any
	// other encoder.
	for err == nil {
		c.encPkt.Unref()
		err = c.encCodecContext.ReceivePacket(c.encPkt)
	}

	return n, nil
}

func (c *Codec) openEncoder(f *astiav.Frame) error {
	if c.encCodecContext != nil {
		c.encCodecContext.Free()
		c.encCodecContext = nil
	}

	encCodec := astiav.FindEncoder(astiav.CodecIDRawvideo)
	if encCodec == nil {
		return errors.New("no rawvideo encoder")
	}

	c.encCodecContext = astiav.AllocCodecContext(encCodec)
	c.encCodecContext.SetPixelFormat(f.PixelFormat())
	c.encCodecContext.SetWidth(f.Width())
	c.encCodecContext.SetHeight(f.Height())
	c.encCodecContext.SetSampleAspectRatio(f.SampleAspectRatio())
	c.encCodecContext.SetTimeBase(astiav.NewRational(1, 30))

	if err := c.encCodecContext.Open(encCodec, nil); err != nil {
		c.encCodecContext.Free()
		c.encCodecContext = nil

		return fmt.Errorf("opening rawvideo encoder failed: %w", err)
	}

	c.encWidth = f.Width()
	c.encHeight = f.Height()

	return nil
}

// AddBuffer implements codec.CoreCodec. Buffers only matter to us once
// bound to packets, so this is bookkeeping-free.
func (c *Codec) AddBuffer(port codec.Port, b *codec.Buffer) {
	log.Trace().Str(lPort, port.String()).Uint32(lIndex, b.Index()).Msg("buffer added")
}

// ConfigureBuffers implements codec.CoreCodec. A new output generation
// replaces the free-packet rotation wholesale.
func (c *Codec) ConfigureBuffers(port codec.Port, packets []*codec.Packet) {
	if port != codec.PortOutput {
		return
	}

	c.lock.Lock()
	c.outPackets = packets
	c.freeC = make(chan *codec.Packet, len(packets))

	for _, p := range packets {
		c.freeC <- p
	}

	c.frameGeneration++
	generation := c.frameGeneration
	c.lock.Unlock()

	log.Debug().Int(lPacketCount, len(packets)).Uint64(lGeneration, generation).
		Msg("output packets configured")
}

// EnsureBuffersNotConfigured implements codec.CoreCodec.
func (c *Codec) EnsureBuffersNotConfigured(port codec.Port) {
	if port != codec.PortOutput {
		return
	}

	c.lock.Lock()
	c.outPackets = nil
	c.freeC = nil
	c.lock.Unlock()
}

// RecycleOutputPacket implements codec.CoreCodec. Recycles aimed at a
// superseded generation are dropped; the rotation they belonged to is gone.
func (c *Codec) RecycleOutputPacket(p *codec.Packet) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if len(c.outPackets) == 0 ||
		c.outPackets[0].LifetimeOrdinal() != p.LifetimeOrdinal() {
		return
	}

	// freeC has capacity for every packet of the generation, so this never
	// blocks under the lock.
	c.freeC <- p
}

// BuildNewOutputConfig implements codec.CoreCodec.
func (c *Codec) BuildNewOutputConfig(streamLifetimeOrdinal, bufferConstraintsVersion,
	formatDetailsVersion uint64, actionRequired bool,
) (codec.OutputConfig, error) {
	// The geometry snapshot is maintained under the lock at frame-delivery
	// time; the decoder context itself belongs to the processing thread and
	// is not touched here.
	c.lock.Lock()
	width, height := c.width, c.height
	pixelFormat := c.pixelFormat
	c.lock.Unlock()

	stride := width

	// Worst case across the pixel formats we decode to: 4 bytes per pixel
	// covers packed RGB as well as planar YUV up to 4:4:4 at 8 bits.
	const maxBytesPerPixel = 4

	return codec.OutputConfig{
		StreamLifetimeOrdinal:           streamLifetimeOrdinal,
		BufferConstraintsVersion:        bufferConstraintsVersion,
		BufferConstraintsActionRequired: actionRequired,
		FormatDetailsVersion:            formatDetailsVersion,
		PacketCountNeeded:               c.config.OutputPacketCount,
		BufferBytesNeeded:               width * height * maxBytesPerPixel,
		Width:                           width,
		Height:                          height,
		Stride:                          stride,
		PixelFormat:                     pixelFormat,
	}, nil
}

// PrepareReconfig implements codec.CoreCodec. The old output generation is
// unusable for the new geometry; drop the rotation so no stale packet gets
// filled.
func (c *Codec) PrepareReconfig() {
	c.lock.Lock()
	c.outPackets = nil
	c.freeC = nil
	c.lock.Unlock()
}

// FinishReconfig implements codec.CoreCodec. ConfigureBuffers has already
// installed the new rotation; the frame serializer just needs to re-open at
// the new geometry on the next frame.
func (c *Codec) FinishReconfig() {
	if c.encCodecContext != nil {
		c.encCodecContext.Free()
		c.encCodecContext = nil
	}
}

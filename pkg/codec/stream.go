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

	"github.com/rs/zerolog"
)

type streamState int

const (
	streamIdle streamState = iota
	streamStarting
	streamActive
	streamReconfiguring
	streamStopping
	streamFailed
)

func (s streamState) String() string {
	switch s {
	case streamIdle:
		return "idle"
	case streamStarting:
		return "starting"
	case streamActive:
		return "active"
	case streamReconfiguring:
		return "reconfiguringOutput"
	case streamStopping:
		return "stopping"
	case streamFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// stream tracks one stream lifetime ordinal's worth of decoding activity,
// one Start..Stop bracket. All fields are protected by the engine lock.
type stream struct {
	lifetimeOrdinal uint64
	state           streamState

	// pendingInputFormat holds the most recently queued format details.
	// They are not forwarded to the backend until the next data-bearing
	// input item, because the backend consumes out-of-band format metadata
	// in-band, just ahead of real payload. Delivery order is load-bearing.
	pendingInputFormat *FormatDetails

	inputEndOfStreamQueued bool
	outputEndOfStreamSeen  bool

	// reconfigDoneC is non-nil while a mid-stream output reconfiguration is
	// outstanding; closed once FinishReconfig has completed.
	reconfigDoneC chan struct{}

	// stopC is closed when the stream leaves Active/Reconfiguring for good
	// (stop or failure), releasing any thread blocked in the
	// reconfiguration wait.
	stopC    chan struct{}
	stopOnce sync.Once
}

func newStream(lifetimeOrdinal uint64) *stream {
	return &stream{
		lifetimeOrdinal: lifetimeOrdinal,
		state:           streamStarting,
		stopC:           make(chan struct{}),
	}
}

// signalStop releases anything blocked on the stream's lifetime. Safe to
// call more than once.
func (st *stream) signalStop() {
	st.stopOnce.Do(func() {
		close(st.stopC)
	})
}

// queueable reports whether data-path queueing is legal in the current
// state.
func (st *stream) queueable() bool {
	return st.state == streamActive || st.state == streamReconfiguring
}

func (st *stream) MarshalZerologObject(e *zerolog.Event) {
	e.Uint64(lStream, st.lifetimeOrdinal).
		Str(lState, st.state.String()).
		Bool("eosQueued", st.inputEndOfStreamQueued)
}

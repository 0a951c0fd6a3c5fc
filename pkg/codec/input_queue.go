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

	"golang.org/x/exp/slices"
)

// inputItemKind tags the inputItem union. The zero value is Invalid so an
// uninitialized item is detectable rather than silently meaning something.
type inputItemKind int

const (
	inputItemInvalid inputItemKind = iota
	inputItemFormatDetails
	inputItemPacket
	inputItemEndOfStream
)

func (k inputItemKind) String() string {
	switch k {
	case inputItemFormatDetails:
		return "formatDetails"
	case inputItemPacket:
		return "packet"
	case inputItemEndOfStream:
		return "endOfStream"
	default:
		return "invalid"
	}
}

// inputItem is one queued unit of input: a format-details update, a data
// packet, or the end-of-stream marker. Exactly one payload field matches
// the kind.
type inputItem struct {
	kind    inputItemKind
	details FormatDetails // inputItemFormatDetails only
	packet  *Packet       // inputItemPacket only
}

// inputQueue serializes input items across threads and guarantees a single
// de-duplicated wakeup of the processing loop. Wakeups are edge-triggered:
// enqueuing while a pass is scheduled or running does not schedule another.
//
// Stopping a stream uses the CancelAndDrain handshake: a cancellation flag
// observed by Dequeue, a sentinel wake through the same channel the loop
// drains, and a oneshot ack once the in-flight pass has returned.
type inputQueue struct {
	// wakeC is the capacity-1 wake channel the processing loop ranges over.
	wakeC chan struct{}

	mu         sync.Mutex
	items      []inputItem
	scheduled  bool // a processing pass is scheduled or currently running
	cancelling bool
	failed     bool
	closed     bool
	drainAckC  chan struct{} // non-nil while CancelAndDrain waits for a pass
}

func newInputQueue() *inputQueue {
	return &inputQueue{
		wakeC: make(chan struct{}, 1),
	}
}

// WakeC is the channel the processing loop ranges over; it closes at Close.
func (q *inputQueue) WakeC() <-chan struct{} { return q.wakeC }

func (q *inputQueue) wake() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	select {
	case q.wakeC <- struct{}{}:
	default:
	}
}

// Enqueue appends an item. If no pass is scheduled or running, it schedules
// exactly one.
func (q *inputQueue) Enqueue(item inputItem) {
	q.mu.Lock()
	q.items = append(q.items, item)
	needWake := !q.scheduled
	if needWake {
		q.scheduled = true
	}
	depth := len(q.items)
	q.mu.Unlock()

	if needWake {
		q.wake()
	}

	log.Trace().Str("kind", item.kind.String()).Int(lQueueDepth, depth).Msg("input enqueued")
}

// Dequeue pops the front item. It returns false when the queue is empty,
// the stream has failed, or cancellation is in progress.
func (q *inputQueue) Dequeue() (inputItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cancelling || q.failed || len(q.items) == 0 {
		return inputItem{}, false
	}

	item := q.items[0]
	q.items = slices.Delete(q.items, 0, 1)

	return item, true
}

// FinishPass is called by the processing loop once a pass has drained the
// queue. It acks any pending CancelAndDrain and either clears the
// scheduled flag or re-wakes if items slipped in while the pass was ending.
func (q *inputQueue) FinishPass() {
	q.mu.Lock()

	if q.drainAckC != nil {
		close(q.drainAckC)
		q.drainAckC = nil
	}

	if len(q.items) > 0 && !q.cancelling && !q.failed {
		q.mu.Unlock()
		q.wake() // scheduled stays true

		return
	}

	q.scheduled = false
	q.mu.Unlock()
}

// CancelAndDrain blocks until any in-flight processing pass has returned,
// then empties the queue. After it returns, no processing-pass code will
// touch the cancelled stream's items again. The dropped items are returned
// so the caller can release whatever they still own.
func (q *inputQueue) CancelAndDrain() []inputItem {
	q.mu.Lock()
	q.cancelling = true
	ack := make(chan struct{})
	q.drainAckC = ack
	q.scheduled = true
	q.mu.Unlock()

	// The sentinel wake guarantees a pass runs (and acks) even if none was
	// scheduled.
	q.wake()
	<-ack

	q.mu.Lock()
	q.cancelling = false
	dropped := q.items
	q.items = nil
	q.mu.Unlock()

	if len(dropped) > 0 {
		log.Debug().Int(lQueueDepth, len(dropped)).Msg("input queue drained")
	}

	return dropped
}

// SetFailed makes Dequeue return nothing while set, so a failed stream's
// items are dropped rather than processed.
func (q *inputQueue) SetFailed(failed bool) {
	q.mu.Lock()
	q.failed = failed
	q.mu.Unlock()
}

// Close ends the processing loop. The caller must guarantee no further
// Enqueue or CancelAndDrain calls.
func (q *inputQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.wakeC)
}

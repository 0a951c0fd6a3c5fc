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
	"time"
)

// ProtocolViolationError indicates the caller broke a precondition:
// an out-of-order call, a malformed buffer/packet set, or an operation
// illegal in the current stream state. It is fatal to the session.
type ProtocolViolationError struct {
	Reason string
}

func (e *ProtocolViolationError) Error() string {
	return "protocol violation: " + e.Reason
}

// OrdinalMismatchError indicates an operation referenced a superseded
// buffer generation. Unlike other violations, these are tolerated and
// logged, since a client can race a reconfiguration in flight.
type OrdinalMismatchError struct {
	Port Port
	Have uint64
	Want uint64
}

func (e *OrdinalMismatchError) Error() string {
	return fmt.Sprintf("stale buffer lifetime ordinal on %s port: got %d, current %d",
		e.Port, e.Have, e.Want)
}

// BackendFailureError wraps an error reported by the CoreCodec.
type BackendFailureError struct {
	Op  string
	Err error
}

func (e *BackendFailureError) Error() string {
	return "backend failure in " + e.Op + ": " + e.Err.Error()
}

func (e *BackendFailureError) Unwrap() error {
	return e.Err
}

// ResourceUnavailableError indicates a transient failure acquiring a
// backend resource. It is surfaced to the immediate caller only, never as
// a session-wide failure.
type ResourceUnavailableError struct {
	Op  string
	Err error
}

func (e *ResourceUnavailableError) Error() string {
	return "resource unavailable in " + e.Op + ": " + e.Err.Error()
}

func (e *ResourceUnavailableError) Unwrap() error {
	return e.Err
}

// TimeoutError indicates a bounded wait expired.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %v waiting for %s", e.Timeout, e.Op)
}

// Package kernel holds the values exchanged between the notebook front end,
// the dispatcher and the execution backend.
package kernel

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// Reserved code payloads. They never reach user cells and are recognised by
// the front end without inspecting backend notifications.
const (
	// ErrorMarker is dispatched after a backend error has cancelled the backlog.
	ErrorMarker = "# QP_ERROR"
	// BatchBegin opens a "run all" batch.
	BatchBegin = "# QP_BEGIN"
	// BatchEnd closes a "run all" batch.
	BatchEnd = "# QP_END"
)

// ExecutionRequest is one unit of work for the backend. Treat it as immutable
// once it has been queued.
type ExecutionRequest struct {
	Code   string `json:"code"`
	Hidden bool   `json:"hidden"`
}

// Sentinel returns the synthetic request emitted after a backend error.
func Sentinel() ExecutionRequest {
	return ExecutionRequest{Code: ErrorMarker, Hidden: true}
}

// IsSentinel reports whether r is the error sentinel.
func (r ExecutionRequest) IsSentinel() bool {
	return r.Code == ErrorMarker
}

// IsMarker reports whether r carries one of the reserved payloads.
func (r ExecutionRequest) IsMarker() bool {
	switch r.Code {
	case ErrorMarker, BatchBegin, BatchEnd:
		return true
	}
	return false
}

// Digest returns the BLAKE3-256 hex digest of the request's code with
// surrounding whitespace removed.
func (r ExecutionRequest) Digest() string {
	sum := blake3.Sum256([]byte(strings.TrimSpace(r.Code)))
	return hex.EncodeToString(sum[:])
}

// Status is the classification of a backend notification.
type Status int

const (
	StatusUnknown Status = iota
	StatusIdle
	StatusBusy
	StatusError
	StatusInputEcho
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusBusy:
		return "busy"
	case StatusError:
		return "error"
	case StatusInputEcho:
		return "input_echo"
	default:
		return "unknown"
	}
}

// StatusEvent is a classified notification. Gen is the dispatch generation
// that was current when the notification was received; events from an
// older generation are stale.
type StatusEvent struct {
	Status Status
	Gen    uint64
}

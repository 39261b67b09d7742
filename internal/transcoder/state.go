// SPDX-License-Identifier: MIT

// Package transcoder is the stream lifecycle engine: for each stream
// key it launches at most one FFmpeg child, fans its output out to any
// number of HTTP subscribers, restarts it on unexpected failure within
// a budget, and idle-reaps unused records. Overlap keys bypass sharing
// entirely and own a private child for one client.
package transcoder

import (
	"fmt"

	"github.com/librenetworks/amps/internal/model"
)

// StreamKey is re-exported from internal/model so callers of this
// package never need to import model directly just to name a key.
type StreamKey = model.StreamKey

// State is a transcoder record's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateDegraded
	StateStopping
	StateFailed
	StateStopped
)

// String renders the state for logging and the tuners CLI table.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDegraded:
		return "degraded"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

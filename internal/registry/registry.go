// SPDX-License-Identifier: MIT

// Package registry is the in-memory channel catalog: the single source
// of truth for CRUD and playlist/EPG rendering. One RWMutex guards the
// map; readers always get clones, never aliases into shared state.
package registry

import (
	"sort"
	"sync"

	"github.com/librenetworks/amps/internal/apierr"
	"github.com/librenetworks/amps/internal/model"
)

// TerminateFunc is invoked by Delete for every stream key belonging to
// the deleted channel, giving C3 a chance to tear down running
// transcoder records. It is supplied by the caller (cmd/amps wiring)
// rather than imported directly, so registry never depends on transcoder.
type TerminateFunc func(channelID int)

// Registry is a thread-safe id -> Channel map plus a parallel programs
// map, both guarded by the same lock so a replace_programs call is
// linearizable with a concurrent channel replace/delete.
type Registry struct {
	mu       sync.RWMutex
	channels map[int]model.Channel
	programs map[int][]model.Program

	onDelete TerminateFunc
}

// New returns an empty registry. onDelete may be nil (tests and
// bootstrapping code that don't yet have a transcoder manager wired up).
func New(onDelete TerminateFunc) *Registry {
	return &Registry{
		channels: make(map[int]model.Channel),
		programs: make(map[int][]model.Program),
		onDelete: onDelete,
	}
}

// SetOnDelete wires the transcoder-termination hook after construction,
// for the common boot sequence where the registry must exist before the
// transcoder manager that will terminate records on its behalf.
func (r *Registry) SetOnDelete(fn TerminateFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDelete = fn
}

// Add inserts a new channel. It fails with KindConflict if the id is
// already present.
func (r *Registry) Add(ch model.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.channels[ch.ID]; exists {
		return apierr.Newf(apierr.KindConflict, "channel id %d already exists", ch.ID)
	}
	ch.NormalizeRegions()
	r.channels[ch.ID] = ch.Clone()
	return nil
}

// Get returns the channel with the given id, or KindNotFound.
func (r *Registry) Get(id int) (model.Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ch, ok := r.channels[id]
	if !ok {
		return model.Channel{}, apierr.Newf(apierr.KindNotFound, "channel id %d not found", id)
	}
	return ch.Clone(), nil
}

// Replace overwrites the channel at id with body. body.ID must match
// the URL id, and the target must already exist.
func (r *Registry) Replace(id int, body model.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if body.ID != id {
		return apierr.Newf(apierr.KindBadRequest, "body id %d does not match path id %d", body.ID, id)
	}
	if _, exists := r.channels[id]; !exists {
		return apierr.Newf(apierr.KindNotFound, "channel id %d not found", id)
	}
	body.NormalizeRegions()
	r.channels[id] = body.Clone()
	return nil
}

// Delete removes the channel at id and instructs C3 (via the onDelete
// hook) to terminate every transcoder record keyed to this channel.
func (r *Registry) Delete(id int) error {
	r.mu.Lock()
	hook := r.onDelete
	if _, exists := r.channels[id]; !exists {
		r.mu.Unlock()
		return apierr.Newf(apierr.KindNotFound, "channel id %d not found", id)
	}
	delete(r.channels, id)
	delete(r.programs, id)
	r.mu.Unlock()

	if hook != nil {
		hook(id)
	}
	return nil
}

// ReplacePrograms overwrites the programme guide for a channel.
func (r *Registry) ReplacePrograms(id int, progs []model.Program) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.channels[id]; !exists {
		return apierr.Newf(apierr.KindNotFound, "channel id %d not found", id)
	}
	r.programs[id] = append([]model.Program(nil), progs...)
	return nil
}

// GetPrograms returns the programme guide for a channel, or KindNotFound
// if the channel itself does not exist (an empty guide on an existing
// channel returns an empty, non-nil slice).
func (r *Registry) GetPrograms(id int) ([]model.Program, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, exists := r.channels[id]; !exists {
		return nil, apierr.Newf(apierr.KindNotFound, "channel id %d not found", id)
	}
	return append([]model.Program(nil), r.programs[id]...), nil
}

// List returns every channel, sorted by id.
func (r *Registry) List() []model.Channel {
	return r.Snapshot()
}

// Snapshot returns a consistent, sorted, deep-enough clone of the whole
// registry, suitable for playlist/EPG rendering under a single lock
// acquisition.
func (r *Registry) Snapshot() []model.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SPDX-License-Identifier: MIT

package scheduler

import (
	"sort"
	"testing"
	"time"

	"github.com/librenetworks/amps/internal/apierr"
	"github.com/librenetworks/amps/internal/model"
)

// fakeRegistry records Add/Delete calls and can simulate a static-channel
// id collision.
type fakeRegistry struct {
	added    []int
	deleted  []int
	conflict map[int]bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{conflict: make(map[int]bool)}
}

func (f *fakeRegistry) Add(ch model.Channel) error {
	if f.conflict[ch.ID] {
		return apierr.Newf(apierr.KindConflict, "channel id %d already exists", ch.ID)
	}
	f.added = append(f.added, ch.ID)
	return nil
}

func (f *fakeRegistry) Delete(id int) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func entry(id int, start, end *time.Time) model.ScheduledChannel {
	var s model.ScheduledChannel
	s.ID = id
	s.Name = "scheduled"
	s.Source = "rtsp://example/scheduled"
	s.Schedule.Start = start
	s.Schedule.End = end
	return s
}

func at(t time.Time) *time.Time { return &t }

func TestNewAppliesPastStartImmediately(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := newFakeRegistry()

	New(Config{
		Entries: []model.ScheduledChannel{
			entry(900, at(now.Add(-time.Minute)), at(now.Add(time.Hour))),
		},
		Registry: reg,
		Now:      func() time.Time { return now },
	})

	if len(reg.added) != 1 || reg.added[0] != 900 {
		t.Fatalf("added = %v, want [900]", reg.added)
	}
}

func TestNewSkipsPastEndEntries(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := newFakeRegistry()

	s := New(Config{
		Entries: []model.ScheduledChannel{
			entry(901, at(now.Add(-2*time.Hour)), at(now.Add(-time.Hour))),
		},
		Registry: reg,
		Now:      func() time.Time { return now },
	})

	if len(reg.added) != 0 {
		t.Fatalf("added = %v, want none for an already-retired entry", reg.added)
	}
	if s.Pending() != 0 {
		t.Fatalf("Pending = %d, want 0", s.Pending())
	}
}

func TestTickActivatesAndRetiresInOrder(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := newFakeRegistry()

	s := New(Config{
		Entries: []model.ScheduledChannel{
			entry(900, at(now.Add(5*time.Second)), at(now.Add(15*time.Second))),
		},
		Registry: reg,
		Now:      func() time.Time { return now },
	})

	s.Tick(now.Add(4 * time.Second))
	if len(reg.added) != 0 {
		t.Fatalf("added = %v before start boundary", reg.added)
	}

	s.Tick(now.Add(6 * time.Second))
	if len(reg.added) != 1 || reg.added[0] != 900 {
		t.Fatalf("added = %v, want [900] after start boundary", reg.added)
	}
	if len(reg.deleted) != 0 {
		t.Fatalf("deleted = %v before end boundary", reg.deleted)
	}

	s.Tick(now.Add(16 * time.Second))
	if len(reg.deleted) != 1 || reg.deleted[0] != 900 {
		t.Fatalf("deleted = %v, want [900] after end boundary", reg.deleted)
	}
	if s.Pending() != 0 {
		t.Fatalf("Pending = %d, want 0 after both boundaries", s.Pending())
	}
}

func TestTickAppliesMissedBoundariesInWallClockOrder(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := newFakeRegistry()

	// Two entries whose windows both fall inside one long tick gap: the
	// first must still be activated then retired, the second activated.
	s := New(Config{
		Entries: []model.ScheduledChannel{
			entry(900, at(now.Add(1*time.Second)), at(now.Add(3*time.Second))),
			entry(901, at(now.Add(2*time.Second)), nil),
		},
		Registry: reg,
		Now:      func() time.Time { return now },
	})

	s.Tick(now.Add(10 * time.Second))

	wantAdded := []int{900, 901}
	gotAdded := append([]int(nil), reg.added...)
	sort.Ints(gotAdded)
	if len(gotAdded) != 2 || gotAdded[0] != wantAdded[0] || gotAdded[1] != wantAdded[1] {
		t.Fatalf("added = %v, want %v", reg.added, wantAdded)
	}
	if len(reg.deleted) != 1 || reg.deleted[0] != 900 {
		t.Fatalf("deleted = %v, want [900]", reg.deleted)
	}
}

func TestCollisionWithStaticChannelLogsAndSkips(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := newFakeRegistry()
	reg.conflict[7] = true

	s := New(Config{
		Entries: []model.ScheduledChannel{
			entry(7, at(now.Add(-time.Second)), at(now.Add(time.Hour))),
		},
		Registry: reg,
		Now:      func() time.Time { return now },
	})

	if len(reg.added) != 0 {
		t.Fatalf("added = %v, want none on collision", reg.added)
	}

	// The colliding entry was never activated, so its end boundary must
	// not cascade a Delete into the registry.
	s.Tick(now.Add(2 * time.Hour))
	if len(reg.deleted) != 0 {
		t.Fatalf("deleted = %v, want none for a never-activated entry", reg.deleted)
	}
}

func TestOpenEndedEntryNeverRetires(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := newFakeRegistry()

	s := New(Config{
		Entries: []model.ScheduledChannel{
			entry(902, nil, nil),
		},
		Registry: reg,
		Now:      func() time.Time { return now },
	})

	if len(reg.added) != 1 || reg.added[0] != 902 {
		t.Fatalf("added = %v, want [902] for a window-less entry", reg.added)
	}
	s.Tick(now.Add(24 * time.Hour))
	if len(reg.deleted) != 0 {
		t.Fatalf("deleted = %v, want none for an open-ended entry", reg.deleted)
	}
	if s.Pending() != 0 {
		t.Fatalf("Pending = %d, want 0", s.Pending())
	}
}

// SPDX-License-Identifier: MIT

package transcoder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/librenetworks/amps/internal/model"
)

func fastTuning() recordTuning {
	return recordTuning{
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		Budget:         RestartBudget{MaxRestarts: 3, Window: time.Second},
		StopTimeout:    200 * time.Millisecond,
	}
}

func sleepBuildInput(seconds string, shape model.OutputShape) BuildInput {
	return BuildInput{
		Channel: model.Channel{ID: 1, Name: "Demo", Command: sleepCommand(seconds)},
		Shape:   shape,
	}
}

func TestRecordRunsAndStops(t *testing.T) {
	key := model.StreamKey{ChannelID: 1, Shape: model.OutputTS}
	r := newRecord(key, sleepBuildInput("10", model.OutputTS), nil, fastTuning())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.run(ctx) }()

	deadline := time.After(time.Second)
	for r.State() != StateRunning {
		select {
		case <-deadline:
			t.Fatalf("record never reached Running, state=%v", r.State())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run() returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for run() to return after cancel")
	}
	if r.State() != StateStopped {
		t.Fatalf("state after cancel = %v, want Stopped", r.State())
	}
}

func TestRecordRestartsOnEarlyExit(t *testing.T) {
	key := model.StreamKey{ChannelID: 1, Shape: model.OutputTS}
	// exits immediately (well under the 2s clean-run floor): every launch
	// counts as an unexpected exit and must consume the restart budget.
	r := newRecord(key, sleepBuildInput("0", model.OutputTS), nil, fastTuning())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.run(ctx) }()

	select {
	case err := <-done:
		if !errors.Is(err, errRestartBudget) {
			t.Fatalf("run() returned %v, want errRestartBudget", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for restart budget to be exhausted")
	}
	if r.State() != StateFailed {
		t.Fatalf("state = %v, want Failed once restart budget is exhausted", r.State())
	}
}

func TestRecordSubscribeFanOut(t *testing.T) {
	key := model.StreamKey{ChannelID: 1, Shape: model.OutputTS}
	r := newRecord(key, sleepBuildInput("10", model.OutputTS), nil, fastTuning())

	sub := r.Subscribe()
	if r.SubscriberCount() != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", r.SubscriberCount())
	}
	r.Unsubscribe(sub.ID)
	if r.SubscriberCount() != 0 {
		t.Fatalf("SubscriberCount = %d, want 0 after Unsubscribe", r.SubscriberCount())
	}
}

func TestRecordInfoReportsArgvAndPID(t *testing.T) {
	key := model.StreamKey{ChannelID: 1, Shape: model.OutputTS}
	r := newRecord(key, sleepBuildInput("10", model.OutputTS), nil, fastTuning())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.run(ctx) }()

	deadline := time.After(time.Second)
	for r.State() != StateRunning {
		select {
		case <-deadline:
			t.Fatalf("record never reached Running, state=%v", r.State())
		case <-time.After(5 * time.Millisecond):
		}
	}

	info := r.Info()
	if info.PID == 0 {
		t.Fatal("Info().PID = 0, want nonzero for a running record")
	}
	if len(info.Argv) == 0 {
		t.Fatal("Info().Argv is empty, want the shell invocation argv")
	}
}

func TestRecordTerminateIsIdempotentSafe(t *testing.T) {
	key := model.StreamKey{ChannelID: 1, Shape: model.OutputTS}
	r := newRecord(key, sleepBuildInput("10", model.OutputTS), nil, fastTuning())

	ctx := context.Background()
	go func() { _ = r.run(ctx) }()

	deadline := time.After(time.Second)
	for r.State() != StateRunning {
		select {
		case <-deadline:
			t.Fatalf("record never reached Running, state=%v", r.State())
		case <-time.After(5 * time.Millisecond):
		}
	}

	r.terminate()
	if r.State() != StateStopped {
		t.Fatalf("state after terminate = %v, want Stopped", r.State())
	}
}

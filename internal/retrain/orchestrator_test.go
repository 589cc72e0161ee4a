// Affinity - Hybrid Recommendation Service with Safe Distributed Retraining
// Copyright 2026 The Affinity Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinity-rec/affinity

package retrain

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/affinity-rec/affinity/internal/lock"
	"github.com/affinity-rec/affinity/internal/recommend"
)

type fakeTrainer struct {
	version    string
	next       *recommend.Snapshot
	trainErr   error
	trainCalls int
	swapped    *recommend.Snapshot
}

func (f *fakeTrainer) Train(context.Context) (*recommend.Snapshot, error) {
	f.trainCalls++
	if f.trainErr != nil {
		return nil, f.trainErr
	}
	return f.next, nil
}

func (f *fakeTrainer) Swap(s *recommend.Snapshot) {
	f.swapped = s
	f.version = s.Version
}

func (f *fakeTrainer) Version() string { return f.version }

type fakeLocker struct {
	handle   *lock.Handle
	err      error
	acquires int
	released []*lock.Handle
}

func (f *fakeLocker) Acquire(_ context.Context, resource string, _ time.Duration, _ bool, _ time.Duration) (*lock.Handle, error) {
	f.acquires++
	if f.err != nil {
		return nil, f.err
	}
	return f.handle, nil
}

func (f *fakeLocker) Release(_ context.Context, h *lock.Handle) (int, int) {
	f.released = append(f.released, h)
	return 1, 0
}

type fakeInvalidator struct {
	versions []string
	err      error
}

func (f *fakeInvalidator) InvalidateVersion(_ context.Context, version string) (int, int, error) {
	f.versions = append(f.versions, version)
	return 2, 0, f.err
}

func heldHandle() *lock.Handle {
	return &lock.Handle{
		Resource:   "affinity:retrain-lock",
		Token:      "test-token",
		Validity:   time.Minute,
		AcquiredAt: time.Now(),
	}
}

func TestRetrainSkippedWhenLockBusy(t *testing.T) {
	trainer := &fakeTrainer{version: "100-10"}
	locker := &fakeLocker{handle: nil} // lock held elsewhere
	o := New(DefaultConfig(), trainer, &fakeInvalidator{}, locker)

	outcome := o.Retrain(context.Background(), false)

	if outcome != Skipped {
		t.Errorf("outcome = %v, want Skipped", outcome)
	}
	if trainer.trainCalls != 0 {
		t.Error("training ran without the lock")
	}
	if trainer.Version() != "100-10" {
		t.Errorf("version changed to %q on a skipped retrain", trainer.Version())
	}
}

func TestRetrainSkippedOnLockError(t *testing.T) {
	trainer := &fakeTrainer{version: "100-10"}
	locker := &fakeLocker{err: errors.New("all endpoints down")}
	o := New(DefaultConfig(), trainer, nil, locker)

	if outcome := o.Retrain(context.Background(), true); outcome != Skipped {
		t.Errorf("outcome = %v, want Skipped", outcome)
	}
	if trainer.trainCalls != 0 {
		t.Error("training ran despite lock error")
	}
}

func TestRetrainFailedKeepsSnapshot(t *testing.T) {
	trainer := &fakeTrainer{version: "100-10", trainErr: errors.New("bad input row")}
	locker := &fakeLocker{handle: heldHandle()}
	invalidator := &fakeInvalidator{}
	o := New(DefaultConfig(), trainer, invalidator, locker)

	outcome := o.Retrain(context.Background(), false)

	if outcome != Failed {
		t.Errorf("outcome = %v, want Failed", outcome)
	}
	if trainer.swapped != nil {
		t.Error("failed training still swapped a snapshot")
	}
	if trainer.Version() != "100-10" {
		t.Errorf("version = %q, want unchanged 100-10", trainer.Version())
	}
	if len(invalidator.versions) != 0 {
		t.Error("cache invalidated although nothing was published")
	}
	if len(locker.released) != 1 {
		t.Errorf("lock released %d times, want 1", len(locker.released))
	}
}

func TestRetrainSuccess(t *testing.T) {
	next := &recommend.Snapshot{Version: "200-20"}
	trainer := &fakeTrainer{version: "100-10", next: next}
	locker := &fakeLocker{handle: heldHandle()}
	invalidator := &fakeInvalidator{}
	o := New(DefaultConfig(), trainer, invalidator, locker)

	outcome := o.Retrain(context.Background(), false)

	if outcome != Retrained {
		t.Errorf("outcome = %v, want Retrained", outcome)
	}
	if trainer.swapped != next {
		t.Error("new snapshot was not published")
	}
	if len(invalidator.versions) != 1 || invalidator.versions[0] != "100-10" {
		t.Errorf("invalidated versions = %v, want [100-10]", invalidator.versions)
	}
	if len(locker.released) != 1 {
		t.Errorf("lock released %d times, want 1", len(locker.released))
	}
}

func TestRetrainSkipsInvalidationWhenVersionUnchanged(t *testing.T) {
	next := &recommend.Snapshot{Version: "100-10"}
	trainer := &fakeTrainer{version: "100-10", next: next}
	locker := &fakeLocker{handle: heldHandle()}
	invalidator := &fakeInvalidator{}
	o := New(DefaultConfig(), trainer, invalidator, locker)

	if outcome := o.Retrain(context.Background(), false); outcome != Retrained {
		t.Fatalf("outcome = %v, want Retrained", outcome)
	}
	if len(invalidator.versions) != 0 {
		t.Errorf("invalidated %v although the version did not change", invalidator.versions)
	}
}

func TestRetrainSurvivesInvalidationError(t *testing.T) {
	next := &recommend.Snapshot{Version: "200-20"}
	trainer := &fakeTrainer{version: "100-10", next: next}
	locker := &fakeLocker{handle: heldHandle()}
	invalidator := &fakeInvalidator{err: errors.New("cache down")}
	o := New(DefaultConfig(), trainer, invalidator, locker)

	if outcome := o.Retrain(context.Background(), false); outcome != Retrained {
		t.Errorf("outcome = %v, want Retrained despite invalidation error", outcome)
	}
	if trainer.swapped != next {
		t.Error("snapshot publication must not depend on cache invalidation")
	}
}

func TestOutcomeString(t *testing.T) {
	tests := []struct {
		outcome Outcome
		want    string
	}{
		{Retrained, "retrained"},
		{Skipped, "skipped"},
		{Failed, "failed"},
	}
	for _, tt := range tests {
		if got := tt.outcome.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.outcome, got, tt.want)
		}
	}
}

type countingRetrainer struct {
	calls atomic.Int32
}

func (c *countingRetrainer) Retrain(context.Context, bool) Outcome {
	c.calls.Add(1)
	return Skipped
}

func TestSchedulerTicksUntilCancelled(t *testing.T) {
	retrainer := &countingRetrainer{}
	s := NewScheduler(retrainer, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	deadline := time.After(2 * time.Second)
	for retrainer.calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("scheduler never ticked twice")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Serve returned %v, want context.Canceled", err)
	}
}

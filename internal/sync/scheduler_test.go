package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tutorpath/tutorpath/internal/progress"
)

type fakeRemote struct {
	mu     sync.Mutex
	puts   []Pending
	failes int // fail the first N puts
}

func (f *fakeRemote) Get(ctx context.Context, userID, topicID string) (*progress.Record, error) {
	return nil, nil
}

func (f *fakeRemote) Put(ctx context.Context, userID, topicID string, rec *progress.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failes > 0 {
		f.failes--
		return errors.New("remote unreachable")
	}
	f.puts = append(f.puts, Pending{Key: Key{UserID: userID, TopicID: topicID}, Record: rec})
	return nil
}

func (f *fakeRemote) pushed() []Pending {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Pending(nil), f.puts...)
}

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingSink) SyncEvent(event, userID, topicID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingSink) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func testRecord(xp int) *progress.Record {
	rec := progress.NewRecord("p5-fractions", []progress.Node{
		{ID: "n1", Layer: progress.LayerFoundation, RequiredCorrect: 5},
	}, true)
	rec.TotalXP = xp
	return rec
}

func waitForPushes(t *testing.T, remote *fakeRemote, want int) []Pending {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := remote.pushed(); len(got) >= want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d pushes, got %d", want, len(remote.pushed()))
	return nil
}

func TestScheduler_Coalescing(t *testing.T) {
	remote := &fakeRemote{}
	s := NewScheduler(remote, SchedulerConfig{Window: 30 * time.Millisecond})
	defer s.Close()

	key := Key{UserID: "learner-1", TopicID: "p5-fractions"}
	for i := 1; i <= 5; i++ {
		s.Schedule(key, testRecord(i * 10))
	}

	pushes := waitForPushes(t, remote, 1)

	// Settle: no second push may appear.
	time.Sleep(100 * time.Millisecond)
	pushes = remote.pushed()
	if len(pushes) != 1 {
		t.Fatalf("got %d pushes, want 1", len(pushes))
	}
	if pushes[0].Record.TotalXP != 50 {
		t.Errorf("pushed snapshot TotalXP = %d, want the latest (50)", pushes[0].Record.TotalXP)
	}
}

func TestScheduler_SnapshotIsolation(t *testing.T) {
	remote := &fakeRemote{}
	s := NewScheduler(remote, SchedulerConfig{Window: 30 * time.Millisecond})
	defer s.Close()

	rec := testRecord(10)
	s.Schedule(Key{UserID: "u", TopicID: "t"}, rec)
	rec.TotalXP = 999 // mutation after schedule must not reach the push

	pushes := waitForPushes(t, remote, 1)
	if pushes[0].Record.TotalXP != 10 {
		t.Errorf("pushed snapshot TotalXP = %d, want 10", pushes[0].Record.TotalXP)
	}
}

func TestScheduler_IndependentKeys(t *testing.T) {
	remote := &fakeRemote{}
	s := NewScheduler(remote, SchedulerConfig{Window: 20 * time.Millisecond})
	defer s.Close()

	for i := 0; i < 3; i++ {
		key := Key{UserID: fmt.Sprintf("learner-%d", i), TopicID: "p5-fractions"}
		s.Schedule(key, testRecord(i))
	}

	pushes := waitForPushes(t, remote, 3)
	seen := make(map[Key]bool)
	for _, p := range pushes {
		seen[p.Key] = true
	}
	if len(seen) != 3 {
		t.Errorf("pushed %d distinct keys, want 3", len(seen))
	}
}

func TestScheduler_FlushReturnsPendingWithoutPushing(t *testing.T) {
	remote := &fakeRemote{}
	s := NewScheduler(remote, SchedulerConfig{Window: time.Hour})
	defer s.Close()

	key := Key{UserID: "learner-1", TopicID: "p5-fractions"}
	s.Schedule(key, testRecord(42))

	pending := s.Flush()
	if len(pending) != 1 {
		t.Fatalf("Flush() returned %d pairs, want 1", len(pending))
	}
	if pending[0].Key != key || pending[0].Record.TotalXP != 42 {
		t.Errorf("Flush() pair = %+v", pending[0])
	}

	// No dangling timer: nothing fires later.
	time.Sleep(50 * time.Millisecond)
	if got := remote.pushed(); len(got) != 0 {
		t.Errorf("scheduler pushed %d records after Flush", len(got))
	}

	// Flush on a drained scheduler is empty.
	if again := s.Flush(); len(again) != 0 {
		t.Errorf("second Flush() returned %d pairs, want 0", len(again))
	}
}

func TestScheduler_SchedulableAfterFlush(t *testing.T) {
	remote := &fakeRemote{}
	s := NewScheduler(remote, SchedulerConfig{Window: 20 * time.Millisecond})
	defer s.Close()

	key := Key{UserID: "learner-1", TopicID: "p5-fractions"}
	s.Schedule(key, testRecord(1))
	s.Flush()

	s.Schedule(key, testRecord(2))
	pushes := waitForPushes(t, remote, 1)
	if pushes[0].Record.TotalXP != 2 {
		t.Errorf("post-flush push TotalXP = %d, want 2", pushes[0].Record.TotalXP)
	}
}

func TestScheduler_PushFailureSwallowed(t *testing.T) {
	remote := &fakeRemote{failes: 1}
	sink := &recordingSink{}
	s := NewScheduler(remote, SchedulerConfig{Window: 20 * time.Millisecond, Events: sink})
	defer s.Close()

	key := Key{UserID: "learner-1", TopicID: "p5-fractions"}
	s.Schedule(key, testRecord(1))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.all()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	events := sink.all()
	if len(events) != 1 || events[0] != EventPushFailed {
		t.Fatalf("events = %v, want [%s]", events, EventPushFailed)
	}

	// The failure is not retried by the scheduler; the next schedule resends.
	s.Schedule(key, testRecord(2))
	pushes := waitForPushes(t, remote, 1)
	if pushes[0].Record.TotalXP != 2 {
		t.Errorf("resent snapshot TotalXP = %d, want 2", pushes[0].Record.TotalXP)
	}
}

func TestScheduler_CloseRejectsScheduling(t *testing.T) {
	remote := &fakeRemote{}
	s := NewScheduler(remote, SchedulerConfig{Window: 10 * time.Millisecond})
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s.Schedule(Key{UserID: "u", TopicID: "t"}, testRecord(1))
	time.Sleep(50 * time.Millisecond)
	if got := remote.pushed(); len(got) != 0 {
		t.Errorf("closed scheduler pushed %d records", len(got))
	}
}

func TestPushWithRetry(t *testing.T) {
	remote := &fakeRemote{failes: 2}
	key := Key{UserID: "u", TopicID: "t"}

	err := PushWithRetry(context.Background(), remote, key, testRecord(7), 3, time.Millisecond, nil)
	if err != nil {
		t.Fatalf("PushWithRetry() error = %v", err)
	}
	if got := remote.pushed(); len(got) != 1 || got[0].Record.TotalXP != 7 {
		t.Errorf("pushed = %+v", got)
	}
}

func TestPushWithRetry_Exhausted(t *testing.T) {
	remote := &fakeRemote{failes: 10}
	key := Key{UserID: "u", TopicID: "t"}

	err := PushWithRetry(context.Background(), remote, key, testRecord(7), 3, time.Millisecond, nil)
	if err == nil {
		t.Fatal("PushWithRetry() error = nil, want failure after exhausted attempts")
	}
}

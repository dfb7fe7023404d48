package sync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tutorpath/tutorpath/internal/progress"
)

// DefaultDebounce is the quiet period after the last mutation before a
// batched remote push fires.
const DefaultDebounce = 500 * time.Millisecond

const pushTimeout = 10 * time.Second

// EventSink receives sync telemetry. Optional; the queue producer implements
// it for the analytics pipeline.
type EventSink interface {
	SyncEvent(event string, userID, topicID string)
}

// Telemetry event vocabulary.
const (
	EventPushed     = "pushed"
	EventPushFailed = "push_failed"
)

// Pending is an undelivered (key, snapshot) pair returned by Flush for the
// caller to push synchronously.
type Pending struct {
	Key    Key
	Record *progress.Record
}

// Scheduler debounces remote pushes per key. Each key with pending work owns
// one background goroutine waiting on a resettable timer; Schedule replaces
// the pending snapshot and resets the deadline. Only the latest snapshot per
// key is ever pushed. Push failures are logged and swallowed: the local
// record stays authoritative and the next debounced push resends the latest
// state.
type Scheduler struct {
	remote RemoteStore
	window time.Duration
	logger *slog.Logger
	events EventSink // may be nil

	mu      sync.Mutex
	tasks   map[Key]*task
	pending map[Key]*progress.Record
	closed  bool
	wg      sync.WaitGroup
}

type task struct {
	reset chan struct{}
	stop  chan struct{}
	done  chan struct{}
}

// SchedulerConfig holds scheduler policy. Window defaults to DefaultDebounce.
type SchedulerConfig struct {
	Window time.Duration
	Logger *slog.Logger
	Events EventSink
}

// NewScheduler creates a scheduler pushing to remote.
func NewScheduler(remote RemoteStore, cfg SchedulerConfig) *Scheduler {
	if cfg.Window <= 0 {
		cfg.Window = DefaultDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		remote:  remote,
		window:  cfg.Window,
		logger:  cfg.Logger,
		events:  cfg.Events,
		tasks:   make(map[Key]*task),
		pending: make(map[Key]*progress.Record),
	}
}

// Schedule records a snapshot of rec for key and (re)starts the debounce
// window. The snapshot is deep-copied here, so later mutations of rec cannot
// reach an in-flight push. Never blocks.
func (s *Scheduler) Schedule(key Key, rec *progress.Record) {
	snapshot := rec.Clone()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending[key] = snapshot
	if t, ok := s.tasks[key]; ok {
		s.mu.Unlock()
		select {
		case t.reset <- struct{}{}:
		default:
			// A reset is already queued; one is enough.
		}
		return
	}
	t := &task{
		reset: make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	s.tasks[key] = t
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(key, t)
}

func (s *Scheduler) run(key Key, t *task) {
	defer s.wg.Done()
	defer close(t.done)

	timer := time.NewTimer(s.window)
	defer timer.Stop()

	for {
		select {
		case <-t.reset:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.window)

		case <-t.stop:
			// Flush or Close already collected the pending snapshot.
			return

		case <-timer.C:
			s.mu.Lock()
			if cur, ok := s.tasks[key]; !ok || cur != t {
				// Superseded by Flush; the drain path owns the snapshot now.
				s.mu.Unlock()
				return
			}
			rec := s.pending[key]
			delete(s.pending, key)
			delete(s.tasks, key)
			s.mu.Unlock()

			if rec != nil {
				s.push(key, rec)
			}
			return
		}
	}
}

func (s *Scheduler) push(key Key, rec *progress.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()

	if err := s.remote.Put(ctx, key.UserID, key.TopicID, rec); err != nil {
		s.logger.Warn("progress push failed",
			"key", key.String(),
			"error", err)
		s.emit(EventPushFailed, key)
		return
	}
	s.logger.Debug("progress pushed", "key", key.String())
	s.emit(EventPushed, key)
}

func (s *Scheduler) emit(event string, key Key) {
	if s.events != nil {
		s.events.SyncEvent(event, key.UserID, key.TopicID)
	}
}

// Flush cancels every pending timer and returns the undelivered (key,
// snapshot) pairs for the caller to push synchronously. It does not push
// itself and does not close the scheduler; delivery on shutdown is the
// caller's job.
func (s *Scheduler) Flush() []Pending {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = make(map[Key]*task)
	out := make([]Pending, 0, len(s.pending))
	for k, r := range s.pending {
		out = append(out, Pending{Key: k, Record: r})
	}
	s.pending = make(map[Key]*progress.Record)
	s.mu.Unlock()

	for _, t := range tasks {
		close(t.stop)
	}
	for _, t := range tasks {
		<-t.done
	}
	return out
}

// Close stops all pending tasks without pushing and rejects further
// scheduling. Callers that care about the final window's writes must Flush
// and push before closing.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	tasks := s.tasks
	s.tasks = make(map[Key]*task)
	s.pending = make(map[Key]*progress.Record)
	s.mu.Unlock()

	for _, t := range tasks {
		close(t.stop)
	}
	s.wg.Wait()
	return nil
}

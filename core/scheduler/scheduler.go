// Package scheduler runs delayed one-shot tasks from a single dispatcher goroutine.
//
// Pending tasks live in a min-heap ordered by deadline. Tasks are not
// persisted and cannot be cancelled once scheduled; Close drops whatever is
// still pending.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/m3rciful/accountbot/core/logger"
)

// ErrClosed is returned when scheduling on a closed scheduler.
var ErrClosed = errors.New("scheduler closed")

// Task is the unit of work run when a deadline passes.
type Task func(ctx context.Context)

// Scheduler executes tasks at or after their deadline.
type Scheduler struct {
	mu     sync.Mutex
	queue  taskHeap
	seq    uint64
	closed bool
	wake   chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// New starts the dispatcher goroutine. Tasks receive a context that is
// cancelled by Close.
func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	go s.loop()
	return s
}

// ScheduleOnce arranges for task to run once delay has elapsed.
func (s *Scheduler) ScheduleOnce(delay time.Duration, task Task) error {
	if task == nil {
		return fmt.Errorf("scheduler: nil task")
	}
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.seq++
	heap.Push(&s.queue, &entry{at: time.Now().Add(delay), seq: s.seq, task: task})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// ScheduleEvery runs task every interval until Close. The first run happens
// after one interval.
func (s *Scheduler) ScheduleEvery(interval time.Duration, task Task) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: interval must be > 0")
	}
	var rearm Task
	rearm = func(ctx context.Context) {
		task(ctx)
		if err := s.ScheduleOnce(interval, rearm); err != nil && !errors.Is(err, ErrClosed) {
			logger.Warn(ctx, "scheduler", "scheduler.rearm", slog.String("err", err.Error()))
		}
	}
	return s.ScheduleOnce(interval, rearm)
}

// Pending returns the number of tasks waiting for their deadline.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Close stops the dispatcher, drops pending tasks and waits for a running one.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	dropped := s.queue.Len()
	s.queue = nil
	s.mu.Unlock()

	s.cancel()
	<-s.done
	logger.Debug(logger.Background(), "scheduler", "scheduler.close", slog.Int("pending", dropped))
}

func (s *Scheduler) loop() {
	defer close(s.done)
	for {
		due, wait := s.popDue()
		for _, e := range due {
			s.run(e)
		}
		if len(due) > 0 {
			continue
		}

		var timerC <-chan time.Time
		var timer *time.Timer
		if wait >= 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}
		select {
		case <-s.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// popDue removes every entry whose deadline passed. When nothing is due it
// returns the wait until the next deadline, or -1 when the queue is empty.
func (s *Scheduler) popDue() ([]*entry, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var due []*entry
	for s.queue.Len() > 0 {
		next := s.queue[0]
		if next.at.After(now) {
			if len(due) == 0 {
				return nil, next.at.Sub(now)
			}
			break
		}
		due = append(due, heap.Pop(&s.queue).(*entry))
	}
	if len(due) == 0 {
		return nil, -1
	}
	return due, 0
}

func (s *Scheduler) run(e *entry) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(s.ctx, "scheduler", "scheduler.panic", slog.Any("panic", r))
		}
	}()
	e.task(s.ctx)
}

type entry struct {
	at   time.Time
	seq  uint64
	task Task
}

type taskHeap []*entry

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*entry)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

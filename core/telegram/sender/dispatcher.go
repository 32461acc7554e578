// Package sender runs outbound Telegram calls off the update goroutine.
// Calls for one chat go through the same worker, so the prompts of a flow
// arrive in the order they were enqueued.
package sender

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m3rciful/accountbot/core/logger"
)

// Options controls the dispatcher. Zero values select the defaults.
type Options struct {
	// QueueSize is the capacity of each worker queue.
	QueueSize int
	Workers   int
	// MaxRetries is the number of repeats after the first attempt.
	MaxRetries   int
	RetryBackoff time.Duration
	// MaxDuration bounds one job including retries and flood waits.
	MaxDuration time.Duration
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 2 * time.Second
	}
	if o.MaxDuration <= 0 {
		o.MaxDuration = 12 * time.Second
	}
	return o
}

type job struct {
	ctx      context.Context
	action   string
	endpoint string
	run      func() error
}

func (j job) attrs() []slog.Attr {
	attrs := []slog.Attr{slog.String("action", j.action)}
	if j.endpoint != "" {
		attrs = append(attrs, slog.String("endpoint", j.endpoint))
	}
	return attrs
}

// Dispatcher executes Telegram calls on a fixed set of workers.
type Dispatcher struct {
	opts   Options
	queues []chan job
	next   atomic.Uint32

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	errs atomic.Uint64
}

// NewDispatcher starts the workers.
func NewDispatcher(opts Options) *Dispatcher {
	opts = opts.withDefaults()
	d := &Dispatcher{opts: opts, queues: make([]chan job, opts.Workers)}
	d.wg.Add(opts.Workers)
	for i := range d.queues {
		d.queues[i] = make(chan job, opts.QueueSize)
		go d.work(d.queues[i])
	}
	return d
}

// Enqueue hands run to the worker that owns the chat found in ctx. Jobs
// without a chat are spread round robin. run may be invoked more than once.
func (d *Dispatcher) Enqueue(ctx context.Context, action, endpoint string, run func() error) error {
	if run == nil {
		return errors.New("telegram sender: nil run function")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrQueueClosed
	}
	select {
	case d.queueFor(logger.ChatIDFrom(ctx)) <- job{ctx: ctx, action: action, endpoint: endpoint, run: run}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (d *Dispatcher) queueFor(chatID int64) chan job {
	n := uint64(len(d.queues))
	if chatID == 0 {
		return d.queues[uint64(d.next.Add(1))%n]
	}
	if chatID < 0 {
		chatID = -chatID
	}
	return d.queues[uint64(chatID)%n]
}

// ErrorCount returns how many jobs failed for good.
func (d *Dispatcher) ErrorCount() uint64 { return d.errs.Load() }

// Close rejects new jobs, lets the workers drain what is queued and waits
// for them.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) work(q <-chan job) {
	defer d.wg.Done()
	for j := range q {
		if err := d.execute(j); err != nil {
			d.errs.Add(1)
		}
	}
}

// execute runs j until it succeeds, fails with a permanent error, runs out
// of attempts or exceeds MaxDuration. Flood errors wait as long as Telegram
// asks instead of the linear backoff.
func (d *Dispatcher) execute(j job) error {
	ctx, cancel := context.WithTimeout(j.ctx, d.opts.MaxDuration)
	defer cancel()
	start := time.Now()
	attempts := d.opts.MaxRetries + 1

	var err error
	for attempt := 1; ; attempt++ {
		if err = j.run(); err == nil {
			attrs := append(j.attrs(), slog.Duration("duration", time.Since(start)))
			if attempt > 1 {
				logger.Info(j.ctx, "tg.sender", "send.retry.success", append(attrs, slog.Int("attempt", attempt))...)
			} else {
				logger.Debug(j.ctx, "tg.sender", "send.success", attrs...)
			}
			return nil
		}
		if attempt == attempts || !Retryable(err) {
			break
		}
		wait, flood := retryAfter(err)
		if !flood {
			wait = d.opts.RetryBackoff * time.Duration(attempt)
		}
		logger.Debug(j.ctx, "tg.sender", "send.retry.backoff", append(j.attrs(),
			slog.Int("attempt", attempt),
			slog.Duration("delay", wait),
			slog.String("err_kind", string(Classify(err))),
		)...)
		if waitErr := sleep(ctx, wait); waitErr != nil {
			err = waitErr
			break
		}
	}
	logger.Error(j.ctx, "tg.sender", "send.fail", append(j.attrs(),
		slog.String("err", Redact(err)),
		slog.String("err_kind", string(Classify(err))),
		slog.Int("attempts", attempts),
		slog.Duration("duration", time.Since(start)),
	)...)
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

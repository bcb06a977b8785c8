// Package queue runs registered job handlers with per-type concurrency
// limits, delayed starts and capped exponential retry. Handlers signal a
// non-retryable failure by wrapping the error with Discard; any other error
// is retried until the attempt budget runs out.
package queue

import (
	"context"
	"curation-reconciler/logger"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

type Handler func(ctx context.Context, payload interface{}) error

type Options struct {
	// Concurrency is the maximum number of jobs of this type running at
	// once. Defaults to 1.
	Concurrency int
	// MaxAttempts bounds retries of retryable failures. Defaults to 1
	// (no retry).
	MaxAttempts int
	// InitialInterval is the base of the exponential retry backoff.
	InitialInterval time.Duration
}

// FatalError marks a job failure that must not be retried.
type FatalError struct {
	Err error
}

func (e FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Err)
}

func (e FatalError) Unwrap() error {
	return e.Err
}

// Discard wraps an error so the queue drops the job instead of retrying.
func Discard(err error) error {
	return FatalError{Err: err}
}

type jobType struct {
	handler Handler
	opts    Options
	sem     *semaphore.Weighted
}

type Queue struct {
	mu    sync.Mutex
	types map[string]*jobType
	wg    sync.WaitGroup
}

func New() *Queue {
	return &Queue{types: make(map[string]*jobType)}
}

func (q *Queue) Register(name string, handler Handler, opts Options) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 5 * time.Second
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.types[name] = &jobType{
		handler: handler,
		opts:    opts,
		sem:     semaphore.NewWeighted(int64(opts.Concurrency)),
	}
}

// Enqueue schedules one run of the named job after the given delay.
func (q *Queue) Enqueue(ctx context.Context, name string, payload interface{}, delay time.Duration) error {
	jt, err := q.jobType(name)
	if err != nil {
		return err
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()

		if delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}

		q.runWithRetries(ctx, name, jt, payload)
	}()

	return nil
}

// ScheduleRepeating runs the named job on a fixed interval. A tick is
// skipped when the previous run still holds all concurrency slots, so a
// job registered with concurrency 1 never overlaps itself.
func (q *Queue) ScheduleRepeating(ctx context.Context, name string, payload interface{}, every time.Duration) error {
	jt, err := q.jobType(name)
	if err != nil {
		return err
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()

		ticker := time.NewTicker(every)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			if !jt.sem.TryAcquire(1) {
				logger.Warn("job %s still running, skipping this cycle", name)
				continue
			}

			if err := jt.handler(ctx, payload); err != nil {
				logger.Error("job %s failed: %s", name, err)
			}
			jt.sem.Release(1)
		}
	}()

	return nil
}

// Drain blocks until all enqueued and repeating jobs have returned. Cancel
// the contexts passed to Enqueue/ScheduleRepeating first.
func (q *Queue) Drain() {
	q.wg.Wait()
}

func (q *Queue) jobType(name string) (*jobType, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	jt, ok := q.types[name]
	if !ok {
		return nil, errors.Errorf("unknown job type %q", name)
	}
	return jt, nil
}

func (q *Queue) runWithRetries(ctx context.Context, name string, jt *jobType, payload interface{}) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = jt.opts.InitialInterval

	for attempt := 1; ; attempt++ {
		if err := jt.sem.Acquire(ctx, 1); err != nil {
			return
		}
		err := jt.handler(ctx, payload)
		jt.sem.Release(1)

		if err == nil {
			return
		}

		var fatal FatalError
		if errors.As(err, &fatal) {
			logger.Error("job %s discarded: %s", name, err)
			return
		}

		if attempt >= jt.opts.MaxAttempts {
			logger.Error("job %s abandoned after %d attempts: %s", name, attempt, err)
			return
		}

		d := expo.NextBackOff()
		logger.Debug("job %s attempt %d failed: %s - retrying after %v", name, attempt, err, d)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}
	}
}

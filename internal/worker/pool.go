// Package worker runs independent units of work on a bounded pool and
// collects one result per input, in input order.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrJoinTimeout is reported for units still running when the join deadline passes.
	ErrJoinTimeout = errors.New("unit did not finish before join timeout")
	// ErrNotSubmitted is reported for units skipped because the context was cancelled.
	ErrNotSubmitted = errors.New("unit not submitted: run cancelled")
)

// PanicError wraps a value recovered from a panicking unit.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("unit panicked: %v", e.Value)
}

type Options struct {
	// Workers bounds the number of units in flight. Values below 1 mean 1.
	Workers int
	// JoinTimeout bounds the wait for all submitted units. Zero waits forever.
	JoinTimeout time.Duration
}

type slot[R any] struct {
	mu   sync.Mutex
	done bool
	val  R
}

// Run executes fn for every item with at most opts.Workers in flight.
//
// Once ctx is cancelled no further items are started; those items get
// fail(item, ErrNotSubmitted). Units already running are handed ctx and are
// expected to honour their own call timeouts. A unit that panics yields
// fail(item, *PanicError), and a unit still running when the join timeout
// expires yields fail(item, ErrJoinTimeout); its late result is discarded.
func Run[T, R any](ctx context.Context, items []T, opts Options, fn func(context.Context, T) R, fail func(T, error) R) []R {
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}

	slots := make([]slot[R], len(items))
	sem := semaphore.NewWeighted(int64(workers))
	var wg sync.WaitGroup

	// The join deadline covers submission too, so a pool saturated by hung
	// units cannot block the caller past it.
	acquireCtx := ctx
	var deadline <-chan time.Time
	if opts.JoinTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, opts.JoinTimeout)
		defer cancel()
		timer := time.NewTimer(opts.JoinTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	submitted := 0
	unsubmittedErr := ErrNotSubmitted
	for i := range items {
		if ctx.Err() != nil {
			break
		}
		if err := sem.Acquire(acquireCtx, 1); err != nil {
			if ctx.Err() == nil {
				unsubmittedErr = ErrJoinTimeout
			}
			break
		}
		submitted++
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer sem.Release(1)

			var (
				res R
				err error
			)
			func() {
				defer func() {
					if r := recover(); r != nil {
						err = &PanicError{Value: r, Stack: debug.Stack()}
					}
				}()
				res = fn(ctx, items[i])
			}()
			if err != nil {
				res = fail(items[i], err)
			}

			s := &slots[i]
			s.mu.Lock()
			if !s.done {
				s.val = res
				s.done = true
			}
			s.mu.Unlock()
		}(i)
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	if deadline != nil {
		select {
		case <-finished:
		case <-deadline:
		}
	} else {
		<-finished
	}

	out := make([]R, len(items))
	for i := range items {
		s := &slots[i]
		s.mu.Lock()
		switch {
		case s.done:
			out[i] = s.val
		case i >= submitted:
			out[i] = fail(items[i], unsubmittedErr)
		default:
			out[i] = fail(items[i], ErrJoinTimeout)
		}
		// Mark the slot closed so a late unit cannot overwrite the reported failure.
		s.done = true
		s.mu.Unlock()
	}
	return out
}

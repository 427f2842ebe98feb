package executor

import (
	"context"
	"sync"
)

// Future is a one-shot completion signal carrying an error.
type Future struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolved returns a future that has already settled with err.
func Resolved(err error) *Future {
	f := newFuture()
	f.complete(err)
	return f
}

// complete settles the future; later calls are ignored.
func (f *Future) complete(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done is closed once the future settles.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the settled error, or nil while the future is pending.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the future settles or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// all settles when every future has settled, with the first error seen.
func all(futures ...*Future) *Future {
	switch len(futures) {
	case 0:
		return Resolved(nil)
	case 1:
		return futures[0]
	}
	out := newFuture()
	go func() {
		var first error
		for _, f := range futures {
			<-f.done
			if f.err != nil && first == nil {
				first = f.err
			}
		}
		out.complete(first)
	}()
	return out
}

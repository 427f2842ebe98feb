package executor

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFutureWait(t *testing.T) {
	f := newFuture()
	if f.Err() != nil {
		t.Fatal("pending future reports an error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := f.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait on pending future = %v", err)
	}

	boom := errors.New("boom")
	f.complete(boom)
	f.complete(nil)
	if err := f.Wait(context.Background()); err != boom {
		t.Fatalf("Wait = %v, want first completion", err)
	}
}

func TestAllReportsFirstError(t *testing.T) {
	a, b := newFuture(), newFuture()
	joined := all(a, b)

	boom := errors.New("boom")
	b.complete(boom)
	select {
	case <-joined.Done():
		t.Fatal("settled before every future settled")
	case <-time.After(10 * time.Millisecond):
	}
	a.complete(nil)
	if err := joined.Wait(context.Background()); err != boom {
		t.Fatalf("all = %v, want %v", err, boom)
	}

	if err := all().Wait(context.Background()); err != nil {
		t.Fatalf("empty all = %v", err)
	}
}

func TestJobQueueKeepsOrder(t *testing.T) {
	q := newJobQueue()
	for _, s := range []string{"a", "b", "c"} {
		q.push([]byte(s))
	}

	var got []string
	done := make(chan error, 1)
	go func() {
		done <- q.worker(context.Background(), func(frame []byte) error {
			got = append(got, string(frame))
			if len(got) == 3 {
				q.close()
			}
			return nil
		})
	}()
	if err := <-done; err != nil {
		t.Fatalf("worker: %v", err)
	}
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("delivered %v", got)
	}
	if q.push([]byte("d")) {
		t.Error("push after close succeeded")
	}
}

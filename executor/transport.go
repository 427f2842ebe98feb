package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"edusandbox/lang"
)

// Transport carries serialized frames to and from one execution context.
type Transport interface {
	// Send delivers one command frame. It may block while the context is
	// busy and fails once the transport is closed.
	Send(frame []byte) error
	// Frames yields result frames in emission order and is closed when the
	// context exits.
	Frames() <-chan []byte
	// Close terminates the context, cancelling any run in progress.
	Close() error
}

// Spawner starts a fresh execution context.
type Spawner interface {
	Spawn(ctx context.Context) (Transport, error)
}

// SpawnFunc adapts a function to Spawner.
type SpawnFunc func(ctx context.Context) (Transport, error)

func (f SpawnFunc) Spawn(ctx context.Context) (Transport, error) {
	return f(ctx)
}

var errTransportClosed = errors.New("transport closed")

// InProcess runs each context in its own goroutine. Frames still cross a
// channel boundary as encoded bytes, so nothing is shared with the caller.
func InProcess(opts lang.Options) Spawner {
	return SpawnFunc(func(ctx context.Context) (Transport, error) {
		ctx, cancel := context.WithCancel(ctx)
		t := &inProcessTransport{
			in:     make(chan []byte),
			out:    make(chan []byte),
			ctx:    ctx,
			cancel: cancel,
		}
		go func() {
			defer close(t.out)
			_ = lang.NewContext(opts).Serve(ctx, t.in, t.out)
		}()
		return t, nil
	})
}

type inProcessTransport struct {
	in     chan []byte
	out    chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

func (t *inProcessTransport) Send(frame []byte) error {
	select {
	case t.in <- frame:
		return nil
	case <-t.ctx.Done():
		return errTransportClosed
	}
}

func (t *inProcessTransport) Frames() <-chan []byte {
	return t.out
}

func (t *inProcessTransport) Close() error {
	t.cancel()
	return nil
}

// streamTransport speaks the JSON-lines framing used by worker processes and
// containers.
type streamTransport struct {
	mu     sync.Mutex
	w      io.Writer
	frames chan []byte
	done   chan struct{}
	closer func() error

	closeOnce sync.Once
	closeErr  error
}

func newStreamTransport(r io.Reader, w io.Writer, closer func() error) *streamTransport {
	t := &streamTransport{
		w:      w,
		frames: make(chan []byte),
		done:   make(chan struct{}),
		closer: closer,
	}
	go t.read(r)
	return t
}

func (t *streamTransport) read(r io.Reader) {
	defer close(t.frames)
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			select {
			case t.frames <- line:
			case <-t.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (t *streamTransport) Send(frame []byte) error {
	select {
	case <-t.done:
		return errTransportClosed
	default:
	}
	line := make([]byte, 0, len(frame)+1)
	line = append(append(line, frame...), '\n')

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.w.Write(line); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (t *streamTransport) Frames() <-chan []byte {
	return t.frames
}

func (t *streamTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.closeErr = t.closer()
	})
	return t.closeErr
}

// Process runs each context as a worker subprocess speaking JSON lines on
// stdin and stdout. Worker logs pass through on stderr.
func Process(binary string, args ...string) Spawner {
	return SpawnFunc(func(ctx context.Context) (Transport, error) {
		cmd := exec.CommandContext(ctx, binary, args...)
		cmd.Stderr = os.Stderr
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("worker stdin: %w", err)
		}
		// Wait only returns after stdout is fully copied into the pipe.
		stdout, pw := io.Pipe()
		cmd.Stdout = pw
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start worker %s: %w", binary, err)
		}

		exited := make(chan struct{})
		go func() {
			_ = pw.CloseWithError(cmd.Wait())
			close(exited)
		}()
		return newStreamTransport(stdout, stdin, func() error {
			_ = stdin.Close()
			if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				return fmt.Errorf("kill worker: %w", err)
			}
			_ = stdout.Close()
			<-exited
			return nil
		}), nil
	})
}

package lang

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
)

// maxFrameSize bounds one JSON line; graphic frames carry whole PNGs.
const maxFrameSize = 64 << 20

// ServeStream runs a Context over a JSON-lines stream: one command frame
// per line on r, one result frame per line on w. It returns when r reaches
// EOF or ctx is done.
func ServeStream(ctx context.Context, r io.Reader, w io.Writer, opts Options) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	in := make(chan []byte)
	out := make(chan []byte)
	readErr := make(chan error, 1)
	writeErr := make(chan error, 1)

	go func() {
		defer close(in)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			frame := append([]byte(nil), line...)
			select {
			case in <- frame:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	go func() {
		bw := bufio.NewWriter(w)
		for frame := range out {
			if _, err := bw.Write(append(frame, '\n')); err != nil {
				writeErr <- fmt.Errorf("write frame: %w", err)
				cancel()
				return
			}
			if err := bw.Flush(); err != nil {
				writeErr <- fmt.Errorf("flush frame: %w", err)
				cancel()
				return
			}
		}
		writeErr <- nil
	}()

	serveErr := NewContext(opts).Serve(ctx, in, out)
	close(out)
	if err := <-writeErr; err != nil {
		return err
	}
	select {
	case err := <-readErr:
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
	default:
	}
	if errors.Is(serveErr, context.Canceled) {
		return nil
	}
	return serveErr
}

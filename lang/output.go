package lang

import "strings"

const (
	outputKey = "edusandbox.output"
	runEnvKey = "edusandbox.runenv"
)

// outputBuffer batches printed text. It is flushed whenever it holds a line
// terminator and once more when the run ends.
type outputBuffer struct {
	buf   strings.Builder
	flush func(string)
}

func newOutputBuffer(flush func(string)) *outputBuffer {
	return &outputBuffer{flush: flush}
}

func (o *outputBuffer) WriteString(s string) {
	o.buf.WriteString(s)
	if strings.Contains(s, "\n") {
		o.Flush()
	}
}

func (o *outputBuffer) Flush() {
	if o.buf.Len() == 0 {
		return
	}
	text := o.buf.String()
	o.buf.Reset()
	o.flush(text)
}

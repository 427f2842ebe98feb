package lang

import (
	"errors"
	"fmt"
	"strings"

	"edusandbox/internal"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// KindError is returned by builtins to label the error with a Python-style
// exception name.
type KindError struct {
	Kind string
	Msg  string
}

func (e *KindError) Error() string {
	return e.Kind + ": " + e.Msg
}

// ErrorReport is a user code failure formatted for the stderr stream.
type ErrorReport struct {
	Kind string
	Line int // 0 when no position could be derived
	Text string
}

// kindRules map interpreter messages to exception labels; first match wins.
var kindRules = []struct {
	fragment string
	kind     string
}{
	{"division by zero", "ZeroDivisionError"},
	{"modulo by zero", "ZeroDivisionError"},
	{"cancelled", "CancelledError"},
	{"too many steps", "CancelledError"},
	{"called recursively", "RecursionError"},
	{"stack overflow", "RecursionError"},
	{"index out of range", "IndexError"},
	{"out of range", "IndexError"},
	{"not in dict", "KeyError"},
	{"field or method", "AttributeError"},
	{"invalid literal", "ValueError"},
	{"invalid syntax", "ValueError"},
	{"unknown binary op", "TypeError"},
	{"unknown unary op", "TypeError"},
	{"not implemented", "TypeError"},
	{"unsupported binary operation", "TypeError"},
	{"unsupported unary operation", "TypeError"},
	{"unsupported comparison", "TypeError"},
	{"not callable", "TypeError"},
	{"invalid call of non-function", "TypeError"},
	{"missing argument", "TypeError"},
	{"unexpected keyword argument", "TypeError"},
	{"got ", "TypeError"},
	{"unhashable", "TypeError"},
}

func classify(msg string) string {
	for _, rule := range kindRules {
		if strings.Contains(msg, rule.fragment) {
			return rule.kind
		}
	}
	return "Error"
}

// FormatError turns an interpreter error into an ErrorReport carrying the
// exception label and, when derivable, the offending line.
func FormatError(err error) ErrorReport {
	var (
		evalErr   *starlark.EvalError
		syntaxErr syntax.Error
		resolved  resolve.ErrorList
		importErr *internal.ImportError
		kindErr   *KindError
	)
	switch {
	case errors.As(err, &importErr):
		return ErrorReport{Kind: "SyntaxError", Line: importErr.Line, Text: importErr.Error()}

	case errors.As(err, &syntaxErr):
		line := int(syntaxErr.Pos.Line)
		return ErrorReport{
			Kind: "SyntaxError",
			Line: line,
			Text: fmt.Sprintf("SyntaxError: %s (line %d)", syntaxErr.Msg, line),
		}

	case errors.As(err, &resolved) && len(resolved) > 0:
		first := resolved[0]
		line := int(first.Pos.Line)
		kind, msg := "SyntaxError", first.Msg
		if name, ok := strings.CutPrefix(first.Msg, "undefined: "); ok {
			kind, msg = "NameError", fmt.Sprintf("name '%s' is not defined", name)
		}
		return ErrorReport{Kind: kind, Line: line, Text: fmt.Sprintf("%s: %s (line %d)", kind, msg, line)}

	case errors.As(err, &evalErr):
		return formatEvalError(evalErr)

	case errors.As(err, &kindErr):
		return ErrorReport{Kind: kindErr.Kind, Text: kindErr.Error()}
	}

	kind := classify(err.Error())
	return ErrorReport{Kind: kind, Text: fmt.Sprintf("%s: %s", kind, err.Error())}
}

// panicError labels a value recovered from a builtin panic. Allocation
// failures read as MemoryError.
func panicError(r any) error {
	msg := fmt.Sprint(r)
	if strings.Contains(msg, "makeslice") || strings.Contains(msg, "out of memory") {
		return &KindError{Kind: "MemoryError", Msg: "Unable to allocate memory: " + msg}
	}
	return &KindError{Kind: "RuntimeError", Msg: "internal error: " + msg}
}

func formatEvalError(err *starlark.EvalError) ErrorReport {
	kind, msg := "", err.Msg
	var kindErr *KindError
	if errors.As(err, &kindErr) {
		kind, msg = kindErr.Kind, kindErr.Msg
	} else {
		kind = classify(msg)
	}

	var (
		sb   strings.Builder
		line int
	)
	var frames []starlark.CallFrame
	for _, frame := range err.CallStack {
		if frame.Pos.Filename() == Filename {
			frames = append(frames, frame)
		}
	}
	if len(frames) > 1 {
		sb.WriteString("Traceback (most recent call last):\n")
		writeFrames(&sb, frames)
	}
	if len(frames) > 0 {
		line = int(frames[len(frames)-1].Pos.Line)
	}

	fmt.Fprintf(&sb, "%s: %s", kind, msg)
	if line > 0 {
		fmt.Fprintf(&sb, " (line %d)", line)
	}
	return ErrorReport{Kind: kind, Line: line, Text: sb.String()}
}

// repeatedFrames is how many identical consecutive frames are printed before
// the rest collapse into one summary line.
const repeatedFrames = 3

func writeFrames(sb *strings.Builder, frames []starlark.CallFrame) {
	var (
		last    string
		repeats int
	)
	flush := func() {
		if repeats > repeatedFrames {
			n := repeats - repeatedFrames
			plural := "s"
			if n == 1 {
				plural = ""
			}
			fmt.Fprintf(sb, "  [Previous line repeated %d more time%s]\n", n, plural)
		}
	}
	for _, frame := range frames {
		name := frame.Name
		if name == "<toplevel>" {
			name = "<module>"
		}
		entry := fmt.Sprintf("  File \"%s\", line %d, in %s\n", Filename, frame.Pos.Line, name)
		if entry == last {
			repeats++
		} else {
			flush()
			last, repeats = entry, 1
		}
		if repeats <= repeatedFrames {
			sb.WriteString(entry)
		}
	}
	flush()
}

package lang

import (
	"context"
	"strings"
	"testing"
	"time"

	"edusandbox/internal"
	"edusandbox/model"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

type harness struct {
	t      *testing.T
	in     chan []byte
	out    chan []byte
	cancel context.CancelFunc
	done   chan error
}

func startContext(t *testing.T, opts Options) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		t:      t,
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 256),
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go func() {
		h.done <- NewContext(opts).Serve(ctx, h.in, h.out)
	}()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func (h *harness) send(cmd model.Command) {
	h.t.Helper()
	frame, err := model.EncodeCommand(cmd)
	if err != nil {
		h.t.Fatalf("encode command: %v", err)
	}
	h.in <- frame
}

func (h *harness) next() model.Message {
	h.t.Helper()
	select {
	case frame := <-h.out:
		msg, err := model.DecodeMessage(frame)
		if err != nil {
			h.t.Fatalf("decode message: %v", err)
		}
		return msg
	case <-time.After(10 * time.Second):
		h.t.Fatal("timed out waiting for a message")
	}
	return model.Message{}
}

func (h *harness) init(preload ...string) {
	h.t.Helper()
	h.send(model.Command{Type: model.TypeInit, PreloadPackages: preload})
	if msg := h.next(); msg.Type != model.TypeInitReady {
		h.t.Fatalf("expected initReady, got %s (%s)", msg.Type, msg.Msg)
	}
}

// run submits code and collects every message up to executionComplete.
func (h *harness) run(id, code string) []model.Message {
	h.t.Helper()
	h.send(model.Command{Type: model.TypeRunCode, MessageID: id, Code: code})
	var msgs []model.Message
	for {
		msg := h.next()
		if msg.MessageID != id {
			h.t.Fatalf("message for unexpected id %q: %+v", msg.MessageID, msg)
		}
		msgs = append(msgs, msg)
		if msg.Type == model.TypeExecutionComplete {
			return msgs
		}
	}
}

func collect(msgs []model.Message, typ model.MessageType) []model.Message {
	var out []model.Message
	for _, msg := range msgs {
		if msg.Type == typ {
			out = append(out, msg)
		}
	}
	return out
}

func stdout(msgs []model.Message) string {
	var sb strings.Builder
	for _, msg := range collect(msgs, model.TypeStdout) {
		sb.WriteString(msg.Msg)
	}
	return sb.String()
}

func TestRunPrintsResult(t *testing.T) {
	h := startContext(t, Options{})
	h.init("matplotlib")

	msgs := h.run("r1", "print(1+1)")
	if got := stdout(msgs); got != "2\n" {
		t.Errorf("stdout = %q, want %q", got, "2\n")
	}
	if errs := collect(msgs, model.TypeStderr); len(errs) != 0 {
		t.Errorf("unexpected stderr: %+v", errs)
	}
	if last := msgs[len(msgs)-1]; last.Type != model.TypeExecutionComplete {
		t.Errorf("last message = %s, want executionComplete", last.Type)
	}
	if n := len(collect(msgs, model.TypeExecutionComplete)); n != 1 {
		t.Errorf("executionComplete count = %d, want 1", n)
	}
}

func TestRunReportsErrorBeforeCompletion(t *testing.T) {
	h := startContext(t, Options{})
	h.init()

	msgs := h.run("r1", "x = 1\ny = x / 0\n")
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want stderr and executionComplete: %+v", len(msgs), msgs)
	}
	if msgs[0].Type != model.TypeStderr {
		t.Fatalf("first message = %s, want stderr", msgs[0].Type)
	}
	if !strings.Contains(msgs[0].Msg, "ZeroDivisionError") {
		t.Errorf("stderr %q does not name ZeroDivisionError", msgs[0].Msg)
	}
	if !strings.Contains(msgs[0].Msg, "line 2") {
		t.Errorf("stderr %q does not carry the line number", msgs[0].Msg)
	}

	// the context stays usable after a user error
	if got := stdout(h.run("r2", "print('ok')")); got != "ok\n" {
		t.Errorf("stdout after error = %q", got)
	}
}

func TestRunErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		code string
		kind string
	}{
		{"undefined name", "print(missing)", "NameError"},
		{"syntax", "def f(:\n  pass", "SyntaxError"},
		{"index", "[1, 2][5]", "IndexError"},
		{"key", "{}['k']", "KeyError"},
		{"unknown module", "import nosuchmodule", "ModuleNotFoundError"},
		{"type", "1 + 'a'", "TypeError"},
		{"input outside assignment", "print(input('x'))", "RuntimeError"},
		{"wildcard import", "from math import *", "SyntaxError"},
	}

	h := startContext(t, Options{})
	h.init()
	for i, tt := range tests {
		msgs := h.run(string(rune('a'+i)), tt.code)
		errs := collect(msgs, model.TypeStderr)
		if len(errs) != 1 {
			t.Errorf("%s: got %d stderr messages, want 1", tt.name, len(errs))
			continue
		}
		if !strings.HasPrefix(lastLine(errs[0].Msg), tt.kind+":") {
			t.Errorf("%s: stderr %q, want kind %s", tt.name, errs[0].Msg, tt.kind)
		}
	}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return lines[len(lines)-1]
}

func TestTracebackNamesFunctions(t *testing.T) {
	h := startContext(t, Options{})
	h.init()

	code := "def inner():\n    return 1 / 0\n\ndef outer():\n    return inner()\n\nouter()\n"
	errs := collect(h.run("r1", code), model.TypeStderr)
	if len(errs) != 1 {
		t.Fatalf("got %d stderr messages", len(errs))
	}
	text := errs[0].Msg
	for _, want := range []string{"Traceback", "in <module>", "in outer", "in inner", "(line 2)"} {
		if !strings.Contains(text, want) {
			t.Errorf("traceback %q missing %q", text, want)
		}
	}
}

func TestNamespaceIsReset(t *testing.T) {
	h := startContext(t, Options{})
	h.init()

	h.run("r1", "leftover = 41")
	errs := collect(h.run("r2", "print(leftover)"), model.TypeStderr)
	if len(errs) != 1 || !strings.Contains(errs[0].Msg, "NameError") {
		t.Fatalf("expected NameError for a name from a previous run, got %+v", errs)
	}
	if got := stdout(h.run("r3", "print(__name__)")); got != "__main__\n" {
		t.Errorf("baseline name lost: %q", got)
	}

	h.run("r4", "print = 1")
	if got := stdout(h.run("r5", "print('restored')")); got != "restored\n" {
		t.Errorf("shadowed builtin not restored: %q", got)
	}
}

func TestOutputBatching(t *testing.T) {
	h := startContext(t, Options{})
	h.init()

	msgs := h.run("r1", "for i in range(3):\n    print(i, end='')\nprint()\nprint('a', 'b', sep='-', end='!')\n")
	out := collect(msgs, model.TypeStdout)
	if got := stdout(msgs); got != "012\na-b!" {
		t.Errorf("stdout = %q", got)
	}
	if len(out) != 2 {
		t.Errorf("got %d stdout messages, want one per flush: %+v", len(out), out)
	}
}

func TestOutputFlushedBeforeError(t *testing.T) {
	h := startContext(t, Options{})
	h.init()

	msgs := h.run("r1", "print('partial', end='')\n1 / 0\n")
	if len(msgs) != 3 {
		t.Fatalf("got %d messages: %+v", len(msgs), msgs)
	}
	if msgs[0].Type != model.TypeStdout || msgs[0].Msg != "partial" {
		t.Errorf("first message = %+v, want buffered stdout", msgs[0])
	}
	if msgs[1].Type != model.TypeStderr {
		t.Errorf("second message = %s, want stderr", msgs[1].Type)
	}
}

func TestTwoPlotsEmitTwoGraphics(t *testing.T) {
	h := startContext(t, Options{})
	h.init("matplotlib")

	code := `import matplotlib.pyplot as plt
plt.plot([1, 2, 3], [1, 4, 9], "r--", label="squares")
plt.title("first")
plt.legend()
plt.show()
plt.figure(figsize=(4, 3))
plt.bar(["a", "b"], [3, 5])
plt.show()
plt.show()
`
	msgs := h.run("r1", code)
	if errs := collect(msgs, model.TypeStderr); len(errs) != 0 {
		t.Fatalf("unexpected stderr: %s", errs[0].Msg)
	}
	graphics := collect(msgs, model.TypeGraphic)
	if len(graphics) != 2 {
		t.Fatalf("got %d graphics, want 2", len(graphics))
	}
	if !near(graphics[0].Width, 640) || !near(graphics[0].Height, 480) {
		t.Errorf("first figure is %dx%d, want 640x480", graphics[0].Width, graphics[0].Height)
	}
	if !near(graphics[1].Width, 400) || !near(graphics[1].Height, 300) {
		t.Errorf("second figure is %dx%d, want 400x300", graphics[1].Width, graphics[1].Height)
	}
	png, err := graphics[0].Image().PNG()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(string(png), "\x89PNG") {
		t.Error("graphic data is not a PNG")
	}
}

func near(got, want int) bool {
	return got >= want-1 && got <= want+1
}

func TestPlotRequiresInstall(t *testing.T) {
	h := startContext(t, Options{})
	h.init()

	errs := collect(h.run("r1", "import matplotlib.pyplot as plt"), model.TypeStderr)
	if len(errs) != 1 || !strings.Contains(errs[0].Msg, "ModuleNotFoundError") {
		t.Fatalf("expected ModuleNotFoundError before install, got %+v", errs)
	}

	h.send(model.Command{Type: model.TypeLoadPackage, PackageRequestID: "p1", Packages: []string{"matplotlib"}})
	if msg := h.next(); msg.Type != model.TypePackagesLoaded || msg.PackageRequestID != "p1" {
		t.Fatalf("expected packagesLoaded for p1, got %+v", msg)
	}
	if errs := collect(h.run("r2", "from matplotlib import pyplot as plt"), model.TypeStderr); len(errs) != 0 {
		t.Fatalf("import after install failed: %s", errs[0].Msg)
	}
}

func TestLoadUnknownPackage(t *testing.T) {
	h := startContext(t, Options{})
	h.init()

	h.send(model.Command{Type: model.TypeLoadPackage, PackageRequestID: "p1", Packages: []string{"numpy", "nosuchpkg"}})
	msg := h.next()
	if msg.Type != model.TypePackageError || !strings.Contains(msg.Msg, "nosuchpkg") {
		t.Fatalf("expected packageError naming nosuchpkg, got %+v", msg)
	}
	// the batch is all-or-nothing
	errs := collect(h.run("r1", "import numpy"), model.TypeStderr)
	if len(errs) != 1 {
		t.Fatalf("numpy should not be installed after a failed batch")
	}
}

func TestNumpyArrays(t *testing.T) {
	h := startContext(t, Options{})
	h.init("numpy")

	code := `import numpy as np
a = np.array([1, 2, 3])
b = a * 2 + 1
print(np.sum(b), len(b), b[0])
print(np.max(np.linspace(0, 1, 5)))
`
	msgs := h.run("r1", code)
	if errs := collect(msgs, model.TypeStderr); len(errs) != 0 {
		t.Fatalf("unexpected stderr: %s", errs[0].Msg)
	}
	if got := stdout(msgs); got != "15.0 3 3.0\n1.0\n" {
		t.Errorf("stdout = %q", got)
	}
}

func TestInitFailure(t *testing.T) {
	h := startContext(t, Options{})

	h.send(model.Command{Type: model.TypeInit, PreloadPackages: []string{"nosuchpkg"}})
	msg := h.next()
	if msg.Type != model.TypeInitError {
		t.Fatalf("expected initError, got %+v", msg)
	}
	errs := collect(h.run("r1", "print(1)"), model.TypeStderr)
	if len(errs) != 1 || !strings.Contains(errs[0].Msg, string(StateFaulted)) {
		t.Fatalf("run on a faulted context should report the state, got %+v", errs)
	}
}

func TestRunBeforeInit(t *testing.T) {
	h := startContext(t, Options{})

	msgs := h.run("r1", "print(1)")
	if len(msgs) != 2 || msgs[0].Type != model.TypeStderr {
		t.Fatalf("expected stderr and executionComplete, got %+v", msgs)
	}
}

func TestMalformedFrameIsDropped(t *testing.T) {
	h := startContext(t, Options{})

	h.in <- []byte("{not json")
	h.in <- []byte(`{"type":"runCode","code":"print(1)"}`)
	h.init()
	if got := stdout(h.run("r1", "print(3)")); got != "3\n" {
		t.Errorf("stdout = %q", got)
	}
}

func TestStepLimitCancelsRun(t *testing.T) {
	h := startContext(t, Options{MaxSteps: 10000})
	h.init()

	errs := collect(h.run("r1", "def spin():\n    for i in range(100000000):\n        pass\nspin()\n"), model.TypeStderr)
	if len(errs) != 1 || !strings.Contains(errs[0].Msg, "CancelledError") {
		t.Fatalf("expected CancelledError, got %+v", errs)
	}
}

func TestOversizedArrayLeavesContextReady(t *testing.T) {
	h := startContext(t, Options{})
	h.init("numpy")

	for i, code := range []string{
		"import numpy as np\nnp.zeros(1 << 61)\n",
		"import numpy as np\nnp.linspace(0, 1, 1 << 40)\n",
		"import numpy as np\nnp.arange(0, 1e300)\n",
	} {
		errs := collect(h.run(string(rune('a'+i)), code), model.TypeStderr)
		if len(errs) != 1 || !strings.HasPrefix(lastLine(errs[0].Msg), "MemoryError:") {
			t.Fatalf("%q: expected MemoryError, got %+v", code, errs)
		}
	}
	if got := stdout(h.run("after", "print(1)")); got != "1\n" {
		t.Fatalf("stdout after oversized array = %q", got)
	}
}

func TestPanickingBuiltinIsReported(t *testing.T) {
	catalogue := DefaultCatalogue()
	catalogue["boom"] = Package{Name: "boom", Modules: func(*RunEnv) map[string]starlark.Value {
		return map[string]starlark.Value{
			"boom": &starlarkstruct.Module{Name: "boom", Members: starlark.StringDict{
				"explode": starlark.NewBuiltin("explode", func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
					panic("unexpected state")
				}),
			}},
		}
	}}
	h := startContext(t, Options{Catalogue: catalogue})
	h.init("boom")

	msgs := h.run("r1", "import boom\nprint('before')\nboom.explode()\n")
	if got := stdout(msgs); got != "before\n" {
		t.Errorf("stdout = %q", got)
	}
	errs := collect(msgs, model.TypeStderr)
	if len(errs) != 1 || !strings.Contains(errs[0].Msg, "RuntimeError: internal error: unexpected state") {
		t.Fatalf("expected RuntimeError, got %+v", errs)
	}
	if last := msgs[len(msgs)-1]; last.Type != model.TypeExecutionComplete {
		t.Fatalf("last message = %s", last.Type)
	}
	if got := stdout(h.run("r2", "print(2)")); got != "2\n" {
		t.Fatalf("stdout after panic = %q", got)
	}
}

func TestFigureSizeIsBounded(t *testing.T) {
	h := startContext(t, Options{})
	h.init("matplotlib")

	errs := collect(h.run("r1", "import matplotlib.pyplot as plt\nplt.figure(figsize=(10000, 10000))\n"), model.TypeStderr)
	if len(errs) != 1 || !strings.Contains(errs[0].Msg, "ValueError") || !strings.Contains(errs[0].Msg, "(line 2)") {
		t.Fatalf("expected ValueError on line 2, got %+v", errs)
	}
}

func TestReferenceLines(t *testing.T) {
	h := startContext(t, Options{})
	h.init("matplotlib")

	code := `import matplotlib.pyplot as plt
plt.plot([0, 1, 2], [1, -1, 2])
plt.axhline(0, color="black", lw=0.8)
plt.axvline(x=1.5, color="r", linestyle="-", linewidth=2, alpha=0.5)
plt.axhline(y=1)
plt.show()
`
	msgs := h.run("r1", code)
	if errs := collect(msgs, model.TypeStderr); len(errs) != 0 {
		t.Fatalf("unexpected stderr: %s", errs[0].Msg)
	}
	if graphics := collect(msgs, model.TypeGraphic); len(graphics) != 1 {
		t.Fatalf("got %d graphics, want 1", len(graphics))
	}

	errs := collect(h.run("r2", "import matplotlib.pyplot as plt\nplt.axhline(0, color='nocolor')\n"), model.TypeStderr)
	if len(errs) != 1 || !strings.Contains(errs[0].Msg, "ValueError") {
		t.Fatalf("expected ValueError for a bad color, got %+v", errs)
	}
}

func TestStdlibModulesImport(t *testing.T) {
	h := startContext(t, Options{})
	h.init()

	for name := range internal.StdlibModules {
		if _, ok := stdlib[name]; !ok {
			t.Errorf("%s is allow-listed but has no module", name)
		}
		if errs := collect(h.run(name, "import "+name), model.TypeStderr); len(errs) != 0 {
			t.Errorf("import %s: %s", name, errs[0].Msg)
		}
	}
	for name := range stdlib {
		if !internal.StdlibModules[name] {
			t.Errorf("%s has a module but is not allow-listed", name)
		}
	}
}

func TestRecursionTracebackIsCollapsed(t *testing.T) {
	h := startContext(t, Options{})
	h.init()

	code := "def down(n):\n    if n == 0:\n        return 1 / 0\n    return down(n - 1)\n\ndown(50)\n"
	errs := collect(h.run("r1", code), model.TypeStderr)
	if len(errs) != 1 {
		t.Fatalf("got %d stderr messages", len(errs))
	}
	text := errs[0].Msg
	if !strings.Contains(text, "[Previous line repeated 47 more times]") {
		t.Errorf("traceback not collapsed:\n%s", text)
	}
	if n := strings.Count(text, "line 4, in down"); n != 3 {
		t.Errorf("got %d repeated frames, want 3:\n%s", n, text)
	}
	if !strings.HasSuffix(text, "(line 3)") {
		t.Errorf("traceback should end at the failing line:\n%s", text)
	}
}

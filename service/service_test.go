package service

import (
	"context"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"edusandbox/executor"
	"edusandbox/internal"
	"edusandbox/model"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newTestCoordinator(t *testing.T) (*Coordinator, *executor.Manager) {
	t.Helper()
	m := executor.NewManager(executor.Options{})
	t.Cleanup(m.Close)
	return NewCoordinator(m, Config{MaxCodeLength: 10000}), m
}

func encode(src string) string {
	return base64.StdEncoding.EncodeToString([]byte(src))
}

func TestExecutePrint(t *testing.T) {
	c, _ := newTestCoordinator(t)
	resp := c.Execute(testCtx(t), model.ExecutionRequest{Code: encode("print(1+1)")}, nil)
	if !resp.Success {
		t.Fatalf("Execute failed: %+v", resp)
	}
	if resp.Output != "2\n" {
		t.Fatalf("Output = %q", resp.Output)
	}
	if resp.MessageID == "" || resp.ExecutionTime == "" {
		t.Fatalf("missing metadata: %+v", resp)
	}
}

func TestExecuteRejectsBadBase64(t *testing.T) {
	c, _ := newTestCoordinator(t)
	resp := c.Execute(testCtx(t), model.ExecutionRequest{Code: "%%%"}, nil)
	if resp.Success || resp.StatusMessage != "Failed to decode base64" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestExecuteRejectsLongCode(t *testing.T) {
	c, _ := newTestCoordinator(t)
	resp := c.Execute(testCtx(t), model.ExecutionRequest{Code: encode(strings.Repeat("x", 10001))}, nil)
	if resp.Success || resp.StatusMessage != "Code length exceeds maximum limit" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestExecuteSubstitutesInputs(t *testing.T) {
	c, _ := newTestCoordinator(t)
	src := "radius = float(input(\"Radius:\"))\nradius2 = 3\nprint(radius * radius2)"
	resp := c.Execute(testCtx(t), model.ExecutionRequest{Code: encode(src), Inputs: []string{"5"}}, nil)
	if !resp.Success || resp.Output != "15.0\n" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestExecuteMissingInput(t *testing.T) {
	c, _ := newTestCoordinator(t)
	resp := c.Execute(testCtx(t), model.ExecutionRequest{Code: encode(`n = int(input("n?"))`)}, nil)
	if resp.Success || !strings.Contains(resp.Error, ErrNoInput.Error()) {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestRunRoutesErrors(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := testCtx(t)
	editor := &StaticEditor{Source: "x = 1\n1/0\n"}
	sinks := NewBufferSinks()

	run, err := c.Run(ctx, RunOptions{Editor: editor, Sinks: sinks, OutputID: "out", ErrorID: "err"})
	if err != nil {
		t.Fatal(err)
	}
	if err := run.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	reports := run.Errors()
	if len(reports) != 1 {
		t.Fatalf("errors = %+v", reports)
	}
	if reports[0].Kind != "ZeroDivisionError" || reports[0].Line != 2 {
		t.Fatalf("report = %+v", reports[0])
	}
	if got := editor.Highlighted(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("highlighted = %v", got)
	}
	html := sinks.Error("err")
	if !strings.Contains(html, `<span class="error-type">ZeroDivisionError</span>`) ||
		!strings.Contains(html, `<span class="error-line">(line 2)</span>`) {
		t.Fatalf("error html = %s", html)
	}
	if c.Busy("out") {
		t.Fatal("area still busy after completion")
	}
}

func TestRunPredictionModeUsesAlternateSink(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := testCtx(t)
	sinks := NewBufferSinks()
	sinks.AppendText("out", "earlier\n")

	src := strings.Join([]string{
		"import matplotlib.pyplot as plt",
		`print("guess")`,
		"plt.plot([1, 2, 3], [1, 4, 9])",
		"plt.show()",
	}, "\n")
	run, err := c.Run(ctx, RunOptions{
		Editor:      &StaticEditor{Source: src},
		Sinks:       sinks,
		OutputID:    "out",
		AltOutputID: "predict",
		ErrorID:     "err",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := run.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if got := sinks.Text("out"); got != "earlier\n" {
		t.Fatalf("default sink changed: %q", got)
	}
	if got := sinks.Text("predict"); got != "guess\n" {
		t.Fatalf("alternate sink = %q", got)
	}
	if n := len(sinks.Images("predict")); n != 1 {
		t.Fatalf("alternate sink has %d images", n)
	}
}

func TestRunAppliesFormatter(t *testing.T) {
	m := executor.NewManager(executor.Options{})
	t.Cleanup(m.Close)
	c := NewCoordinator(m, Config{})
	ctx := testCtx(t)
	sinks := NewBufferSinks()

	run, err := c.Run(ctx, RunOptions{
		Editor:   &StaticEditor{Source: `print("x & y | oo")`},
		Sinks:    sinks,
		OutputID: "out",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := run.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if got := sinks.Text("out"); got != "x ∧ y ∨ ∞\n" {
		t.Fatalf("formatted output = %q", got)
	}
}

// fakeEnv records calls and lets tests decide when runs complete.
type fakeEnv struct {
	mu        sync.Mutex
	loadErr   error
	loads     [][]string
	runs      map[string]executor.MessageHandler
	submitted []string
	restarts  int
	nextID    int
}

func newFakeEnv() *fakeEnv {
	return &fakeEnv{runs: map[string]executor.MessageHandler{}}
}

func (f *fakeEnv) LoadPackages(names ...string) *executor.Future {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads = append(f.loads, names)
	return executor.Resolved(f.loadErr)
}

func (f *fakeEnv) RunCode(source string, onMessage executor.MessageHandler) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := "run-" + strconv.Itoa(f.nextID)
	f.runs[id] = onMessage
	f.submitted = append(f.submitted, source)
	return id
}

func (f *fakeEnv) RestartContext() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	f.runs = map[string]executor.MessageHandler{}
}

func (f *fakeEnv) complete(id string) {
	f.mu.Lock()
	h := f.runs[id]
	delete(f.runs, id)
	f.mu.Unlock()
	h(model.Message{Type: model.TypeExecutionComplete, MessageID: id})
}

func TestRunSerializesPerOutputArea(t *testing.T) {
	env := newFakeEnv()
	c := NewCoordinator(env, Config{})
	ctx := testCtx(t)
	sinks := NewBufferSinks()
	opts := RunOptions{Editor: &StaticEditor{Source: "x = 1"}, Sinks: sinks, OutputID: "out"}

	first, err := c.Run(ctx, opts)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Run(ctx, opts); !errors.Is(err, ErrOutputBusy) {
		t.Fatalf("second run = %v, want ErrOutputBusy", err)
	}
	other := opts
	other.OutputID = "other"
	if _, err := c.Run(ctx, other); err != nil {
		t.Fatalf("run on another area: %v", err)
	}

	env.complete(first.ID)
	if err := first.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Run(ctx, opts); err != nil {
		t.Fatalf("run after completion: %v", err)
	}
}

func TestRunRequestsImportedPackages(t *testing.T) {
	env := newFakeEnv()
	c := NewCoordinator(env, Config{})
	ctx := testCtx(t)

	_, err := c.Run(ctx, RunOptions{
		Editor:   &StaticEditor{Source: "import numpy as np\nimport math\nprint(np.pi)"},
		Sinks:    NewBufferSinks(),
		OutputID: "out",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(env.loads) != 1 {
		t.Fatalf("loads = %v", env.loads)
	}
	got := strings.Join(env.loads[0], ",")
	if got != "numpy,"+internal.BaselinePackage {
		t.Fatalf("requested %s", got)
	}
}

func TestRunAbortsOnInstallFailure(t *testing.T) {
	env := newFakeEnv()
	env.loadErr = &executor.PackageInstallError{Packages: []string{"scipy"}, Msg: "no such package"}
	c := NewCoordinator(env, Config{})
	sinks := NewBufferSinks()

	_, err := c.Run(testCtx(t), RunOptions{
		Editor:   &StaticEditor{Source: "import scipy"},
		Sinks:    sinks,
		OutputID: "out",
		ErrorID:  "err",
	})
	var installErr *executor.PackageInstallError
	if !errors.As(err, &installErr) {
		t.Fatalf("Run = %v, want PackageInstallError", err)
	}
	if len(env.submitted) != 0 {
		t.Fatal("code submitted after failed install")
	}
	if sinks.Error("err") == "" {
		t.Fatal("install failure not shown")
	}
	if c.Busy("out") {
		t.Fatal("area left busy")
	}
}

func TestCancelAbandonsRuns(t *testing.T) {
	env := newFakeEnv()
	c := NewCoordinator(env, Config{})
	ctx := testCtx(t)

	run, err := c.Run(ctx, RunOptions{Editor: &StaticEditor{Source: "while True: pass"}, Sinks: NewBufferSinks(), OutputID: "out"})
	if err != nil {
		t.Fatal(err)
	}
	c.Cancel()
	if err := run.Wait(ctx); !errors.Is(err, ErrRunCancelled) {
		t.Fatalf("Wait = %v, want ErrRunCancelled", err)
	}
	if env.restarts != 1 {
		t.Fatalf("restarts = %d", env.restarts)
	}
	if c.Busy("out") {
		t.Fatal("area still busy after cancel")
	}
}

// cancellingPrompter cancels every run while its input is being answered.
type cancellingPrompter struct {
	c *Coordinator
}

func (p cancellingPrompter) Prompt(ctx context.Context, prompt string) (string, error) {
	p.c.Cancel()
	return "3", nil
}

func TestCancelDuringPromptSkipsSubmission(t *testing.T) {
	env := newFakeEnv()
	c := NewCoordinator(env, Config{})
	ctx := testCtx(t)
	sinks := NewBufferSinks()
	opts := RunOptions{
		Editor:   &StaticEditor{Source: `n = int(input("n?"))` + "\nprint(n)"},
		Prompter: cancellingPrompter{c: c},
		Sinks:    sinks,
		OutputID: "out",
		ErrorID:  "err",
	}

	run, err := c.Run(ctx, opts)
	if !errors.Is(err, ErrRunCancelled) || run != nil {
		t.Fatalf("Run = %v, %v, want ErrRunCancelled", run, err)
	}
	if len(env.submitted) != 0 {
		t.Fatalf("cancelled run was submitted: %q", env.submitted)
	}
	if env.restarts != 1 {
		t.Fatalf("restarts = %d", env.restarts)
	}
	if c.Busy("out") {
		t.Fatal("area still busy after cancel")
	}
	if got := sinks.Error("err"); got != "" {
		t.Fatalf("error sink written by a cancelled run: %q", got)
	}

	opts.Prompter = NewQueuePrompter("4")
	if _, err := c.Run(ctx, opts); err != nil {
		t.Fatalf("run after cancel: %v", err)
	}
	if len(env.submitted) != 1 || !strings.HasPrefix(env.submitted[0], "n = 4") {
		t.Fatalf("submitted = %q", env.submitted)
	}
}

func TestExecuteTimeoutRestarts(t *testing.T) {
	c, m := newTestCoordinator(t)
	if err := m.Ready().Wait(testCtx(t)); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	resp := c.Execute(ctx, model.ExecutionRequest{Code: encode("while True:\n    pass"), OutputID: "loop"}, nil)
	if resp.Success || resp.StatusMessage != "Execution cancelled" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if c.Busy("loop") {
		t.Fatal("area still busy after timeout")
	}

	after := c.Execute(testCtx(t), model.ExecutionRequest{Code: encode("print('ok')")}, nil)
	if !after.Success || after.Output != "ok\n" {
		t.Fatalf("run after restart: %+v", after)
	}
}

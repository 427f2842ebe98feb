// Package lang hosts the execution context: one isolated interpreter that
// receives init, runCode and loadPackage commands as serialized frames and
// answers with tagged result messages. It never shares memory with its
// caller.
package lang

import (
	"context"
	"fmt"
	"io"
	"runtime/debug"
	"sort"

	"edusandbox/internal"
	"edusandbox/model"

	logrus "github.com/sirupsen/logrus"
	"go.starlark.net/starlark"
)

// State is the lifecycle state of an execution context.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateReady         State = "ready"
	StateFaulted       State = "faulted"
)

// Filename is the name user code is compiled under; error positions in
// other files belong to the runtime.
const Filename = "<exec>"

// Options configures an execution context.
type Options struct {
	Logger *logrus.Logger
	// MaxSteps bounds the Starlark steps of a single run; zero is unlimited.
	MaxSteps uint64
	// Catalogue overrides the installable packages.
	Catalogue map[string]Package
}

// Context is a single interpreter instance. All methods are called from the
// goroutine running Serve.
type Context struct {
	opts     Options
	logger   *logrus.Entry
	state    State
	initErr  string
	registry *registry

	// namespace holds every bound name; baseline is the snapshot taken when
	// the context became ready.
	namespace starlark.StringDict
	baseline  starlark.StringDict

	emit func(model.Message) bool
}

func NewContext(opts Options) *Context {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetOutput(io.Discard)
	}
	catalogue := opts.Catalogue
	if catalogue == nil {
		catalogue = DefaultCatalogue()
	}
	return &Context{
		opts:     opts,
		logger:   opts.Logger.WithField("component", "execution-context"),
		state:    StateUninitialized,
		registry: newRegistry(catalogue),
	}
}

// State returns the current lifecycle state.
func (c *Context) State() State {
	return c.state
}

// Serve processes command frames from in until it is closed or ctx is done,
// writing result frames to out. Malformed frames are logged and dropped.
// Cancelling ctx also cancels a run in progress.
func (c *Context) Serve(ctx context.Context, in <-chan []byte, out chan<- []byte) error {
	c.emit = func(msg model.Message) bool {
		frame, err := model.EncodeMessage(msg)
		if err != nil {
			c.logger.WithError(err).Error("encode result message")
			return false
		}
		select {
		case out <- frame:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-in:
			if !ok {
				return nil
			}
			cmd, err := model.DecodeCommand(frame)
			if err != nil {
				c.logger.WithError(err).Warn("dropping malformed command")
				continue
			}
			c.handle(ctx, cmd)
		}
	}
}

func (c *Context) handle(ctx context.Context, cmd model.Command) {
	switch cmd.Type {
	case model.TypeInit:
		c.init(cmd.PreloadPackages)
	case model.TypeLoadPackage:
		c.loadPackages(cmd.PackageRequestID, cmd.Packages)
	case model.TypeRunCode:
		c.run(ctx, cmd.MessageID, cmd.Code)
	}
}

func (c *Context) init(preload []string) {
	switch c.state {
	case StateReady:
		c.emit(model.Message{Type: model.TypeInitReady})
		return
	case StateFaulted:
		c.emit(model.Message{Type: model.TypeInitError, Msg: c.initErr})
		return
	}

	c.state = StateInitializing
	if err := c.bootstrap(preload); err != nil {
		c.state = StateFaulted
		c.initErr = err.Error()
		c.logger.WithError(err).Error("bootstrap failed")
		c.emit(model.Message{Type: model.TypeInitError, Msg: c.initErr})
		return
	}
	c.state = StateReady
	c.logger.WithField("baseline", len(c.baseline)).Info("execution context ready")
	c.emit(model.Message{Type: model.TypeInitReady})
}

func (c *Context) bootstrap(preload []string) error {
	if err := c.registry.install(preload); err != nil {
		return fmt.Errorf("preload packages: %w", err)
	}

	c.namespace = c.builtins()
	thread := c.newThread("bootstrap", newOutputBuffer(func(string) {}), nil)
	globals, err := starlark.ExecFileOptions(internal.FileOptions, thread, "<prelude>", prelude, c.namespace)
	if err != nil {
		return fmt.Errorf("prelude: %w", err)
	}
	for name, value := range globals {
		c.namespace[name] = value
	}

	c.baseline = make(starlark.StringDict, len(c.namespace))
	for name, value := range c.namespace {
		c.baseline[name] = value
	}
	return nil
}

func (c *Context) loadPackages(requestID string, names []string) {
	if c.state != StateReady {
		c.emit(model.Message{
			Type:             model.TypePackageError,
			PackageRequestID: requestID,
			Msg:              fmt.Sprintf("execution context is %s", c.state),
		})
		return
	}
	if err := c.registry.install(names); err != nil {
		c.logger.WithError(err).WithField("packages", names).Warn("package install failed")
		c.emit(model.Message{
			Type:             model.TypePackageError,
			PackageRequestID: requestID,
			Msg:              err.Error(),
		})
		return
	}
	c.emit(model.Message{
		Type:             model.TypePackagesLoaded,
		PackageRequestID: requestID,
		Packages:         names,
	})
}

// run executes one submission. executionComplete is emitted on every path.
func (c *Context) run(ctx context.Context, id, code string) {
	defer c.emit(model.Message{Type: model.TypeExecutionComplete, MessageID: id})

	logger := c.logger.WithField("messageId", id)
	if c.state != StateReady {
		c.emit(model.Message{
			Type:      model.TypeStderr,
			MessageID: id,
			Msg:       fmt.Sprintf("RuntimeError: execution context is %s", c.state),
		})
		return
	}

	c.resetNamespace()

	out := newOutputBuffer(func(text string) {
		c.emit(model.Message{Type: model.TypeStdout, MessageID: id, Msg: text})
	})
	graphics := func(img model.Image) {
		out.Flush()
		c.emit(model.Message{
			Type:      model.TypeGraphic,
			MessageID: id,
			Data:      img.Data,
			Width:     img.Width,
			Height:    img.Height,
		})
	}
	thread := c.newThread(id, out, graphics)
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel("execution context terminated")
	})
	defer stop()

	err := c.exec(thread, code)
	out.Flush()
	if err != nil {
		report := FormatError(err)
		logger.WithField("kind", report.Kind).Debug("user code raised")
		c.emit(model.Message{Type: model.TypeStderr, MessageID: id, Msg: report.Text})
	}
}

// exec runs code against the namespace. A panic raised inside a builtin is
// reported as a user code error so the context stays Ready.
func (c *Context) exec(thread *starlark.Thread, code string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithField("panic", r).WithField("stack", string(debug.Stack())).Error("recovered from panic in user code")
			err = panicError(r)
		}
	}()

	src, err := internal.TranslateImports(code)
	if err != nil {
		return err
	}
	globals, err := starlark.ExecFileOptions(internal.FileOptions, thread, Filename, src, c.namespace)
	for name, value := range globals {
		c.namespace[name] = value
	}
	return err
}

// resetNamespace drops every name bound after the baseline snapshot and
// rebinds baseline names a previous run shadowed.
func (c *Context) resetNamespace() {
	for name := range c.namespace {
		if _, ok := c.baseline[name]; !ok {
			delete(c.namespace, name)
		}
	}
	for name, value := range c.baseline {
		c.namespace[name] = value
	}
}

// Names returns the currently bound names, sorted.
func (c *Context) Names() []string {
	names := make([]string, 0, len(c.namespace))
	for name := range c.namespace {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Context) newThread(name string, out *outputBuffer, graphics func(model.Image)) *starlark.Thread {
	thread := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			out.WriteString(msg + "\n")
		},
	}
	if c.opts.MaxSteps > 0 {
		thread.SetMaxExecutionSteps(c.opts.MaxSteps)
	}
	thread.SetLocal(outputKey, out)
	thread.SetLocal(runEnvKey, &RunEnv{graphics: graphics, modules: map[string]starlark.Value{}})
	return thread
}

const prelude = `
__name__ = "__main__"
__doc__ = None
`

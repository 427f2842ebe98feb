// Package service is the run coordinator: it prepares user source for the
// execution environment (length guard, input substitution, package
// installation), submits it, and routes the resulting messages to the
// caller's output sinks.
package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"edusandbox/executor"
	"edusandbox/internal"
	"edusandbox/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	ErrOutputBusy     = errors.New("output area already has a run in flight")
	ErrInvalidRequest = errors.New("invalid request parameters")
	ErrRunCancelled   = errors.New("run cancelled")
)

// Environment is the part of the execution environment manager the
// coordinator drives. RunCode and RestartContext are called with the
// coordinator's lock held and must not invoke message handlers before
// returning.
type Environment interface {
	LoadPackages(names ...string) *executor.Future
	RunCode(source string, onMessage executor.MessageHandler) string
	RestartContext()
}

// RunLogger records run lifecycle events keyed by correlation id.
type RunLogger interface {
	Log(level zapcore.Level, traceID string, message string, attributes map[string]any, layer string, err error)
}

type Config struct {
	// MaxCodeLength rejects longer submissions; zero disables the check.
	MaxCodeLength int
	// Formatter is applied to stdout text; defaults to SymbolFormatter.
	Formatter Formatter
	Logger    *zap.Logger
	RunLog    RunLogger
}

// Coordinator runs editor contents through the execution environment.
type Coordinator struct {
	env       Environment
	formatter Formatter
	maxLen    int
	logger    *zap.Logger
	runLog    RunLogger

	mu         sync.Mutex
	busy       map[string]*Run // output area -> run in flight
	generation uint64          // bumped by Cancel
}

func NewCoordinator(env Environment, cfg Config) *Coordinator {
	if cfg.Formatter == nil {
		cfg.Formatter = SymbolFormatter{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Coordinator{
		env:       env,
		formatter: cfg.Formatter,
		maxLen:    cfg.MaxCodeLength,
		logger:    cfg.Logger,
		runLog:    cfg.RunLog,
		busy:      map[string]*Run{},
	}
}

// RunOptions wires one run to its collaborators.
type RunOptions struct {
	Editor   Editor
	Prompter Prompter // may be nil when the source has no input() calls
	Sinks    Sinks

	OutputID string
	// AltOutputID, when set, receives stdout and graphics instead of
	// OutputID (prediction mode). Errors still go to ErrorID.
	AltOutputID string
	ErrorID     string

	// Observer, when set, sees every raw result message of the run.
	Observer executor.MessageHandler
}

func (o RunOptions) target() string {
	if o.AltOutputID != "" {
		return o.AltOutputID
	}
	return o.OutputID
}

// Run is a submitted run.
type Run struct {
	ID string // correlation id

	area      string
	done      chan struct{}
	once      sync.Once
	mu        sync.Mutex
	errors    []ErrorReport
	cancelled bool
}

func newRun(area string) *Run {
	return &Run{area: area, done: make(chan struct{})}
}

// Done is closed when the run completes or is cancelled.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run finishes. It returns ErrRunCancelled when the
// run was abandoned by Cancel.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.cancelled {
			return ErrRunCancelled
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Errors returns the errors the run reported.
func (r *Run) Errors() []ErrorReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ErrorReport(nil), r.errors...)
}

func (r *Run) addError(report ErrorReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, report)
}

func (r *Run) finish(cancelled bool) {
	r.once.Do(func() {
		r.mu.Lock()
		r.cancelled = cancelled
		r.mu.Unlock()
		close(r.done)
	})
}

// Run preprocesses the editor's source and submits it. It blocks while
// input values are prompted for and packages are installed, both bounded by
// ctx, and returns once the code has been submitted. Failures before
// submission are shown on the error sink and returned.
func (c *Coordinator) Run(ctx context.Context, opts RunOptions) (*Run, error) {
	if opts.Editor == nil || opts.Sinks == nil {
		return nil, ErrInvalidRequest
	}
	area := opts.target()

	c.mu.Lock()
	if _, ok := c.busy[area]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrOutputBusy, area)
	}
	run := newRun(area)
	c.busy[area] = run
	generation := c.generation
	c.mu.Unlock()

	source, err := c.prepare(ctx, opts)

	c.mu.Lock()
	if c.generation != generation {
		// Cancel abandoned the run and released its area.
		c.mu.Unlock()
		c.logger.Info("run cancelled before submission", zap.String("area", area))
		return nil, ErrRunCancelled
	}
	if err != nil {
		delete(c.busy, area)
		c.mu.Unlock()
		run.finish(false)
		opts.Sinks.SetError(opts.ErrorID, ErrorReport{Message: err.Error()}.HTML())
		c.logger.Warn("run rejected before submission", zap.String("area", area), zap.Error(err))
		return nil, err
	}
	opts.Sinks.SetError(opts.ErrorID, "")
	run.ID = c.env.RunCode(source, c.router(run, opts))
	c.mu.Unlock()

	c.logRun(zapcore.InfoLevel, run.ID, "run submitted", map[string]any{"area": area, "bytes": len(source)}, nil)
	return run, nil
}

func (c *Coordinator) prepare(ctx context.Context, opts RunOptions) (string, error) {
	opts.Editor.ClearHighlights()
	source := opts.Editor.GetValue()

	if err := internal.SanitizeCode(source, c.maxLen); err != nil {
		return "", err
	}

	source, _, err := internal.SubstituteInputs(source, func(p internal.InputPlaceholder) (string, error) {
		if opts.Prompter == nil {
			return "", ErrNoInput
		}
		return opts.Prompter.Prompt(ctx, p.Prompt)
	})
	if err != nil {
		return "", err
	}

	packages := internal.RequiredPackages(source)
	if err := c.env.LoadPackages(packages...).Wait(ctx); err != nil {
		return "", fmt.Errorf("install packages: %w", err)
	}
	return source, nil
}

// router delivers result messages of one run to its sinks.
func (c *Coordinator) router(run *Run, opts RunOptions) executor.MessageHandler {
	target := opts.target()
	return func(msg model.Message) {
		if opts.Observer != nil {
			opts.Observer(msg)
		}
		switch msg.Type {
		case model.TypeStdout:
			opts.Sinks.AppendText(target, c.formatter.Format(msg.Msg))
		case model.TypeGraphic:
			opts.Sinks.AppendImage(target, msg.Image())
		case model.TypeStderr:
			report := ParseErrorReport(msg.Msg)
			run.addError(report)
			opts.Sinks.SetError(opts.ErrorID, report.HTML())
			if report.Line > 0 {
				opts.Editor.HighlightLine(report.Line)
			}
			c.logRun(zapcore.WarnLevel, msg.MessageID, "run raised", map[string]any{"kind": report.Kind, "line": report.Line}, nil)
		case model.TypeExecutionComplete:
			c.release(run)
			run.finish(false)
			c.logRun(zapcore.InfoLevel, msg.MessageID, "run complete", nil, nil)
		}
	}
}

func (c *Coordinator) release(run *Run) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy[run.area] == run {
		delete(c.busy, run.area)
	}
}

// Cancel restarts the execution context. Every run in flight is abandoned
// and its output area released.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	c.generation++
	c.env.RestartContext()
	runs := make([]*Run, 0, len(c.busy))
	for area, run := range c.busy {
		runs = append(runs, run)
		delete(c.busy, area)
	}
	c.mu.Unlock()

	for _, run := range runs {
		run.finish(true)
		c.logRun(zapcore.WarnLevel, run.ID, "run cancelled", map[string]any{"area": run.area}, nil)
	}
	c.logger.Info("execution context restarted", zap.Int("abandoned", len(runs)))
}

// Busy reports whether an output area has a run in flight.
func (c *Coordinator) Busy(area string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.busy[area]
	return ok
}

func (c *Coordinator) logRun(level zapcore.Level, id, message string, attributes map[string]any, err error) {
	if c.runLog != nil {
		c.runLog.Log(level, id, message, attributes, "service", err)
	}
}

// Execute runs a base64-encoded snippet to completion with queued input
// values and collects everything it produced. When ctx ends before the run
// completes the context is restarted.
func (c *Coordinator) Execute(ctx context.Context, req model.ExecutionRequest, observe executor.MessageHandler) *model.ExecutionResponse {
	start := time.Now()

	codeBytes, err := base64.StdEncoding.DecodeString(req.Code)
	if err != nil {
		return &model.ExecutionResponse{
			Success:       false,
			Error:         err.Error(),
			StatusMessage: "Failed to decode base64",
		}
	}

	outputID := req.OutputID
	if outputID == "" {
		outputID = "exec-" + uuid.NewString()
	}
	errorID := outputID + "-error"
	sinks := NewBufferSinks()

	var (
		mu     sync.Mutex
		stderr []string
	)
	run, err := c.Run(ctx, RunOptions{
		Editor:   &StaticEditor{Source: string(codeBytes)},
		Prompter: NewQueuePrompter(req.Inputs...),
		Sinks:    sinks,
		OutputID: outputID,
		ErrorID:  errorID,
		Observer: func(msg model.Message) {
			if msg.Type == model.TypeStderr {
				mu.Lock()
				stderr = append(stderr, msg.Msg)
				mu.Unlock()
			}
			if observe != nil {
				observe(msg)
			}
		},
	})
	if err != nil {
		status := "Failed to prepare code"
		var sanitizeErr *internal.SanitizationError
		switch {
		case errors.As(err, &sanitizeErr):
			status = sanitizeErr.Message
		case errors.Is(err, ErrRunCancelled):
			status = "Execution cancelled"
		}
		return &model.ExecutionResponse{
			Success:       false,
			Error:         err.Error(),
			StatusMessage: status,
		}
	}

	if err := run.Wait(ctx); err != nil {
		if !errors.Is(err, ErrRunCancelled) {
			c.Cancel()
		}
		return &model.ExecutionResponse{
			MessageID:     run.ID,
			Success:       false,
			Output:        sinks.Text(outputID),
			Images:        sinks.Images(outputID),
			Error:         err.Error(),
			StatusMessage: "Execution cancelled",
			ExecutionTime: time.Since(start).String(),
		}
	}

	resp := &model.ExecutionResponse{
		MessageID:     run.ID,
		Output:        sinks.Text(outputID),
		Images:        sinks.Images(outputID),
		ExecutionTime: time.Since(start).String(),
	}
	mu.Lock()
	defer mu.Unlock()
	if len(stderr) > 0 {
		resp.Error = stderr[len(stderr)-1]
		resp.StatusMessage = "Failed to execute code"
		return resp
	}
	resp.Success = true
	resp.StatusMessage = "Success"
	return resp
}

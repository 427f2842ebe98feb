// Package executor brokers access to the isolated execution context. It owns
// the context's lifecycle, tracks readiness and installed packages, routes
// result messages to per-run callbacks by correlation id, and restarts the
// context on demand. No operation blocks the caller: work is queued and
// outcomes are delivered through futures and callbacks.
package executor

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"

	"edusandbox/lang"
	"edusandbox/model"

	"github.com/google/uuid"
	logrus "github.com/sirupsen/logrus"
)

// MessageHandler receives every result message of one run, ending with
// executionComplete.
type MessageHandler func(model.Message)

// Options configures a Manager.
type Options struct {
	// Spawner starts execution contexts; defaults to InProcess.
	Spawner Spawner
	// PreloadPackages are installed during bootstrap of every context.
	PreloadPackages []string
	Logger          *logrus.Logger
}

// Manager is the execution environment: at most one live context, replaced
// wholesale by RestartContext.
type Manager struct {
	opts   Options
	logger *logrus.Logger

	mu         sync.Mutex
	preload    []string
	session    *session
	generation int
	closed     bool
}

type packageRequest struct {
	names  []string
	future *Future
}

// session is the bookkeeping for one context instance. Fields are guarded
// by Manager.mu.
type session struct {
	generation int
	ctx        context.Context
	cancel     context.CancelFunc
	queue      *jobQueue
	transport  Transport
	dead       bool

	state lang.State
	ready *Future
	// loaded never shrinks for the lifetime of the session.
	loaded map[string]bool
	// installing maps a package name to the future of its in-flight install.
	installing map[string]*Future
	runs       map[string]MessageHandler
	packages   map[string]*packageRequest
}

// NewManager creates a manager and starts bootstrapping its first context.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetOutput(io.Discard)
	}
	if opts.Spawner == nil {
		opts.Spawner = InProcess(lang.Options{Logger: opts.Logger})
	}
	m := &Manager{
		opts:   opts,
		logger: opts.Logger,
	}
	m.mergePreload(opts.PreloadPackages)

	m.mu.Lock()
	m.session = m.startSession()
	m.mu.Unlock()
	return m
}

var (
	instanceMu   sync.Mutex
	instance     *Manager
	instanceOpts Options
)

// Configure sets the options used when GetInstance first builds the shared
// manager. It has no effect on an instance that already exists.
func Configure(opts Options) {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	instanceOpts = opts
}

// GetInstance returns the shared manager, building it on first use. Later
// calls add their packages to the preload list and start installing them
// without waiting.
func GetInstance(initialPackages ...string) *Manager {
	instanceMu.Lock()
	if instance == nil {
		opts := instanceOpts
		opts.PreloadPackages = append(append([]string(nil), opts.PreloadPackages...), initialPackages...)
		instance = NewManager(opts)
		instanceMu.Unlock()
		return instance
	}
	m := instance
	instanceMu.Unlock()

	if len(initialPackages) > 0 {
		m.mergePreload(initialPackages)
		m.LoadPackages(initialPackages...)
	}
	return m
}

// ResetInstance closes and forgets the shared manager.
func ResetInstance() {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance != nil {
		instance.Close()
		instance = nil
	}
}

func (m *Manager) mergePreload(names []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range names {
		if name == "" || contains(m.preload, name) {
			continue
		}
		m.preload = append(m.preload, name)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// startSession spawns a context and queues its init command. m.mu is held.
func (m *Manager) startSession() *session {
	m.generation++
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		generation: m.generation,
		ctx:        ctx,
		cancel:     cancel,
		queue:      newJobQueue(),
		state:      lang.StateInitializing,
		ready:      newFuture(),
		loaded:     map[string]bool{},
		installing: map[string]*Future{},
		runs:       map[string]MessageHandler{},
		packages:   map[string]*packageRequest{},
	}
	preload := append([]string(nil), m.preload...)
	for _, name := range preload {
		s.installing[name] = s.ready
	}
	m.send(s, model.Command{Type: model.TypeInit, PreloadPackages: preload})
	go m.serve(s)

	m.logger.WithFields(logrus.Fields{
		"generation": s.generation,
		"preload":    preload,
	}).Info("starting execution context")
	return s
}

func (m *Manager) send(s *session, cmd model.Command) {
	frame, err := model.EncodeCommand(cmd)
	if err != nil {
		m.logger.WithError(err).Errorf("encode %s command", cmd.Type)
		return
	}
	s.queue.push(frame)
}

// serve owns the session's transport: it spawns the context, forwards queued
// commands and dispatches result frames until the context exits.
func (m *Manager) serve(s *session) {
	logger := m.logger.WithField("generation", s.generation)

	transport, err := m.opts.Spawner.Spawn(s.ctx)
	if err != nil {
		logger.WithError(err).Error("failed to spawn execution context")
		m.fault(s, &EnvironmentInitError{Msg: err.Error(), Err: err})
		return
	}

	m.mu.Lock()
	if s.dead {
		m.mu.Unlock()
		transport.Close()
		return
	}
	s.transport = transport
	m.mu.Unlock()

	go func() {
		err := s.queue.worker(s.ctx, transport.Send)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Warn("command delivery stopped")
		}
	}()

	for frame := range transport.Frames() {
		msg, err := model.DecodeMessage(frame)
		if err != nil {
			logger.WithError(err).Warn("dropping malformed result frame")
			continue
		}
		m.dispatch(s, msg)
	}
	m.fault(s, &EnvironmentInitError{Msg: ErrContextExited.Error(), Err: ErrContextExited})
}

func (m *Manager) dispatch(s *session, msg model.Message) {
	m.mu.Lock()
	var after func()
	if !s.dead {
		after = m.apply(s, msg)
	}
	m.mu.Unlock()

	if after != nil {
		after()
	}
}

// apply updates bookkeeping for msg with m.mu held and returns the
// callback work to run after the lock is released.
func (m *Manager) apply(s *session, msg model.Message) func() {
	logger := m.logger.WithField("generation", s.generation)

	switch msg.Type {
	case model.TypeInitReady:
		if s.state != lang.StateInitializing {
			return nil
		}
		s.state = lang.StateReady
		for name, f := range s.installing {
			if f == s.ready {
				s.loaded[name] = true
				delete(s.installing, name)
			}
		}
		// warm-up: its messages are discarded
		warmup := "warmup-" + uuid.NewString()
		s.runs[warmup] = nil
		m.send(s, model.Command{Type: model.TypeRunCode, MessageID: warmup, Code: "pass"})
		logger.Info("execution context ready")
		return func() { s.ready.complete(nil) }

	case model.TypeInitError:
		s.state = lang.StateFaulted
		for name, f := range s.installing {
			if f == s.ready {
				delete(s.installing, name)
			}
		}
		logger.WithField("error", msg.Msg).Error("execution context bootstrap failed")
		return func() { s.ready.complete(&EnvironmentInitError{Msg: msg.Msg}) }

	case model.TypePackagesLoaded, model.TypePackageError:
		req, ok := s.packages[msg.PackageRequestID]
		if !ok {
			logger.Warnf("result for unknown package request %s", msg.PackageRequestID)
			return nil
		}
		delete(s.packages, msg.PackageRequestID)
		for _, name := range req.names {
			if s.installing[name] == req.future {
				delete(s.installing, name)
			}
			if msg.Type == model.TypePackagesLoaded {
				s.loaded[name] = true
			}
		}
		if msg.Type == model.TypePackageError {
			logger.WithFields(logrus.Fields{"packages": req.names, "error": msg.Msg}).Warn("package install failed")
			return func() { req.future.complete(&PackageInstallError{Packages: req.names, Msg: msg.Msg}) }
		}
		logger.WithField("packages", req.names).Debug("packages loaded")
		return func() { req.future.complete(nil) }

	case model.TypeStdout, model.TypeStderr, model.TypeGraphic, model.TypeExecutionComplete:
		handler, ok := s.runs[msg.MessageID]
		if !ok {
			logger.Debugf("dropping %s for unknown run %s", msg.Type, msg.MessageID)
			return nil
		}
		if msg.Terminal() {
			delete(s.runs, msg.MessageID)
		}
		if handler == nil {
			return nil
		}
		return func() { handler(msg) }
	}
	return nil
}

// fault marks a live session as failed and settles everything it owes.
func (m *Manager) fault(s *session, cause *EnvironmentInitError) {
	m.mu.Lock()
	if s.dead {
		m.mu.Unlock()
		return
	}
	s.state = lang.StateFaulted
	runs := s.runs
	packages := s.packages
	s.runs = map[string]MessageHandler{}
	s.packages = map[string]*packageRequest{}
	s.installing = map[string]*Future{}
	m.mu.Unlock()

	m.logger.WithField("generation", s.generation).WithError(cause).Error("execution context faulted")
	s.ready.complete(cause)
	for _, req := range packages {
		req.future.complete(&PackageInstallError{Packages: req.names, Msg: cause.Msg})
	}
	for id, handler := range runs {
		if handler != nil {
			failRun(handler, id, cause.Msg)
		}
	}
}

func failRun(handler MessageHandler, id, reason string) {
	handler(model.Message{Type: model.TypeStderr, MessageID: id, Msg: "RuntimeError: " + reason})
	handler(model.Message{Type: model.TypeExecutionComplete, MessageID: id})
}

// retire abandons a session: its callbacks are dropped, its futures are
// rejected and its transport is closed. m.mu is held.
func (m *Manager) retire(s *session, reason error) {
	s.dead = true
	s.runs = nil
	s.ready.complete(&EnvironmentInitError{Msg: reason.Error(), Err: reason})
	for _, req := range s.packages {
		req.future.complete(&PackageInstallError{Packages: req.names, Msg: reason.Error()})
	}
	s.packages = nil
	s.installing = nil
	s.queue.close()
	s.cancel()
	if t := s.transport; t != nil {
		go func() {
			if err := t.Close(); err != nil {
				m.logger.WithError(err).Warn("close execution context")
			}
		}()
	}
}

var errRestarted = errors.New("execution context restarted")

// Ready settles when the current context has bootstrapped, or fails with
// *EnvironmentInitError.
func (m *Manager) Ready() *Future {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.ready
}

// State returns the lifecycle state of the current context.
func (m *Manager) State() lang.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.state
}

// LoadedPackages returns the packages installed in the current context.
func (m *Manager) LoadedPackages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.session.loaded))
	for name := range m.session.loaded {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadPackages installs the named packages. Names already loaded resolve
// immediately; names being installed join the in-flight install; the rest
// go out as a single loadPackage command.
func (m *Manager) LoadPackages(names ...string) *Future {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Resolved(ErrManagerClosed)
	}
	s := m.session
	if s.state == lang.StateFaulted {
		return Resolved(&PackageInstallError{Packages: names, Msg: "execution context is faulted"})
	}

	var (
		waits   []*Future
		missing []string
		seen    = map[string]bool{}
	)
	for _, name := range names {
		if name == "" || seen[name] || s.loaded[name] {
			continue
		}
		seen[name] = true
		if f, ok := s.installing[name]; ok {
			waits = append(waits, f)
			continue
		}
		missing = append(missing, name)
	}

	if len(missing) > 0 {
		id := uuid.NewString()
		req := &packageRequest{names: missing, future: newFuture()}
		s.packages[id] = req
		for _, name := range missing {
			s.installing[name] = req.future
		}
		m.send(s, model.Command{Type: model.TypeLoadPackage, Packages: missing, PackageRequestID: id})
		waits = append(waits, req.future)
		m.logger.WithFields(logrus.Fields{"packageRequestId": id, "packages": missing}).Debug("requesting packages")
	}
	return all(waits...)
}

// RunCode submits source for execution and returns its correlation id.
// onMessage receives every result message for the run, in order, up to and
// including executionComplete. It is called from the manager's dispatch
// goroutine and must not block for long.
func (m *Manager) RunCode(source string, onMessage MessageHandler) string {
	id := uuid.NewString()

	m.mu.Lock()
	var reason string
	switch {
	case m.closed:
		reason = ErrManagerClosed.Error()
	case m.session.state == lang.StateFaulted:
		reason = "execution context is faulted"
	default:
		m.session.runs[id] = onMessage
		m.send(m.session, model.Command{Type: model.TypeRunCode, MessageID: id, Code: source})
	}
	m.mu.Unlock()

	if reason != "" && onMessage != nil {
		go failRun(onMessage, id, reason)
	}
	return id
}

// RestartContext terminates the current context and bootstraps a new one
// with the same preload list. Callbacks of in-flight runs are abandoned and
// pending futures of the old context are rejected.
func (m *Manager) RestartContext() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	old := m.session
	m.retire(old, errRestarted)
	m.session = m.startSession()
	m.logger.WithFields(logrus.Fields{
		"from": old.generation,
		"to":   m.session.generation,
	}).Info("execution context restarted")
}

// Close terminates the context. Later calls fail with ErrManagerClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.retire(m.session, ErrManagerClosed)
}

// Package session drives interactive executions: one Session per connected
// client, at most one running sandbox per Session, and a Registry that
// remembers which sandbox belongs to whom.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/michaelbrown/runbox/internal/language"
	"github.com/michaelbrown/runbox/internal/metrics"
	"github.com/michaelbrown/runbox/internal/sandbox"
)

// ErrClosed is returned by Send once the session has been closed.
var ErrClosed = errors.New("session closed")

const (
	eventBuffer     = 256
	commandBuffer   = 16
	teardownTimeout = 10 * time.Second
	stopTimeout     = 5 * time.Second
)

// Runtime is the part of the sandbox runtime a session drives.
type Runtime interface {
	Run(ctx context.Context, spec sandbox.RunSpec) (*sandbox.Handle, error)
	WriteStdin(h *sandbox.Handle, p []byte) error
	CloseStdin(h *sandbox.Handle) error
	AwaitExit(ctx context.Context, h *sandbox.Handle) (int, error)
	Stop(ctx context.Context, h *sandbox.Handle) error
	Remove(ctx context.Context, h *sandbox.Handle) error
}

// Images makes sure an image is present before a sandbox is created.
type Images interface {
	Resolve(ctx context.Context, ref string, onPull func()) error
}

var (
	_ Runtime = (*sandbox.DockerRuntime)(nil)
	_ Images  = (*sandbox.ImageResolver)(nil)
)

// State is the lifecycle position of a session.
type State int

const (
	StateIdle State = iota
	StatePulling
	StateStarting
	StateRunning
	StateExited
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePulling:
		return "pulling"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Runtime    Runtime
	Images     Images
	Workspaces *sandbox.Workspaces
	Languages  *language.Table
	Registry   *Registry
	Metrics    *metrics.Metrics
	Log        *zap.Logger
}

// Options tune session behaviour.
type Options struct {
	MountPath       string
	CleanupDelay    time.Duration
	ExecTimeout     time.Duration
	BlockSuspicious bool
	MaxSessions     int
}

// Session owns one client's executions. Commands are processed in order by
// a single loop; events are delivered in order on Events until the session
// closes, at which point the channel is closed.
type Session struct {
	ID        string
	CreatedAt time.Time

	deps Deps
	opts Options
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	cmds   chan Command
	events chan Event
	closed chan struct{}

	// emitters counts goroutines other than the loop that may emit.
	emitters sync.WaitGroup

	mu    sync.Mutex
	state State
	exec  *execution
}

type execution struct {
	id      string
	lang    language.Spec
	req     Submit
	started time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// set by the execution goroutine; handle is read by Input under Session.mu
	ws      *sandbox.Workspace
	handle  *sandbox.Handle
	cleaned sync.Once
}

func newSession(id string, deps Deps, opts Options) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:        id,
		CreatedAt: time.Now(),
		deps:      deps,
		opts:      opts,
		log:       deps.Log.With(zap.String("session_id", id)),
		ctx:       ctx,
		cancel:    cancel,
		cmds:      make(chan Command, commandBuffer),
		events:    make(chan Event, eventBuffer),
		closed:    make(chan struct{}),
	}
}

// Events returns the ordered event stream. It is closed after the session
// has torn down its sandbox.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed once the session is fully torn down.
func (s *Session) Done() <-chan struct{} { return s.closed }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Send queues cmd. Disconnect takes effect immediately, ahead of anything
// still queued.
func (s *Session) Send(cmd Command) error {
	if _, ok := cmd.(Disconnect); ok {
		s.cancel()
		return nil
	}
	select {
	case <-s.ctx.Done():
		return ErrClosed
	default:
	}
	select {
	case s.cmds <- cmd:
		return nil
	case <-s.ctx.Done():
		return ErrClosed
	}
}

// Close disconnects the session and waits for teardown to finish or ctx to
// expire.
func (s *Session) Close(ctx context.Context) error {
	s.cancel()
	select {
	case <-s.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) run() {
	defer s.teardown()
	for {
		select {
		case <-s.ctx.Done():
			return
		case cmd := <-s.cmds:
			switch c := cmd.(type) {
			case Submit:
				s.submit(c)
			case Input:
				s.input(c)
			case CloseInput:
				s.closeInput()
			}
		}
	}
}

func (s *Session) teardown() {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	// Executions derive from s.ctx and clean up after themselves.
	s.emitters.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if id, ok := s.deps.Registry.Unregister(ctx, s.ID); ok {
		s.log.Warn("sandbox still bound at close, destroyed", zap.String("sandbox_id", id))
	}

	close(s.events)
	s.deps.Metrics.SessionClosed()
	close(s.closed)
	s.log.Info("session closed")
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *Session) emitError(code, msg string) {
	s.emit(Error{At: time.Now(), Code: code, Message: msg})
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateClosed {
		s.state = st
	}
}

func (s *Session) submit(c Submit) {
	if strings.TrimSpace(c.Source) == "" {
		s.emitError(CodeInvalidRequest, "no code provided")
		return
	}
	spec, err := s.deps.Languages.Lookup(c.Language)
	if err != nil {
		s.emitError(CodeUnsupportedLanguage, fmt.Sprintf("unsupported language: %s", c.Language))
		return
	}

	if report := language.Analyze(spec.Name, c.Source); report.Suspicious {
		if s.opts.BlockSuspicious {
			s.emitError(CodeBlocked, "code rejected: "+strings.Join(report.Reasons, ", "))
			return
		}
		s.emit(System{At: time.Now(), Data: "Warning: code contains potentially unsafe patterns: " + strings.Join(report.Reasons, ", ")})
	}

	s.preempt()

	ctx, cancel := context.WithCancel(s.ctx)
	e := &execution{
		id:      newExecutionID(),
		lang:    spec,
		req:     c,
		started: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	s.exec = e
	s.mu.Unlock()

	s.emitters.Add(1)
	go s.execute(e)
}

// preempt stops the current execution, if any, and waits until its sandbox
// and workspace are gone.
func (s *Session) preempt() {
	s.mu.Lock()
	e := s.exec
	s.mu.Unlock()
	if e == nil {
		return
	}
	s.log.Info("preempting execution", zap.String("execution_id", e.id))
	e.cancel()
	<-e.done
}

// running returns the handle of the running process, or nil.
func (s *Session) running() *sandbox.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exec != nil && s.state == StateRunning {
		return s.exec.handle
	}
	return nil
}

func (s *Session) input(c Input) {
	h := s.running()
	if h == nil {
		s.emitError(CodeNoActiveProcess, "No active process to send input to")
		return
	}
	if err := s.deps.Runtime.WriteStdin(h, []byte(c.Text+"\n")); err != nil {
		s.log.Debug("writing stdin", zap.Error(err))
		s.emitError(CodeNoActiveProcess, "No active process to send input to")
	}
}

func (s *Session) closeInput() {
	h := s.running()
	if h == nil {
		s.emitError(CodeNoActiveProcess, "No active process to send input to")
		return
	}
	if err := s.deps.Runtime.CloseStdin(h); err != nil {
		s.log.Debug("closing stdin", zap.Error(err))
		s.emitError(CodeNoActiveProcess, "No active process to send input to")
	}
}

func (s *Session) execute(e *execution) {
	defer s.emitters.Done()
	defer close(e.done)
	defer e.cancel()

	log := s.log.With(zap.String("execution_id", e.id), zap.String("language", e.lang.Name))
	image := e.lang.Image

	pulled := false
	err := s.deps.Images.Resolve(e.ctx, image, func() {
		pulled = true
		s.setState(StatePulling)
		s.emit(System{At: time.Now(), Data: fmt.Sprintf("Pulling Docker image %s, please wait...", image)})
	})
	if err != nil {
		if e.ctx.Err() != nil {
			s.finish(e, "interrupted")
			return
		}
		log.Error("resolving image", zap.String("image", image), zap.Error(err))
		s.fail(e, CodeImageUnavailable, fmt.Sprintf("image %s is unavailable: %v", image, err))
		return
	}
	if pulled {
		s.emit(System{At: time.Now(), Data: fmt.Sprintf("Docker image %s pulled successfully", image)})
	}
	s.setState(StateStarting)

	ws, err := s.deps.Workspaces.Create(e.id)
	if err != nil {
		log.Error("creating workspace", zap.Error(err))
		s.fail(e, CodeWorkspaceFailed, "failed to prepare workspace")
		return
	}
	e.ws = ws
	if _, err := ws.WriteSource(e.lang.Filename, e.req.Source); err != nil {
		log.Error("writing source", zap.Error(err))
		s.cleanup(e)
		s.fail(e, CodeWorkspaceFailed, "failed to prepare workspace")
		return
	}

	h, err := s.deps.Runtime.Run(e.ctx, sandbox.RunSpec{
		Image:         image,
		Cmd:           e.lang.Argv(s.opts.MountPath),
		Workspace:     ws.BindPath(),
		HostWorkspace: ws.Path,
		SessionID:     s.ID,
		ExecutionID:   e.id,
	})
	if err != nil {
		s.cleanup(e)
		if e.ctx.Err() != nil {
			s.finish(e, "interrupted")
			return
		}
		log.Error("starting sandbox", zap.Error(err))
		msg := fmt.Sprintf("failed to start container: %v", err)
		if errors.Is(err, sandbox.ErrCapacity) {
			msg = "server busy: too many running containers, try again shortly"
		}
		s.fail(e, CodeProvisionFailed, msg)
		return
	}

	s.mu.Lock()
	e.handle = h
	s.mu.Unlock()

	if err := s.deps.Registry.Bind(s.ID, h.ID); err != nil {
		log.Error("binding sandbox", zap.String("container_id", h.ID), zap.Error(err))
		s.cleanup(e)
		s.fail(e, CodeProvisionFailed, "failed to start container")
		return
	}
	s.setState(StateRunning)
	log.Info("execution started", zap.String("container_id", h.ID))

	if e.req.Stdin != "" {
		if err := s.deps.Runtime.WriteStdin(h, []byte(e.req.Stdin)); err != nil {
			log.Debug("writing initial stdin", zap.Error(err))
		}
	}
	if e.req.CloseStdin {
		if err := s.deps.Runtime.CloseStdin(h); err != nil {
			log.Debug("closing stdin", zap.Error(err))
		}
	}

	pumped := make(chan struct{})
	go func() {
		defer close(pumped)
		s.pump(h)
	}()

	code, err := s.deps.Runtime.AwaitExit(e.ctx, h)
	interrupted := err != nil
	if interrupted {
		if s.ctx.Err() != nil {
			// Session is closing; nobody is listening for the exit.
			s.cleanup(e)
			<-pumped
			s.finish(e, "interrupted")
			return
		}
		code = s.stop(h)
	}

	select {
	case <-pumped:
	case <-s.ctx.Done():
		s.cleanup(e)
		<-pumped
	}

	outcome, msg := "completed", "Container execution completed"
	switch {
	case interrupted:
		outcome, msg = "interrupted", "Execution interrupted"
	case h.TimedOut():
		outcome, msg = "timeout", fmt.Sprintf("Execution timed out after %s", s.opts.ExecTimeout)
	}
	s.emit(Exit{At: time.Now(), Code: code, Message: msg})
	s.setState(StateExited)
	log.Info("execution finished", zap.Int("exit_code", code), zap.String("outcome", outcome))

	if !interrupted && s.opts.CleanupDelay > 0 {
		t := time.NewTimer(s.opts.CleanupDelay)
		select {
		case <-t.C:
		case <-e.ctx.Done():
			t.Stop()
		}
	}
	s.cleanup(e)
	s.finish(e, outcome)
}

// stop kills a preempted process and returns its exit status.
func (s *Session) stop(h *sandbox.Handle) int {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := s.deps.Runtime.Stop(ctx, h); err != nil {
		s.log.Warn("stopping container", zap.String("container_id", h.ID), zap.Error(err))
	}
	code, err := s.deps.Runtime.AwaitExit(ctx, h)
	if err != nil {
		return sandbox.ExitCodeKilled
	}
	return code
}

func (s *Session) pump(h *sandbox.Handle) {
	var out, errs runeCarry
	for c := range h.Output() {
		switch c.Stream {
		case sandbox.Stdout:
			s.emitOutput(sandbox.Stdout, out.push(c.Data))
		case sandbox.Stderr:
			s.emitOutput(sandbox.Stderr, errs.push(c.Data))
		}
	}
	s.emitOutput(sandbox.Stdout, out.flush())
	s.emitOutput(sandbox.Stderr, errs.flush())
	if err := h.Err(); err != nil {
		s.emitError(CodeStreamFailed, fmt.Sprintf("output stream failed: %v", err))
	}
}

func (s *Session) emitOutput(stream sandbox.Stream, data string) {
	if data == "" {
		return
	}
	if stream == sandbox.Stderr {
		s.emit(Stderr{At: time.Now(), Data: data})
		return
	}
	s.emit(Stdout{At: time.Now(), Data: data})
}

// runeCarry holds back a UTF-8 sequence cut off at the end of a chunk until
// the rest of it arrives.
type runeCarry struct {
	pending []byte
}

func (c *runeCarry) push(p []byte) string {
	buf := p
	if len(c.pending) > 0 {
		buf = append(c.pending, p...)
	}
	n := completeRunes(buf)
	c.pending = append([]byte(nil), buf[n:]...)
	return string(buf[:n])
}

func (c *runeCarry) flush() string {
	data := string(c.pending)
	c.pending = nil
	return data
}

// completeRunes returns the length of buf without a trailing incomplete
// UTF-8 sequence. Invalid bytes count as complete.
func completeRunes(buf []byte) int {
	for i := len(buf) - 1; i >= 0 && i >= len(buf)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(buf[i]) {
			continue
		}
		if utf8.FullRune(buf[i:]) {
			return len(buf)
		}
		return i
	}
	return len(buf)
}

// cleanup removes the execution's sandbox and workspace. It runs at most
// once per execution and is safe to call before either exists.
func (s *Session) cleanup(e *execution) {
	e.cleaned.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()

		s.mu.Lock()
		h := e.handle
		s.mu.Unlock()

		if h != nil {
			if id, ok := s.deps.Registry.Lookup(s.ID); ok && id == h.ID {
				s.deps.Registry.Unbind(s.ID)
			}
			if err := s.deps.Runtime.Remove(ctx, h); err != nil {
				s.log.Error("removing container", zap.String("container_id", h.ID), zap.Error(err))
			}
		}
		if e.ws != nil {
			if err := e.ws.Remove(); err != nil {
				s.log.Error("removing workspace", zap.String("path", e.ws.Path), zap.Error(err))
				s.deps.Metrics.CleanupFailed("workspace")
			}
		}
	})
}

func (s *Session) fail(e *execution, code, msg string) {
	s.emitError(code, msg)
	s.finish(e, "failed")
}

// finish returns the session to idle if e is still its current execution.
func (s *Session) finish(e *execution, outcome string) {
	s.deps.Metrics.ExecutionFinished(e.lang.Name, outcome, time.Since(e.started))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exec == e {
		s.exec = nil
	}
	if s.state != StateClosed {
		s.state = StateIdle
	}
}

func newExecutionID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

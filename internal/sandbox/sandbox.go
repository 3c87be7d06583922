// Package sandbox runs untrusted programs in disposable Docker containers.
//
// An ImageResolver makes sure the image exists, a Workspace holds the source
// on the host, and DockerRuntime creates the locked-down container, streams
// its stdio and guarantees it is removed again.
package sandbox

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types"
)

var (
	// ErrNoActiveProcess is returned when stdin cannot reach a live process.
	ErrNoActiveProcess = errors.New("no active process")

	// ErrCapacity is returned by Run when every container slot is taken.
	ErrCapacity = errors.New("sandbox capacity reached")

	// ErrImageNotAllowed is returned by Run for images outside the policy.
	ErrImageNotAllowed = errors.New("image not allowed")
)

// Synthetic exit codes for processes that did not exit on their own.
const (
	ExitCodeTimeout = 124
	ExitCodeKilled  = 137
)

// Container labels used to find sandboxes again after a crash.
const (
	LabelManaged   = "runbox.managed"
	LabelSession   = "runbox.session"
	LabelExecution = "runbox.execution"
)

// RunSpec describes one container to start.
type RunSpec struct {
	Image       string
	Cmd         []string
	Env         []string
	Workspace   string // host directory, already in daemon form
	SessionID   string
	ExecutionID string

	// HostWorkspace is Workspace as the host sees it. Reap reclaims it after
	// a crash. Empty means Workspace.
	HostWorkspace string
}

func (s RunSpec) hostWorkspace() string {
	if s.HostWorkspace != "" {
		return s.HostWorkspace
	}
	return s.Workspace
}

// Stream identifies the origin of a Chunk.
type Stream int

const (
	Stdout Stream = iota + 1
	Stderr
)

func (s Stream) String() string {
	switch s {
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	default:
		return "unknown"
	}
}

// Chunk is a piece of process output in arrival order.
type Chunk struct {
	Stream Stream
	Data   []byte
}

// Handle is a started container. It is only valid with the runtime that
// returned it.
type Handle struct {
	ID          string
	Image       string
	SessionID   string
	ExecutionID string
	Workspace   string
	StartedAt   time.Time

	conn      types.HijackedResponse
	output    chan Chunk
	streamErr error

	exited   chan struct{}
	exitCode int
	timedOut atomic.Bool
	detached atomic.Bool

	mu          sync.Mutex // guards stdinClosed and timers
	stdinClosed bool

	done       chan struct{}
	cancelWait func()
	timers     []*time.Timer
	removeOnce sync.Once
	removeErr  error
}

// Output delivers stdout and stderr chunks. It is closed when the attach
// stream ends; Err then reports why, if it ended abnormally.
func (h *Handle) Output() <-chan Chunk { return h.output }

// Err returns the stream fault that ended Output early. Only meaningful after
// Output is closed.
func (h *Handle) Err() error { return h.streamErr }

// Exited is closed once the exit status is known.
func (h *Handle) Exited() <-chan struct{} { return h.exited }

// TimedOut reports whether the soft execution timeout killed the process.
func (h *Handle) TimedOut() bool { return h.timedOut.Load() }

func (h *Handle) hasExited() bool {
	select {
	case <-h.exited:
		return true
	default:
		return false
	}
}

func (h *Handle) isRemoved() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// detach closes the attach connection, which ends the demux goroutine.
func (h *Handle) detach() {
	if h.detached.CompareAndSwap(false, true) {
		h.conn.Close()
	}
}

// chunkWriter turns the demultiplexed byte streams into Chunks.
type chunkWriter struct {
	h      *Handle
	stream Stream
}

func (w chunkWriter) Write(p []byte) (int, error) {
	data := make([]byte, len(p))
	copy(data, p)
	select {
	case w.h.output <- Chunk{Stream: w.stream, Data: data}:
		return len(p), nil
	case <-w.h.done:
		return 0, errors.New("sandbox removed")
	}
}

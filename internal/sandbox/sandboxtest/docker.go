// Package sandboxtest provides an in-memory Docker Engine for tests. Each
// fake container runs a Program in a goroutine and speaks the multiplexed
// attach protocol, so code under test exercises its real demux path.
package sandboxtest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Program is the main process of a fake container. It must return when ctx
// is cancelled (the container was killed).
type Program func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) int

// Docker is a fake daemon. The zero value is not usable; call New.
type Docker struct {
	mu         sync.Mutex
	images     map[string]bool
	programs   map[string]Program
	pullErrors map[string]string
	containers map[string]*Container
	seq        int

	pulls   map[string]int
	removes map[string]int
	kills   map[string]int

	// PullDelay slows every pull down so callers can overlap.
	PullDelay time.Duration

	// Injected failures.
	InspectErr error
	CreateErr  error
	AttachErr  error
	StartErr   error
}

func New() *Docker {
	return &Docker{
		images:     make(map[string]bool),
		programs:   make(map[string]Program),
		pullErrors: make(map[string]string),
		containers: make(map[string]*Container),
		pulls:      make(map[string]int),
		removes:    make(map[string]int),
		kills:      make(map[string]int),
	}
}

// AddImage marks ref as present locally.
func (d *Docker) AddImage(ref string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.images[ref] = true
}

// SetProgram sets what containers created from ref run.
func (d *Docker) SetProgram(ref string, p Program) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.programs[ref] = p
}

// FailPull makes pulls of ref report msg in the progress stream.
func (d *Docker) FailPull(ref, msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pullErrors[ref] = msg
}

func (d *Docker) HasImage(ref string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.images[ref]
}

func (d *Docker) Pulls(ref string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pulls[ref]
}

func (d *Docker) RemoveCalls(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removes[id]
}

func (d *Docker) KillCalls(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.kills[id]
}

// Container returns a container that has not been removed.
func (d *Docker) Container(id string) (*Container, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.containers[id]
	return c, ok
}

// ContainerIDs returns every container that has not been removed.
func (d *Docker) ContainerIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.containers))
	for id := range d.containers {
		ids = append(ids, id)
	}
	return ids
}

func (d *Docker) lookup(id string) (*Container, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.containers[id]
	if !ok {
		return nil, errdefs.NotFound(fmt.Errorf("No such container: %s", id))
	}
	return c, nil
}

func (d *Docker) ImageInspect(ctx context.Context, ref string, _ ...client.ImageInspectOption) (image.InspectResponse, error) {
	if d.InspectErr != nil {
		return image.InspectResponse{}, d.InspectErr
	}
	if !d.HasImage(ref) {
		return image.InspectResponse{}, errdefs.NotFound(fmt.Errorf("No such image: %s", ref))
	}
	return image.InspectResponse{ID: "sha256:" + ref, RepoTags: []string{ref}}, nil
}

func (d *Docker) ImagePull(ctx context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	d.mu.Lock()
	d.pulls[ref]++
	failure := d.pullErrors[ref]
	delay := d.PullDelay
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.Encode(jsonmessage.JSONMessage{Status: "Pulling from library/" + ref})
	if failure != "" {
		enc.Encode(jsonmessage.JSONMessage{Error: &jsonmessage.JSONError{Message: failure}})
		return io.NopCloser(&buf), nil
	}
	enc.Encode(jsonmessage.JSONMessage{ID: "layer0", Status: "Pull complete"})
	enc.Encode(jsonmessage.JSONMessage{Status: "Status: Downloaded newer image for " + ref})
	d.AddImage(ref)
	return io.NopCloser(&buf), nil
}

func (d *Docker) ContainerCreate(ctx context.Context, cfg *container.Config, host *container.HostConfig,
	_ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	if d.CreateErr != nil {
		return container.CreateResponse{}, d.CreateErr
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.images[cfg.Image] {
		return container.CreateResponse{}, errdefs.NotFound(fmt.Errorf("No such image: %s", cfg.Image))
	}
	d.seq++
	id := fmt.Sprintf("%012x", d.seq)

	prog := d.programs[cfg.Image]
	if prog == nil {
		prog = Exit(0, "", "")
	}
	cctx, cancel := context.WithCancel(context.Background())
	outR, outW := io.Pipe()
	d.containers[id] = &Container{
		ID:     id,
		Name:   name,
		Config: cfg,
		Host:   host,
		prog:   prog,
		ctx:    cctx,
		cancel: cancel,
		stdin:  newStdinPipe(),
		outR:   outR,
		outW:   outW,
		done:   make(chan struct{}),
	}
	return container.CreateResponse{ID: id}, nil
}

func (d *Docker) ContainerAttach(ctx context.Context, id string, _ container.AttachOptions) (types.HijackedResponse, error) {
	if d.AttachErr != nil {
		return types.HijackedResponse{}, d.AttachErr
	}
	c, err := d.lookup(id)
	if err != nil {
		return types.HijackedResponse{}, err
	}
	conn := &attachConn{c: c}
	return types.HijackedResponse{Conn: conn, Reader: bufio.NewReader(c.outR)}, nil
}

func (d *Docker) ContainerStart(ctx context.Context, id string, _ container.StartOptions) error {
	if d.StartErr != nil {
		return d.StartErr
	}
	c, err := d.lookup(id)
	if err != nil {
		return err
	}
	c.start()
	return nil
}

func (d *Docker) ContainerWait(ctx context.Context, id string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	resC := make(chan container.WaitResponse, 1)
	errC := make(chan error, 1)

	c, err := d.lookup(id)
	if err != nil {
		errC <- err
		return resC, errC
	}
	go func() {
		select {
		case <-c.done:
			resC <- container.WaitResponse{StatusCode: int64(c.ExitCode())}
		case <-ctx.Done():
			errC <- ctx.Err()
		}
	}()
	return resC, errC
}

func (d *Docker) ContainerKill(ctx context.Context, id, signal string) error {
	c, err := d.lookup(id)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.kills[id]++
	d.mu.Unlock()
	if !c.Running() {
		return errdefs.Conflict(fmt.Errorf("container %s is not running", id))
	}
	c.kill()
	return nil
}

func (d *Docker) ContainerRemove(ctx context.Context, id string, opts container.RemoveOptions) error {
	d.mu.Lock()
	d.removes[id]++
	d.mu.Unlock()

	c, err := d.lookup(id)
	if err != nil {
		return err
	}
	if c.Running() {
		if !opts.Force {
			return errdefs.Conflict(fmt.Errorf("container %s is running", id))
		}
		c.kill()
		c.outR.CloseWithError(net.ErrClosed)
		<-c.done
	}

	d.mu.Lock()
	delete(d.containers, id)
	d.mu.Unlock()
	return nil
}

func (d *Docker) ContainerList(ctx context.Context, opts container.ListOptions) ([]container.Summary, error) {
	want := opts.Filters.Get("label")

	d.mu.Lock()
	defer d.mu.Unlock()
	var out []container.Summary
	for _, c := range d.containers {
		if !matchLabels(c.Config.Labels, want) {
			continue
		}
		state := "created"
		if c.Running() {
			state = "running"
		} else if c.Exited() {
			state = "exited"
		}
		out = append(out, container.Summary{ID: c.ID, Image: c.Config.Image, Labels: c.Config.Labels, State: state})
	}
	return out, nil
}

func (d *Docker) Close() error { return nil }

func matchLabels(labels map[string]string, filters []string) bool {
	for _, f := range filters {
		k, v, hasValue := strings.Cut(f, "=")
		got, ok := labels[k]
		if !ok || (hasValue && got != v) {
			return false
		}
	}
	return true
}

// Container is one fake container.
type Container struct {
	ID     string
	Name   string
	Config *container.Config
	Host   *container.HostConfig

	prog   Program
	ctx    context.Context
	cancel context.CancelFunc
	stdin  *stdinPipe
	outR   *io.PipeReader
	outW   *io.PipeWriter

	mu      sync.Mutex
	started bool
	killed  bool
	code    int
	done    chan struct{}
}

func (c *Container) start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go func() {
		stdout := stdcopy.NewStdWriter(c.outW, stdcopy.Stdout)
		stderr := stdcopy.NewStdWriter(c.outW, stdcopy.Stderr)
		code := c.prog(c.ctx, c.stdin, stdout, stderr)

		c.mu.Lock()
		if c.killed {
			code = 137
		}
		c.code = code
		c.mu.Unlock()

		c.stdin.Close()
		c.outW.Close()
		close(c.done)
	}()
}

func (c *Container) kill() {
	c.mu.Lock()
	c.killed = true
	c.mu.Unlock()
	c.cancel()
	c.stdin.Close()
}

func (c *Container) Running() bool {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	return started && !c.Exited()
}

func (c *Container) Exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Container) ExitCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

// Stdin returns everything written to the container's stdin so far.
func (c *Container) Stdin() string {
	return c.stdin.written()
}

// attachConn is the client side of a hijacked attach connection: writes go
// to the program's stdin, Close tears down the output stream.
type attachConn struct {
	c      *Container
	closed sync.Once
}

func (a *attachConn) Read([]byte) (int, error) { return 0, io.EOF }

func (a *attachConn) Write(p []byte) (int, error) { return a.c.stdin.Write(p) }

func (a *attachConn) Close() error {
	a.closed.Do(func() {
		a.c.outR.CloseWithError(net.ErrClosed)
	})
	return nil
}

func (a *attachConn) CloseWrite() error { return a.c.stdin.Close() }

func (a *attachConn) LocalAddr() net.Addr                { return fakeAddr("local") }
func (a *attachConn) RemoteAddr() net.Addr               { return fakeAddr("docker") }
func (a *attachConn) SetDeadline(time.Time) error      { return nil }
func (a *attachConn) SetReadDeadline(time.Time) error  { return nil }
func (a *attachConn) SetWriteDeadline(time.Time) error { return nil }

type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }

// stdinPipe is an unbounded pipe: writes never block, reads block until data
// arrives or the pipe is closed.
type stdinPipe struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	all    bytes.Buffer
	closed bool
}

func newStdinPipe() *stdinPipe {
	p := &stdinPipe{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *stdinPipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	p.buf.Write(b)
	p.all.Write(b)
	p.cond.Broadcast()
	return len(b), nil
}

func (p *stdinPipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.buf.Len() == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.buf.Len() == 0 {
		return 0, io.EOF
	}
	return p.buf.Read(b)
}

func (p *stdinPipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return nil
}

func (p *stdinPipe) written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.all.String()
}

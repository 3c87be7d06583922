package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/michaelbrown/runbox/internal/metrics"
	"github.com/michaelbrown/runbox/internal/storage"
)

const teardownTimeout = 10 * time.Second

// DockerRuntime runs sandboxes as containers on a Docker daemon.
type DockerRuntime struct {
	api     DockerAPI
	policy  Policy
	log     *zap.Logger
	metrics *metrics.Metrics
	ledger  storage.Ledger

	slots chan struct{}

	mu   sync.Mutex
	live map[string]*Handle
}

type Option func(*DockerRuntime)

// WithLedger records every container in l until it is removed.
func WithLedger(l storage.Ledger) Option {
	return func(r *DockerRuntime) { r.ledger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *DockerRuntime) { r.metrics = m }
}

func NewDockerRuntime(api DockerAPI, policy Policy, log *zap.Logger, opts ...Option) *DockerRuntime {
	defaults := DefaultPolicy()
	if policy.MaxContainers <= 0 {
		policy.MaxContainers = defaults.MaxContainers
	}
	if policy.ExecTimeout <= 0 {
		policy.ExecTimeout = defaults.ExecTimeout
	}
	if policy.MaxLifetime <= 0 {
		policy.MaxLifetime = defaults.MaxLifetime
	}
	if policy.DrainTimeout <= 0 {
		policy.DrainTimeout = defaults.DrainTimeout
	}
	if policy.MountPath == "" {
		policy.MountPath = defaults.MountPath
	}
	r := &DockerRuntime{
		api:    api,
		policy: policy,
		log:    log.Named("runtime"),
		slots:  make(chan struct{}, policy.MaxContainers),
		live:   make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *DockerRuntime) Policy() Policy { return r.policy }

// Run creates, attaches and starts a container for spec. It returns once the
// process is running. On failure nothing is left behind.
func (r *DockerRuntime) Run(ctx context.Context, spec RunSpec) (*Handle, error) {
	if !r.policy.IsImageAllowed(spec.Image) {
		return nil, fmt.Errorf("%w: %s", ErrImageNotAllowed, spec.Image)
	}

	select {
	case r.slots <- struct{}{}:
	default:
		return nil, ErrCapacity
	}

	cfg, host := r.containerConfig(spec)
	resp, err := r.api.ContainerCreate(ctx, cfg, host, nil, nil, "runbox-"+spec.ExecutionID)
	if err != nil {
		<-r.slots
		return nil, fmt.Errorf("creating container: %w", err)
	}
	for _, w := range resp.Warnings {
		r.log.Warn("container create warning", zap.String("container_id", resp.ID), zap.String("warning", w))
	}

	abort := func(cause error) (*Handle, error) {
		rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		defer cancel()
		if err := r.api.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
			r.log.Error("removing failed container", zap.String("container_id", resp.ID), zap.Error(err))
			r.metrics.CleanupFailed("container")
		}
		<-r.slots
		return nil, cause
	}

	attach, err := r.api.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return abort(fmt.Errorf("attaching to container: %w", err))
	}

	waitCtx, cancelWait := context.WithCancel(context.Background())
	waitC, errC := r.api.ContainerWait(waitCtx, resp.ID, container.WaitConditionNextExit)

	if err := r.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		cancelWait()
		attach.Close()
		return abort(fmt.Errorf("starting container: %w", err))
	}

	h := &Handle{
		ID:          resp.ID,
		Image:       spec.Image,
		SessionID:   spec.SessionID,
		ExecutionID: spec.ExecutionID,
		Workspace:   spec.Workspace,
		StartedAt:   time.Now(),
		conn:        attach,
		output:      make(chan Chunk, 64),
		exited:      make(chan struct{}),
		done:        make(chan struct{}),
		cancelWait:  cancelWait,
	}

	r.mu.Lock()
	r.live[h.ID] = h
	r.mu.Unlock()

	go r.demux(h)
	go r.wait(h, waitC, errC)

	h.mu.Lock()
	h.timers = append(h.timers,
		time.AfterFunc(r.policy.ExecTimeout, func() { r.expire(h) }),
		time.AfterFunc(r.policy.MaxLifetime, func() { r.reclaim(h) }),
	)
	h.mu.Unlock()

	r.metrics.ContainerCreated(spec.Image)
	if r.ledger != nil {
		rec := &storage.Sandbox{
			ContainerID: h.ID,
			SessionID:   spec.SessionID,
			ExecutionID: spec.ExecutionID,
			Image:       spec.Image,
			Workspace:   spec.hostWorkspace(),
			CreatedAt:   h.StartedAt.UTC(),
		}
		if err := r.ledger.Track(ctx, rec); err != nil {
			r.log.Warn("recording sandbox in ledger", zap.String("container_id", h.ID), zap.Error(err))
		}
	}

	r.log.Debug("container started",
		zap.String("container_id", h.ID),
		zap.String("image", spec.Image),
		zap.String("session_id", spec.SessionID),
		zap.String("execution_id", spec.ExecutionID))
	return h, nil
}

func (r *DockerRuntime) containerConfig(spec RunSpec) (*container.Config, *container.HostConfig) {
	p := r.policy

	cfg := &container.Config{
		Image:           spec.Image,
		Cmd:             spec.Cmd,
		Env:             spec.Env,
		WorkingDir:      p.MountPath,
		AttachStdin:     true,
		AttachStdout:    true,
		AttachStderr:    true,
		OpenStdin:       true,
		StdinOnce:       false,
		Tty:             false,
		NetworkDisabled: !p.Network,
		Labels: map[string]string{
			LabelManaged:   "true",
			LabelSession:   spec.SessionID,
			LabelExecution: spec.ExecutionID,
		},
	}

	host := &container.HostConfig{
		Binds:       []string{spec.Workspace + ":" + p.MountPath},
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:     p.Memory,
			MemorySwap: p.Memory,
			NanoCPUs:   p.NanoCPUs,
			CPUShares:  p.CPUShares,
		},
	}
	if !p.Network {
		host.NetworkMode = "none"
	}
	if p.PidsLimit > 0 {
		pids := p.PidsLimit
		host.Resources.PidsLimit = &pids
	}
	return cfg, host
}

func (r *DockerRuntime) demux(h *Handle) {
	defer close(h.output)
	_, err := stdcopy.StdCopy(chunkWriter{h, Stdout}, chunkWriter{h, Stderr}, h.conn.Reader)
	if err != nil && !h.detached.Load() && !h.isRemoved() {
		h.streamErr = fmt.Errorf("reading container output: %w", err)
	}
}

func (r *DockerRuntime) wait(h *Handle, waitC <-chan container.WaitResponse, errC <-chan error) {
	code := ExitCodeKilled
	select {
	case res := <-waitC:
		code = int(res.StatusCode)
		if res.Error != nil && res.Error.Message != "" {
			r.log.Warn("container wait reported error", zap.String("container_id", h.ID), zap.String("error", res.Error.Message))
		}
	case err := <-errC:
		if !h.isRemoved() {
			r.log.Warn("waiting for container", zap.String("container_id", h.ID), zap.Error(err))
		}
	}
	if h.timedOut.Load() {
		code = ExitCodeTimeout
	}
	h.exitCode = code
	close(h.exited)

	// Output normally ends with the process. If the stream lingers, cut it.
	t := time.AfterFunc(r.policy.DrainTimeout, h.detach)
	h.mu.Lock()
	h.timers = append(h.timers, t)
	h.mu.Unlock()
}

// expire enforces the soft execution timeout.
func (r *DockerRuntime) expire(h *Handle) {
	if h.hasExited() || h.isRemoved() {
		return
	}
	h.timedOut.Store(true)
	r.log.Info("execution timed out, killing process",
		zap.String("container_id", h.ID), zap.Duration("timeout", r.policy.ExecTimeout))

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := r.kill(ctx, h.ID); err != nil {
		r.log.Warn("killing timed out container", zap.String("container_id", h.ID), zap.Error(err))
	}
}

// reclaim enforces the hard lifetime ceiling.
func (r *DockerRuntime) reclaim(h *Handle) {
	if h.isRemoved() {
		return
	}
	r.log.Warn("container lifetime exceeded, removing",
		zap.String("container_id", h.ID), zap.Duration("max_lifetime", r.policy.MaxLifetime))

	if err := r.Remove(context.Background(), h); err != nil {
		r.log.Error("removing expired container", zap.String("container_id", h.ID), zap.Error(err))
	}
}

// WriteStdin sends p to the process. It returns ErrNoActiveProcess when
// there is no live process to receive it.
func (r *DockerRuntime) WriteStdin(h *Handle, p []byte) error {
	if h == nil || h.hasExited() || h.isRemoved() {
		return ErrNoActiveProcess
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stdinClosed {
		return ErrNoActiveProcess
	}
	if _, err := h.conn.Conn.Write(p); err != nil {
		return fmt.Errorf("%w: %v", ErrNoActiveProcess, err)
	}
	return nil
}

// CloseStdin signals end of input to the process.
func (r *DockerRuntime) CloseStdin(h *Handle) error {
	if h == nil || h.isRemoved() {
		return ErrNoActiveProcess
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stdinClosed {
		return nil
	}
	h.stdinClosed = true
	return h.conn.CloseWrite()
}

// AwaitExit blocks until the process exits and returns its status. Processes
// killed by the soft timeout report ExitCodeTimeout; processes that died
// abnormally report ExitCodeKilled. ctx only bounds the wait.
func (r *DockerRuntime) AwaitExit(ctx context.Context, h *Handle) (int, error) {
	if h == nil {
		return 0, ErrNoActiveProcess
	}
	select {
	case <-h.exited:
		return h.exitCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Stop kills the process. A container that is already gone or stopped is
// not an error.
func (r *DockerRuntime) Stop(ctx context.Context, h *Handle) error {
	if h == nil || h.hasExited() || h.isRemoved() {
		return nil
	}
	return r.kill(ctx, h.ID)
}

func (r *DockerRuntime) kill(ctx context.Context, id string) error {
	err := r.api.ContainerKill(ctx, id, "SIGKILL")
	if err == nil || errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
		return nil
	}
	return fmt.Errorf("killing container: %w", err)
}

// Remove force-removes the container and releases its slot. Only the first
// call talks to the daemon; later calls return its result. A nil handle is a
// no-op.
func (r *DockerRuntime) Remove(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	h.removeOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		for _, t := range h.timers {
			t.Stop()
		}
		h.mu.Unlock()
		h.detach()

		rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		defer cancel()

		err := r.api.ContainerRemove(rmCtx, h.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		h.cancelWait()
		if err != nil && !errdefs.IsNotFound(err) {
			h.removeErr = fmt.Errorf("removing container %s: %w", h.ID, err)
			r.metrics.CleanupFailed("container")
		} else if r.ledger != nil {
			if err := r.ledger.Forget(rmCtx, h.ID); err != nil {
				r.log.Warn("forgetting sandbox in ledger", zap.String("container_id", h.ID), zap.Error(err))
			}
		}

		r.mu.Lock()
		delete(r.live, h.ID)
		r.mu.Unlock()
		<-r.slots
		r.metrics.ContainerRemoved()

		r.log.Debug("container removed", zap.String("container_id", h.ID), zap.Error(h.removeErr))
	})
	return h.removeErr
}

// Destroy removes the container with the given ID if this runtime started
// it. Unknown IDs are ignored.
func (r *DockerRuntime) Destroy(ctx context.Context, containerID string) error {
	r.mu.Lock()
	h, ok := r.live[containerID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return r.Remove(ctx, h)
}

// Live returns the IDs of containers that have not been removed.
func (r *DockerRuntime) Live() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.live))
	for id := range r.live {
		ids = append(ids, id)
	}
	return ids
}

// Reap removes sandboxes this runtime does not own: containers carrying the
// managed label and ledger records left by an earlier process, together with
// their workspaces. It returns the number of containers removed.
func (r *DockerRuntime) Reap(ctx context.Context, ws *Workspaces) (int, error) {
	owned := make(map[string]bool)
	for _, id := range r.Live() {
		owned[id] = true
	}

	list, err := r.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return 0, fmt.Errorf("listing sandbox containers: %w", err)
	}

	removed := 0
	for _, c := range list {
		if owned[c.ID] {
			continue
		}
		if err := r.api.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil && !errdefs.IsNotFound(err) {
			r.log.Warn("reaping container", zap.String("container_id", c.ID), zap.Error(err))
			continue
		}
		owned[c.ID] = true
		removed++
		r.log.Info("reaped orphaned container",
			zap.String("container_id", c.ID), zap.String("session_id", c.Labels[LabelSession]))
	}

	if r.ledger == nil {
		return removed, nil
	}

	records, err := r.ledger.List(ctx)
	if err != nil {
		return removed, fmt.Errorf("listing ledger: %w", err)
	}
	for _, rec := range records {
		r.mu.Lock()
		_, live := r.live[rec.ContainerID]
		r.mu.Unlock()
		if live {
			continue
		}
		if !owned[rec.ContainerID] {
			if err := r.api.ContainerRemove(ctx, rec.ContainerID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
				r.log.Warn("reaping ledger container", zap.String("container_id", rec.ContainerID), zap.Error(err))
				continue
			}
		}
		if ws != nil && rec.Workspace != "" {
			if err := ws.Reclaim(rec.Workspace); err != nil {
				r.log.Warn("reclaiming workspace", zap.String("path", rec.Workspace), zap.Error(err))
			}
		}
		if err := r.ledger.Forget(ctx, rec.ContainerID); err != nil {
			r.log.Warn("forgetting reaped sandbox", zap.String("container_id", rec.ContainerID), zap.Error(err))
		}
	}
	return removed, nil
}

// Shutdown removes every live container.
func (r *DockerRuntime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.live))
	for _, h := range r.live {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	var firstErr error
	for _, h := range handles {
		if err := r.Remove(ctx, h); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if len(handles) > 0 {
		r.log.Info("removed live containers on shutdown", zap.Int("count", len(handles)))
	}
	return firstErr
}

package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/michaelbrown/runbox/internal/metrics"
)

// ImageResolver makes sure sandbox images exist locally before a container is
// created from them.
type ImageResolver struct {
	api         DockerAPI
	log         *zap.Logger
	metrics     *metrics.Metrics
	pullTimeout time.Duration
	pulls       singleflight.Group
}

func NewImageResolver(api DockerAPI, log *zap.Logger, m *metrics.Metrics, pullTimeout time.Duration) *ImageResolver {
	if pullTimeout <= 0 {
		pullTimeout = 10 * time.Minute
	}
	return &ImageResolver{
		api:         api,
		log:         log.Named("images"),
		metrics:     m,
		pullTimeout: pullTimeout,
	}
}

// Ensure reports whether ref is present locally. Absence is not an error.
func (r *ImageResolver) Ensure(ctx context.Context, ref string) (bool, error) {
	_, err := r.api.ImageInspect(ctx, ref)
	switch {
	case err == nil:
		return true, nil
	case errdefs.IsNotFound(err):
		return false, nil
	default:
		return false, fmt.Errorf("inspecting image %s: %w", ref, err)
	}
}

// Pull fetches ref from its registry. Concurrent pulls of the same ref share
// one daemon pull; ctx only bounds how long this caller waits for it.
func (r *ImageResolver) Pull(ctx context.Context, ref string) error {
	ch := r.pulls.DoChan(ref, func() (any, error) {
		pctx, cancel := context.WithTimeout(context.Background(), r.pullTimeout)
		defer cancel()

		start := time.Now()
		err := r.pull(pctx, ref)
		r.metrics.ImagePulled(ref, err)
		if err != nil {
			r.log.Warn("image pull failed", zap.String("image", ref), zap.Error(err))
			return nil, err
		}
		r.log.Info("image pulled", zap.String("image", ref), zap.Duration("took", time.Since(start)))
		return nil, nil
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *ImageResolver) pull(ctx context.Context, ref string) error {
	rc, err := r.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	defer rc.Close()

	dec := json.NewDecoder(rc)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading pull progress for %s: %w", ref, err)
		}
		if msg.Error != nil {
			return fmt.Errorf("pulling image %s: %s", ref, msg.Error.Message)
		}
		r.log.Debug("pull progress",
			zap.String("image", ref),
			zap.String("layer", msg.ID),
			zap.String("status", msg.Status))
	}
}

// Resolve ensures ref is present, pulling it when absent. onPull, if set, is
// called once before a pull starts.
func (r *ImageResolver) Resolve(ctx context.Context, ref string, onPull func()) error {
	present, err := r.Ensure(ctx, ref)
	if err != nil {
		return err
	}
	if present {
		return nil
	}
	if onPull != nil {
		onPull()
	}
	return r.Pull(ctx, ref)
}

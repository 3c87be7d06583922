package sandbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/michaelbrown/runbox/internal/sandbox/sandboxtest"
)

func TestEnsure(t *testing.T) {
	d := sandboxtest.New()
	d.AddImage("python:3.10-alpine")
	r := NewImageResolver(d, zaptest.NewLogger(t), nil, time.Minute)
	ctx := context.Background()

	ok, err := r.Ensure(ctx, "python:3.10-alpine")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Ensure(ctx, "node:16-alpine")
	require.NoError(t, err, "absence is not an error")
	assert.False(t, ok)

	d.InspectErr = errors.New("daemon unavailable")
	_, err = r.Ensure(ctx, "python:3.10-alpine")
	assert.ErrorContains(t, err, "daemon unavailable")
}

func TestPull(t *testing.T) {
	d := sandboxtest.New()
	r := NewImageResolver(d, zaptest.NewLogger(t), nil, time.Minute)

	require.NoError(t, r.Pull(context.Background(), "node:16-alpine"))
	assert.True(t, d.HasImage("node:16-alpine"))
}

func TestPullReportsStreamError(t *testing.T) {
	d := sandboxtest.New()
	d.FailPull("nope:latest", "pull access denied for nope")
	r := NewImageResolver(d, zaptest.NewLogger(t), nil, time.Minute)

	err := r.Pull(context.Background(), "nope:latest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pull access denied")
	assert.False(t, d.HasImage("nope:latest"))
}

func TestConcurrentPullsShareOneDaemonPull(t *testing.T) {
	d := sandboxtest.New()
	d.PullDelay = 100 * time.Millisecond
	r := NewImageResolver(d, zaptest.NewLogger(t), nil, time.Minute)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = r.Pull(context.Background(), "python:3.10-alpine")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, d.Pulls("python:3.10-alpine"))
}

func TestPullHonorsCallerContext(t *testing.T) {
	d := sandboxtest.New()
	d.PullDelay = time.Second
	// The shared pull outlives the test, so it must not log through t.
	r := NewImageResolver(d, zap.NewNop(), nil, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.Pull(ctx, "python:3.10-alpine")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResolve(t *testing.T) {
	d := sandboxtest.New()
	d.AddImage("python:3.10-alpine")
	r := NewImageResolver(d, zaptest.NewLogger(t), nil, time.Minute)
	ctx := context.Background()

	pulled := 0
	onPull := func() { pulled++ }

	require.NoError(t, r.Resolve(ctx, "python:3.10-alpine", onPull))
	assert.Equal(t, 0, pulled)
	assert.Equal(t, 0, d.Pulls("python:3.10-alpine"))

	require.NoError(t, r.Resolve(ctx, "node:16-alpine", onPull))
	assert.Equal(t, 1, pulled)

	require.NoError(t, r.Resolve(ctx, "node:16-alpine", onPull))
	assert.Equal(t, 1, pulled, "second resolve finds the image locally")
}

package sandbox

import (
	"fmt"
	"slices"
	"time"

	"github.com/michaelbrown/runbox/internal/config"
)

// Policy defines resource limits for sandbox containers.
type Policy struct {
	Memory        int64         // bytes; swap is capped to the same value
	NanoCPUs      int64         // CPU quota in units of 1e-9 CPUs
	CPUShares     int64         // relative CPU weight
	PidsLimit     int64         // max processes inside the container
	Network       bool          // whether network access is allowed
	MountPath     string        // where the workspace appears in the container
	ExecTimeout   time.Duration // soft limit: the process is killed
	MaxLifetime   time.Duration // hard limit: the container is removed
	DrainTimeout  time.Duration // how long output may trail the exit
	MaxContainers int           // live containers across all sessions
	Images        []string      // allowed images; empty allows any
}

// DefaultPolicy returns safe defaults for code execution.
func DefaultPolicy() Policy {
	return Policy{
		Memory:        100 * 1024 * 1024,
		NanoCPUs:      500_000_000,
		CPUShares:     512,
		PidsLimit:     64,
		Network:       false,
		MountPath:     "/code",
		ExecTimeout:   10 * time.Second,
		MaxLifetime:   20 * time.Second,
		DrainTimeout:  2 * time.Second,
		MaxContainers: 10,
	}
}

// PolicyFromConfig builds a policy from the sandbox section, allowing only
// the given images.
func PolicyFromConfig(cfg config.SandboxConfig, images []string) (Policy, error) {
	mem, err := cfg.MemoryBytes()
	if err != nil {
		return Policy{}, fmt.Errorf("parsing sandbox memory: %w", err)
	}
	return Policy{
		Memory:        mem,
		NanoCPUs:      int64(cfg.CPUs * 1e9),
		CPUShares:     cfg.CPUShares,
		PidsLimit:     cfg.PidsLimit,
		Network:       cfg.Network,
		MountPath:     cfg.MountPath,
		ExecTimeout:   cfg.ExecTimeout,
		MaxLifetime:   cfg.MaxLifetime,
		DrainTimeout:  cfg.DrainTimeout,
		MaxContainers: cfg.MaxContainers,
		Images:        images,
	}, nil
}

// IsImageAllowed checks if an image is on the allowlist.
func (p Policy) IsImageAllowed(image string) bool {
	return len(p.Images) == 0 || slices.Contains(p.Images, image)
}

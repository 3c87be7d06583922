package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Chdir(dir)
	return dir
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "/code", cfg.Sandbox.MountPath)
	assert.Equal(t, 10*time.Second, cfg.Sandbox.ExecTimeout)
	assert.Equal(t, 20*time.Second, cfg.Sandbox.MaxLifetime)
	assert.Equal(t, time.Second, cfg.Sandbox.CleanupDelay)
	assert.Equal(t, 10, cfg.Sandbox.MaxContainers)
	assert.False(t, cfg.Sandbox.Network)

	mem, err := cfg.Sandbox.MemoryBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(100*1024*1024), mem)

	require.Contains(t, cfg.Languages, "python")
	require.Contains(t, cfg.Languages, "javascript")
	assert.Equal(t, "python:3.10-alpine", cfg.Languages["python"].Image)
	assert.Equal(t, []string{"node", "{file}"}, cfg.Languages["javascript"].Command)
}

func TestLoadFileOverrides(t *testing.T) {
	dir := isolate(t)

	yaml := `
server:
  port: 9090
sandbox:
  memory: 256m
  exec_timeout: 3s
  max_lifetime: 6s
languages:
  ruby:
    image: ruby:3.3-alpine
    filename: main.rb
    command: ["ruby", "{file}"]
logging:
  mode: development
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "runbox.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 3*time.Second, cfg.Sandbox.ExecTimeout)
	assert.Equal(t, "development", cfg.Logging.Mode)
	assert.Equal(t, "ruby:3.3-alpine", cfg.Languages["ruby"].Image)
}

func TestLoadEnvOverride(t *testing.T) {
	isolate(t)
	t.Setenv("RUNBOX_SERVER_PORT", "4242")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4242, cfg.Server.Port)
}

func TestValidate(t *testing.T) {
	isolate(t)
	base, err := Load()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"relative mount", func(c *Config) { c.Sandbox.MountPath = "code" }},
		{"bad memory", func(c *Config) { c.Sandbox.Memory = "lots" }},
		{"zero timeout", func(c *Config) { c.Sandbox.ExecTimeout = 0 }},
		{"lifetime below timeout", func(c *Config) { c.Sandbox.MaxLifetime = c.Sandbox.ExecTimeout }},
		{"no containers", func(c *Config) { c.Sandbox.MaxContainers = 0 }},
		{"incomplete language", func(c *Config) {
			c.Languages = map[string]LanguageConfig{"go": {Image: "golang:1.23"}}
		}},
		{"bad logging mode", func(c *Config) { c.Logging.Mode = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *base
			c.Languages = map[string]LanguageConfig{}
			for k, v := range base.Languages {
				c.Languages[k] = v
			}
			tt.mutate(&c)
			assert.Error(t, c.validate())
		})
	}

	assert.NoError(t, base.validate())
}

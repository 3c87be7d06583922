package app

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/fx"

	"github.com/michaelbrown/runbox/internal/config"
	"github.com/michaelbrown/runbox/internal/server"
	"github.com/michaelbrown/runbox/internal/session"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Chdir(dir)
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func TestGraphIsComplete(t *testing.T) {
	cfg := testConfig(t)

	require.NoError(t, fx.ValidateApp(Options(cfg, HTTP)))
	require.NoError(t, fx.ValidateApp(Options(cfg, fx.Invoke(func(*session.Manager) {}))))
}

func TestServerRequiresCore(t *testing.T) {
	require.Error(t, fx.ValidateApp(fx.Provide(server.New), fx.Invoke(func(*server.Server) {})))
}

// Package app wires runbox together with fx. Callers load the config, then
// build an application from Options plus whatever they need to run.
package app

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/michaelbrown/runbox/internal/config"
	"github.com/michaelbrown/runbox/internal/language"
	"github.com/michaelbrown/runbox/internal/logger"
	"github.com/michaelbrown/runbox/internal/metrics"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/server"
	"github.com/michaelbrown/runbox/internal/session"
	"github.com/michaelbrown/runbox/internal/storage"
	"github.com/michaelbrown/runbox/internal/storage/sqlite"
)

// Core provides everything needed to run sessions: the Docker client, the
// sandbox runtime, the ledger and the session manager.
var Core = fx.Options(
	fx.Provide(
		logger.NewFromConfig,
		metrics.New,
		language.FromConfig,
		newDockerClient,
		newLedger,
		newWorkspaces,
		newPolicy,
		newImageResolver,
		newRuntime,
		newRegistry,
		newManager,
	),
)

// HTTP adds the WebSocket and REST server, started with the application.
var HTTP = fx.Options(
	fx.Provide(server.New),
	fx.Invoke(startServer),
)

// Options returns the fx options for cfg with fx events logged through zap.
func Options(cfg *config.Config, extra ...fx.Option) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		Core,
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Options(extra...),
	)
}

func newDockerClient(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (sandbox.DockerAPI, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	cli, err := sandbox.NewDockerClient(ctx, cfg.Sandbox.DockerHost)
	if err != nil {
		return nil, err
	}
	log.Info("connected to docker", zap.String("host", cli.DaemonHost()), zap.String("api_version", cli.ClientVersion()))
	lc.Append(fx.StopHook(cli.Close))
	return cli, nil
}

func newLedger(lc fx.Lifecycle, cfg *config.Config) (storage.Ledger, error) {
	store, err := sqlite.Open(cfg.Storage.LedgerPath)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(store.Close))
	return store, nil
}

func newWorkspaces(cfg *config.Config) (*sandbox.Workspaces, error) {
	return sandbox.NewWorkspaces(cfg.Sandbox.WorkspaceRoot)
}

func newPolicy(cfg *config.Config, langs *language.Table) (sandbox.Policy, error) {
	return sandbox.PolicyFromConfig(cfg.Sandbox, langs.Images())
}

func newImageResolver(api sandbox.DockerAPI, cfg *config.Config, log *zap.Logger, m *metrics.Metrics) *sandbox.ImageResolver {
	return sandbox.NewImageResolver(api, log, m, cfg.Sandbox.PullTimeout)
}

func newRuntime(lc fx.Lifecycle, api sandbox.DockerAPI, policy sandbox.Policy, log *zap.Logger,
	m *metrics.Metrics, ledger storage.Ledger, ws *sandbox.Workspaces) *sandbox.DockerRuntime {
	rt := sandbox.NewDockerRuntime(api, policy, log, sandbox.WithLedger(ledger), sandbox.WithMetrics(m))
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			n, err := rt.Reap(ctx, ws)
			if err != nil {
				log.Warn("reaping orphaned sandboxes", zap.Error(err))
				return nil
			}
			if n > 0 {
				log.Info("reaped orphaned sandboxes", zap.Int("count", n))
			}
			return nil
		},
		OnStop: rt.Shutdown,
	})
	return rt
}

func newRegistry(rt *sandbox.DockerRuntime, log *zap.Logger) *session.Registry {
	return session.NewRegistry(rt.Destroy, log)
}

func newManager(lc fx.Lifecycle, cfg *config.Config, rt *sandbox.DockerRuntime, images *sandbox.ImageResolver,
	ws *sandbox.Workspaces, langs *language.Table, reg *session.Registry, m *metrics.Metrics, log *zap.Logger) *session.Manager {
	mgr := session.NewManager(session.Deps{
		Runtime:    rt,
		Images:     images,
		Workspaces: ws,
		Languages:  langs,
		Registry:   reg,
		Metrics:    m,
		Log:        log,
	}, session.Options{
		MountPath:       cfg.Sandbox.MountPath,
		CleanupDelay:    cfg.Sandbox.CleanupDelay,
		ExecTimeout:     cfg.Sandbox.ExecTimeout,
		BlockSuspicious: cfg.Sandbox.BlockSuspicious,
		MaxSessions:     cfg.Server.MaxSessions,
	})
	lc.Append(fx.StopHook(mgr.Shutdown))
	return mgr
}

func startServer(lc fx.Lifecycle, sd fx.Shutdowner, cfg *config.Config, srv *server.Server, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.Start(cfg.Server.Port); err != nil {
					log.Error("server stopped", zap.Error(err))
					sd.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: srv.Shutdown,
	})
}

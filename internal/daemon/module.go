// Package daemon composes the engine into a long-running process.
package daemon

import (
	"context"
	"errors"
	"io/fs"

	"github.com/google/uuid"
	"github.com/tmacedo/courier"
	"github.com/tmacedo/courier/config"
	"github.com/tmacedo/courier/lock"
	"github.com/tmacedo/courier/logging"
	"github.com/tmacedo/courier/profile"
	"github.com/tmacedo/courier/remote"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	ConfigPath  string // optional override for testing; empty = use default
	RemoteURL   string // optional override; empty = use config
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideLock,
			provideLink,
			provideClient,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideConfig(p Params, logger *zap.Logger) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = profile.ConfigPath()
	}
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = config.Default()
	} else if err != nil {
		return nil, err
	}
	if p.RemoteURL != "" {
		cfg.Remote.URL = p.RemoteURL
	}
	// First run: mint a stable sender identity and persist it.
	if cfg.Identity.UserID == "" {
		cfg.Identity.UserID = uuid.NewString()
		if err := config.Save(path, cfg); err != nil {
			logger.Warn("failed to persist generated identity", zap.Error(err))
		} else {
			logger.Info("generated sender identity", zap.String("user_id", cfg.Identity.UserID))
		}
	}
	return cfg, nil
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideLink(cfg *config.Config, logger *zap.Logger) *remote.Link {
	return remote.NewLink(cfg.Remote.URL, logger)
}

func provideClient(p Params, cfg *config.Config, link *remote.Link, logger *zap.Logger) (*courier.Client, error) {
	return courier.New(cfg, link, profile.DBPath(p.ProfileName), logger)
}

func registerLifecycle(lc fx.Lifecycle, client *courier.Client, link *remote.Link, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			link.BindStatus(client.StatusMachine())
			if err := client.Start(context.Background()); err != nil {
				return err
			}
			// Connect in the background; queued sends work either way and
			// the link keeps redialing until it gets through.
			go func() {
				if err := link.Connect(context.Background()); err != nil {
					logger.Warn("remote connect failed, will retry", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			if err := link.Close(); err != nil {
				logger.Warn("error closing remote link", zap.Error(err))
			}
			if err := client.Close(); err != nil {
				logger.Warn("error closing engine", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

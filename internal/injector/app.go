// Package injector assembles the runtime from configuration.
package injector

import (
	"context"
	"errors"
	"time"

	"github.com/zeusync/ecsnet/internal/config"
	"github.com/zeusync/ecsnet/internal/core/ecs"
	"github.com/zeusync/ecsnet/internal/core/ecs/view"
	"github.com/zeusync/ecsnet/internal/core/module"
	"github.com/zeusync/ecsnet/internal/core/observability/log"
	"github.com/zeusync/ecsnet/internal/core/protocol/batcher"
	"github.com/zeusync/ecsnet/internal/server"
)

// App is the assembled server process.
type App struct {
	Config *config.Config
	Logger log.Log
	World  *ecs.World
	View   *view.View
	Loader *module.Loader
	Server *server.Server
	Bridge *server.Bridge
}

func NewApp(cfg *config.Config, logger log.Log, world *ecs.World, v *view.View, loader *module.Loader, srv *server.Server, bridge *server.Bridge) *App {
	return &App{
		Config: cfg,
		Logger: logger.With(log.String("component", "app")),
		World:  world,
		View:   v,
		Loader: loader,
		Server: srv,
		Bridge: bridge,
	}
}

// Modules lists what Run loads: the world module first, then autoload.
func (a *App) Modules() []string {
	names := []string{module.WorldModule}
	for _, name := range a.Config.Modules.Autoload {
		if name != module.WorldModule {
			names = append(names, name)
		}
	}
	return names
}

// Run loads the modules, starts the fabric and steps the world once per
// frame until ctx is done.
func (a *App) Run(ctx context.Context) error {
	modules := a.Modules()
	if err := a.Loader.LoadAll(ctx, modules); err != nil {
		return err
	}
	if err := a.Server.Start(ctx); err != nil {
		return err
	}

	fps := a.Config.Batcher.FPS
	if fps <= 0 {
		fps = batcher.DefaultFPS
	}
	frame := time.Second / time.Duration(fps)
	ticker := time.NewTicker(frame)
	defer ticker.Stop()

	a.Logger.Info("Runtime started",
		log.String("addr", a.Server.Addr()),
		log.Strings("modules", modules),
		log.Duration("frame", frame))

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return a.stop()
		case now := <-ticker.C:
			dt := now.Sub(last).Seconds()
			last = now
			if _, err := a.View.Step(ctx, dt); err != nil && ctx.Err() == nil {
				a.Logger.Warn("World step failed", log.Error(err))
			}
		}
	}
}

func (a *App) stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if err := a.Server.Stop(ctx); err != nil && !errors.Is(err, server.ErrServerNotRunning) {
		errs = append(errs, err)
	}
	if err := a.Loader.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	a.Logger.Info("Runtime stopped")
	return errors.Join(errs...)
}

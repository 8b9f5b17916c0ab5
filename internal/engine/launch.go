package engine

import (
	"context"
	"fmt"

	"github.com/provide-io/kiln/internal/instance"
	"github.com/provide-io/kiln/internal/launch"
	"github.com/provide-io/kiln/internal/supervisor"
)

// Settings merges an instance's config.json over the launcher defaults.
func (e *Engine) Settings(cfg instance.Config) launch.Settings {
	d := e.cfg.Defaults
	s := launch.Settings{
		MemoryMB:          cfg.RAMInMB,
		JavaArgs:          append(append([]string(nil), d.JavaArgs...), cfg.JavaArgs...),
		GameArgs:          cfg.GameArgs,
		WindowWidth:       d.WindowWidth,
		WindowHeight:      d.WindowHeight,
		PreLaunchPrefix:   d.PreLaunchPrefix,
		MainClassOverride: cfg.MainClassOverride,
		Env:               cfg.Env,
	}
	if s.MemoryMB <= 0 {
		s.MemoryMB = d.MemoryMB
	}
	if gs := cfg.GlobalSettings; gs != nil {
		if gs.WindowWidth > 0 {
			s.WindowWidth = gs.WindowWidth
		}
		if gs.WindowHeight > 0 {
			s.WindowHeight = gs.WindowHeight
		}
		if len(gs.PreLaunchPrefix) > 0 {
			s.PreLaunchPrefix = gs.PreLaunchPrefix
		}
	}
	return s
}

// Command assembles the launch command for a prepared instance. An account
// without a name plays as the configured offline name.
func (e *Engine) Command(p *Prepared, acct launch.Account) (*launch.Spec, error) {
	if acct.Name == "" {
		acct.Name = e.cfg.Account.Name
	}
	return launch.Assemble(launch.Input{
		Manifest:        p.Manifest,
		Runtime:         p.Runtime,
		Settings:        e.Settings(p.Instance.Config),
		Account:         acct,
		Layout:          p.Layout,
		LauncherName:    launch.DefaultLauncherName,
		LauncherVersion: Version,
	})
}

// Launch starts the game for a prepared instance. Cancelling ctx stops it.
func (e *Engine) Launch(ctx context.Context, p *Prepared, acct launch.Account, opts ...supervisor.Option) (*supervisor.Process, error) {
	spec, err := e.Command(p, acct)
	if err != nil {
		return nil, err
	}
	e.logger.Info("🚀 Launching instance", "instance", p.Instance.Name, "command", spec.Redacted().CommandLine())

	opts = append([]supervisor.Option{supervisor.WithLogger(e.logger)}, opts...)
	proc, err := supervisor.Start(ctx, spec, opts...)
	if err != nil {
		return nil, fmt.Errorf("launching %s: %w", p.Instance.Name, err)
	}
	return proc, nil
}

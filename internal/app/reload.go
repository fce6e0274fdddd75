package app

import (
	"context"
	"strings"

	"netpulse/internal/config"
	logx "netpulse/pkg/logx"
)

// sections that are only read at startup
var restartOnly = []string{"api", "transport", "storage", "archive"}

func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(c context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range restartOnly {
		if config.Changed(sections, s) {
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	if config.Changed(sections, "logging") {
		a.logs.Apply(mapLogConfig(newCfg))
	}
	if config.Changed(sections, "health") {
		switch {
		case a.health == nil && newCfg.HealthEnabled(), a.health != nil && !newCfg.HealthEnabled():
			a.log.Warn("health.enabled changed; restart required for changes to take effect")
		case a.health != nil:
			o := mapHealthOptions(newCfg)
			a.health.Apply(o.Interval, o.Timeout)
		}
	}
	if config.Changed(sections, "session") || config.Changed(sections, "test") {
		a.sess.Apply(mapSessionConfig(newCfg))
	}
	if config.Changed(sections, "render") && a.render != nil {
		a.render.Apply(mapRenderOptions(newCfg))
	}
	if config.Changed(sections, "debug") {
		a.debug.Reconfigure(c, mapDebugConfig(newCfg))
	}

	a.log.Info("config reloaded", fields...)
}

package ratecontrol

import (
	"time"

	"github.com/Lochnair/sqm-autorate/internal/util"
)

// hook runs the configured plugin chain once per tick. Every plugin sees the
// same readings, override fields compose last-value-wins, and a failing
// plugin contributes nothing without stopping the chain.
type hook struct {
	plugins []*script
	logger  util.Logger
}

func newHook(paths []string, budget time.Duration, logger util.Logger) (*hook, error) {
	h := &hook{logger: logger}
	for _, path := range paths {
		s, err := loadScript(path, "process", budget)
		if err != nil {
			h.close()
			return nil, err
		}
		h.plugins = append(h.plugins, s)
	}
	return h, nil
}

func (h *hook) process(r Readings) PluginResults {
	var out PluginResults
	for _, pl := range h.plugins {
		res, err := pl.call(r)
		if err != nil {
			h.logger.Warn("plugin failed, ignoring its overrides", "plugin", pl.name, "error", err)
			continue
		}
		out.merge(res)
	}
	return out
}

func (h *hook) close() {
	for _, pl := range h.plugins {
		pl.close()
	}
}

package ratecontrol

// scripted delegates the per-tick rate decision to a user-supplied Lua
// function `calculate(readings)`. Load problems are fatal at construction;
// per-call problems make the caller fall back to minimum rates for one tick.
type scripted struct {
	s *script
}

func newScripted(cc *Context, path string) (decider, error) {
	s, err := loadScript(path, "calculate", cc.Cfg.Controller.ScriptBudget.Duration())
	if err != nil {
		return nil, err
	}
	return &scripted{s: s}, nil
}

func (d *scripted) decide(r Readings) (PluginResults, error) {
	return d.s.call(r)
}

func (d *scripted) close() {
	d.s.close()
}

package ratecontrol

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// script wraps one Lua state and one global entry function. States are not
// safe for concurrent use; every script instance is owned by the controller
// goroutine and only ever called from there.
type script struct {
	name   string
	state  *lua.LState
	fn     lua.LValue
	budget time.Duration
}

// loadScript runs the file once and resolves the entry function. Any failure
// here is a configuration problem and should abort startup.
func loadScript(path, entry string, budget time.Duration) (*script, error) {
	L := lua.NewState()
	if err := L.DoFile(path); err != nil {
		L.Close()
		return nil, fmt.Errorf("load script %s: %w", path, err)
	}
	fn := L.GetGlobal(entry)
	if fn.Type() != lua.LTFunction {
		L.Close()
		return nil, fmt.Errorf("script %s: global function %q not defined", path, entry)
	}
	return &script{
		name:   filepath.Base(path),
		state:  L,
		fn:     fn,
		budget: budget,
	}, nil
}

func (s *script) close() {
	s.state.Close()
}

// call invokes the entry function with the readings table under the per-call
// budget and decodes the returned override table. Returning nil from Lua
// means no overrides.
func (s *script) call(r Readings) (PluginResults, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.budget)
	defer cancel()
	s.state.SetContext(ctx)
	defer s.state.RemoveContext()

	err := s.state.CallByParam(lua.P{Fn: s.fn, NRet: 1, Protect: true}, readingsToTable(s.state, r))
	if err != nil {
		s.state.SetTop(0)
		return PluginResults{}, fmt.Errorf("%s: %w", s.name, err)
	}
	ret := s.state.Get(-1)
	s.state.Pop(1)

	res, err := resultsFromValue(ret)
	if err != nil {
		return PluginResults{}, fmt.Errorf("%s: %w", s.name, err)
	}
	return res, nil
}

func readingsToTable(L *lua.LState, r Readings) *lua.LTable {
	tbl := L.NewTable()
	L.SetField(tbl, "down_kbit", lua.LNumber(r.DownKbit))
	L.SetField(tbl, "up_kbit", lua.LNumber(r.UpKbit))
	L.SetField(tbl, "down_deltas_ms", floatsToTable(L, r.DownDeltasMs))
	L.SetField(tbl, "up_deltas_ms", floatsToTable(L, r.UpDeltasMs))
	L.SetField(tbl, "rx_bytes", lua.LNumber(r.RxBytes))
	L.SetField(tbl, "tx_bytes", lua.LNumber(r.TxBytes))
	L.SetField(tbl, "rx_load", lua.LNumber(r.RxLoad))
	L.SetField(tbl, "tx_load", lua.LNumber(r.TxLoad))
	L.SetField(tbl, "duration_s", lua.LNumber(r.TickDuration.Seconds()))
	L.SetField(tbl, "down_threshold_ms", lua.LNumber(r.DownThresholdMs))
	L.SetField(tbl, "up_threshold_ms", lua.LNumber(r.UpThresholdMs))
	return tbl
}

func floatsToTable(L *lua.LState, vals []float64) *lua.LTable {
	tbl := L.NewTable()
	for _, v := range vals {
		tbl.Append(lua.LNumber(v))
	}
	return tbl
}

func resultsFromValue(v lua.LValue) (PluginResults, error) {
	if v == lua.LNil {
		return PluginResults{}, nil
	}
	tbl, ok := v.(*lua.LTable)
	if !ok {
		return PluginResults{}, fmt.Errorf("returned %s, want table or nil", v.Type())
	}
	var out PluginResults
	var err error
	if out.DownKbit, err = optNumber(tbl, "down_kbit"); err != nil {
		return PluginResults{}, err
	}
	if out.UpKbit, err = optNumber(tbl, "up_kbit"); err != nil {
		return PluginResults{}, err
	}
	if out.DownThresholdMs, err = optNumber(tbl, "down_threshold_ms"); err != nil {
		return PluginResults{}, err
	}
	if out.UpThresholdMs, err = optNumber(tbl, "up_threshold_ms"); err != nil {
		return PluginResults{}, err
	}
	return out, nil
}

func optNumber(tbl *lua.LTable, key string) (*float64, error) {
	v := tbl.RawGetString(key)
	switch v.Type() {
	case lua.LTNil:
		return nil, nil
	case lua.LTNumber:
		f := float64(v.(lua.LNumber))
		return &f, nil
	}
	return nil, fmt.Errorf("field %q is %s, want number", key, v.Type())
}

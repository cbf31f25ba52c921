// Package luaplugin loads plugins written in Lua. A plugin directory
// qualifies when it contains plugin.lua. The script runs in a state with only
// the base, table, string and math libraries opened.
//
// Recognised globals:
//
//	name = "Display Name"                      -- required
//	order_after = { "other-plugin" }
//	settings = { { key = "k", name = "Name" } }
//	function file_modified(path) end
//	function run_test(fw) return { { title = "", message = "", success = true } } end
//
// run_test receives a table with id, filename, vendor and path fields and a
// blob() function returning the firmware contents. Raising an error or
// returning nil, "message" is a plugin failure.
package luaplugin

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/linnemanlabs/fwtriage/internal/plugin"
)

// File is the entry point file name.
const File = "plugin.lua"

// EntryPoint implements plugin.EntryPoint for Lua plugins.
type EntryPoint struct{}

// File implements plugin.EntryPoint.
func (EntryPoint) File() string { return File }

// Load implements plugin.EntryPoint.
func (EntryPoint) Load(_ context.Context, dir, _ string) (plugin.Plugin, error) {
	p, err := Load(filepath.Join(dir, File))
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Plugin wraps a Lua state. LState is not goroutine-safe, so every call
// holds mu.
type Plugin struct {
	mu   sync.Mutex
	L    *lua.LState
	caps plugin.Capability

	name       string
	orderAfter []string
	settings   []plugin.Setting
}

// Load executes path in a fresh state and reads its declarations.
func Load(path string) (*Plugin, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	if err := L.DoFile(path); err != nil {
		L.Close()
		return nil, fmt.Errorf("execute %s: %w", path, err)
	}

	p := &Plugin{L: L}

	name, ok := L.GetGlobal("name").(lua.LString)
	if !ok || string(name) == "" {
		L.Close()
		return nil, fmt.Errorf("%s must set a name string: %w", path, plugin.ErrNoName)
	}
	p.name = string(name)

	if tbl, ok := L.GetGlobal("order_after").(*lua.LTable); ok {
		p.caps |= plugin.CapOrderAfter
		p.orderAfter = stringList(tbl)
	}

	if tbl, ok := L.GetGlobal("settings").(*lua.LTable); ok {
		p.caps |= plugin.CapSettings
		tbl.ForEach(func(_, v lua.LValue) {
			if s, ok := v.(*lua.LTable); ok {
				p.settings = append(p.settings, plugin.Setting{
					Key:  lua.LVAsString(s.RawGetString("key")),
					Name: lua.LVAsString(s.RawGetString("name")),
				})
			}
		})
	}

	if isFunction(L, "file_modified") {
		p.caps |= plugin.CapFileModified
	}
	if isFunction(L, "run_test") {
		p.caps |= plugin.CapRunTest
	}

	return p, nil
}

// Close releases the Lua state.
func (p *Plugin) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.L.Close()
}

// Capabilities implements plugin.CapabilityReporter.
func (p *Plugin) Capabilities() plugin.Capability { return p.caps }

// Name implements plugin.Plugin.
func (p *Plugin) Name() string { return p.name }

// OrderAfter implements plugin.Orderer.
func (p *Plugin) OrderAfter() []string { return p.orderAfter }

// Settings implements plugin.Configurable.
func (p *Plugin) Settings() []plugin.Setting { return p.settings }

// FileModified implements plugin.FileModifier.
func (p *Plugin) FileModified(ctx context.Context, path string) error {
	_, err := p.call(ctx, "file_modified", 0, lua.LString(path))
	return err
}

// RunTest implements plugin.TestRunner.
func (p *Plugin) RunTest(ctx context.Context, test *plugin.Test, fw *plugin.Firmware) error {
	p.mu.Lock()
	fwt := p.firmwareTable(fw)
	p.mu.Unlock()

	ret, err := p.call(ctx, "run_test", 2, fwt)
	if err != nil {
		return err
	}
	if ret[0] == lua.LNil {
		msg := lua.LVAsString(ret[1])
		if msg == "" {
			msg = "run_test returned nil"
		}
		return plugin.Errorf("%s", msg)
	}
	tbl, ok := ret[0].(*lua.LTable)
	if !ok {
		return &plugin.PluginError{Kind: plugin.KindUnsupported, Message: fmt.Sprintf("run_test returned %s, want table", ret[0].Type())}
	}
	tbl.ForEach(func(_, v lua.LValue) {
		a, ok := v.(*lua.LTable)
		if !ok {
			return
		}
		title := lua.LVAsString(a.RawGetString("title"))
		msg := lua.LVAsString(a.RawGetString("message"))
		if lua.LVAsBool(a.RawGetString("success")) {
			test.AddPass(title, msg)
		} else {
			test.AddFail(title, msg)
		}
	})
	return nil
}

// call invokes a global function and returns exactly nret values.
func (p *Plugin) call(ctx context.Context, fn string, nret int, args ...lua.LValue) ([]lua.LValue, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.L.SetContext(ctx)
	defer p.L.RemoveContext()

	top := p.L.GetTop()
	if err := p.L.CallByParam(lua.P{
		Fn:      p.L.GetGlobal(fn),
		NRet:    nret,
		Protect: true,
	}, args...); err != nil {
		p.L.SetTop(top)
		return nil, plugin.Errorf("%s: %v", fn, err)
	}

	ret := make([]lua.LValue, nret)
	for i := range nret {
		ret[i] = p.L.Get(top + 1 + i)
	}
	p.L.SetTop(top)
	return ret, nil
}

func (p *Plugin) firmwareTable(fw *plugin.Firmware) *lua.LTable {
	t := p.L.NewTable()
	p.L.SetField(t, "id", lua.LNumber(fw.ID))
	p.L.SetField(t, "filename", lua.LString(fw.Filename))
	p.L.SetField(t, "vendor", lua.LString(fw.VendorID))
	p.L.SetField(t, "path", lua.LString(fw.Path))
	p.L.SetField(t, "blob", p.L.NewFunction(func(L *lua.LState) int {
		b, err := fw.Blob()
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		L.Push(lua.LString(b))
		return 1
	}))
	return t
}

func isFunction(L *lua.LState, name string) bool {
	return L.GetGlobal(name).Type() == lua.LTFunction
}

func stringList(tbl *lua.LTable) []string {
	out := make([]string, 0, tbl.Len())
	for i := 1; i <= tbl.Len(); i++ {
		if s, ok := tbl.RawGetInt(i).(lua.LString); ok {
			out = append(out, string(s))
		}
	}
	return out
}

// Package goplugin loads plugins written as Go source and interpreted with
// yaegi. A plugin directory qualifies when it contains plugin.go declaring
// package main with at least a Name() string function.
package goplugin

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/linnemanlabs/fwtriage/internal/plugin"
)

// File is the entry point file name.
const File = "plugin.go"

// EntryPoint implements plugin.EntryPoint for interpreted Go plugins.
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

// Plugin adapts the functions of an interpreted source file to the plugin
// capability interfaces. Only the functions the file defines are reported
// through Capabilities.
type Plugin struct {
	mu   sync.Mutex
	caps plugin.Capability

	name         string
	orderAfter   []string
	settings     []plugin.Setting
	fileModified func(string) error
	runTest      func(map[string]string) ([]map[string]string, error)
	authorize    func(string) (string, error)
	getData      func() (map[string]string, error)
	logout       func() error
}

// Load interprets path and binds its exported functions.
func Load(path string) (*Plugin, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("load stdlib: %w", err)
	}
	if _, err := i.EvalPath(path); err != nil {
		return nil, fmt.Errorf("interpret %s: %w", path, err)
	}

	p := &Plugin{}

	var nameFn func() string
	ok, err := bind(i, "Name", &nameFn)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s must define Name() string: %w", path, plugin.ErrNoName)
	}
	p.name = nameFn()

	var orderAfter func() []string
	if ok, err := bind(i, "OrderAfter", &orderAfter); err != nil {
		return nil, err
	} else if ok {
		p.caps |= plugin.CapOrderAfter
		p.orderAfter = orderAfter()
	}

	var settings func() []map[string]string
	if ok, err := bind(i, "Settings", &settings); err != nil {
		return nil, err
	} else if ok {
		p.caps |= plugin.CapSettings
		for _, s := range settings() {
			p.settings = append(p.settings, plugin.Setting{Key: s["key"], Name: s["name"]})
		}
	}

	if ok, err := bind(i, "FileModified", &p.fileModified); err != nil {
		return nil, err
	} else if ok {
		p.caps |= plugin.CapFileModified
	}

	if ok, err := bind(i, "RunTest", &p.runTest); err != nil {
		return nil, err
	} else if ok {
		p.caps |= plugin.CapRunTest
	}

	okAuth, err := bind(i, "OAuthAuthorize", &p.authorize)
	if err != nil {
		return nil, err
	}
	okData, err := bind(i, "OAuthGetData", &p.getData)
	if err != nil {
		return nil, err
	}
	if okAuth && okData {
		p.caps |= plugin.CapOAuth
	}

	if ok, err := bind(i, "OAuthLogout", &p.logout); err != nil {
		return nil, err
	} else if ok {
		p.caps |= plugin.CapOAuthLogout
	}

	return p, nil
}

// bind looks up main.<symbol> and stores it in dst, which must point to a
// func variable. A missing symbol is ok=false; a symbol of another type is an error.
func bind(i *interp.Interpreter, symbol string, dst any) (bool, error) {
	v, err := i.Eval("main." + symbol)
	if err != nil || !v.IsValid() {
		return false, nil
	}
	target := reflect.ValueOf(dst).Elem()
	rv := reflect.ValueOf(v.Interface())
	if !rv.IsValid() || !rv.Type().AssignableTo(target.Type()) {
		return false, fmt.Errorf("%w: %s is %s, want %s", plugin.ErrBadSignature, symbol, v.Type(), target.Type())
	}
	target.Set(rv)
	return true, nil
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
func (p *Plugin) FileModified(_ context.Context, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return scriptError(p.fileModified(path))
}

// RunTest implements plugin.TestRunner. The script receives the firmware as a
// string map and returns attributes with title, message and success keys.
func (p *Plugin) RunTest(_ context.Context, test *plugin.Test, fw *plugin.Firmware) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	attrs, err := p.runTest(firmwareMap(fw))
	if err != nil {
		return scriptError(err)
	}
	for _, a := range attrs {
		if ok, _ := strconv.ParseBool(a["success"]); ok {
			test.AddPass(a["title"], a["message"])
		} else {
			test.AddFail(a["title"], a["message"])
		}
	}
	return nil
}

// OAuthAuthorize implements plugin.OAuthAuthorizer.
func (p *Plugin) OAuthAuthorize(_ context.Context, callbackURL string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	redirect, err := p.authorize(callbackURL)
	return redirect, scriptError(err)
}

// OAuthGetData implements plugin.OAuthAuthorizer.
func (p *Plugin) OAuthGetData(_ context.Context) (map[string]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, err := p.getData()
	return data, scriptError(err)
}

// OAuthLogout implements plugin.OAuthLogouter.
func (p *Plugin) OAuthLogout(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return scriptError(p.logout())
}

func firmwareMap(fw *plugin.Firmware) map[string]string {
	return map[string]string{
		"id":       strconv.FormatInt(fw.ID, 10),
		"filename": fw.Filename,
		"vendor":   fw.VendorID,
		"path":     fw.Path,
	}
}

// scriptError turns an error from interpreted code into a plugin failure.
func scriptError(err error) error {
	if err == nil {
		return nil
	}
	return &plugin.PluginError{Kind: plugin.KindFailed, Message: strings.TrimSpace(err.Error())}
}

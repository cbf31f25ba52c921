// Package builtin holds plugins compiled into the host. They are enabled per
// directory with a plugin.yaml manifest naming the builtin.
package builtin

import (
	"github.com/linnemanlabs/fwtriage/internal/plugin"
)

// Factories returns the manifest entry point with every builtin registered.
func Factories() plugin.Builtins {
	return plugin.Builtins{
		"blocklist": NewBlocklist,
		"checksum":  NewChecksum,
	}
}

// base carries the manifest-declared identity shared by the builtins.
type base struct {
	name     string
	after    []string
	settings []plugin.Setting
}

func newBase(m plugin.Manifest, fallback string) base {
	return base{name: m.NameOr(fallback), after: m.OrderAfter, settings: m.Settings}
}

func (b base) Name() string               { return b.name }
func (b base) OrderAfter() []string       { return b.after }
func (b base) Settings() []plugin.Setting { return b.settings }

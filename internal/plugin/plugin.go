package plugin

import (
	"context"
	"strings"
)

// Plugin is the only capability every plugin must implement.
type Plugin interface {
	Name() string
}

// Orderer declares plugin IDs that should be dispatched before this plugin.
type Orderer interface {
	OrderAfter() []string
}

// FileModifier is notified when a file the host cares about changes.
type FileModifier interface {
	FileModified(ctx context.Context, path string) error
}

// TestRunner runs a test against a firmware, appending attributes and shards
// to the test record.
type TestRunner interface {
	RunTest(ctx context.Context, test *Test, fw *Firmware) error
}

// OAuthAuthorizer delegates user login to a third-party identity provider.
type OAuthAuthorizer interface {
	OAuthAuthorize(ctx context.Context, callbackURL string) (redirect string, err error)
	OAuthGetData(ctx context.Context) (map[string]string, error)
}

// OAuthLogouter is told when a user logs out.
type OAuthLogouter interface {
	OAuthLogout(ctx context.Context) error
}

// Configurable exposes the settings a plugin reads.
type Configurable interface {
	Settings() []Setting
}

// CapabilityReporter narrows the capabilities detected by type assertion.
// Adapters for interpreted plugins implement every capability interface and
// report the subset the script actually defines.
type CapabilityReporter interface {
	Capabilities() Capability
}

// Setting describes a single configurable value of a plugin.
type Setting struct {
	Key  string `json:"key" yaml:"key"`
	Name string `json:"name" yaml:"name"`
}

// Capability is a bitset of optional plugin operations.
type Capability uint8

const (
	CapOrderAfter Capability = 1 << iota
	CapFileModified
	CapRunTest
	CapOAuth
	CapOAuthLogout
	CapSettings
)

var capabilityNames = []struct {
	c    Capability
	name string
}{
	{CapOrderAfter, "order_after"},
	{CapFileModified, "file_modified"},
	{CapRunTest, "run_test"},
	{CapOAuth, "oauth"},
	{CapOAuthLogout, "oauth_logout"},
	{CapSettings, "settings"},
}

// Has reports whether all bits of o are set.
func (c Capability) Has(o Capability) bool {
	return o != 0 && c&o == o
}

func (c Capability) String() string {
	var parts []string
	for _, n := range capabilityNames {
		if c.Has(n.c) {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// capabilitiesOf checks p once for the optional interfaces it implements.
func capabilitiesOf(p Plugin) Capability {
	var c Capability
	if _, ok := p.(Orderer); ok {
		c |= CapOrderAfter
	}
	if _, ok := p.(FileModifier); ok {
		c |= CapFileModified
	}
	if _, ok := p.(TestRunner); ok {
		c |= CapRunTest
	}
	if _, ok := p.(OAuthAuthorizer); ok {
		c |= CapOAuth
	}
	if _, ok := p.(OAuthLogouter); ok {
		c |= CapOAuthLogout
	}
	if _, ok := p.(Configurable); ok {
		c |= CapSettings
	}
	if r, ok := p.(CapabilityReporter); ok {
		c &= r.Capabilities()
	}
	return c
}

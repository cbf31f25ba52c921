package builtin

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/linnemanlabs/fwtriage/internal/plugin"
)

// Blocklist fails firmware whose image contains any of the configured strings,
// such as leaked test keys or debug banners.
type Blocklist struct {
	base
	entries []string
}

// NewBlocklist builds a Blocklist from the manifest config key "entries", a
// comma separated list.
func NewBlocklist(m plugin.Manifest) (plugin.Plugin, error) {
	var entries []string
	for _, e := range strings.Split(m.Config["entries"], ",") {
		if e = strings.TrimSpace(e); e != "" {
			entries = append(entries, e)
		}
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("blocklist %s: config.entries is empty", m.ID)
	}
	return &Blocklist{base: newBase(m, "Blocklist"), entries: entries}, nil
}

// RunTest implements plugin.TestRunner.
func (b *Blocklist) RunTest(_ context.Context, test *plugin.Test, fw *plugin.Firmware) error {
	blob, err := fw.Blob()
	if err != nil {
		return plugin.Errorf("cannot read firmware: %v", err)
	}
	var found int
	for _, e := range b.entries {
		if bytes.Contains(blob, []byte(e)) {
			test.AddFail("Found blocked string", e)
			found++
		}
	}
	if found == 0 {
		test.AddPass("No blocked strings", fmt.Sprintf("checked %d entries", len(b.entries)))
	}
	return nil
}

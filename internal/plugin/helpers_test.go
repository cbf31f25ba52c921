package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// fakePlugin implements every capability; caps selects which ones it reports.
type fakePlugin struct {
	name  string
	after []string
	caps  Capability

	mu        sync.Mutex
	calls     []string
	runErr    error
	modErr    error
	panicMsg  string
	attribute string
}

func (f *fakePlugin) Name() string             { return f.name }
func (f *fakePlugin) OrderAfter() []string     { return f.after }
func (f *fakePlugin) Capabilities() Capability { return f.caps }
func (f *fakePlugin) Settings() []Setting      { return []Setting{{Key: f.name + "_key", Name: f.name}} }

func (f *fakePlugin) OAuthLogout(context.Context) error {
	f.record("logout")
	return f.modErr
}

func (f *fakePlugin) FileModified(_ context.Context, path string) error {
	f.record("modified:" + path)
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	return f.modErr
}

func (f *fakePlugin) RunTest(_ context.Context, test *Test, _ *Firmware) error {
	f.record("run")
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.runErr != nil {
		return f.runErr
	}
	title := f.attribute
	if title == "" {
		title = f.name + " ok"
	}
	test.AddPass(title, "")
	return nil
}

func (f *fakePlugin) OAuthAuthorize(_ context.Context, callbackURL string) (string, error) {
	f.record("authorize")
	if f.runErr != nil {
		return "", f.runErr
	}
	return "https://idp.example.com/auth?cb=" + callbackURL, nil
}

func (f *fakePlugin) OAuthGetData(context.Context) (map[string]string, error) {
	f.record("data")
	return map[string]string{"userPrincipalName": "user@example.com"}, nil
}

func (f *fakePlugin) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakePlugin) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

const allCaps = CapOrderAfter | CapFileModified | CapRunTest | CapOAuth | CapOAuthLogout | CapSettings

// fakeBuiltins returns a manifest entry point whose "fake" builtin builds a
// fakePlugin from the manifest and remembers it by ID.
func fakeBuiltins(made map[string]*fakePlugin) Builtins {
	return Builtins{
		"fake": func(m Manifest) (Plugin, error) {
			if m.Config["fail"] != "" {
				return nil, errors.New(m.Config["fail"])
			}
			p := &fakePlugin{name: m.NameOr(m.ID), after: m.OrderAfter, caps: parseCaps(m.Config["caps"])}
			if m.Config["run_error"] != "" {
				p.runErr = Errorf("%s", m.Config["run_error"])
			}
			if made != nil {
				made[m.ID] = p
			}
			return p, nil
		},
	}
}

// parseCaps turns a comma separated list of capability names into a bitset.
// An empty list means every capability.
func parseCaps(list string) Capability {
	if list == "" {
		return allCaps
	}
	var c Capability
	for _, name := range strings.Split(list, ",") {
		for _, n := range capabilityNames {
			if n.name == strings.TrimSpace(name) {
				c |= n.c
			}
		}
	}
	return c
}

// writePluginDir creates dir/id/plugin.yaml with the given body.
func writePluginDir(t *testing.T, dir, id, body string) {
	t.Helper()
	pdir := filepath.Join(dir, id)
	if err := os.MkdirAll(pdir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", pdir, err)
	}
	if err := os.WriteFile(filepath.Join(pdir, ManifestFile), []byte(body), 0o600); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

func manifest(after ...string) string {
	var b strings.Builder
	b.WriteString("builtin: fake\n")
	if len(after) > 0 {
		b.WriteString("order_after: [" + strings.Join(after, ", ") + "]\n")
	}
	return b.String()
}

func ids(entries []*Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID()
	}
	return out
}

package goplugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/linnemanlabs/fwtriage/internal/plugin"
)

const fullSource = `package main

import (
	"errors"
	"strings"
)

func Name() string { return "Vendor Check" }

func OrderAfter() []string { return []string{"checksum"} }

func Settings() []map[string]string {
	return []map[string]string{{"key": "vendor_allow", "name": "Allowed vendors"}}
}

func FileModified(path string) error {
	if strings.HasSuffix(path, ".bad") {
		return errors.New("cannot index " + path)
	}
	return nil
}

func RunTest(fw map[string]string) ([]map[string]string, error) {
	if fw["vendor"] == "" {
		return nil, errors.New("firmware has no vendor")
	}
	return []map[string]string{
		{"title": "Vendor", "message": fw["vendor"], "success": "true"},
		{"title": "Filename", "message": fw["filename"], "success": "false"},
	}, nil
}
`

func writeSource(t *testing.T, src string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, File), []byte(src), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return dir
}

func TestLoad_BindsDefinedFunctions(t *testing.T) {
	t.Parallel()
	dir := writeSource(t, fullSource)

	p, err := EntryPoint{}.Load(context.Background(), dir, "vendor")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	gp := p.(*Plugin)

	if gp.Name() != "Vendor Check" {
		t.Errorf("Name() = %q", gp.Name())
	}
	want := plugin.CapOrderAfter | plugin.CapSettings | plugin.CapFileModified | plugin.CapRunTest
	if gp.Capabilities() != want {
		t.Errorf("Capabilities() = %s, want %s", gp.Capabilities(), want)
	}
	if diff := cmp.Diff([]string{"checksum"}, gp.OrderAfter()); diff != "" {
		t.Errorf("OrderAfter mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]plugin.Setting{{Key: "vendor_allow", Name: "Allowed vendors"}}, gp.Settings()); diff != "" {
		t.Errorf("Settings mismatch (-want +got):\n%s", diff)
	}
}

func TestPlugin_FileModified(t *testing.T) {
	t.Parallel()
	p, err := Load(filepath.Join(writeSource(t, fullSource), File))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ctx := context.Background()

	if err := p.FileModified(ctx, "/srv/a.cab"); err != nil {
		t.Errorf("FileModified(ok) = %v", err)
	}
	err = p.FileModified(ctx, "/srv/a.bad")
	var perr *plugin.PluginError
	if !errors.As(err, &perr) || perr.Kind != plugin.KindFailed {
		t.Fatalf("FileModified(bad) = %v, want KindFailed PluginError", err)
	}
	if perr.Message != "cannot index /srv/a.bad" {
		t.Errorf("message = %q", perr.Message)
	}
}

func TestPlugin_RunTest(t *testing.T) {
	t.Parallel()
	p, err := Load(filepath.Join(writeSource(t, fullSource), File))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	test := plugin.NewTest()
	if err := p.RunTest(context.Background(), test, &plugin.Firmware{ID: 3, Filename: "bios.cab", VendorID: "acme"}); err != nil {
		t.Fatalf("RunTest: %v", err)
	}
	want := []plugin.Attribute{
		{Title: "Vendor", Message: "acme", Success: true},
		{Title: "Filename", Message: "bios.cab"},
	}
	if diff := cmp.Diff(want, test.Attributes); diff != "" {
		t.Errorf("attributes mismatch (-want +got):\n%s", diff)
	}

	err = p.RunTest(context.Background(), plugin.NewTest(), &plugin.Firmware{ID: 4})
	var perr *plugin.PluginError
	if !errors.As(err, &perr) {
		t.Errorf("RunTest(no vendor) = %v, want PluginError", err)
	}
}

func TestLoad_OAuthNeedsBothFunctions(t *testing.T) {
	t.Parallel()
	src := `package main

func Name() string { return "SSO" }

func OAuthAuthorize(cb string) (string, error) { return "https://idp.example.com/?cb=" + cb, nil }

func OAuthLogout() error { return nil }
`
	p, err := Load(filepath.Join(writeSource(t, src), File))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Capabilities().Has(plugin.CapOAuth) {
		t.Error("CapOAuth set without OAuthGetData")
	}
	if !p.Capabilities().Has(plugin.CapOAuthLogout) {
		t.Error("CapOAuthLogout not set")
	}
}

func TestLoad_OAuth(t *testing.T) {
	t.Parallel()
	src := `package main

func Name() string { return "SSO" }

func OAuthAuthorize(cb string) (string, error) { return "https://idp.example.com/?cb=" + cb, nil }

func OAuthGetData() (map[string]string, error) {
	return map[string]string{"userPrincipalName": "dev@example.com"}, nil
}
`
	p, err := Load(filepath.Join(writeSource(t, src), File))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !p.Capabilities().Has(plugin.CapOAuth) {
		t.Fatal("CapOAuth not set")
	}
	redirect, err := p.OAuthAuthorize(context.Background(), "cb")
	if err != nil || redirect != "https://idp.example.com/?cb=cb" {
		t.Errorf("OAuthAuthorize = %q, %v", redirect, err)
	}
	data, err := p.OAuthGetData(context.Background())
	if err != nil || data["userPrincipalName"] != "dev@example.com" {
		t.Errorf("OAuthGetData = %v, %v", data, err)
	}
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		src  string
		want error
	}{
		{"no name", "package main\n\nfunc RunTestX() {}\n", plugin.ErrNoName},
		{"wrong name type", "package main\n\nfunc Name() int { return 1 }\n", plugin.ErrBadSignature},
		{"wrong run test type", "package main\n\nfunc Name() string { return \"x\" }\n\nfunc RunTest(s string) error { return nil }\n", plugin.ErrBadSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(filepath.Join(writeSource(t, tt.src), File))
			if !errors.Is(err, tt.want) {
				t.Errorf("Load error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLoad_SyntaxError(t *testing.T) {
	t.Parallel()
	if _, err := Load(filepath.Join(writeSource(t, "package main\n\nfunc {"), File)); err == nil {
		t.Error("Load of invalid source succeeded")
	}
}

package triage

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFlatten(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"UpdateState": "failed",
		"Metadata": {"Version": "1.2.3", "Vendor": {"Name": "ACME"}},
		"Shards": [{"Name": "bios"}, {"Name": "ec"}],
		"Reboots": 2,
		"Secure": true,
		"Error": null
	}`)

	got, err := Flatten(raw)
	if err != nil {
		t.Fatalf("Flatten: %v", err)
	}
	want := map[string]string{
		"UpdateState":          "failed",
		"Metadata.Version":     "1.2.3",
		"Metadata.Vendor.Name": "ACME",
		"Shards.0.Name":        "bios",
		"Shards.1.Name":        "ec",
		"Reboots":              "2",
		"Secure":               "true",
		"Error":                "",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Flatten mismatch (-want +got):\n%s", diff)
	}
}

func TestFlatten_Empty(t *testing.T) {
	t.Parallel()

	got, err := Flatten([]byte(`{}`))
	if err != nil {
		t.Fatalf("Flatten: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("len = %d, want 0", len(got))
	}
}

func TestFlatten_Invalid(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{``, `not json`, `[1,2]`, `"str"`, `{"a":`} {
		_, err := Flatten([]byte(raw))
		if !errors.Is(err, ErrInvalidReport) {
			t.Errorf("Flatten(%q) error = %v, want ErrInvalidReport", raw, err)
		}
	}
}

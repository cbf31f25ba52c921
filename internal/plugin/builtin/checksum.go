package builtin

import (
	"context"
	"crypto/sha1" //nolint:gosec // SHA-1 is recorded for compatibility with legacy metadata, not for security
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"

	"github.com/linnemanlabs/fwtriage/internal/plugin"
)

// Checksum records the firmware image as a shard with its SHA-256 digest.
type Checksum struct {
	base
}

// NewChecksum builds a Checksum plugin.
func NewChecksum(m plugin.Manifest) (plugin.Plugin, error) {
	return &Checksum{base: newBase(m, "Checksum")}, nil
}

// RunTest implements plugin.TestRunner.
func (c *Checksum) RunTest(_ context.Context, test *plugin.Test, fw *plugin.Firmware) error {
	blob, err := fw.Blob()
	if err != nil {
		return plugin.Errorf("cannot read firmware: %v", err)
	}
	if len(blob) == 0 {
		return &plugin.PluginError{Kind: plugin.KindUnsupported, Message: "firmware image is empty"}
	}
	s256 := sha256.Sum256(blob)
	s1 := sha1.Sum(blob) //nolint:gosec // see import
	test.AddShard(plugin.Shard{
		Name:     filepath.Base(fw.Filename),
		Checksum: hex.EncodeToString(s256[:]),
		Size:     int64(len(blob)),
	})
	test.AddPass("Checksum", "sha1:"+hex.EncodeToString(s1[:]))
	return nil
}

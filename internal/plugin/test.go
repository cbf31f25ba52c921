package plugin

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Attribute is a single finding a plugin records on a Test.
type Attribute struct {
	PluginID string `json:"plugin_id"`
	Title    string `json:"title"`
	Message  string `json:"message,omitempty"`
	Success  bool   `json:"success"`
}

// Shard is a component a plugin extracted from a firmware image.
type Shard struct {
	PluginID string `json:"plugin_id"`
	Name     string `json:"name"`
	GUID     string `json:"guid,omitempty"`
	Checksum string `json:"checksum,omitempty"`
	Size     int64  `json:"size"`
}

// Test accumulates the results of running test plugins over one firmware.
// It is not safe for concurrent use; dispatch is sequential.
type Test struct {
	ID         string         `json:"id"`
	Attributes []Attribute    `json:"attributes,omitempty"`
	Shards     []Shard        `json:"shards,omitempty"`
	Errors     []*PluginError `json:"errors,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    time.Time      `json:"ended_at,omitempty"`

	current string
}

// NewTest creates an empty test record.
func NewTest() *Test {
	return &Test{ID: ulid.Make().String()}
}

// AddPass records a successful check.
func (t *Test) AddPass(title, message string) {
	t.Attributes = append(t.Attributes, Attribute{PluginID: t.current, Title: title, Message: message, Success: true})
}

// AddFail records a failed check.
func (t *Test) AddFail(title, message string) {
	t.Attributes = append(t.Attributes, Attribute{PluginID: t.current, Title: title, Message: message})
}

// AddShard records an extracted component.
func (t *Test) AddShard(s Shard) {
	if s.PluginID == "" {
		s.PluginID = t.current
	}
	t.Shards = append(t.Shards, s)
}

// Success reports whether every attribute passed and no plugin failed.
func (t *Test) Success() bool {
	if len(t.Errors) > 0 {
		return false
	}
	for _, a := range t.Attributes {
		if !a.Success {
			return false
		}
	}
	return true
}

// Firmware is the view of an uploaded firmware that test plugins receive.
type Firmware struct {
	ID       int64
	Filename string
	VendorID string
	Path     string

	mu   sync.Mutex
	blob []byte
}

// Blob returns the firmware contents, reading them from Path on first use.
func (f *Firmware) Blob() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blob != nil {
		return f.blob, nil
	}
	if f.Path == "" {
		return nil, fmt.Errorf("firmware %d has no path", f.ID)
	}
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read firmware %d: %w", f.ID, err)
	}
	f.blob = b
	return b, nil
}

// SetBlob replaces the cached contents.
func (f *Firmware) SetBlob(b []byte) {
	f.mu.Lock()
	f.blob = b
	f.mu.Unlock()
}

// Release drops the cached contents so large images are not retained.
func (f *Firmware) Release() {
	f.SetBlob(nil)
}

package plugin

import (
	"errors"
	"fmt"
)

// Load and lookup errors.
var (
	// ErrPluginDirMissing is returned when the plugin directory does not exist.
	ErrPluginDirMissing = errors.New("plugin directory does not exist")

	// ErrNoName is returned when a plugin reports an empty name.
	ErrNoName = errors.New("plugin has no name")

	// ErrUnknownBuiltin is returned when a manifest names a builtin that is not registered.
	ErrUnknownBuiltin = errors.New("unknown builtin plugin")

	// ErrBadSignature is returned when a scripted plugin defines a symbol with the wrong type.
	ErrBadSignature = errors.New("plugin symbol has wrong signature")

	// ErrPluginNotFound is returned by ID-addressed operations for unknown plugins.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrNoCapability is returned when a plugin does not implement the requested operation.
	ErrNoCapability = errors.New("plugin does not support operation")
)

// ErrorKind classifies a plugin failure.
type ErrorKind string

const (
	// KindFailed is a failure reported by the plugin itself.
	KindFailed ErrorKind = "failed"

	// KindPanic means the plugin panicked and was recovered by the dispatcher.
	KindPanic ErrorKind = "panic"

	// KindUnsupported means the plugin could not handle the input.
	KindUnsupported ErrorKind = "unsupported"

	// KindInternal wraps a plain error returned by a plugin.
	KindInternal ErrorKind = "internal"
)

// PluginError is a recoverable failure of a single plugin capability call.
type PluginError struct {
	PluginID string    `json:"plugin_id"`
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message"`
	Err      error     `json:"-"`
}

// Errorf builds a PluginError of kind KindFailed for plugins to return.
func Errorf(format string, args ...any) *PluginError {
	return &PluginError{Kind: KindFailed, Message: fmt.Sprintf(format, args...)}
}

func (e *PluginError) Error() string {
	if e.PluginID == "" {
		return fmt.Sprintf("plugin %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("plugin %s %s: %s", e.PluginID, e.Kind, e.Message)
}

func (e *PluginError) Unwrap() error { return e.Err }

// asPluginError normalises any error returned by plugin id into a *PluginError.
func asPluginError(id string, err error) *PluginError {
	var pe *PluginError
	if errors.As(err, &pe) {
		cp := *pe
		if cp.PluginID == "" {
			cp.PluginID = id
		}
		if cp.Kind == "" {
			cp.Kind = KindFailed
		}
		return &cp
	}
	return &PluginError{PluginID: id, Kind: KindInternal, Message: err.Error(), Err: err}
}

// ConfigError is a fatal problem with the plugin directory or an entry point.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("plugin: %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Package plugin hosts independently developed analysis plugins. It provides
// the Registry (discovery, one-time load, soft dependency ordering), the
// Dispatcher (capability-scoped fan-out with per-plugin failure isolation),
// entry points that turn a plugin directory into a Plugin, and the Test and
// Firmware records plugins contribute to.
package plugin

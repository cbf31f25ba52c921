package plugin

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

var tracer = otel.Tracer("github.com/linnemanlabs/fwtriage/internal/plugin")

// Hooks are optional callbacks invoked by the Dispatcher.
type Hooks struct {
	// OnCall runs after every plugin capability call. perr is nil on success.
	OnCall func(pluginID string, c Capability, duration float64, perr *PluginError)
}

// CallResult is the outcome of one plugin call during a dispatch.
type CallResult struct {
	PluginID string        `json:"plugin_id"`
	Duration time.Duration `json:"duration"`
	Err      *PluginError  `json:"error,omitempty"`
}

// DispatchResult aggregates the per-plugin outcomes of one fan-out.
type DispatchResult struct {
	Capability Capability   `json:"-"`
	Calls      []CallResult `json:"calls"`
}

// Failed returns the errors of the plugins that failed.
func (r *DispatchResult) Failed() []*PluginError {
	var out []*PluginError
	for _, c := range r.Calls {
		if c.Err != nil {
			out = append(out, c.Err)
		}
	}
	return out
}

// Succeeded returns the IDs of the plugins that completed without error.
func (r *DispatchResult) Succeeded() []string {
	var out []string
	for _, c := range r.Calls {
		if c.Err == nil {
			out = append(out, c.PluginID)
		}
	}
	return out
}

// Partial reports whether some plugins succeeded and others failed.
func (r *DispatchResult) Partial() bool {
	failed := len(r.Failed())
	return failed > 0 && failed < len(r.Calls)
}

// OK reports whether no plugin failed.
func (r *DispatchResult) OK() bool {
	return len(r.Failed()) == 0
}

// Dispatcher fans capability calls out to the registry's plugins in priority
// order. Calls are sequential; later plugins may rely on earlier ones.
type Dispatcher struct {
	registry *Registry
	logger   log.Logger
	hooks    Hooks
}

// NewDispatcher creates a dispatcher over reg. The registry is loaded lazily.
func NewDispatcher(reg *Registry, logger log.Logger, hooks ...Hooks) *Dispatcher {
	if reg == nil {
		panic(xerrors.New("plugin registry is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	d := &Dispatcher{registry: reg, logger: logger}
	if len(hooks) > 0 {
		d.hooks = hooks[0]
	}
	return d
}

// All returns the loaded plugins in dispatch order.
func (d *Dispatcher) All(ctx context.Context) ([]*Entry, error) {
	if err := d.registry.Load(ctx); err != nil {
		return nil, err
	}
	return d.registry.Entries(), nil
}

// AllByName returns the loaded plugins sorted by display name.
func (d *Dispatcher) AllByName(ctx context.Context) ([]*Entry, error) {
	entries, err := d.All(ctx)
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(entries, func(a, b *Entry) int {
		return strings.Compare(a.Name(), b.Name())
	})
	return entries, nil
}

// Get finds a plugin by ID. An unknown ID is ok=false, not an error.
func (d *Dispatcher) Get(ctx context.Context, id string) (*Entry, bool, error) {
	if err := d.registry.Load(ctx); err != nil {
		return nil, false, err
	}
	e, ok := d.registry.Lookup(id)
	return e, ok, nil
}

// DispatchFileModified notifies every FileModifier that path changed.
func (d *Dispatcher) DispatchFileModified(ctx context.Context, path string) (*DispatchResult, error) {
	return d.fanOut(ctx, CapFileModified, "DispatchFileModified", func(ctx context.Context, e *Entry) error {
		return e.plugin.(FileModifier).FileModified(ctx, path)
	}, attribute.String("plugin.file", path))
}

// DispatchRunTests runs every TestRunner against fw. Plugin failures are
// recorded on the result and on test.Errors; the other plugins still run.
func (d *Dispatcher) DispatchRunTests(ctx context.Context, test *Test, fw *Firmware) (*DispatchResult, error) {
	if test.StartedAt.IsZero() {
		test.StartedAt = time.Now()
	}
	res, err := d.fanOut(ctx, CapRunTest, "DispatchRunTests", func(ctx context.Context, e *Entry) error {
		test.current = e.id
		defer func() { test.current = "" }()
		return e.plugin.(TestRunner).RunTest(ctx, test, fw)
	}, attribute.Int64("firmware.id", fw.ID))
	if err != nil {
		return nil, err
	}
	test.Errors = append(test.Errors, res.Failed()...)
	test.EndedAt = time.Now()
	return res, nil
}

// RunTest runs the test of the single plugin id against fw. A plugin failure
// is returned as a *PluginError and also recorded on test.Errors.
func (d *Dispatcher) RunTest(ctx context.Context, id string, test *Test, fw *Firmware) error {
	e, ok, err := d.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	if !e.caps.Has(CapRunTest) {
		return fmt.Errorf("%w: %s cannot run tests", ErrNoCapability, id)
	}
	if test.StartedAt.IsZero() {
		test.StartedAt = time.Now()
	}
	perr := d.invoke(ctx, e, CapRunTest, func(ctx context.Context) error {
		test.current = e.id
		defer func() { test.current = "" }()
		return e.plugin.(TestRunner).RunTest(ctx, test, fw)
	})
	test.EndedAt = time.Now()
	if perr != nil {
		test.Errors = append(test.Errors, perr)
		return perr
	}
	return nil
}

// DispatchOAuthLogout tells every OAuthLogouter that the user logged out.
func (d *Dispatcher) DispatchOAuthLogout(ctx context.Context) (*DispatchResult, error) {
	return d.fanOut(ctx, CapOAuthLogout, "DispatchOAuthLogout", func(ctx context.Context, e *Entry) error {
		return e.plugin.(OAuthLogouter).OAuthLogout(ctx)
	})
}

// OAuthAuthorize asks plugin id for the redirect target of a login.
func (d *Dispatcher) OAuthAuthorize(ctx context.Context, id, callbackURL string) (string, error) {
	e, err := d.oauthEntry(ctx, id)
	if err != nil {
		return "", err
	}
	var redirect string
	if perr := d.invoke(ctx, e, CapOAuth, func(ctx context.Context) error {
		var err error
		redirect, err = e.plugin.(OAuthAuthorizer).OAuthAuthorize(ctx, callbackURL)
		return err
	}); perr != nil {
		return "", perr
	}
	return redirect, nil
}

// OAuthData fetches the identity profile from plugin id after the callback.
func (d *Dispatcher) OAuthData(ctx context.Context, id string) (map[string]string, error) {
	e, err := d.oauthEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	var data map[string]string
	if perr := d.invoke(ctx, e, CapOAuth, func(ctx context.Context) error {
		var err error
		data, err = e.plugin.(OAuthAuthorizer).OAuthGetData(ctx)
		return err
	}); perr != nil {
		return nil, perr
	}
	return data, nil
}

func (d *Dispatcher) oauthEntry(ctx context.Context, id string) (*Entry, error) {
	e, ok, err := d.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	if !e.caps.Has(CapOAuth) {
		return nil, fmt.Errorf("%w: %s has no oauth support", ErrNoCapability, id)
	}
	return e, nil
}

func (d *Dispatcher) fanOut(ctx context.Context, c Capability, op string, call func(context.Context, *Entry) error, attrs ...attribute.KeyValue) (*DispatchResult, error) {
	entries, err := d.All(ctx)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "plugin."+op, trace.WithAttributes(
		append(attrs, attribute.String("plugin.capability", c.String()))...,
	))
	defer span.End()

	res := &DispatchResult{Capability: c}
	for _, e := range entries {
		if !e.caps.Has(c) {
			continue
		}
		start := time.Now()
		perr := d.invoke(ctx, e, c, func(ctx context.Context) error { return call(ctx, e) })
		res.Calls = append(res.Calls, CallResult{PluginID: e.id, Duration: time.Since(start), Err: perr})
	}

	failed := res.Failed()
	span.SetAttributes(
		attribute.Int("plugin.calls", len(res.Calls)),
		attribute.Int("plugin.failures", len(failed)),
	)
	if len(failed) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d plugins failed", len(failed), len(res.Calls)))
	}
	return res, nil
}

// invoke runs a single plugin call, converting errors and panics into a
// PluginError. It never lets a plugin failure escape.
func (d *Dispatcher) invoke(ctx context.Context, e *Entry, c Capability, call func(context.Context) error) (perr *PluginError) {
	ctx, span := tracer.Start(ctx, "plugin.call", trace.WithAttributes(
		attribute.String("plugin.id", e.id),
		attribute.String("plugin.capability", c.String()),
	))
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			perr = &PluginError{PluginID: e.id, Kind: KindPanic, Message: fmt.Sprint(rec)}
		}
		dur := time.Since(start).Seconds()
		if perr != nil {
			span.RecordError(perr)
			span.SetStatus(codes.Error, perr.Message)
			d.logger.Warn(ctx, "plugin call failed",
				"plugin", e.id,
				"capability", c.String(),
				"kind", perr.Kind,
				"error", perr.Message,
			)
		}
		span.End()
		if d.hooks.OnCall != nil {
			d.hooks.OnCall(e.id, c, dur, perr)
		}
	}()

	if err := call(ctx); err != nil {
		return asPluginError(e.id, err)
	}
	return nil
}

// Package watch feeds filesystem changes into the plugin dispatcher and the
// triage service.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/tidwall/gjson"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/fwtriage/internal/plugin"
	"github.com/linnemanlabs/fwtriage/internal/postgres"
	"github.com/linnemanlabs/fwtriage/internal/triage"
)

// DefaultSettle is how long a path must be quiet before it is processed.
const DefaultSettle = 250 * time.Millisecond

// FileDispatcher receives file-modified notifications.
type FileDispatcher interface {
	DispatchFileModified(ctx context.Context, path string) (*plugin.DispatchResult, error)
}

// ReportSubmitter accepts raw JSON reports.
type ReportSubmitter interface {
	SubmitReport(ctx context.Context, firmwareID int64, raw []byte) (*triage.Report, error)
}

// Config selects what is watched. Either directory may be empty.
type Config struct {
	// Dir holds firmware files; every change is dispatched to plugins.
	Dir string
	// ReportDir holds *.json reports to submit for triage.
	ReportDir string
	// Settle defaults to DefaultSettle.
	Settle time.Duration
}

// Watcher turns settled Create and Write events into plugin dispatches and
// report submissions.
type Watcher struct {
	cfg     Config
	files   FileDispatcher
	reports ReportSubmitter
	logger  log.Logger

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]time.Time
}

// New creates a watcher. files or reports may be nil to disable that side.
func New(cfg Config, files FileDispatcher, reports ReportSubmitter, logger log.Logger) (*Watcher, error) {
	if cfg.Dir == "" && cfg.ReportDir == "" {
		return nil, errors.New("watch: no directory configured")
	}
	if cfg.Settle <= 0 {
		cfg.Settle = DefaultSettle
	}
	if logger == nil {
		logger = log.Nop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	return &Watcher{
		cfg:     cfg,
		files:   files,
		reports: reports,
		logger:  logger,
		fsw:     fsw,
		pending: make(map[string]time.Time),
	}, nil
}

// Run watches until ctx is cancelled and then releases the fsnotify watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close() //nolint:errcheck // shutting down

	for _, dir := range []string{w.cfg.Dir, w.cfg.ReportDir} {
		if dir == "" {
			continue
		}
		if err := w.fsw.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		w.logger.Info(ctx, "watching directory", "dir", dir)
	}

	tick := time.NewTicker(w.cfg.Settle / 2)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.record(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error(ctx, err, "fsnotify error")
		case now := <-tick.C:
			for _, path := range w.settled(now) {
				w.process(ctx, path)
			}
		}
	}
}

func (w *Watcher) record(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	w.mu.Lock()
	w.pending[ev.Name] = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) settled(now time.Time) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for path, at := range w.pending {
		if now.Sub(at) >= w.cfg.Settle {
			out = append(out, path)
			delete(w.pending, path)
		}
	}
	return out
}

func (w *Watcher) process(ctx context.Context, path string) {
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return
	}
	dir := filepath.Dir(path)

	if w.files != nil && w.cfg.Dir != "" && sameDir(dir, w.cfg.Dir) {
		w.dispatch(ctx, path)
	}
	if w.reports != nil && w.cfg.ReportDir != "" && sameDir(dir, w.cfg.ReportDir) &&
		strings.EqualFold(filepath.Ext(path), ".json") {
		w.submit(ctx, path)
	}
}

func (w *Watcher) dispatch(ctx context.Context, path string) {
	res, err := w.files.DispatchFileModified(ctx, path)
	if err != nil {
		w.logger.Error(ctx, err, "file-modified dispatch failed", "path", path)
		return
	}
	for _, perr := range res.Failed() {
		w.logger.Warn(ctx, "plugin rejected file", "path", path, "plugin_id", perr.PluginID, "error", perr.Error())
	}
}

func (w *Watcher) submit(ctx context.Context, path string) {
	ctx = postgres.NewDBStatsContext(postgres.WithSource(ctx, "watch"))
	L := w.logger.With("path", path)

	raw, err := os.ReadFile(path)
	if err != nil {
		L.Error(ctx, err, "failed to read report")
		return
	}
	fw := gjson.GetBytes(raw, "firmware_id")
	if !fw.Exists() || fw.Int() <= 0 {
		L.Warn(ctx, "report has no firmware_id, skipping")
		return
	}

	r, err := w.reports.SubmitReport(ctx, fw.Int(), raw)
	if err != nil {
		L.Error(ctx, err, "report submission failed")
		return
	}
	kv := []any{"report_id", r.ID, "issue_id", r.IssueID}
	if st, ok := postgres.DBStatsFromContext(ctx); ok {
		n, total, _ := st.Snapshot()
		kv = append(kv, "db_queries", n, "db_time", total)
	}
	L.Info(ctx, "report ingested", kv...)
}

func sameDir(a, b string) bool {
	return filepath.Clean(a) == filepath.Clean(b)
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// the log of a run, kept in memory and optionally written out when the run ends.
type RunLog struct {
	mu    sync.Mutex
	lines []string
}

func (l *RunLog) add(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, line)
}

func (l *RunLog) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.lines...)
}

func (l *RunLog) write(path string) error {
	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return fmt.Errorf("failed to create run log directory: %w", err)
	}
	text := strings.Join(l.Lines(), "\n")
	if text != "" {
		text += "\n"
	}
	err = os.WriteFile(path, []byte(text), 0o644)
	if err != nil {
		return fmt.Errorf("failed to write run log: %w", err)
	}
	return nil
}

// a `slog.Handler` that copies every record at or above info into a `RunLog`
// before passing it on to the wrapped handler.
type RunLogHandler struct {
	handler slog.Handler
	log     *RunLog
	attrs   []slog.Attr
}

func new_run_log_handler(handler slog.Handler, log *RunLog) *RunLogHandler {
	return &RunLogHandler{handler: handler, log: log}
}

func (h *RunLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= slog.LevelInfo || h.handler.Enabled(ctx, level)
}

func (h *RunLogHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelInfo {
		bits := []string{r.Time.UTC().Format(time.RFC3339), r.Level.String(), r.Message}
		for _, attr := range h.attrs {
			bits = append(bits, attr.String())
		}
		r.Attrs(func(attr slog.Attr) bool {
			bits = append(bits, attr.String())
			return true
		})
		h.log.add(strings.Join(bits, " "))
	}
	if !h.handler.Enabled(ctx, r.Level) {
		return nil
	}
	return h.handler.Handle(ctx, r)
}

func (h *RunLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &RunLogHandler{
		handler: h.handler.WithAttrs(attrs),
		log:     h.log,
		attrs:   append(append([]slog.Attr{}, h.attrs...), attrs...),
	}
}

// groups are passed through but not reflected in the run log.
func (h *RunLogHandler) WithGroup(name string) slog.Handler {
	return &RunLogHandler{
		handler: h.handler.WithGroup(name),
		log:     h.log,
		attrs:   h.attrs,
	}
}

// everything shared by the catalog types synchronised in a single run.
type RunContext struct {
	ID         uuid.UUID
	Config     *Config
	Fetcher    *Fetcher
	Memo       *ManifestMemo
	Log        *RunLog
	Exclusions Exclusions

	// url key => name of the catalog type the url belongs to, across every catalog type.
	url_types map[string]string
}

func new_run(cfg *Config, log *RunLog) (*RunContext, error) {
	exclusions, err := read_exclusions(cfg.Exclusions)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = &RunLog{}
	}
	client := &http.Client{Timeout: 30 * time.Second}
	run := &RunContext{
		ID:         uuid.New(),
		Config:     cfg,
		Fetcher:    new_fetcher(client, new_providers(cfg), cfg.MaxRetries, cfg.RequestsPerSecond),
		Memo:       new_manifest_memo(),
		Log:        log,
		Exclusions: exclusions,
	}
	run.index_catalog_types()
	return run, nil
}

// indexes the urls of every configured catalog type,
// so discovery for one type doesn't claim an addon already catalogued by another.
func (run *RunContext) index_catalog_types() {
	run.url_types = map[string]string{}
	for _, ct := range run.Config.CatalogTypes {
		catalog, err := read_catalog(ct.Source)
		if err != nil {
			slog.Warn("failed to index catalog", "type", ct.Name, "error", err)
			continue
		}
		run.index_records(ct.Name, catalog.Records)
	}
}

func (run *RunContext) index_records(type_name string, record_list []*AddonRecord) {
	for _, record := range record_list {
		key := url_key(record.Url)
		if _, present := run.url_types[key]; !present {
			run.url_types[key] = type_name
		}
	}
}

// writes the run log, if one was configured.
func (run *RunContext) close() error {
	if run.Config.RunLog == "" {
		return nil
	}
	return run.Log.write(run.Config.RunLog)
}

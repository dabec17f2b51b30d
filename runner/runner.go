// Package runner updates the current month's archive of every configured
// mailing list: fetch, atomic write, then ingest.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/support-and-care-labs/mail-mcp/atomicfile"
	"github.com/support-and-care-labs/mail-mcp/index"
	"github.com/support-and-care-labs/mail-mcp/model"
	"github.com/support-and-care-labs/mail-mcp/stats"
)

const (
	DefaultRetryBase = 2 * time.Second
	maxRetryDelay    = time.Minute
)

// Fetcher is satisfied by *archive.Fetcher.
type Fetcher interface {
	Fetch(ctx context.Context, list model.MailList, month model.ArchiveMonth) ([]byte, error)
}

type Config struct {
	DataDir string
	// Retries is the number of extra fetch attempts after an
	// ErrUpstreamUnavailable failure. Other failures are never retried.
	Retries   int
	RetryBase time.Duration
	Now       func() time.Time
}

// Runner holds no state between Update calls; every run overwrites the
// month's file through atomicfile.
type Runner struct {
	cfg      Config
	fetcher  Fetcher
	ingester index.Ingester
	logger   *slog.Logger

	mu        sync.Mutex
	observers []func(stats.Event)
}

func New(cfg Config, fetcher Fetcher, ingester index.Ingester, logger *slog.Logger) *Runner {
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if ingester == nil {
		ingester = index.Nop{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{cfg: cfg, fetcher: fetcher, ingester: ingester, logger: logger}
}

// Observe registers fn to receive every event. Observers run synchronously on
// the updating goroutine.
func (r *Runner) Observe(fn func(stats.Event)) {
	r.mu.Lock()
	r.observers = append(r.observers, fn)
	r.mu.Unlock()
}

// Path returns the canonical location of a list's monthly archive.
func (r *Runner) Path(list model.MailList, month model.ArchiveMonth) string {
	return filepath.Join(r.cfg.DataDir, list.LocalPart(), month.FileName())
}

// Update refreshes the current month for every list.
func (r *Runner) Update(ctx context.Context, lists []model.MailList) stats.Report {
	return r.UpdateMonth(ctx, lists, model.CurrentMonth(r.cfg.Now()))
}

// UpdateMonth processes lists sequentially. A failing list is recorded and
// the remaining lists are still processed.
func (r *Runner) UpdateMonth(ctx context.Context, lists []model.MailList, month model.ArchiveMonth) stats.Report {
	started := time.Now()
	collector := stats.NewCollector(month.String())

	seen := make(map[string]bool, len(lists))
	// archives live under the local part, so two lists sharing one would
	// overwrite each other's file
	owners := make(map[string]model.MailList, len(lists))
	for _, list := range lists {
		if seen[list.String()] {
			continue
		}
		seen[list.String()] = true
		collector.Register(list.String())

		if owner, ok := owners[list.LocalPart()]; ok {
			err := fmt.Errorf("%w: %s and %s share the archive directory %q", model.ErrInvalidArgument, owner, list, list.LocalPart())
			r.logger.Error("list skipped", "list", list.String(), "err", err)
			r.emit(collector, stats.Event{List: list.String(), Month: month.String(), Stage: stats.StageWrite, Type: stats.EventTypeError, Path: r.Path(list, month), Err: err})
			continue
		}
		owners[list.LocalPart()] = list

		r.updateList(ctx, collector, list, month)
	}

	report := collector.Report(time.Since(started))
	level := slog.LevelInfo
	if report.Status != stats.StatusSuccess {
		level = slog.LevelWarn
	}
	r.logger.Log(ctx, level, "update finished", report.LogAttrs()...)
	return report
}

func (r *Runner) updateList(ctx context.Context, collector *stats.Collector, list model.MailList, month model.ArchiveMonth) {
	name := list.String()
	logger := r.logger.With("list", name, "month", month.String())

	if err := ctx.Err(); err != nil {
		r.emit(collector, stats.Event{List: name, Month: month.String(), Stage: stats.StageFetch, Type: stats.EventTypeError, Err: err})
		return
	}

	data, err := r.fetch(ctx, list, month)
	switch {
	case errors.Is(err, model.ErrEmptyArchive):
		logger.Info("archive empty, nothing to write")
		r.emit(collector, stats.Event{List: name, Month: month.String(), Stage: stats.StageFetch, Type: stats.EventTypeEmpty})
		return
	case err != nil:
		logger.Error("fetch failed", "err", err)
		r.emit(collector, stats.Event{List: name, Month: month.String(), Stage: stats.StageFetch, Type: stats.EventTypeError, Err: err})
		return
	}
	r.emit(collector, stats.Event{List: name, Month: month.String(), Stage: stats.StageFetch, Type: stats.EventTypeFetched, Bytes: int64(len(data))})

	path := r.Path(list, month)
	if err := atomicfile.Write(ctx, path, data); err != nil {
		logger.Error("write failed", "path", path, "err", err)
		r.emit(collector, stats.Event{List: name, Month: month.String(), Stage: stats.StageWrite, Type: stats.EventTypeError, Path: path, Err: err})
		return
	}
	logger.Info("archive saved", "path", path, "bytes", len(data))
	r.emit(collector, stats.Event{List: name, Month: month.String(), Stage: stats.StageWrite, Type: stats.EventTypeWritten, Path: path, Bytes: int64(len(data))})

	res, err := r.ingester.Ingest(ctx, list, path)
	if err != nil {
		logger.Error("ingest failed", "path", path, "err", err)
		r.emit(collector, stats.Event{List: name, Month: month.String(), Stage: stats.StageIngest, Type: stats.EventTypeError, Path: path, Err: err})
		return
	}
	r.emit(collector, stats.Event{List: name, Month: month.String(), Stage: stats.StageIngest, Type: stats.EventTypeIngested, Path: path, Indexed: res.Indexed})
}

func (r *Runner) fetch(ctx context.Context, list model.MailList, month model.ArchiveMonth) ([]byte, error) {
	if r.cfg.Retries <= 0 {
		return r.fetcher.Fetch(ctx, list, month)
	}

	backoff := retry.NewExponential(r.cfg.RetryBase)
	backoff = retry.WithCappedDuration(maxRetryDelay, backoff)
	backoff = retry.WithMaxRetries(uint64(r.cfg.Retries), backoff)

	var data []byte
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		var err error
		data, err = r.fetcher.Fetch(ctx, list, month)
		if errors.Is(err, model.ErrUpstreamUnavailable) {
			r.logger.Warn("fetch attempt failed", "list", list.String(), "attempt", attempt, "err", err)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil && ctx.Err() != nil && !errors.Is(err, model.ErrUpstreamUnavailable) {
		return nil, fmt.Errorf("%w: %w", model.ErrUpstreamUnavailable, err)
	}
	return data, err
}

func (r *Runner) emit(collector *stats.Collector, evt stats.Event) {
	collector.Apply(evt)
	r.mu.Lock()
	observers := slices.Clone(r.observers)
	r.mu.Unlock()
	for _, fn := range observers {
		fn(evt)
	}
}

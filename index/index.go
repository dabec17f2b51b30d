// Package index hands downloaded mbox files to an ingest target.
//
// The orchestrator only knows the Ingester interface. Indexer is the
// implementation used in practice: it streams a file through the mbox reader,
// applies the optional filter, derives metadata with package extract and
// stores batches in a Sink (SQLite or IMAP).
package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/support-and-care-labs/mail-mcp/extract"
	"github.com/support-and-care-labs/mail-mcp/filter"
	"github.com/support-and-care-labs/mail-mcp/mbox"
	"github.com/support-and-care-labs/mail-mcp/model"
	"github.com/support-and-care-labs/mail-mcp/storage"
)

const DefaultBatchSize = 100

// Result summarises one ingest call.
type Result struct {
	Path     string
	List     string
	Indexed  int
	Skipped  int
	Filtered int
	Errors   int
	// Unchanged is set when the file content matched the last ingest and
	// nothing was stored.
	Unchanged bool
}

func (r Result) LogAttrs() []any {
	return []any{
		"path", r.Path,
		"list", r.List,
		"indexed", r.Indexed,
		"skipped", r.Skipped,
		"filtered", r.Filtered,
		"errors", r.Errors,
		"unchanged", r.Unchanged,
	}
}

// Ingester is the hook the orchestrator calls for every written file.
type Ingester interface {
	Ingest(ctx context.Context, list model.MailList, path string) (Result, error)
}

// Sink stores parsed messages.
type Sink interface {
	StoreMessages(ctx context.Context, list model.MailList, msgs []model.Message) error
}

// FileRecorder is implemented by sinks that remember which file contents were
// ingested, allowing unchanged files to be skipped.
type FileRecorder interface {
	FileHash(ctx context.Context, path string) (string, error)
	RecordFile(ctx context.Context, rec storage.FileRecord) error
}

type Options struct {
	BatchSize int
	Filter    *filter.Filter
	// Extractor derives references and quote statistics for every stored
	// message. Nil uses extract.Default.
	Extractor *extract.Extractor
}

type Indexer struct {
	sink      Sink
	batchSize int
	filter    *filter.Filter
	extractor *extract.Extractor
	logger    *slog.Logger
}

func New(sink Sink, opts Options, logger *slog.Logger) *Indexer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.Extractor == nil {
		opts.Extractor = extract.Default()
	}
	return &Indexer{sink: sink, batchSize: opts.BatchSize, filter: opts.Filter, extractor: opts.Extractor, logger: logger}
}

// Ingest stores every parseable message of the mbox file at path.
// Messages without a Message-ID are skipped, other per-message parse errors
// are counted in Result.Errors; neither aborts the file.
func (ix *Indexer) Ingest(ctx context.Context, list model.MailList, path string) (Result, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Result{}, fmt.Errorf("resolve %s: %w", path, err)
	}
	res := Result{Path: abs, List: list.String()}

	hash, err := fileHash(abs)
	if err != nil {
		return res, fmt.Errorf("%w: hash %s: %w", model.ErrIOFailure, abs, err)
	}

	recorder, canRecord := ix.sink.(FileRecorder)
	if canRecord {
		prev, err := recorder.FileHash(ctx, abs)
		switch {
		case err == nil && prev == hash:
			res.Unchanged = true
			ix.logger.Debug("mbox unchanged since last ingest", "path", abs)
			return res, nil
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			return res, fmt.Errorf("lookup file record: %w", err)
		}
	}

	reader, err := mbox.NewReader(mbox.Options{Path: abs, List: list.String(), Filter: ix.filter}, ix.logger)
	if err != nil {
		return res, err
	}

	envelopes := make(chan model.Envelope, ix.batchSize)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(envelopes)
		return reader.Stream(gctx, envelopes)
	})
	g.Go(func() error {
		batch := make([]model.Message, 0, ix.batchSize)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			if err := ix.sink.StoreMessages(gctx, list, batch); err != nil {
				return fmt.Errorf("store batch: %w", err)
			}
			res.Indexed += len(batch)
			batch = batch[:0]
			return nil
		}
		for env := range envelopes {
			switch {
			case env.Err == nil:
				msg := env.Message
				ix.extractor.Enrich(&msg)
				batch = append(batch, msg)
				if len(batch) >= ix.batchSize {
					if err := flush(); err != nil {
						return err
					}
				}
			case errors.Is(env.Err, mbox.ErrFiltered):
				res.Filtered++
			case errors.Is(env.Err, mbox.ErrMessageIDMissing):
				res.Skipped++
			default:
				res.Errors++
			}
		}
		return flush()
	})
	if err := g.Wait(); err != nil {
		return res, fmt.Errorf("ingest %s: %w", abs, err)
	}

	if canRecord {
		if err := recorder.RecordFile(ctx, storage.FileRecord{
			Path:         abs,
			List:         list.String(),
			ContentHash:  hash,
			MessageCount: res.Indexed,
		}); err != nil {
			return res, err
		}
	}

	ix.logger.Info("indexing complete", res.LogAttrs()...)
	return res, nil
}

// IngestDir ingests every file in dir matching pattern, in name order.
// It stops at the first failing file.
func (ix *Indexer) IngestDir(ctx context.Context, list model.MailList, dir, pattern string) ([]Result, error) {
	if pattern == "" {
		pattern = "*.mbox"
	}
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("%w: pattern %q: %w", model.ErrInvalidArgument, pattern, err)
	}
	var results []Result
	for _, path := range matches {
		if info, err := os.Stat(path); err != nil || info.IsDir() {
			continue
		}
		res, err := ix.Ingest(ctx, list, path)
		results = append(results, res)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Nop is an Ingester that does nothing, used when ingest is disabled.
type Nop struct{}

func (Nop) Ingest(_ context.Context, list model.MailList, path string) (Result, error) {
	return Result{Path: path, List: list.String(), Unchanged: true}, nil
}

package cmd

import (
	"context"
	"fmt"

	"github.com/support-and-care-labs/mail-mcp/config"
	"github.com/support-and-care-labs/mail-mcp/extract"
	"github.com/support-and-care-labs/mail-mcp/filter"
	"github.com/support-and-care-labs/mail-mcp/imap"
	"github.com/support-and-care-labs/mail-mcp/index"
	"github.com/support-and-care-labs/mail-mcp/storage"
)

// openIngester builds the configured ingest backend. The returned close
// function releases the backing store.
func (a *app) openIngester(ctx context.Context, cfg config.Config) (*index.Indexer, func() error, error) {
	var f *filter.Filter
	if cfg.Filter.Active() {
		var err error
		if f, err = filter.New(cfg.Filter); err != nil {
			return nil, nil, withCode(ExitUsage, err)
		}
	}
	ex, err := extract.New(cfg.JiraKeyList())
	if err != nil {
		return nil, nil, withCode(ExitUsage, err)
	}
	opts := index.Options{BatchSize: cfg.BatchSize, Filter: f, Extractor: ex}

	switch cfg.Ingest {
	case config.IngestSQLite:
		db, err := storage.Open(ctx, cfg.DBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open database %s: %w", cfg.DBPath, err)
		}
		a.logger.Debug("sqlite ingest enabled", "db", cfg.DBPath)
		return index.New(db, opts, a.logger), db.Close, nil
	case config.IngestIMAP:
		sink, err := imap.NewSink(imap.Options{
			Host:               cfg.IMAP.Host,
			Port:               cfg.IMAP.Port,
			Username:           cfg.IMAP.User,
			Password:           cfg.IMAP.Pass,
			UseTLS:             cfg.IMAP.UseTLS,
			InsecureSkipVerify: cfg.IMAP.InsecureSkipVerify,
			FolderPrefix:       cfg.IMAP.FolderPrefix,
			StateDir:           cfg.IMAP.StateDir,
			DryRun:             cfg.IMAP.DryRun,
		}, a.logger)
		if err != nil {
			return nil, nil, withCode(ExitUsage, err)
		}
		a.logger.Debug("imap ingest enabled", "host", cfg.IMAP.Host, "dryRun", cfg.IMAP.DryRun)
		return index.New(sink, opts, a.logger), sink.Close, nil
	default:
		return nil, func() error { return nil }, nil
	}
}

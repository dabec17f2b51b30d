// Package imap is an ingest target that appends archived messages to an IMAP
// mailbox, one folder per mailing list.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/support-and-care-labs/mail-mcp/model"
	"github.com/support-and-care-labs/mail-mcp/state"
)

var ErrMissingMessageID = errors.New("message id is empty")

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	// FolderPrefix is prepended to the list's local part, e.g. "Archives"
	// stores dev@maven.apache.org in "Archives/dev".
	FolderPrefix string
	StateDir     string
	DryRun       bool
}

// appender is the part of *imapclient.Client the sink needs.
type appender interface {
	append(ctx context.Context, folder string, msg model.Message) error
	ensureMailbox(folder string) error
	close()
}

// Sink implements index.Sink over IMAP APPEND. APPEND is not idempotent, so
// every list folder has a state.Tracker recording uploaded message hashes.
type Sink struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	conn     appender
	dial     func(ctx context.Context) (appender, error)
	trackers map[string]state.Tracker
	ensured  map[string]bool
}

func NewSink(opts Options, logger *slog.Logger) (*Sink, error) {
	if opts.Host == "" && !opts.DryRun {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 && !opts.DryRun {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if opts.StateDir == "" {
		return nil, fmt.Errorf("imap state directory is empty")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Sink{
		opts:     opts,
		logger:   logger,
		trackers: make(map[string]state.Tracker),
		ensured:  make(map[string]bool),
	}
	s.dial = s.dialClient
	return s, nil
}

// StoreMessages uploads msgs that were not uploaded before.
func (s *Sink) StoreMessages(ctx context.Context, list model.MailList, msgs []model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	folder := s.folder(list)
	tracker, err := s.tracker(list)
	if err != nil {
		return err
	}

	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if msg.ID == "" {
			return ErrMissingMessageID
		}
		if msg.Hash == "" {
			return fmt.Errorf("message %s missing hash", msg.ID)
		}
		if tracker.AlreadyProcessed(msg.Hash) {
			continue
		}

		if s.opts.DryRun {
			if err := tracker.MarkProcessed(msg.Hash, msg.ID); err != nil {
				return err
			}
			s.logger.Debug("dry-run upload", "messageID", msg.ID, "target", folder)
			continue
		}

		if s.conn == nil {
			conn, err := s.dial(ctx)
			if err != nil {
				return err
			}
			s.conn = conn
		}
		if !s.ensured[folder] {
			if err := s.conn.ensureMailbox(folder); err != nil {
				return err
			}
			s.ensured[folder] = true
		}

		if err := s.conn.append(ctx, folder, msg); err != nil {
			return fmt.Errorf("upload message %s: %w", msg.ID, err)
		}
		if err := tracker.MarkProcessed(msg.Hash, msg.ID); err != nil {
			return err
		}
		s.logger.Debug("uploaded message", "messageID", msg.ID, "target", folder)
	}
	return tracker.Flush()
}

// Close logs out and flushes all trackers.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		s.conn.close()
		s.conn = nil
	}
	var errs []error
	for _, t := range s.trackers {
		errs = append(errs, t.Close())
	}
	return errors.Join(errs...)
}

func (s *Sink) folder(list model.MailList) string {
	if s.opts.FolderPrefix == "" {
		return list.LocalPart()
	}
	return s.opts.FolderPrefix + "/" + list.LocalPart()
}

func (s *Sink) tracker(list model.MailList) (state.Tracker, error) {
	key := list.String()
	if t, ok := s.trackers[key]; ok {
		return t, nil
	}
	t, err := state.NewFileTracker(s.opts.StateDir, "imap-"+key, !s.opts.DryRun)
	if err != nil {
		return nil, fmt.Errorf("state tracker: %w", err)
	}
	s.trackers[key] = t
	return t, nil
}

type client struct {
	c      *imapclient.Client
	logger *slog.Logger
}

func (s *Sink) dialClient(_ context.Context) (appender, error) {
	address := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	options := &imapclient.Options{}

	var (
		c   *imapclient.Client
		err error
	)
	if s.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         s.opts.Host,
			InsecureSkipVerify: s.opts.InsecureSkipVerify,
		}
		c, err = imapclient.DialTLS(address, options)
	} else {
		c, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := c.Login(s.opts.Username, s.opts.Password).Wait(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("imap login failed: %w", err)
	}

	s.logger.Debug("imap connection established", "address", address, "user", s.opts.Username, "tls", s.opts.UseTLS)

	return &client{c: c, logger: s.logger}, nil
}

func (c *client) append(_ context.Context, folder string, msg model.Message) error {
	var opts *imapv2.AppendOptions
	if !msg.Date.IsZero() {
		opts = &imapv2.AppendOptions{Time: msg.Date}
	}

	cmd := c.c.Append(folder, int64(len(msg.Raw)), opts)

	remaining := msg.Raw
	for len(remaining) > 0 {
		n, err := cmd.Write(remaining)
		if err != nil {
			_ = cmd.Close()
			return fmt.Errorf("append write: %w", err)
		}
		if n == 0 {
			_ = cmd.Close()
			return fmt.Errorf("append write: wrote 0 bytes")
		}
		remaining = remaining[n:]
	}

	if err := cmd.Close(); err != nil {
		return fmt.Errorf("append close: %w", err)
	}
	if _, err := cmd.Wait(); err != nil {
		return fmt.Errorf("append wait: %w", err)
	}
	return nil
}

func (c *client) ensureMailbox(folder string) error {
	if err := c.c.Create(folder, nil).Wait(); err != nil {
		var respErr *imapv2.Error
		if errors.As(err, &respErr) && respErr.Code == imapv2.ResponseCodeAlreadyExists {
			c.logger.Debug("imap mailbox already exists", "mailbox", folder)
			return nil
		}
		return fmt.Errorf("ensure mailbox %s: %w", folder, err)
	}
	c.logger.Info("imap mailbox created", "mailbox", folder)
	return nil
}

func (c *client) close() {
	if err := c.c.Logout().Wait(); err != nil {
		c.logger.Warn("imap logout failed", "err", err)
	}
	_ = c.c.Close()
}

// Package archive retrieves monthly mbox archives from the Pony Mail API.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/support-and-care-labs/mail-mcp/model"
)

const (
	DefaultBaseURL   = "https://lists.apache.org/api/mbox.lua"
	DefaultUserAgent = "mail-mcp-updater/1.0"
	DefaultTimeout   = 60 * time.Second
	DefaultMaxBytes  = 1 << 30
)

// Options configures a Fetcher. Zero values select the defaults.
type Options struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	MaxBytes  int64
	Client    *http.Client
	// Limiter throttles outbound requests. Nil means one request per second.
	Limiter *rate.Limiter
	// Now is the clock used to reject future months.
	Now func() time.Time
}

// Fetcher downloads raw mbox payloads. It keeps no local state.
type Fetcher struct {
	baseURL   string
	userAgent string
	timeout   time.Duration
	maxBytes  int64
	client    *http.Client
	limiter   *rate.Limiter
	now       func() time.Time
	logger    *slog.Logger
}

func New(opts Options, logger *slog.Logger) *Fetcher {
	f := &Fetcher{
		baseURL:   opts.BaseURL,
		userAgent: opts.UserAgent,
		timeout:   opts.Timeout,
		maxBytes:  opts.MaxBytes,
		client:    opts.Client,
		limiter:   opts.Limiter,
		now:       opts.Now,
		logger:    logger,
	}
	if f.baseURL == "" {
		f.baseURL = DefaultBaseURL
	}
	if f.userAgent == "" {
		f.userAgent = DefaultUserAgent
	}
	if f.timeout <= 0 {
		f.timeout = DefaultTimeout
	}
	if f.maxBytes <= 0 {
		f.maxBytes = DefaultMaxBytes
	}
	if f.client == nil {
		f.client = &http.Client{}
	}
	if f.limiter == nil {
		f.limiter = rate.NewLimiter(rate.Every(time.Second), 1)
	}
	if f.now == nil {
		f.now = time.Now
	}
	if f.logger == nil {
		f.logger = slog.New(slog.DiscardHandler)
	}
	return f
}

// FetchRaw validates the textual list address and YYYY-MM date, then fetches.
func (f *Fetcher) FetchRaw(ctx context.Context, list, date string) ([]byte, error) {
	l, err := model.ParseMailList(list)
	if err != nil {
		return nil, err
	}
	m, err := model.ParseArchiveMonth(date)
	if err != nil {
		return nil, err
	}
	return f.Fetch(ctx, l, m)
}

// Fetch returns the mbox bytes for list and month.
//
// Future months and unparsed lists fail with model.ErrInvalidArgument before
// any request is made. A transport failure, a non-2xx status, a timeout or a
// truncated body fail with model.ErrUpstreamUnavailable. A 2xx response with
// no content fails with model.ErrEmptyArchive.
func (f *Fetcher) Fetch(ctx context.Context, list model.MailList, month model.ArchiveMonth) ([]byte, error) {
	if list.IsZero() {
		return nil, fmt.Errorf("%w: list address is empty", model.ErrInvalidArgument)
	}
	if err := month.ValidateNotFuture(f.now()); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limiter: %w", model.ErrUpstreamUnavailable, err)
	}

	u := f.URL(list, month)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", model.ErrInvalidArgument, err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	f.logger.Info("downloading mbox", "list", list.String(), "month", month.String(), "url", u)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %w", model.ErrUpstreamUnavailable, u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, fmt.Errorf("%w: GET %s: HTTP %d", model.ErrUpstreamUnavailable, u, resp.StatusCode)
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil, fmt.Errorf("%w: %s %s", model.ErrEmptyArchive, list, month)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: GET %s: timed out after %s", model.ErrUpstreamUnavailable, u, f.timeout)
		}
		return nil, fmt.Errorf("%w: read body: %w", model.ErrUpstreamUnavailable, err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", model.ErrUpstreamUnavailable, f.maxBytes)
	}
	if resp.ContentLength >= 0 && int64(len(data)) != resp.ContentLength {
		return nil, fmt.Errorf("%w: body truncated: got %d of %d bytes", model.ErrUpstreamUnavailable, len(data), resp.ContentLength)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s %s", model.ErrEmptyArchive, list, month)
	}

	f.logger.Debug("download complete", "list", list.String(), "month", month.String(), "bytes", len(data))
	return data, nil
}

// URL returns the archive API address for list and month.
func (f *Fetcher) URL(list model.MailList, month model.ArchiveMonth) string {
	q := url.Values{}
	q.Set("list", list.String())
	q.Set("date", month.String())
	return f.baseURL + "?" + q.Encode()
}

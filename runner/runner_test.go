package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/support-and-care-labs/mail-mcp/index"
	"github.com/support-and-care-labs/mail-mcp/model"
	"github.com/support-and-care-labs/mail-mcp/stats"
)

const body = "From foo@bar Mon Oct 1 00:00:00 2024\nFrom: foo@bar\nSubject: hi\nMessage-ID: <1@bar>\n\nhello\n"

type stubFetcher struct {
	mu     sync.Mutex
	calls  map[string]int
	errs   map[string][]error
	bodies map[string]string
}

func (s *stubFetcher) Fetch(_ context.Context, list model.MailList, _ model.ArchiveMonth) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[list.String()]++
	if errs := s.errs[list.String()]; len(errs) > 0 {
		err := errs[0]
		if len(errs) > 1 {
			s.errs[list.String()] = errs[1:]
		}
		if err != nil {
			return nil, err
		}
	}
	if b, ok := s.bodies[list.String()]; ok {
		return []byte(b), nil
	}
	return []byte(body), nil
}

type recordingIngester struct {
	paths []string
	err   error
}

func (r *recordingIngester) Ingest(_ context.Context, list model.MailList, path string) (index.Result, error) {
	r.paths = append(r.paths, path)
	if r.err != nil {
		return index.Result{}, r.err
	}
	return index.Result{Path: path, List: list.String(), Indexed: 1}, nil
}

func lists(t *testing.T, addrs ...string) []model.MailList {
	t.Helper()
	var out []model.MailList
	for _, a := range addrs {
		l, err := model.ParseMailList(a)
		require.NoError(t, err)
		out = append(out, l)
	}
	return out
}

func fixedNow() time.Time { return time.Date(2024, time.October, 15, 12, 0, 0, 0, time.UTC) }

func TestUpdate_WritesCurrentMonthAndIngests(t *testing.T) {
	dir := t.TempDir()
	ing := &recordingIngester{}
	r := New(Config{DataDir: dir, Now: fixedNow}, &stubFetcher{}, ing, nil)

	var events []stats.Event
	r.Observe(func(e stats.Event) { events = append(events, e) })

	report := r.Update(context.Background(), lists(t, "dev@maven.apache.org"))
	assert.Equal(t, stats.StatusSuccess, report.Status)
	assert.Equal(t, "2024-10", report.Month)

	want := filepath.Join(dir, "dev", "2024-10.mbox")
	got, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, body, string(got))
	assert.Equal(t, []string{want}, ing.paths)

	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, want, report.Outcomes[0].Path)
	assert.Equal(t, 1, report.Outcomes[0].Indexed)

	var types []stats.EventType
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []stats.EventType{stats.EventTypeFetched, stats.EventTypeWritten, stats.EventTypeIngested}, types)
}

func TestUpdate_Idempotent(t *testing.T) {
	dir := t.TempDir()
	r := New(Config{DataDir: dir, Now: fixedNow}, &stubFetcher{}, nil, nil)
	dev := lists(t, "dev@maven.apache.org")
	path := filepath.Join(dir, "dev", "2024-10.mbox")

	require.Equal(t, stats.StatusSuccess, r.Update(context.Background(), dev).Status)
	first, err := os.ReadFile(path)
	require.NoError(t, err)

	require.Equal(t, stats.StatusSuccess, r.Update(context.Background(), dev).Status)
	second, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	entries, err := os.ReadDir(filepath.Join(dir, "dev"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestUpdate_PartialFailureIsolation(t *testing.T) {
	dir := t.TempDir()
	fetcher := &stubFetcher{errs: map[string][]error{
		"users@maven.apache.org": {fmt.Errorf("%w: status 503", model.ErrUpstreamUnavailable)},
	}}
	r := New(Config{DataDir: dir, Now: fixedNow}, fetcher, nil, nil)

	report := r.Update(context.Background(), lists(t, "dev@maven.apache.org", "users@maven.apache.org", "issues@maven.apache.org"))
	assert.Equal(t, stats.StatusPartial, report.Status)

	updated, empty, failed := report.Counts()
	assert.Equal(t, 2, updated)
	assert.Zero(t, empty)
	assert.Equal(t, 1, failed)

	assert.FileExists(t, filepath.Join(dir, "dev", "2024-10.mbox"))
	assert.FileExists(t, filepath.Join(dir, "issues", "2024-10.mbox"))
	assert.NoFileExists(t, filepath.Join(dir, "users", "2024-10.mbox"))

	f := report.Failed()
	require.Len(t, f, 1)
	assert.Equal(t, "users@maven.apache.org", f[0].List)
	assert.Equal(t, stats.StageFetch, f[0].FailedStage)
	assert.ErrorIs(t, f[0].Err, model.ErrUpstreamUnavailable)
}

func TestUpdate_AllFail(t *testing.T) {
	boom := fmt.Errorf("%w: dial tcp: refused", model.ErrUpstreamUnavailable)
	fetcher := &stubFetcher{errs: map[string][]error{
		"dev@maven.apache.org":   {boom},
		"users@maven.apache.org": {boom},
	}}
	r := New(Config{DataDir: t.TempDir(), Now: fixedNow}, fetcher, nil, nil)
	report := r.Update(context.Background(), lists(t, "dev@maven.apache.org", "users@maven.apache.org"))
	assert.Equal(t, stats.StatusFailure, report.Status)
}

func TestUpdate_EmptyArchiveIsNoOp(t *testing.T) {
	dir := t.TempDir()
	ing := &recordingIngester{}
	fetcher := &stubFetcher{errs: map[string][]error{"dev@maven.apache.org": {model.ErrEmptyArchive}}}
	r := New(Config{DataDir: dir, Now: fixedNow}, fetcher, ing, nil)

	report := r.Update(context.Background(), lists(t, "dev@maven.apache.org"))
	assert.Equal(t, stats.StatusSuccess, report.Status)
	assert.Equal(t, stats.OutcomeEmpty, report.Outcomes[0].State)
	assert.NoFileExists(t, filepath.Join(dir, "dev", "2024-10.mbox"))
	assert.Empty(t, ing.paths)
}

func TestUpdate_EmptyArchiveKeepsPreviousFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dev", "2024-10.mbox")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("previous"), 0o644))

	fetcher := &stubFetcher{errs: map[string][]error{"dev@maven.apache.org": {model.ErrEmptyArchive}}}
	New(Config{DataDir: dir, Now: fixedNow}, fetcher, nil, nil).Update(context.Background(), lists(t, "dev@maven.apache.org"))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "previous", string(got))
}

func TestUpdate_IngestFailure(t *testing.T) {
	dir := t.TempDir()
	ing := &recordingIngester{err: errors.New("database is locked")}
	r := New(Config{DataDir: dir, Now: fixedNow}, &stubFetcher{}, ing, nil)

	report := r.Update(context.Background(), lists(t, "dev@maven.apache.org"))
	assert.Equal(t, stats.StatusFailure, report.Status)
	assert.Equal(t, stats.StageIngest, report.Outcomes[0].FailedStage)
	// the file is still in place for the next run
	assert.FileExists(t, filepath.Join(dir, "dev", "2024-10.mbox"))
}

func TestUpdate_WriteFailure(t *testing.T) {
	dir := t.TempDir()
	// a regular file where the list directory should be
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dev"), []byte("x"), 0o644))
	r := New(Config{DataDir: dir, Now: fixedNow}, &stubFetcher{}, nil, nil)

	report := r.Update(context.Background(), lists(t, "dev@maven.apache.org", "users@maven.apache.org"))
	assert.Equal(t, stats.StatusPartial, report.Status)
	assert.Equal(t, stats.StageWrite, report.Outcomes[0].FailedStage)
	assert.ErrorIs(t, report.Outcomes[0].Err, model.ErrIOFailure)
}

func TestUpdate_RetriesUpstreamOnly(t *testing.T) {
	unavailable := fmt.Errorf("%w: status 502", model.ErrUpstreamUnavailable)
	fetcher := &stubFetcher{errs: map[string][]error{
		"dev@maven.apache.org":   {unavailable, unavailable, nil},
		"users@maven.apache.org": {fmt.Errorf("%w: bad list", model.ErrInvalidArgument)},
	}}
	r := New(Config{DataDir: t.TempDir(), Now: fixedNow, Retries: 3, RetryBase: time.Millisecond}, fetcher, nil, nil)

	report := r.Update(context.Background(), lists(t, "dev@maven.apache.org", "users@maven.apache.org"))
	assert.Equal(t, stats.StatusPartial, report.Status)
	assert.Equal(t, 3, fetcher.calls["dev@maven.apache.org"])
	assert.Equal(t, 1, fetcher.calls["users@maven.apache.org"])
}

func TestUpdate_RetriesExhausted(t *testing.T) {
	unavailable := fmt.Errorf("%w: status 502", model.ErrUpstreamUnavailable)
	fetcher := &stubFetcher{errs: map[string][]error{"dev@maven.apache.org": {unavailable}}}
	r := New(Config{DataDir: t.TempDir(), Now: fixedNow, Retries: 2, RetryBase: time.Millisecond}, fetcher, nil, nil)

	report := r.Update(context.Background(), lists(t, "dev@maven.apache.org"))
	assert.Equal(t, stats.StatusFailure, report.Status)
	assert.Equal(t, 3, fetcher.calls["dev@maven.apache.org"])
	assert.ErrorIs(t, report.Outcomes[0].Err, model.ErrUpstreamUnavailable)
}

func TestUpdate_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fetcher := &stubFetcher{}
	r := New(Config{DataDir: t.TempDir(), Now: fixedNow}, fetcher, nil, nil)

	report := r.Update(ctx, lists(t, "dev@maven.apache.org", "users@maven.apache.org"))
	assert.Equal(t, stats.StatusFailure, report.Status)
	assert.Empty(t, fetcher.calls)
	assert.ErrorIs(t, report.Outcomes[1].Err, context.Canceled)
}

func TestUpdate_DuplicateListsProcessedOnce(t *testing.T) {
	fetcher := &stubFetcher{}
	r := New(Config{DataDir: t.TempDir(), Now: fixedNow}, fetcher, nil, nil)
	report := r.Update(context.Background(), lists(t, "dev@maven.apache.org", "DEV@maven.apache.org"))
	assert.Len(t, report.Outcomes, 1)
	assert.Equal(t, 1, fetcher.calls["dev@maven.apache.org"])
}

func TestUpdateMonth_ExplicitMonth(t *testing.T) {
	dir := t.TempDir()
	r := New(Config{DataDir: dir, Now: fixedNow}, &stubFetcher{bodies: map[string]string{"dev@maven.apache.org": "old"}}, nil, nil)
	month, err := model.ParseArchiveMonth("2023-01")
	require.NoError(t, err)

	report := r.UpdateMonth(context.Background(), lists(t, "dev@maven.apache.org"), month)
	assert.Equal(t, stats.StatusSuccess, report.Status)
	got, err := os.ReadFile(filepath.Join(dir, "dev", "2023-01.mbox"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(got))
}

func TestUpdate_SharedLocalPartIsRejected(t *testing.T) {
	dir := t.TempDir()
	fetcher := &stubFetcher{bodies: map[string]string{
		"dev@maven.apache.org":   "MAVEN",
		"dev@commons.apache.org": "COMMONS",
	}}
	r := New(Config{DataDir: dir, Now: fixedNow}, fetcher, nil, nil)

	report := r.Update(context.Background(), lists(t, "dev@maven.apache.org", "dev@commons.apache.org"))
	assert.Equal(t, stats.StatusPartial, report.Status)
	require.Len(t, report.Outcomes, 2)
	assert.Equal(t, stats.OutcomeUpdated, report.Outcomes[0].State)
	assert.Equal(t, stats.OutcomeFailed, report.Outcomes[1].State)
	assert.ErrorIs(t, report.Outcomes[1].Err, model.ErrInvalidArgument)
	assert.Zero(t, fetcher.calls["dev@commons.apache.org"])

	got, err := os.ReadFile(filepath.Join(dir, "dev", "2024-10.mbox"))
	require.NoError(t, err)
	assert.Equal(t, "MAVEN", string(got))
}

func TestUpdate_EveryObserverSeesEveryEvent(t *testing.T) {
	r := New(Config{DataDir: t.TempDir(), Now: fixedNow}, &stubFetcher{}, &recordingIngester{}, nil)
	var first, second []stats.EventType
	r.Observe(func(e stats.Event) { first = append(first, e.Type) })
	r.Observe(func(e stats.Event) { second = append(second, e.Type) })

	r.Update(context.Background(), lists(t, "dev@maven.apache.org"))
	want := []stats.EventType{stats.EventTypeFetched, stats.EventTypeWritten, stats.EventTypeIngested}
	assert.Equal(t, want, first)
	assert.Equal(t, want, second)
}

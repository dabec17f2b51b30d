// Package state remembers which messages were already handed to an ingest
// target that cannot deduplicate on its own, such as IMAP APPEND.
package state

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/support-and-care-labs/mail-mcp/atomicfile"
)

type Tracker interface {
	AlreadyProcessed(hash string) bool
	MarkProcessed(hash, messageID string) error
	Snapshot() Snapshot
	Flush() error
	Close() error
}

type Snapshot struct {
	Processed int
	// Dropped counts torn journal lines discarded while loading.
	Dropped int
}

// Record is one journal entry.
type Record struct {
	Hash      string    `json:"hash"`
	MessageID string    `json:"message_id"`
	At        time.Time `json:"at,omitzero"`
}

// MemoryTracker keeps records for the lifetime of the process.
type MemoryTracker struct {
	mu      sync.RWMutex
	records map[string]Record
	dropped int
	now     func() time.Time
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{records: make(map[string]Record), now: time.Now}
}

func (m *MemoryTracker) AlreadyProcessed(hash string) bool {
	if hash == "" {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[hash]
	return ok
}

func (m *MemoryTracker) MarkProcessed(hash, messageID string) error {
	m.add(hash, messageID)
	return nil
}

// add stores the record and reports whether it is new.
func (m *MemoryTracker) add(hash, messageID string) (Record, bool) {
	if hash == "" {
		return Record{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[hash]; ok {
		return Record{}, false
	}
	rec := Record{Hash: hash, MessageID: messageID, At: m.now().UTC()}
	m.records[hash] = rec
	return rec, true
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{Processed: len(m.records), Dropped: m.dropped}
}

// Records returns every record ordered by time, then hash.
func (m *MemoryTracker) Records() []Record {
	m.mu.RLock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.Before(out[j].At)
		}
		return out[i].Hash < out[j].Hash
	})
	return out
}

func (m *MemoryTracker) Flush() error { return nil }

func (m *MemoryTracker) Close() error { return nil }

// FileTracker journals records as JSON lines in {dir}/{name}.jsonl.
//
// Appends are buffered and synced on Flush and Close. A process killed
// mid-append leaves a torn last line; loading drops it and rewrites the
// journal atomically. Malformed lines elsewhere are reported as errors.
type FileTracker struct {
	*MemoryTracker
	path    string
	persist bool

	writeMu sync.Mutex
	file    *os.File
	writer  *bufio.Writer
}

// NewFileTracker loads the journal for name. When persist is false new
// records stay in memory, which is what dry runs want.
func NewFileTracker(dir, name string, persist bool) (*FileTracker, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return nil, fmt.Errorf("invalid state name %q", name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	t := &FileTracker{
		MemoryTracker: NewMemoryTracker(),
		path:          filepath.Join(dir, name+".jsonl"),
		persist:       persist,
	}
	if err := t.load(); err != nil {
		return nil, err
	}
	if !persist {
		return t, nil
	}
	if t.dropped > 0 {
		if err := t.rewrite(context.Background()); err != nil {
			return nil, err
		}
	}
	if err := t.openAppend(); err != nil {
		return nil, err
	}
	return t, nil
}

// Path returns the journal file.
func (t *FileTracker) Path() string { return t.path }

func (t *FileTracker) load() error {
	data, err := os.ReadFile(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	lines := bytes.Split(data, []byte{'\n'})
	for i, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			// only the unterminated final line can be a torn append
			if i == len(lines)-1 {
				t.dropped++
				continue
			}
			return fmt.Errorf("parse state line %d: %w", i+1, err)
		}
		if rec.Hash == "" {
			continue
		}
		t.records[rec.Hash] = rec
	}
	return nil
}

func (t *FileTracker) openAppend() error {
	file, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open state file for append: %w", err)
	}
	t.file = file
	t.writer = bufio.NewWriterSize(file, 64*1024)
	return nil
}

func (t *FileTracker) MarkProcessed(hash, messageID string) error {
	rec, added := t.add(hash, messageID)
	if !added || !t.persist {
		return nil
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode state record: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.writer == nil {
		return fmt.Errorf("state file %s is closed", t.path)
	}
	if _, err := t.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write state record: %w", err)
	}
	return nil
}

// Compact rewrites the journal with one line per record. Records appended
// concurrently with Compact are kept.
func (t *FileTracker) Compact(ctx context.Context) error {
	if !t.persist {
		return nil
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.closeLocked(); err != nil {
		return err
	}
	if err := t.rewrite(ctx); err != nil {
		return err
	}
	return t.openAppend()
}

func (t *FileTracker) rewrite(ctx context.Context) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range t.Records() {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode state record: %w", err)
		}
	}
	if err := atomicfile.Write(ctx, t.path, buf.Bytes()); err != nil {
		return fmt.Errorf("rewrite state file: %w", err)
	}
	t.mu.Lock()
	t.dropped = 0
	t.mu.Unlock()
	return nil
}

// Flush writes buffered records and syncs the journal.
func (t *FileTracker) Flush() error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.writer == nil {
		return nil
	}
	if err := t.writer.Flush(); err != nil {
		return fmt.Errorf("flush state file: %w", err)
	}
	if err := t.file.Sync(); err != nil {
		return fmt.Errorf("sync state file: %w", err)
	}
	return nil
}

// Close flushes and closes the journal. It is safe to call twice.
func (t *FileTracker) Close() error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.closeLocked()
}

func (t *FileTracker) closeLocked() error {
	if t.file == nil {
		return nil
	}
	err := t.writer.Flush()
	if err != nil {
		err = fmt.Errorf("flush state file: %w", err)
	}
	if serr := t.file.Sync(); serr != nil && err == nil {
		err = fmt.Errorf("sync state file: %w", serr)
	}
	if cerr := t.file.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close state file: %w", cerr)
	}
	t.file = nil
	t.writer = nil
	return err
}

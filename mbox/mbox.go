package mbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	mboxlib "github.com/emersion/go-mbox"

	"github.com/support-and-care-labs/mail-mcp/filter"
	"github.com/support-and-care-labs/mail-mcp/model"
)

var ErrMessageIDMissing = errors.New("mbox message missing Message-Id header")

type Options struct {
	Path string
	// List is recorded on messages that carry no List-Id or List-Post header.
	List   string
	Filter *filter.Filter
}

type Reader interface {
	// Stream sends one envelope per message. Per-message parse failures are
	// sent as envelopes with Err set and streaming continues; a failure of
	// the underlying file ends the stream with an error.
	Stream(ctx context.Context, out chan<- model.Envelope) error
}

func NewReader(opts Options, logger *slog.Logger) (Reader, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	return &fileReader{
		path:   path,
		list:   opts.List,
		filter: opts.Filter,
		logger: logger,
	}, nil
}

type fileReader struct {
	path   string
	list   string
	filter *filter.Filter
	logger *slog.Logger
}

func (f *fileReader) Stream(ctx context.Context, out chan<- model.Envelope) error {
	name := filepath.Base(f.path)
	return scan(ctx, f.path, func(idx int, raw []byte) error {
		env := model.Envelope{Message: model.Message{Offset: idx, MboxFile: name}}
		switch msg, err := f.decode(raw); {
		case errors.Is(err, ErrFiltered):
			env.Err = err
		case err != nil:
			if f.logger != nil {
				f.logger.Warn("mbox parse error", "path", f.path, "index", idx, "err", err)
			}
			env.Err = fmt.Errorf("message %d: %w", idx, err)
		default:
			msg.MboxFile, msg.Offset = name, idx
			env.Message = msg
		}
		return f.emit(ctx, out, env)
	})
}

func (f *fileReader) decode(raw []byte) (model.Message, error) {
	if !f.filter.AllowsRaw(raw) {
		return model.Message{}, ErrFiltered
	}
	msg, err := ParseMessage(raw)
	if err != nil {
		return model.Message{}, err
	}
	if msg.List == "" {
		msg.List = f.list
	}
	return msg, nil
}

// scan calls fn with the raw bytes of every message in the mbox at path.
// It stops at the first error returned by fn or the file, or when ctx ends.
func scan(ctx context.Context, path string, fn func(idx int, raw []byte) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	r := mboxlib.NewReader(file)
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		part, err := r.NextMessage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("message %d: %w", idx, err)
		}
		raw, err := io.ReadAll(part)
		if err != nil {
			return fmt.Errorf("message %d read: %w", idx, err)
		}
		if err := fn(idx, raw); err != nil {
			return err
		}
	}
}

// ErrFiltered marks envelopes for messages rejected by the filter.
var ErrFiltered = errors.New("message filtered")

func (f *fileReader) emit(ctx context.Context, out chan<- model.Envelope, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- env:
		return nil
	}
}

// ParseMessage decodes a raw RFC 5322 message into a model.Message.
func ParseMessage(raw []byte) (model.Message, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && mr == nil {
		return model.Message{}, err
	}
	defer mr.Close()

	h := mr.Header
	id, _ := h.MessageID()
	id = strings.Trim(strings.TrimSpace(id), "<>")
	if id == "" {
		return model.Message{}, ErrMessageIDMissing
	}

	sum := sha256.Sum256(raw)
	msg := model.Message{
		ID:   id,
		Hash: base64.StdEncoding.EncodeToString(sum[:]),
		List: listAddress(h),
		Size: int64(len(raw)),
		Raw:  raw,
	}

	if subject, err := h.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = h.Get("Subject")
	}
	if date, err := h.Date(); err == nil {
		msg.Date = date
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = strings.ToLower(from[0].Address)
		msg.FromName = from[0].Name
	} else {
		msg.From = strings.TrimSpace(h.Get("From"))
	}
	msg.To = addresses(h, "To")
	msg.Cc = addresses(h, "Cc")
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		msg.InReplyTo = ids[0]
	}
	if ids, err := h.MsgIDList("References"); err == nil {
		msg.References = ids
	}

	msg.Body, msg.HasAttachment = readBody(mr)
	return msg, nil
}

// readBody returns the first text/plain part and whether an attachment was
// seen. Undecodable parts are skipped.
func readBody(mr *mail.Reader) (string, bool) {
	var (
		body       string
		found      bool
		attachment bool
	)
	for {
		p, err := mr.NextPart()
		if err != nil {
			break
		}
		switch hdr := p.Header.(type) {
		case *mail.InlineHeader:
			if found {
				continue
			}
			ct, _, _ := hdr.ContentType()
			if ct != "" && ct != "text/plain" {
				continue
			}
			b, err := io.ReadAll(p.Body)
			if err != nil {
				continue
			}
			body, found = string(b), true
		case *mail.AttachmentHeader:
			attachment = true
		}
	}
	return body, attachment
}

func addresses(h mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, strings.ToLower(a.Address))
	}
	return out
}

// listAddress derives the list address from List-Post (<mailto:dev@x.org>)
// or List-Id (<dev.x.org>).
func listAddress(h mail.Header) string {
	if post := h.Get("List-Post"); post != "" {
		if i := strings.Index(post, "mailto:"); i >= 0 {
			addr := post[i+len("mailto:"):]
			if j := strings.IndexAny(addr, ">?"); j >= 0 {
				addr = addr[:j]
			}
			if addr = strings.ToLower(strings.TrimSpace(addr)); strings.Contains(addr, "@") {
				return addr
			}
		}
	}
	if id := h.Get("List-Id"); id != "" {
		if i := strings.LastIndex(id, "<"); i >= 0 {
			id = id[i+1:]
		}
		id = strings.ToLower(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(id), ">")))
		if local, domain, ok := strings.Cut(id, "."); ok && local != "" && strings.Contains(domain, ".") {
			return local + "@" + domain
		}
	}
	return ""
}

// Read calls fn for every message in the mbox at path that parses.
// Unparseable messages are skipped.
func Read(path string, fn func(m model.Message) error) error {
	name := filepath.Base(path)
	return scan(context.Background(), path, func(idx int, raw []byte) error {
		msg, err := ParseMessage(raw)
		if err != nil {
			return nil
		}
		msg.Offset, msg.MboxFile = idx, name
		return fn(msg)
	})
}

// CountMessages counts the messages in the mbox at path, parseable or not.
func CountMessages(path string) (int, error) {
	n := 0
	err := scan(context.Background(), path, func(int, []byte) error {
		n++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

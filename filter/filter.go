// Package filter decides which archived messages are worth ingesting.
//
// Patterns are regular expressions matched against either the raw header
// block or the raw body of a message. A filter runs in include mode (a
// message must match some pattern) or exclude mode (a message must match
// none), never both.
package filter

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
)

var ErrConflictingModes = errors.New("include and exclude filters are mutually exclusive")

// Options captures the filtering configuration.
type Options struct {
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// Active reports whether any pattern is configured.
func (o Options) Active() bool {
	return len(o.IncludeHeader)+len(o.IncludeBody)+len(o.ExcludeHeader)+len(o.ExcludeBody) > 0
}

type part uint8

const (
	headerPart part = iota
	bodyPart
)

type rule struct {
	part part
	re   *regexp.Regexp
	hits atomic.Int64
}

// Filter is safe for concurrent use. A nil *Filter allows everything.
type Filter struct {
	include bool
	rules   []*rule
	// which parts the rules look at, so Allows can skip the conversions
	parts [2]bool

	checked  atomic.Int64
	rejected atomic.Int64
}

// Stats reports how often each pattern matched.
type Stats struct {
	IncludeHeaderPatterns []string
	IncludeBodyPatterns   []string
	ExcludeHeaderPatterns []string
	ExcludeBodyPatterns   []string
	Hits                  map[string]int
	Checked               int
	Rejected              int
}

func New(opts Options) (*Filter, error) {
	f := &Filter{}
	groups := []struct {
		name     string
		part     part
		include  bool
		patterns []string
	}{
		{"include-header", headerPart, true, opts.IncludeHeader},
		{"include-body", bodyPart, true, opts.IncludeBody},
		{"exclude-header", headerPart, false, opts.ExcludeHeader},
		{"exclude-body", bodyPart, false, opts.ExcludeBody},
	}

	var sawInclude, sawExclude bool
	for _, g := range groups {
		for _, p := range g.patterns {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("compile %s pattern %q: %w", g.name, p, err)
			}
			f.rules = append(f.rules, &rule{part: g.part, re: re})
			f.parts[g.part] = true
			if g.include {
				sawInclude = true
			} else {
				sawExclude = true
			}
		}
	}
	if sawInclude && sawExclude {
		return nil, ErrConflictingModes
	}
	f.include = sawInclude
	return f, nil
}

// AllowsRaw splits a raw RFC 5322 message and applies Allows.
func (f *Filter) AllowsRaw(raw []byte) bool {
	if f == nil {
		return true
	}
	header, body := SplitRawMessage(raw)
	return f.Allows(header, body)
}

// Allows reports whether a message with the given header block and body
// passes the filter.
func (f *Filter) Allows(header, body []byte) bool {
	if f == nil || len(f.rules) == 0 {
		return true
	}
	f.checked.Add(1)

	var text [2]string
	if f.parts[headerPart] {
		text[headerPart] = string(header)
	}
	if f.parts[bodyPart] {
		text[bodyPart] = string(body)
	}

	matched := false
	for _, r := range f.rules {
		if r.re.MatchString(text[r.part]) {
			r.hits.Add(1)
			matched = true
			break
		}
	}
	if matched != f.include {
		f.rejected.Add(1)
		return false
	}
	return true
}

// Stats returns the configured patterns and their hit counters.
func (f *Filter) Stats() Stats {
	s := Stats{Hits: map[string]int{}}
	if f == nil {
		return s
	}
	for _, r := range f.rules {
		p := r.re.String()
		s.Hits[p] += int(r.hits.Load())
		switch {
		case f.include && r.part == headerPart:
			s.IncludeHeaderPatterns = append(s.IncludeHeaderPatterns, p)
		case f.include:
			s.IncludeBodyPatterns = append(s.IncludeBodyPatterns, p)
		case r.part == headerPart:
			s.ExcludeHeaderPatterns = append(s.ExcludeHeaderPatterns, p)
		default:
			s.ExcludeBodyPatterns = append(s.ExcludeBodyPatterns, p)
		}
	}
	s.Checked = int(f.checked.Load())
	s.Rejected = int(f.rejected.Load())
	return s
}

// SplitRawMessage splits a raw message at the first blank line. A message
// without one is all header.
func SplitRawMessage(raw []byte) (header, body []byte) {
	if len(raw) == 0 {
		return nil, nil
	}
	crlf := bytes.Index(raw, []byte("\r\n\r\n"))
	lf := bytes.Index(raw, []byte("\n\n"))
	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return raw[:crlf], raw[crlf+4:]
	case lf >= 0:
		return raw[:lf], raw[lf+2:]
	}
	return raw, nil
}

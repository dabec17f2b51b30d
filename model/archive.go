package model

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	listPattern  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._+-]*@[A-Za-z0-9-]+(\.[A-Za-z0-9-]+)+$`)
	monthPattern = regexp.MustCompile(`^\d{4}-\d{2}$`)
)

// MailList is a validated mailing-list address of the form local-part@domain.
type MailList struct {
	addr string
}

// ParseMailList validates s and returns the corresponding MailList.
func ParseMailList(s string) (MailList, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return MailList{}, fmt.Errorf("%w: list address must be non-empty", ErrInvalidArgument)
	}
	if !listPattern.MatchString(s) {
		return MailList{}, fmt.Errorf("%w: list address %q is not of the form list@domain", ErrInvalidArgument, s)
	}
	return MailList{addr: strings.ToLower(s)}, nil
}

// ParseMailLists parses a comma-separated list set, dropping blanks and
// duplicates while keeping the configured order.
func ParseMailLists(csv string) ([]MailList, error) {
	var (
		lists []MailList
		seen  = make(map[string]struct{})
	)
	for _, part := range strings.Split(csv, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		l, err := ParseMailList(part)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[l.addr]; dup {
			continue
		}
		seen[l.addr] = struct{}{}
		lists = append(lists, l)
	}
	if len(lists) == 0 {
		return nil, fmt.Errorf("%w: no mailing lists configured", ErrInvalidArgument)
	}
	return lists, nil
}

func (l MailList) String() string { return l.addr }

// IsZero reports whether l was never parsed.
func (l MailList) IsZero() bool { return l.addr == "" }

// LocalPart returns the part before '@', used as the list's data subdirectory.
func (l MailList) LocalPart() string {
	local, _, _ := strings.Cut(l.addr, "@")
	return local
}

func (l MailList) Domain() string {
	_, domain, _ := strings.Cut(l.addr, "@")
	return domain
}

// ArchiveMonth identifies one calendar month of a list archive.
type ArchiveMonth struct {
	Year  int
	Month time.Month
}

// ParseArchiveMonth parses a YYYY-MM string.
func ParseArchiveMonth(s string) (ArchiveMonth, error) {
	if !monthPattern.MatchString(s) {
		return ArchiveMonth{}, fmt.Errorf("%w: date must be in the form yyyy-mm, e.g., 2024-10", ErrInvalidArgument)
	}
	year, _ := strconv.Atoi(s[:4])
	month, _ := strconv.Atoi(s[5:7])
	if year < 1 {
		return ArchiveMonth{}, fmt.Errorf("%w: year must be positive", ErrInvalidArgument)
	}
	if month < 1 || month > 12 {
		return ArchiveMonth{}, fmt.Errorf("%w: month must be between 01 and 12", ErrInvalidArgument)
	}
	return ArchiveMonth{Year: year, Month: time.Month(month)}, nil
}

// CurrentMonth returns the month containing now.
func CurrentMonth(now time.Time) ArchiveMonth {
	return ArchiveMonth{Year: now.Year(), Month: now.Month()}
}

func (m ArchiveMonth) String() string {
	return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month))
}

// After reports whether m is later than other.
func (m ArchiveMonth) After(other ArchiveMonth) bool {
	if m.Year != other.Year {
		return m.Year > other.Year
	}
	return m.Month > other.Month
}

// ValidateNotFuture rejects months after the month containing now.
func (m ArchiveMonth) ValidateNotFuture(now time.Time) error {
	if m.Month < time.January || m.Month > time.December || m.Year < 1 {
		return fmt.Errorf("%w: %s is not a calendar month", ErrInvalidArgument, m)
	}
	if cur := CurrentMonth(now); m.After(cur) {
		return fmt.Errorf("%w: %s is after the current month %s", ErrInvalidArgument, m, cur)
	}
	return nil
}

// FileName is the canonical mbox file name for the month.
func (m ArchiveMonth) FileName() string {
	return m.String() + ".mbox"
}

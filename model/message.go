package model

import "time"

// Message represents a single email message extracted from an mbox archive.
type Message struct {
	ID            string
	Hash          string
	List          string
	Subject       string
	From          string
	FromName      string
	To            []string
	Cc            []string
	Date          time.Time
	InReplyTo     string
	References    []string
	Body          string
	HasAttachment bool
	MboxFile      string
	Offset        int
	Size          int64
	Raw           []byte

	// Derived at ingest time, see package extract.
	BodyEffective   string
	QuotePercentage float64
	MostlyQuoted    bool
	JiraRefs        []string
	PullRequests    []string
	Commits         []string
	Versions        []string
	Decisions       []string
	HasVote         bool
	VoteValue       string
}

// Envelope wraps a message alongside an optional error encountered while decoding.
type Envelope struct {
	Message Message
	Err     error
}

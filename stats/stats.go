package stats

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/support-and-care-labs/mail-mcp/model"
)

type Stage string

const (
	StageFetch  Stage = "fetch"
	StageWrite  Stage = "write"
	StageIngest Stage = "ingest"
)

type EventType string

const (
	EventTypeFetched  EventType = "fetched"
	EventTypeWritten  EventType = "written"
	EventTypeIngested EventType = "ingested"
	EventTypeEmpty    EventType = "empty"
	EventTypeError    EventType = "error"
)

// Event is emitted by the orchestrator for every step of a list update.
type Event struct {
	List    string
	Month   string
	Stage   Stage
	Type    EventType
	Bytes   int64
	Path    string
	Indexed int
	Err     error
}

type OutcomeState string

const (
	OutcomePending OutcomeState = "pending"
	OutcomeUpdated OutcomeState = "updated"
	OutcomeEmpty   OutcomeState = "empty"
	OutcomeFailed  OutcomeState = "failed"
)

// Outcome is the result of updating one list.
type Outcome struct {
	List    string
	State   OutcomeState
	Bytes   int64
	Path    string
	Indexed int
	// FailedStage and Err are set when State is OutcomeFailed.
	FailedStage Stage
	Err         error
}

// Ok reports whether the list counts as a success in the aggregate status.
func (o Outcome) Ok() bool {
	return o.State == OutcomeUpdated || o.State == OutcomeEmpty
}

type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailure Status = "failure"
)

// Aggregate derives the run status: success when nothing failed, failure
// when every list failed, partial otherwise.
func Aggregate(outcomes []Outcome) Status {
	failed := 0
	for _, o := range outcomes {
		if !o.Ok() {
			failed++
		}
	}
	switch {
	case failed == 0:
		return StatusSuccess
	case failed == len(outcomes):
		return StatusFailure
	default:
		return StatusPartial
	}
}

type Report struct {
	Month    string
	Outcomes []Outcome
	Status   Status
	Duration time.Duration
}

// Failed returns the outcomes that did not succeed, in list order.
func (r Report) Failed() []Outcome {
	var failed []Outcome
	for _, o := range r.Outcomes {
		if !o.Ok() {
			failed = append(failed, o)
		}
	}
	return failed
}

func (r Report) Counts() (updated, empty, failed int) {
	for _, o := range r.Outcomes {
		switch o.State {
		case OutcomeUpdated:
			updated++
		case OutcomeEmpty:
			empty++
		default:
			failed++
		}
	}
	return updated, empty, failed
}

func (r Report) LogAttrs() []any {
	updated, empty, failed := r.Counts()
	return []any{
		"month", r.Month,
		"status", string(r.Status),
		"lists", len(r.Outcomes),
		"updated", updated,
		"empty", empty,
		"failed", failed,
		"duration", r.Duration,
	}
}

// Collector folds events into per-list outcomes, keeping first-seen order.
type Collector struct {
	mu       sync.Mutex
	month    string
	order    []string
	outcomes map[string]*Outcome
}

func NewCollector(month string) *Collector {
	return &Collector{month: month, outcomes: make(map[string]*Outcome)}
}

// Register adds a list with a pending outcome so lists that never emit an
// event still show up in the report.
func (c *Collector) Register(list string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcome(list)
}

func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	o := c.outcome(evt.List)
	if o.State == OutcomeFailed {
		return
	}
	switch evt.Type {
	case EventTypeFetched:
		o.Bytes = evt.Bytes
	case EventTypeWritten:
		o.Path = evt.Path
		o.State = OutcomeUpdated
	case EventTypeIngested:
		o.Indexed = evt.Indexed
	case EventTypeEmpty:
		o.State = OutcomeEmpty
	case EventTypeError:
		o.State = OutcomeFailed
		o.FailedStage = evt.Stage
		o.Err = evt.Err
	}
}

// Report snapshots the collected outcomes. Lists still pending are reported
// as failed.
func (c *Collector) Report(duration time.Duration) Report {
	c.mu.Lock()
	defer c.mu.Unlock()

	outcomes := make([]Outcome, 0, len(c.order))
	for _, list := range c.order {
		o := *c.outcomes[list]
		if o.State == OutcomePending {
			o.State = OutcomeFailed
			if o.Err == nil {
				o.Err = fmt.Errorf("%s: update did not complete", list)
			}
		}
		outcomes = append(outcomes, o)
	}
	return Report{
		Month:    c.month,
		Outcomes: outcomes,
		Status:   Aggregate(outcomes),
		Duration: duration,
	}
}

func (c *Collector) outcome(list string) *Outcome {
	o, ok := c.outcomes[list]
	if !ok {
		o = &Outcome{List: list, State: OutcomePending}
		c.outcomes[list] = o
		c.order = append(c.order, list)
	}
	return o
}

// Diagnostic renders a one-line description of a failed outcome.
func Diagnostic(o Outcome) string {
	kind := model.Kind(o.Err)
	if kind == nil {
		return fmt.Sprintf("%s: %s failed: %v", o.List, o.FailedStage, o.Err)
	}
	return fmt.Sprintf("%s: %s failed (%v): %v", o.List, o.FailedStage, kind, o.Err)
}

// Pair is a counted value.
type Pair struct {
	Key   string
	Value int
}

// Top returns the limit most frequent entries of m, ties broken by key.
// A negative limit returns every entry.
func Top(m map[string]int, limit int) []Pair {
	pairs := make([]Pair, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, Pair{k, v})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})
	if limit >= 0 && limit < len(pairs) {
		pairs = pairs[:limit]
	}
	return pairs
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(m map[string]int, limit int) {
	FprintTop(os.Stdout, m, limit)
}

func FprintTop(w io.Writer, m map[string]int, limit int) {
	for i, p := range Top(m, limit) {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, p.Key, p.Value)
	}
}

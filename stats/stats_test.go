package stats

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/support-and-care-labs/mail-mcp/model"
)

func TestCollector_Report(t *testing.T) {
	c := NewCollector("2024-10")
	c.Register("dev@maven.apache.org")
	c.Register("users@maven.apache.org")
	c.Register("issues@maven.apache.org")

	c.Apply(Event{List: "dev@maven.apache.org", Stage: StageFetch, Type: EventTypeFetched, Bytes: 42})
	c.Apply(Event{List: "dev@maven.apache.org", Stage: StageWrite, Type: EventTypeWritten, Path: "/data/dev/2024-10.mbox"})
	c.Apply(Event{List: "dev@maven.apache.org", Stage: StageIngest, Type: EventTypeIngested, Indexed: 3})

	c.Apply(Event{List: "users@maven.apache.org", Stage: StageFetch, Type: EventTypeEmpty})

	upstream := fmt.Errorf("%w: status 503", model.ErrUpstreamUnavailable)
	c.Apply(Event{List: "issues@maven.apache.org", Stage: StageFetch, Type: EventTypeError, Err: upstream})
	// events after a failure do not revive the outcome
	c.Apply(Event{List: "issues@maven.apache.org", Stage: StageWrite, Type: EventTypeWritten, Path: "x"})

	r := c.Report(time.Second)
	require.Len(t, r.Outcomes, 3)
	assert.Equal(t, StatusPartial, r.Status)
	assert.Equal(t, "2024-10", r.Month)

	dev := r.Outcomes[0]
	assert.Equal(t, OutcomeUpdated, dev.State)
	assert.Equal(t, int64(42), dev.Bytes)
	assert.Equal(t, "/data/dev/2024-10.mbox", dev.Path)
	assert.Equal(t, 3, dev.Indexed)

	assert.Equal(t, OutcomeEmpty, r.Outcomes[1].State)
	assert.True(t, r.Outcomes[1].Ok())

	issues := r.Outcomes[2]
	assert.Equal(t, OutcomeFailed, issues.State)
	assert.Equal(t, StageFetch, issues.FailedStage)
	assert.ErrorIs(t, issues.Err, model.ErrUpstreamUnavailable)
	assert.Empty(t, issues.Path)

	updated, empty, failed := r.Counts()
	assert.Equal(t, []int{1, 1, 1}, []int{updated, empty, failed})
	assert.Equal(t, []Outcome{issues}, r.Failed())
	assert.Contains(t, r.LogAttrs(), "partial")
}

func TestCollector_PendingIsFailure(t *testing.T) {
	c := NewCollector("2024-10")
	c.Register("dev@maven.apache.org")
	r := c.Report(0)
	assert.Equal(t, StatusFailure, r.Status)
	assert.Error(t, r.Outcomes[0].Err)
}

func TestAggregate(t *testing.T) {
	ok := Outcome{State: OutcomeUpdated}
	empty := Outcome{State: OutcomeEmpty}
	bad := Outcome{State: OutcomeFailed}

	assert.Equal(t, StatusSuccess, Aggregate(nil))
	assert.Equal(t, StatusSuccess, Aggregate([]Outcome{ok, empty}))
	assert.Equal(t, StatusPartial, Aggregate([]Outcome{ok, bad}))
	assert.Equal(t, StatusFailure, Aggregate([]Outcome{bad, bad}))
}

func TestDiagnostic(t *testing.T) {
	o := Outcome{List: "dev@maven.apache.org", FailedStage: StageWrite, Err: fmt.Errorf("%w: rename: denied", model.ErrIOFailure)}
	assert.Equal(t, "dev@maven.apache.org: write failed (io failure): io failure: rename: denied", Diagnostic(o))

	o = Outcome{List: "dev@maven.apache.org", FailedStage: StageIngest, Err: errors.New("db locked")}
	assert.Equal(t, "dev@maven.apache.org: ingest failed: db locked", Diagnostic(o))
}

func TestTop(t *testing.T) {
	m := map[string]int{"b": 2, "a": 2, "c": 5, "d": 1}
	assert.Equal(t, []Pair{{"c", 5}, {"a", 2}, {"b", 2}}, Top(m, 3))
	assert.Len(t, Top(m, -1), 4)

	var buf bytes.Buffer
	FprintTop(&buf, m, 2)
	assert.Equal(t, "1. c (5)\n2. a (2)\n", buf.String())
}

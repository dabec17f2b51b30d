package filter

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilter_IncludeHeader(t *testing.T) {
	f, err := New(Options{IncludeHeader: []string{`Subject: \[VOTE\]`}})
	require.NoError(t, err)

	body := []byte("+1 (binding)")
	assert.True(t, f.Allows([]byte("Subject: [VOTE] Release Maven 3.9.9\nFrom: rm@apache.org\n"), body))
	assert.False(t, f.Allows([]byte("Subject: Build failed in Jenkins\nFrom: jenkins@apache.org\n"), body))

	s := f.Stats()
	assert.Equal(t, 2, s.Checked)
	assert.Equal(t, 1, s.Rejected)
	assert.Equal(t, []string{`Subject: \[VOTE\]`}, s.IncludeHeaderPatterns)
}

func TestFilter_ExcludeHeader(t *testing.T) {
	f, err := New(Options{ExcludeHeader: []string{`From: .*jira@apache\.org`}})
	require.NoError(t, err)

	assert.True(t, f.Allows([]byte("Subject: Re: plugin defaults\nFrom: dev@example.com\n"), nil))
	assert.False(t, f.Allows([]byte("Subject: [jira] Created: (MNG-1)\nFrom: \"ASF JIRA\" <jira@apache.org>\n"), nil))
	assert.Equal(t, 1, f.Stats().Hits[`From: .*jira@apache\.org`])
}

func TestFilter_BodyPatterns(t *testing.T) {
	f, err := New(Options{IncludeBody: []string{`MNG-\d+`, "  "}})
	require.NoError(t, err)

	assert.True(t, f.AllowsRaw([]byte("Subject: fix\n\nSee MNG-8123 for details")))
	assert.False(t, f.AllowsRaw([]byte("Subject: MNG-1 in the header only\n\nnothing to see")))

	s := f.Stats()
	assert.Len(t, s.IncludeBodyPatterns, 1, "blank patterns are dropped")
	assert.Equal(t, 1, s.Hits[`MNG-\d+`])
}

func TestFilter_ExcludeBody(t *testing.T) {
	f, err := New(Options{ExcludeBody: []string{`(?i)unsubscribe`}})
	require.NoError(t, err)
	assert.False(t, f.AllowsRaw([]byte("Subject: x\r\n\r\nTo UNSUBSCRIBE send mail")))
	assert.True(t, f.AllowsRaw([]byte("Subject: unsubscribe\r\n\r\nregular mail")))
	assert.Equal(t, []string{`(?i)unsubscribe`}, f.Stats().ExcludeBodyPatterns)
}

func TestNew_Errors(t *testing.T) {
	_, err := New(Options{IncludeHeader: []string{"test"}, ExcludeBody: []string{"spam"}})
	assert.ErrorIs(t, err, ErrConflictingModes)

	_, err = New(Options{IncludeBody: []string{"("}})
	assert.ErrorContains(t, err, "include-body")
}

func TestFilter_NoPatternsAllowsEverything(t *testing.T) {
	f, err := New(Options{ExcludeHeader: []string{" "}})
	require.NoError(t, err)
	assert.True(t, f.Allows([]byte("Subject: Any Message\n"), []byte("Any body content")))
	assert.Zero(t, f.Stats().Checked)

	var nilFilter *Filter
	assert.True(t, nilFilter.AllowsRaw([]byte("Subject: x\n\nbody")))
	assert.Empty(t, nilFilter.Stats().Hits)
	assert.False(t, Options{}.Active())
}

func TestFilter_ConcurrentUse(t *testing.T) {
	f, err := New(Options{ExcludeHeader: []string{`jira`}})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				f.AllowsRaw([]byte("From: jira@apache.org\n\nbody"))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 400, f.Stats().Hits["jira"])
	assert.Equal(t, 400, f.Stats().Rejected)
}

func TestSplitRawMessage(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantHeader string
		wantBody   string
	}{
		{"crlf", "Header: value\r\n\r\nBody content", "Header: value", "Body content"},
		{"lf", "Header: value\n\nBody content", "Header: value", "Body content"},
		{"first separator wins", "A: 1\n\nbody\r\n\r\nmore", "A: 1", "body\r\n\r\nmore"},
		{"no separator", "All header content", "All header content", ""},
		{"empty", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header, body := SplitRawMessage([]byte(tt.raw))
			assert.Equal(t, tt.wantHeader, string(header))
			assert.Equal(t, tt.wantBody, string(body))
		})
	}
}

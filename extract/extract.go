// Package extract derives searchable metadata from a message's subject and
// body: issue and pull request references, release versions, vote markers,
// decision keywords and the share of quoted text.
package extract

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/support-and-care-labs/mail-mcp/model"
)

// QuoteThreshold is the quoted-line share above which a message counts as
// mostly quoted.
const QuoteThreshold = 0.8

// DefaultJiraKeys are the Maven JIRA projects most often referenced on the
// Maven lists.
var DefaultJiraKeys = []string{
	"MNG", "MRESOLVER", "MCOMPILER", "SUREFIRE", "MWAR", "MJAR", "MDEP",
	"MSHADE", "MJAVADOC", "MSITE", "MRELEASE", "MPLUGIN", "MINSTALL",
	"MDEPLOY", "MASSEMBLY", "MENFORCER", "ARCHETYPE", "WAGON", "DOXIA",
	"MPMD", "MCHECKSTYLE", "SCM", "MRESOURCES", "MCLEAN", "MGPG",
	"MBUILDCACHE", "MWRAPPER", "MSHARED", "MPOM", "MNGSITE",
}

var (
	pullRequestRe = regexp.MustCompile(`#(\d+)\b`)
	commitRe      = regexp.MustCompile(`(?i)\b[0-9a-f]{7,40}\b`)
	versionRe     = regexp.MustCompile(`(?i)\b\d+\.\d+(?:\.\d+)?(?:-(?:alpha|beta|rc|SNAPSHOT|M)\d*)?(?:-\d+)?\b`)
	decisionRe    = regexp.MustCompile(`(?i)\b(decided|consensus|agreed|resolved|wontfix|approved|rejected|accepted|declined)\b`)
	voteMarkerRe  = regexp.MustCompile(`(?i)\[VOTE\]|\[RESULT\]`)
	voteValueRe   = regexp.MustCompile(`(?m)(?:^|\s)([+-][01])(?:\s|$)`)
	jiraKeyRe     = regexp.MustCompile(`^[A-Z][A-Z0-9]+$`)

	quotePrefixRe = regexp.MustCompile(`^\s*[>|]+`)
	attributionRe = regexp.MustCompile(`(?i)^(?:On\s+.+?\s+wrote:|.+?\s+wrote:|From:.+$|Sent:.+$)`)
	signatureRe   = regexp.MustCompile(`(?im)^--\s*$|^___+\s*$|^Best regards|^Regards|^Cheers|^Thanks`)
	blankRunRe    = regexp.MustCompile(`\n{3,}`)
)

// hex strings that show up in mail without being commits
var notCommits = map[string]bool{"ffffff": true, "deadbeef": true, "0000000": true}

// Metadata holds the references and decision markers found in a message.
type Metadata struct {
	JiraRefs     []string
	PullRequests []string
	Commits      []string
	Versions     []string
	Decisions    []string
	HasVote      bool
	// VoteValue is +1, +0, -0 or -1, or empty when no vote was cast.
	VoteValue string
}

// Quotes describes how much of a body repeats earlier messages.
type Quotes struct {
	TotalLines  int
	QuotedLines int
	Percentage  float64
	// Effective is the body without quoted lines and signature.
	Effective string
}

// MostlyQuoted reports whether the quoted share exceeds QuoteThreshold.
func (q Quotes) MostlyQuoted() bool { return q.Percentage > QuoteThreshold }

// Extractor is safe for concurrent use.
type Extractor struct {
	jira *regexp.Regexp
}

// New builds an Extractor recognising references to the given JIRA project
// keys. An empty set uses DefaultJiraKeys.
func New(jiraKeys []string) (*Extractor, error) {
	if len(jiraKeys) == 0 {
		jiraKeys = DefaultJiraKeys
	}
	quoted := make([]string, 0, len(jiraKeys))
	for _, k := range jiraKeys {
		k = strings.ToUpper(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if !jiraKeyRe.MatchString(k) {
			return nil, fmt.Errorf("%w: invalid JIRA project key %q", model.ErrInvalidArgument, k)
		}
		quoted = append(quoted, regexp.QuoteMeta(k))
	}
	if len(quoted) == 0 {
		return New(nil)
	}
	return &Extractor{jira: regexp.MustCompile(`\b(?:` + strings.Join(quoted, "|") + `)-\d+\b`)}, nil
}

var defaultExtractor, _ = New(nil)

// Default returns an Extractor for DefaultJiraKeys.
func Default() *Extractor { return defaultExtractor }

// Metadata scans text for references and vote markers.
func (e *Extractor) Metadata(text string) Metadata {
	md := Metadata{
		JiraRefs:     unique(e.jira.FindAllString(text, -1)),
		PullRequests: sorted(submatches(pullRequestRe, text)),
		Commits:      commits(text),
		Versions:     versions(text),
		HasVote:      voteMarkerRe.MatchString(text),
	}
	var decisions []string
	for _, kw := range submatches(decisionRe, text) {
		decisions = append(decisions, strings.ToLower(kw))
	}
	md.Decisions = sorted(decisions)
	if m := voteValueRe.FindStringSubmatch(text); m != nil {
		md.VoteValue = m[1]
	}
	return md
}

// Enrich fills the derived fields of msg from its subject and body.
func (e *Extractor) Enrich(msg *model.Message) {
	q := AnalyzeQuotes(msg.Body)
	md := e.Metadata(msg.Subject + "\n\n" + msg.Body)

	msg.BodyEffective = q.Effective
	msg.QuotePercentage = q.Percentage
	msg.MostlyQuoted = q.MostlyQuoted()
	msg.JiraRefs = md.JiraRefs
	msg.PullRequests = md.PullRequests
	msg.Commits = md.Commits
	msg.Versions = md.Versions
	msg.Decisions = md.Decisions
	msg.HasVote = md.HasVote
	msg.VoteValue = md.VoteValue
}

// AnalyzeQuotes counts quoted lines and strips quotes and signature.
func AnalyzeQuotes(body string) Quotes {
	lines := strings.Split(body, "\n")
	q := Quotes{TotalLines: len(lines)}
	for _, l := range lines {
		if isQuoted(l) {
			q.QuotedLines++
		}
	}
	if q.TotalLines > 0 {
		q.Percentage = float64(q.QuotedLines) / float64(q.TotalLines)
	}

	if loc := signatureRe.FindStringIndex(body); loc != nil {
		body = strings.TrimRight(body[:loc[0]], " \t\r\n")
	}
	kept := make([]string, 0, len(lines))
	for _, l := range strings.Split(body, "\n") {
		if !isQuoted(l) {
			kept = append(kept, l)
		}
	}
	q.Effective = strings.TrimSpace(blankRunRe.ReplaceAllString(strings.Join(kept, "\n"), "\n\n"))
	return q
}

func isQuoted(line string) bool {
	if strings.TrimSpace(line) == "" {
		return false
	}
	return quotePrefixRe.MatchString(line) || attributionRe.MatchString(line)
}

func commits(text string) []string {
	var out []string
	for _, m := range commitRe.FindAllString(text, -1) {
		// all-digit runs are dates and numbers far more often than hashes
		if notCommits[strings.ToLower(m)] || strings.Trim(m, "0123456789") == "" {
			continue
		}
		out = append(out, m)
	}
	return sorted(out)
}

func versions(text string) []string {
	var out []string
	for _, v := range versionRe.FindAllString(text, -1) {
		head, _, _ := strings.Cut(v, ".")
		// 2024.10 and friends are dates
		if n, err := strconv.Atoi(head); err == nil && n > 31 {
			continue
		}
		out = append(out, v)
	}
	return sorted(out)
}

func submatches(re *regexp.Regexp, text string) []string {
	var out []string
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		out = append(out, m[1])
	}
	return out
}

// unique drops repeats and keeps first-seen order.
func unique(in []string) []string {
	var out []string
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func sorted(in []string) []string {
	out := unique(in)
	slices.Sort(out)
	return out
}

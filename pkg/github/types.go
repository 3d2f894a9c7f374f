package github

import (
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// Issue and pull request states as reported by `gh --json state`.
const (
	StateOpen   = "OPEN"
	StateClosed = "CLOSED"
	StateMerged = "MERGED"
)

// Label is a GitHub label.
type Label struct {
	Name string `json:"name"`
}

// Issue is the subset of issue fields kiln reads.
type Issue struct {
	Number int     `json:"number"`
	Title  string  `json:"title"`
	Body   string  `json:"body"`
	State  string  `json:"state"`
	URL    string  `json:"url"`
	Labels []Label `json:"labels"`
}

// HasLabel reports whether the issue carries the named label.
func (i Issue) HasLabel(name string) bool { return hasLabel(i.Labels, name) }

// Open reports whether the issue is open.
func (i Issue) Open() bool { return strings.EqualFold(i.State, StateOpen) }

// IssueRef is a reference to an issue from a pull request.
type IssueRef struct {
	Number int `json:"number"`
}

// PullRequest is the subset of pull request fields kiln reads.
type PullRequest struct {
	Number                  int        `json:"number"`
	Title                   string     `json:"title"`
	Body                    string     `json:"body"`
	State                   string     `json:"state"`
	URL                     string     `json:"url"`
	HeadRefName             string     `json:"headRefName"`
	BaseRefName             string     `json:"baseRefName"`
	IsDraft                 bool       `json:"isDraft"`
	Mergeable               string     `json:"mergeable,omitempty"`
	Labels                  []Label    `json:"labels"`
	ClosingIssuesReferences []IssueRef `json:"closingIssuesReferences"`
}

// HasLabel reports whether the pull request carries the named label.
func (p PullRequest) HasLabel(name string) bool { return hasLabel(p.Labels, name) }

var closingKeyword = regexp.MustCompile(`(?i)\b(?:close[sd]?|fix(?:e[sd])?|resolve[sd]?)\s+#(\d+)\b`)

// LinkedIssue returns the issue the pull request closes: the first closing
// reference GitHub reports, else the first "closes/fixes/resolves #N" in the
// body. Returns 0 when there is none.
func (p PullRequest) LinkedIssue() int {
	if len(p.ClosingIssuesReferences) > 0 {
		return p.ClosingIssuesReferences[0].Number
	}
	if m := closingKeyword.FindStringSubmatch(p.Body); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			return n
		}
	}
	return 0
}

// CheckRun is one CI check on a pull request. Bucket is one of "pass",
// "fail", or "pending".
type CheckRun struct {
	Name       string `json:"name"`
	Status     string `json:"status,omitempty"`
	Conclusion string `json:"conclusion,omitempty"`
	Bucket     string `json:"bucket"`
	Link       string `json:"link,omitempty"`
}

// CIStatus summarizes the checks of a pull request.
type CIStatus struct {
	Checks  []CheckRun `json:"checks"`
	Passing bool       `json:"passing"`
	Pending bool       `json:"pending"`
	Failing []string   `json:"failing,omitempty"`
}

// Comment is an issue or pull request comment.
type Comment struct {
	ID   int64  `json:"id"`
	Body string `json:"body"`
	URL  string `json:"html_url"`
}

func hasLabel(labels []Label, name string) bool {
	return slices.ContainsFunc(labels, func(l Label) bool { return strings.EqualFold(l.Name, name) })
}

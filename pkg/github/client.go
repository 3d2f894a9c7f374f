// Package github is kiln's RepositoryClient: a thin adapter over the gh CLI.
// Every call shells out to gh with --json and decodes the result. Failures
// are returned wrapped, never swallowed.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"kiln/pkg/shell"
)

const listLimit = "100"

const (
	issueFields = "number,title,body,state,url,labels"
	prFields    = "number,title,body,state,url,headRefName,baseRefName,isDraft,labels"
)

// Client runs gh commands against one repository.
type Client struct {
	runner shell.CommandRunner
	repo   string
}

// NewClient returns a Client for repo ("owner/name"). An empty repo lets gh
// infer the repository from the working directory.
func NewClient(runner shell.CommandRunner, repo string) *Client {
	return &Client{runner: runner, repo: repo}
}

// Repository returns the configured "owner/name".
func (c *Client) Repository() string { return c.repo }

func (c *Client) gh(ctx context.Context, args ...string) ([]byte, error) {
	return c.runner.Run(ctx, "gh", args...)
}

// repoArgs returns the --repo flag when a repository is configured.
func (c *Client) repoArgs() []string {
	if c.repo == "" {
		return nil
	}
	return []string{"--repo", c.repo}
}

// apiPath prefixes an API path with the repository, falling back to gh's
// {owner}/{repo} placeholders.
func (c *Client) apiPath(format string, a ...any) string {
	repo := c.repo
	if repo == "" {
		repo = "{owner}/{repo}"
	}
	return "repos/" + repo + "/" + fmt.Sprintf(format, a...)
}

// ResolveRepository asks gh for the repository of the working directory.
func (c *Client) ResolveRepository(ctx context.Context) (string, error) {
	out, err := c.gh(ctx, "repo", "view", "--json", "nameWithOwner", "--jq", ".nameWithOwner")
	if err != nil {
		return "", fmt.Errorf("gh repo view: %w", err)
	}
	repo := strings.TrimSpace(string(out))
	if repo == "" {
		return "", errors.New("gh repo view: empty repository name")
	}
	return repo, nil
}

// ListIssues returns open issues carrying label.
func (c *Client) ListIssues(ctx context.Context, label string) ([]Issue, error) {
	args := append([]string{"issue", "list", "--state", "open", "--label", label,
		"--limit", listLimit, "--json", issueFields}, c.repoArgs()...)
	out, err := c.gh(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("gh issue list %s: %w", label, err)
	}
	var issues []Issue
	if err := json.Unmarshal(out, &issues); err != nil {
		return nil, fmt.Errorf("parse gh issue list output: %w", err)
	}
	return issues, nil
}

// ListPullRequests returns open pull requests carrying label.
func (c *Client) ListPullRequests(ctx context.Context, label string) ([]PullRequest, error) {
	args := append([]string{"pr", "list", "--state", "open", "--label", label,
		"--limit", listLimit, "--json", prFields}, c.repoArgs()...)
	out, err := c.gh(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("gh pr list %s: %w", label, err)
	}
	var prs []PullRequest
	if err := json.Unmarshal(out, &prs); err != nil {
		return nil, fmt.Errorf("parse gh pr list output: %w", err)
	}
	return prs, nil
}

// FetchIssue returns one issue.
func (c *Client) FetchIssue(ctx context.Context, number int) (*Issue, error) {
	args := append([]string{"issue", "view", strconv.Itoa(number), "--json", issueFields}, c.repoArgs()...)
	out, err := c.gh(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("gh issue view %d: %w", number, err)
	}
	var issue Issue
	if err := json.Unmarshal(out, &issue); err != nil {
		return nil, fmt.Errorf("parse gh issue view %d: %w", number, err)
	}
	return &issue, nil
}

// FetchPullRequest returns one pull request, including its closing issue
// references.
func (c *Client) FetchPullRequest(ctx context.Context, number int) (*PullRequest, error) {
	args := append([]string{"pr", "view", strconv.Itoa(number),
		"--json", prFields + ",closingIssuesReferences,mergeable"}, c.repoArgs()...)
	out, err := c.gh(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("gh pr view %d: %w", number, err)
	}
	var pr PullRequest
	if err := json.Unmarshal(out, &pr); err != nil {
		return nil, fmt.Errorf("parse gh pr view %d: %w", number, err)
	}
	return &pr, nil
}

// FindPullRequestForBranch returns the most recent pull request whose head is
// branch, in any state, or nil when there is none.
func (c *Client) FindPullRequestForBranch(ctx context.Context, branch string) (*PullRequest, error) {
	args := append([]string{"pr", "list", "--state", "all", "--head", branch, "--limit", "1",
		"--json", prFields + ",closingIssuesReferences"}, c.repoArgs()...)
	out, err := c.gh(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("gh pr list --head %s: %w", branch, err)
	}
	var prs []PullRequest
	if err := json.Unmarshal(out, &prs); err != nil {
		return nil, fmt.Errorf("parse gh pr list --head %s: %w", branch, err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return &prs[0], nil
}

// rollupEntry is one element of statusCheckRollup: a CheckRun or a
// StatusContext.
type rollupEntry struct {
	Typename   string `json:"__typename"`
	Name       string `json:"name"`
	Context    string `json:"context"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	State      string `json:"state"`
	DetailsURL string `json:"detailsUrl"`
	TargetURL  string `json:"targetUrl"`
}

// FetchCIStatus returns the check summary of a pull request.
func (c *Client) FetchCIStatus(ctx context.Context, number int) (*CIStatus, error) {
	args := append([]string{"pr", "view", strconv.Itoa(number), "--json", "statusCheckRollup"}, c.repoArgs()...)
	out, err := c.gh(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("gh pr view %d checks: %w", number, err)
	}
	var raw struct {
		StatusCheckRollup []rollupEntry `json:"statusCheckRollup"`
	}
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("parse checks for #%d: %w", number, err)
	}
	return summarizeChecks(raw.StatusCheckRollup), nil
}

func summarizeChecks(entries []rollupEntry) *CIStatus {
	st := &CIStatus{Checks: make([]CheckRun, 0, len(entries))}
	for _, e := range entries {
		run := CheckRun{Name: e.Name, Status: e.Status, Conclusion: e.Conclusion, Link: e.DetailsURL}
		if e.Typename == "StatusContext" {
			run.Name, run.Status, run.Conclusion, run.Link = e.Context, e.State, e.State, e.TargetURL
		}
		run.Bucket = bucket(e)
		switch run.Bucket {
		case "fail":
			st.Failing = append(st.Failing, run.Name)
		case "pending":
			st.Pending = true
		}
		st.Checks = append(st.Checks, run)
	}
	st.Passing = len(st.Failing) == 0 && !st.Pending
	return st
}

func bucket(e rollupEntry) string {
	if e.Typename == "StatusContext" {
		switch e.State {
		case "SUCCESS":
			return "pass"
		case "FAILURE", "ERROR":
			return "fail"
		default:
			return "pending"
		}
	}
	if e.Status != "COMPLETED" {
		return "pending"
	}
	switch e.Conclusion {
	case "SUCCESS", "NEUTRAL", "SKIPPED":
		return "pass"
	default:
		return "fail"
	}
}

// AddLabel adds label to an issue or pull request.
func (c *Client) AddLabel(ctx context.Context, number int, label string) error {
	_, err := c.gh(ctx, "api", "--method", "POST", c.apiPath("issues/%d/labels", number), "-f", "labels[]="+label)
	if err != nil {
		return fmt.Errorf("add label %s to #%d: %w", label, number, err)
	}
	return nil
}

// RemoveLabel removes label from an issue or pull request. Removing a label
// that is not present succeeds.
func (c *Client) RemoveLabel(ctx context.Context, number int, label string) error {
	_, err := c.gh(ctx, "api", "--method", "DELETE",
		c.apiPath("issues/%d/labels/%s", number, url.PathEscape(label)))
	if err != nil && !notFound(err) {
		return fmt.Errorf("remove label %s from #%d: %w", label, number, err)
	}
	return nil
}

// ReplaceLabel swaps from for to on an issue or pull request.
func (c *Client) ReplaceLabel(ctx context.Context, number int, from, to string) error {
	if err := c.AddLabel(ctx, number, to); err != nil {
		return err
	}
	return c.RemoveLabel(ctx, number, from)
}

// PostComment adds a comment and returns it.
func (c *Client) PostComment(ctx context.Context, number int, body string) (*Comment, error) {
	out, err := c.gh(ctx, "api", "--method", "POST", c.apiPath("issues/%d/comments", number), "-f", "body="+body)
	if err != nil {
		return nil, fmt.Errorf("comment on #%d: %w", number, err)
	}
	var cm Comment
	if err := json.Unmarshal(out, &cm); err != nil {
		return nil, fmt.Errorf("parse comment response: %w", err)
	}
	return &cm, nil
}

// UpdateComment replaces the body of a comment.
func (c *Client) UpdateComment(ctx context.Context, commentID int64, body string) error {
	_, err := c.gh(ctx, "api", "--method", "PATCH", c.apiPath("issues/comments/%d", commentID), "-f", "body="+body)
	if err != nil {
		return fmt.Errorf("update comment %d: %w", commentID, err)
	}
	return nil
}

// FindComment returns the first comment on number whose body contains
// marker, or nil.
func (c *Client) FindComment(ctx context.Context, number int, marker string) (*Comment, error) {
	out, err := c.gh(ctx, "api", "--paginate", c.apiPath("issues/%d/comments", number),
		"--jq", ".[] | {id, body, html_url}")
	if err != nil {
		return nil, fmt.Errorf("list comments on #%d: %w", number, err)
	}

	dec := json.NewDecoder(bytes.NewReader(out))
	for dec.More() {
		var cm Comment
		if err := dec.Decode(&cm); err != nil {
			return nil, fmt.Errorf("parse comments on #%d: %w", number, err)
		}
		if strings.Contains(cm.Body, marker) {
			return &cm, nil
		}
	}
	return nil, nil
}

// MergePullRequest merges a pull request with method ("merge", "squash" or
// "rebase"). Merging an already merged pull request succeeds.
func (c *Client) MergePullRequest(ctx context.Context, number int, method string) error {
	switch method {
	case "merge", "squash", "rebase":
	case "":
		method = "squash"
	default:
		return fmt.Errorf("merge #%d: unknown method %q", number, method)
	}
	args := append([]string{"pr", "merge", strconv.Itoa(number), "--" + method}, c.repoArgs()...)
	if _, err := c.gh(ctx, args...); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "already merged") {
			return nil
		}
		return fmt.Errorf("gh pr merge %d: %w", number, err)
	}
	return nil
}

func notFound(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "HTTP 404") || strings.Contains(msg, "Not Found")
}

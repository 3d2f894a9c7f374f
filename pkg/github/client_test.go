package github //nolint:testpackage // white-box tests for check summarizing

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
)

type mockCall struct {
	Name string
	Args []string
}

type mockCommandRunner struct {
	calls  []mockCall
	output []byte
	err    error
}

func (m *mockCommandRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	m.calls = append(m.calls, mockCall{Name: name, Args: args})
	return m.output, m.err
}

func (m *mockCommandRunner) lastArgs(t *testing.T) []string {
	t.Helper()
	if len(m.calls) == 0 {
		t.Fatal("no calls recorded")
	}
	return m.calls[len(m.calls)-1].Args
}

func TestListIssues(t *testing.T) {
	runner := &mockCommandRunner{output: []byte(`[
		{"number": 375, "title": "Widgets", "state": "OPEN", "labels": [{"name": "kiln:build"}]},
		{"number": 376, "title": "Gadgets", "state": "OPEN", "labels": []}
	]`)}
	c := NewClient(runner, "acme/widgets")

	issues, err := c.ListIssues(context.Background(), "kiln:build")
	if err != nil {
		t.Fatalf("ListIssues: %v", err)
	}
	if len(issues) != 2 || !issues[0].HasLabel("kiln:build") || issues[1].HasLabel("kiln:build") {
		t.Fatalf("issues: %+v", issues)
	}

	args := runner.lastArgs(t)
	if runner.calls[0].Name != "gh" || args[0] != "issue" || args[1] != "list" {
		t.Fatalf("unexpected command: %v", args)
	}
	if !slices.Contains(args, "--repo") || !slices.Contains(args, "acme/widgets") {
		t.Fatalf("expected --repo flag: %v", args)
	}
}

func TestListIssues_ErrorIsReturned(t *testing.T) {
	runner := &mockCommandRunner{err: errors.New("HTTP 502")}
	_, err := NewClient(runner, "acme/widgets").ListIssues(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "gh issue list") {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestFetchPullRequest_LinkedIssue(t *testing.T) {
	runner := &mockCommandRunner{output: []byte(`{
		"number": 12, "state": "OPEN", "headRefName": "kiln/issue-375-x",
		"closingIssuesReferences": [{"number": 375}]
	}`)}
	pr, err := NewClient(runner, "").FetchPullRequest(context.Background(), 12)
	if err != nil {
		t.Fatalf("FetchPullRequest: %v", err)
	}
	if pr.LinkedIssue() != 375 {
		t.Fatalf("linked issue: got %d", pr.LinkedIssue())
	}
	if slices.Contains(runner.lastArgs(t), "--repo") {
		t.Fatal("no --repo expected when repository is empty")
	}
}

func TestLinkedIssue_BodyFallback(t *testing.T) {
	tests := []struct {
		body string
		want int
	}{
		{"Fixes #42", 42},
		{"This resolves #7 and closes #8", 7},
		{"Refs #9", 0},
		{"", 0},
	}
	for _, tt := range tests {
		if got := (PullRequest{Body: tt.body}).LinkedIssue(); got != tt.want {
			t.Errorf("LinkedIssue(%q) = %d, want %d", tt.body, got, tt.want)
		}
	}
}

func TestFindPullRequestForBranch(t *testing.T) {
	runner := &mockCommandRunner{output: []byte(`[]`)}
	c := NewClient(runner, "acme/widgets")

	pr, err := c.FindPullRequestForBranch(context.Background(), "kiln/issue-1-a")
	if err != nil || pr != nil {
		t.Fatalf("no PR: got %+v %v", pr, err)
	}

	runner.output = []byte(`[{"number": 3, "state": "MERGED"}]`)
	pr, err = c.FindPullRequestForBranch(context.Background(), "kiln/issue-1-a")
	if err != nil || pr == nil || pr.Number != 3 || pr.State != StateMerged {
		t.Fatalf("PR: got %+v %v", pr, err)
	}
	if !slices.Contains(runner.lastArgs(t), "--head") {
		t.Fatalf("expected --head: %v", runner.lastArgs(t))
	}
}

func TestSummarizeChecks(t *testing.T) {
	st := summarizeChecks([]rollupEntry{
		{Typename: "CheckRun", Name: "lint", Status: "COMPLETED", Conclusion: "SUCCESS"},
		{Typename: "CheckRun", Name: "test", Status: "COMPLETED", Conclusion: "FAILURE"},
		{Typename: "StatusContext", Context: "ci/legacy", State: "PENDING"},
	})
	if st.Passing || !st.Pending {
		t.Fatalf("summary: %+v", st)
	}
	if len(st.Failing) != 1 || st.Failing[0] != "test" {
		t.Fatalf("failing: %v", st.Failing)
	}
	if st.Checks[2].Name != "ci/legacy" || st.Checks[2].Bucket != "pending" {
		t.Fatalf("status context: %+v", st.Checks[2])
	}

	if ok := summarizeChecks(nil); !ok.Passing {
		t.Fatal("no checks should count as passing")
	}
}

func TestRemoveLabel_NotFoundIsSuccess(t *testing.T) {
	runner := &mockCommandRunner{err: errors.New("gh: Label does not exist (HTTP 404)")}
	if err := NewClient(runner, "acme/widgets").RemoveLabel(context.Background(), 1, "kiln:paused"); err != nil {
		t.Fatalf("RemoveLabel: %v", err)
	}
	args := runner.lastArgs(t)
	if args[len(args)-1] != "repos/acme/widgets/issues/1/labels/kiln:paused" {
		t.Fatalf("path: %v", args)
	}
}

func TestAddLabel_PlaceholderRepo(t *testing.T) {
	runner := &mockCommandRunner{}
	if err := NewClient(runner, "").AddLabel(context.Background(), 5, "kiln:plan"); err != nil {
		t.Fatalf("AddLabel: %v", err)
	}
	if !slices.Contains(runner.lastArgs(t), "repos/{owner}/{repo}/issues/5/labels") {
		t.Fatalf("expected placeholder path: %v", runner.lastArgs(t))
	}
}

func TestFindComment(t *testing.T) {
	runner := &mockCommandRunner{output: []byte(
		`{"id":1,"body":"hello","html_url":"u1"}` + "\n" +
			`{"id":2,"body":"<!-- kiln:plan -->\nplan","html_url":"u2"}` + "\n")}
	cm, err := NewClient(runner, "acme/widgets").FindComment(context.Background(), 9, "<!-- kiln:plan -->")
	if err != nil || cm == nil || cm.ID != 2 {
		t.Fatalf("FindComment: got %+v %v", cm, err)
	}

	cm, err = NewClient(runner, "acme/widgets").FindComment(context.Background(), 9, "missing")
	if err != nil || cm != nil {
		t.Fatalf("missing marker: got %+v %v", cm, err)
	}
}

func TestMergePullRequest(t *testing.T) {
	runner := &mockCommandRunner{err: errors.New("Pull request #4 was already merged")}
	c := NewClient(runner, "acme/widgets")
	if err := c.MergePullRequest(context.Background(), 4, ""); err != nil {
		t.Fatalf("already merged should succeed: %v", err)
	}
	if !slices.Contains(runner.lastArgs(t), "--squash") {
		t.Fatalf("default method should be squash: %v", runner.lastArgs(t))
	}
	if err := c.MergePullRequest(context.Background(), 4, "octopus"); err == nil {
		t.Fatal("expected error for unknown method")
	}
}

package protocol

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// SlugKind classifies a worktree slug.
type SlugKind string

// Slug kinds.
const (
	SlugIssue  SlugKind = "issue"
	SlugPR     SlugKind = "pr"
	SlugOrphan SlugKind = "orphan"
)

// SlugRef is the typed result of parsing a worktree slug or branch name.
type SlugRef struct {
	Kind   SlugKind
	Number int
}

// Orphan reports whether the slug did not match the naming grammar.
func (r SlugRef) Orphan() bool { return r.Kind == SlugOrphan }

// slugPattern is the worktree naming grammar: issue-<N>[-<words>] or pr-<N>[-<words>].
var slugPattern = regexp.MustCompile(`^(issue|pr)-([1-9][0-9]*)(-[a-z0-9][a-z0-9-]*)?$`)

// maxSlugLen bounds generated slugs so paths and branch names stay readable.
const maxSlugLen = 50

// ParseSlug matches s against the worktree naming grammar. A leading
// BranchPrefix and any "refs/heads/" qualifier are ignored. Anything that does
// not match exactly is an orphan.
func ParseSlug(s string) SlugRef {
	s = strings.TrimPrefix(s, "refs/heads/")
	s = strings.TrimPrefix(s, BranchPrefix)

	m := slugPattern.FindStringSubmatch(s)
	if m == nil {
		return SlugRef{Kind: SlugOrphan}
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return SlugRef{Kind: SlugOrphan}
	}
	return SlugRef{Kind: SlugKind(m[1]), Number: n}
}

// nonSlugChars matches runs of characters that are not allowed in a slug.
var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)

// BuildSlug returns "<kind>-<number>-<kebab-title>", truncated to a bounded
// length. The result always round-trips through ParseSlug.
func BuildSlug(kind SlugKind, number int, title string) (string, error) {
	if kind != SlugIssue && kind != SlugPR {
		return "", fmt.Errorf("build slug: invalid kind %q", kind)
	}
	if number <= 0 {
		return "", fmt.Errorf("build slug: invalid number %d", number)
	}

	base := fmt.Sprintf("%s-%d", kind, number)
	words := strings.Trim(nonSlugChars.ReplaceAllString(strings.ToLower(title), "-"), "-")
	if words == "" {
		return base, nil
	}

	slug := base + "-" + words
	if len(slug) > maxSlugLen {
		slug = strings.TrimRight(slug[:maxSlugLen], "-")
	}
	return slug, nil
}

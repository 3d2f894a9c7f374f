package state

import "context"

// RelationshipsUpdate carries the fields of a RecordRelationships call.
// Nil fields are left unchanged; non-nil slices replace.
type RelationshipsUpdate struct {
	ParentIssue   *int
	SubIssues     []int
	BlockedBy     []int
	ProjectItemID *string
}

// RecordRelationships merges u into the relationships document for number.
func (s *Store) RecordRelationships(ctx context.Context, number int, u RelationshipsUpdate) (Relationships, error) {
	return update(ctx, s, number, CategoryRelationships, func(doc *Relationships, _ bool) error {
		setIf(&doc.ParentIssue, u.ParentIssue)
		if u.SubIssues != nil {
			doc.SubIssues = u.SubIssues
		}
		if u.BlockedBy != nil {
			doc.BlockedBy = u.BlockedBy
		}
		setIf(&doc.ProjectItemID, u.ProjectItemID)
		doc.UpdatedAt = s.now()
		return nil
	})
}

// TrackComment adds commentID to the comments whose feedback is collected
// for number. Tracking the same comment twice is a no-op.
func (s *Store) TrackComment(ctx context.Context, number int, commentID int64) error {
	_, err := update(ctx, s, number, CategoryRelationships, func(doc *Relationships, _ bool) error {
		doc.TrackedCommentIDs = appendUnique(doc.TrackedCommentIDs, commentID)
		doc.UpdatedAt = s.now()
		return nil
	})
	return err
}

func (s *Store) relationships(ctx context.Context, number int) (Relationships, error) {
	doc, _, err := load[Relationships](ctx, s, number, CategoryRelationships)
	return doc, err
}

// ParentIssue returns the parent issue number, or 0 if none is recorded.
func (s *Store) ParentIssue(ctx context.Context, number int) (int, error) {
	doc, err := s.relationships(ctx, number)
	return doc.ParentIssue, err
}

// SubIssues returns the recorded sub-issue numbers.
func (s *Store) SubIssues(ctx context.Context, number int) ([]int, error) {
	doc, err := s.relationships(ctx, number)
	return doc.SubIssues, err
}

// BlockingStatus returns the blocking dependencies recorded for number.
func (s *Store) BlockingStatus(ctx context.Context, number int) (BlockingStatus, error) {
	doc, err := s.relationships(ctx, number)
	if err != nil {
		return BlockingStatus{}, err
	}
	return BlockingStatus{BlockedBy: doc.BlockedBy, Blocked: len(doc.BlockedBy) > 0}, nil
}

// ProjectItemID returns the GitHub Projects V2 item id, or "".
func (s *Store) ProjectItemID(ctx context.Context, number int) (string, error) {
	doc, err := s.relationships(ctx, number)
	return doc.ProjectItemID, err
}

// TrackedComments returns the comment ids tracked for feedback collection.
func (s *Store) TrackedComments(ctx context.Context, number int) ([]int64, error) {
	doc, err := s.relationships(ctx, number)
	return doc.TrackedCommentIDs, err
}

// Package rbac defines the closed set of per-document access rights and the
// capability checks the realtime layer gates on.
package rbac

type AccessRight string
type Capability string

const (
	// RightWrite is held by the document owner and full-write collaborators.
	RightWrite AccessRight = "write"
	// RightReview may edit the document but sees only its own comments.
	RightReview AccessRight = "review"
	// RightComment may only add or remove comment marks.
	RightComment AccessRight = "comment"
	// RightRead may follow along and chat but not mutate.
	RightRead AccessRight = "read"
	// RightReadNoComments is the most restricted role: read only, no
	// comments, no chat or presence.
	RightReadNoComments AccessRight = "read-without-comments"
)

const (
	// CapUpdateDocument covers full-document saves and title changes.
	CapUpdateDocument Capability = "update_document"
	// CapSubmitDiff additionally admits comment-only collaborators, whose
	// diffs are restricted to comment marks further in.
	CapSubmitDiff  Capability = "submit_diff"
	CapCommunicate Capability = "communicate"
)

func Can(right AccessRight, capability Capability) bool {
	switch capability {
	case CapUpdateDocument:
		return right == RightWrite || right == RightReview
	case CapSubmitDiff:
		return right == RightWrite || right == RightReview || right == RightComment
	case CapCommunicate:
		return right == RightWrite || right == RightReview ||
			right == RightComment || right == RightRead
	default:
		return false
	}
}

// CommentOnly reports whether the right restricts diffs to comment marks.
func CommentOnly(right AccessRight) bool {
	return right == RightComment
}

func Normalize(right string) AccessRight {
	switch AccessRight(right) {
	case RightWrite, RightReview, RightComment, RightRead, RightReadNoComments:
		return AccessRight(right)
	default:
		return RightRead
	}
}

package realtime

import (
	"coscribe/api/internal/rbac"
)

// noExclusion broadcasts to every participant, the sender included.
const noExclusion = -1

// broadcastLocked fans a message out to the attached sessions, applying
// per-recipient visibility filtering. Sends fail soft: a recipient whose
// connection is going away is logged and skipped, never aborts the loop.
func (d *docState) broadcastLocked(kind Kind, body map[string]any, excludeSlot int, authorUserID string) {
	for slot, sess := range d.participants {
		if slot == excludeSlot {
			continue
		}
		filtered, ok := filterOutbound(kind, body, sess.right, sess.user.ID, authorUserID)
		if !ok {
			continue
		}
		sess.send(kind, filtered)
	}
}

// filterOutbound applies the role-based visibility rules to one recipient.
// The second return value is false when the message must be suppressed
// entirely for that recipient.
func filterOutbound(kind Kind, body map[string]any, right rbac.AccessRight, recipientUserID, authorUserID string) (map[string]any, bool) {
	if hasComments(body) {
		switch {
		case right == rbac.RightReadNoComments:
			// The comment payload is stripped but the rest of the message
			// may carry diff information the reader still needs.
			return withEmptyComments(body), true
		case right == rbac.RightReview && authorUserID != recipientUserID:
			// Reviewers only see their own comment activity.
			return withEmptyComments(body), true
		}
		return body, true
	}

	switch kind {
	case KindChat, KindConnections:
		if !rbac.Can(right, rbac.CapCommunicate) {
			return nil, false
		}
	case KindSelectionChange:
		if !rbac.Can(right, rbac.CapCommunicate) && authorUserID != recipientUserID {
			return nil, false
		}
	}
	return body, true
}

func hasComments(body map[string]any) bool {
	switch comments := body["comments"].(type) {
	case []any:
		return len(comments) > 0
	case nil:
		return false
	default:
		return false
	}
}

func withEmptyComments(body map[string]any) map[string]any {
	filtered := make(map[string]any, len(body))
	for k, v := range body {
		filtered[k] = v
	}
	filtered["comments"] = []any{}
	return filtered
}

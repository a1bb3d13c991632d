package realtime

import (
	"encoding/json"
	"log"

	"coscribe/api/internal/rbac"
)

// HandleDiff reconciles a submitted diff against the authoritative version
// counters. A diff is applied only when both the diff version and the
// comment version match exactly; any skew routes to a catch-up path.
func (d *docState) HandleDiff(s *Session, in Inbound) {
	p := in.Payload.(Diff)

	d.mu.Lock()
	defer d.mu.Unlock()

	if rbac.CommentOnly(s.right) && !onlyCommentSteps(p.Steps) {
		// Fail closed, no partial application and no reply.
		log.Printf("realtime: document %s discarding non-comment diff from comment-only session %d", d.id, s.slot)
		return
	}

	switch {
	case p.DiffVersion == d.diffVersion && p.CommentVersion == d.commentVersion:
		d.lastDiffs = append(d.lastDiffs, p.Steps...)
		d.diffVersion += len(p.Steps)
		d.applyCommentOpsLocked(p.Comments)
		s.send(KindConfirmDiff, map[string]any{
			"request_id": p.RequestID,
		})
		d.broadcastLocked(KindDiff, in.BroadcastBody(), s.slot, s.user.ID)

	case p.DiffVersion > d.diffVersion:
		// The client claims a future version the server never produced.
		// Nothing can be done from here; the client has to resynchronize
		// through check_diff_version.
		log.Printf("realtime: document %s unfixable diff at version %d, server at %d", d.id, p.DiffVersion, d.diffVersion)

	case p.DiffVersion < d.diffVersion:
		if p.DiffVersion+len(d.lastDiffs) >= d.diffVersion {
			missing := d.lastDiffs[len(d.lastDiffs)-(d.diffVersion-p.DiffVersion):]
			s.send(KindDiff, map[string]any{
				"server_fix":        true,
				"diff_version":      p.DiffVersion,
				"diff":              missing,
				"reject_request_id": p.RequestID,
			})
		} else {
			// Too old for the retained history; full reset.
			d.sendSnapshotLocked(s)
		}

	default:
		// Diff versions match but comment versions do not. The authoritative
		// comment counter should never drift on its own; treat it as version
		// skew and resynchronize the client.
		log.Printf("realtime: document %s comment version skew (client %d, server %d)", d.id, p.CommentVersion, d.commentVersion)
		d.sendSnapshotLocked(s)
	}
}

// CheckDiffVersion re-synchronizes a client's diff cursor.
func (d *docState) CheckDiffVersion(s *Session, p CheckDiffVersion) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case p.DiffVersion == d.diffVersion:
		s.send(KindConfirmDiffVersion, map[string]any{
			"diff_version": p.DiffVersion,
		})
	case p.DiffVersion < d.diffVersion && p.DiffVersion+len(d.lastDiffs) >= d.diffVersion:
		missing := d.lastDiffs[len(d.lastDiffs)-(d.diffVersion-p.DiffVersion):]
		s.send(KindDiff, map[string]any{
			"server_fix":   true,
			"diff_version": p.DiffVersion,
			"diff":         missing,
		})
	default:
		d.sendSnapshotLocked(s)
	}
}

type diffStep struct {
	StepType string `json:"stepType"`
	Mark     struct {
		Type string `json:"type"`
	} `json:"mark"`
}

// onlyCommentSteps reports whether every step is a comment-mark operation,
// the only kind a comment-only collaborator may submit.
func onlyCommentSteps(steps []json.RawMessage) bool {
	for _, raw := range steps {
		var step diffStep
		if err := json.Unmarshal(raw, &step); err != nil {
			return false
		}
		if step.StepType != "addMark" && step.StepType != "removeMark" {
			return false
		}
		if step.Mark.Type != "comment" {
			return false
		}
	}
	return true
}

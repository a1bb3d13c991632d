package realtime

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"coscribe/api/internal/rbac"
	"coscribe/api/internal/store"
)

// SendSnapshot delivers the full document state to one session.
func (d *docState) SendSnapshot(s *Session) {
	d.mu.Lock()
	d.sendSnapshotLocked(s)
	d.mu.Unlock()
}

// sendSnapshotLocked builds the doc_data response: document payload,
// ownership and collaborator metadata, and whatever tail of the diff
// history the recipient needs to come current.
func (d *docState) sendSnapshotLocked(s *Session) {
	d.repairLocked("snapshot")

	var unapplied []json.RawMessage
	if needed := d.diffVersion - d.version; needed > 0 {
		unapplied = d.lastDiffs[len(d.lastDiffs)-needed:]
	} else {
		unapplied = []json.RawMessage{}
	}

	isOwner := s.user.ID == d.owner.ID
	ownerInfo := map[string]any{
		"id":           d.owner.ID,
		"name":         d.owner.DisplayName,
		"avatar":       d.owner.AvatarURL,
		"team_members": d.teamMemberList(),
	}
	if isOwner {
		ownerInfo["email"] = s.user.Email
		ownerInfo["username"] = s.user.Username
		ownerInfo["first_name"] = s.user.FirstName
		ownerInfo["last_name"] = s.user.LastName
	}

	docInfo := map[string]any{
		"id":              d.id,
		"is_owner":        isOwner,
		"access_rights":   string(s.right),
		"session_id":      s.slot,
		"owner":           ownerInfo,
		"collaborators":   d.collaboratorList(),
		"unapplied_diffs": unapplied,
	}

	body := map[string]any{
		"doc_info": docInfo,
		"doc": map[string]any{
			"version":         d.version,
			"title":           d.title,
			"contents":        d.contents,
			"metadata":        d.metadata,
			"settings":        d.settings,
			"comments":        filterComments(d.comments, s.right, s.user.ID),
			"comment_version": d.commentVersion,
		},
	}
	if !isOwner {
		body["user"] = map[string]any{
			"id":         s.user.ID,
			"name":       s.user.DisplayName,
			"avatar":     s.user.AvatarURL,
			"email":      s.user.Email,
			"username":   s.user.Username,
			"first_name": s.user.FirstName,
			"last_name":  s.user.LastName,
		}
	}

	s.send(KindDocData, body)
}

// filterComments applies the snapshot visibility rules: readers without
// comment access get none, reviewers only their own.
func filterComments(comments map[string]map[string]any, right rbac.AccessRight, userID string) map[string]map[string]any {
	switch right {
	case rbac.RightReadNoComments:
		return map[string]map[string]any{}
	case rbac.RightReview:
		filtered := make(map[string]map[string]any)
		for id, comment := range comments {
			if idString(comment["user"]) == userID {
				filtered[id] = comment
			}
		}
		return filtered
	default:
		return comments
	}
}

func (d *docState) collaboratorList() []store.Collaborator {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	collaborators, err := d.reg.store.Collaborators(ctx, d.id)
	if err != nil {
		log.Printf("realtime: list collaborators of document %s: %v", d.id, err)
		return []store.Collaborator{}
	}
	return collaborators
}

func (d *docState) teamMemberList() []map[string]any {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	members, err := d.reg.store.TeamMembers(ctx, d.owner.ID)
	if err != nil {
		log.Printf("realtime: list team members of document %s: %v", d.id, err)
		return []map[string]any{}
	}
	list := make([]map[string]any, 0, len(members))
	for _, member := range members {
		list = append(list, map[string]any{
			"id":     member.ID,
			"name":   member.DisplayName,
			"avatar": member.AvatarURL,
		})
	}
	return list
}

package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"coscribe/api/internal/store"

	"github.com/google/uuid"
)

// retainedDiffWindow is how many diffs beyond the active replay need are
// kept when a full-document save trims history, so reconnecting clients can
// still be caught up.
const retainedDiffWindow = 1000

// docState is the authoritative in-memory state of one open document,
// shared by every session attached to it. All mutation happens under mu;
// broadcasts run after the mutating step, using post-mutation state.
type docState struct {
	id    string
	owner store.User
	reg   *Registry

	mu             sync.Mutex
	title          string
	contents       json.RawMessage
	metadata       json.RawMessage
	settings       json.RawMessage
	comments       map[string]map[string]any
	lastDiffs      []json.RawMessage
	version        int
	diffVersion    int
	commentVersion int
	participants   map[int]*Session
}

func newDocState(rec store.DocumentRecord, owner store.User, reg *Registry) (*docState, error) {
	comments := make(map[string]map[string]any)
	if len(rec.Comments) > 0 {
		if err := decodeJSON(rec.Comments, &comments); err != nil {
			return nil, fmt.Errorf("decode comments of document %s: %w", rec.ID, err)
		}
	}
	lastDiffs := make([]json.RawMessage, 0)
	if len(rec.LastDiffs) > 0 {
		if err := json.Unmarshal(rec.LastDiffs, &lastDiffs); err != nil {
			return nil, fmt.Errorf("decode last diffs of document %s: %w", rec.ID, err)
		}
	}
	return &docState{
		id:             rec.ID,
		owner:          owner,
		reg:            reg,
		title:          rec.Title,
		contents:       rec.Contents,
		metadata:       rec.Metadata,
		settings:       rec.Settings,
		comments:       comments,
		lastDiffs:      lastDiffs,
		version:        rec.Version,
		diffVersion:    rec.DiffVersion,
		commentVersion: rec.CommentVersion,
		participants:   make(map[int]*Session),
	}, nil
}

// attachLocked inserts the session and returns its slot. Slots are
// max(existing)+1 so a departing participant's slot is not immediately
// reused for someone else.
func (d *docState) attachLocked(s *Session) int {
	slot := 0
	for existing := range d.participants {
		if existing >= slot {
			slot = existing + 1
		}
	}
	d.participants[slot] = s
	return slot
}

// detach removes the session. The last participant's departure triggers the
// final persistence flush before the state is discarded; the save must
// complete before the registry lets go of the document.
func (d *docState) detach(s *Session) {
	d.mu.Lock()
	if current, ok := d.participants[s.slot]; !ok || current != s {
		d.mu.Unlock()
		return
	}
	delete(d.participants, s.slot)
	empty := len(d.participants) == 0
	var rec store.DocumentRecord
	if empty {
		rec = d.recordLocked(true)
	}
	d.mu.Unlock()

	if !empty {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.reg.opts.SaveTimeout)
	defer cancel()
	if err := d.reg.store.SaveDocument(ctx, rec); err != nil {
		log.Printf("realtime: final save of document %s failed: %v", d.id, err)
	}
	d.reg.archiveAsync(rec)
	d.reg.dropIfEmpty(d)
}

// repairLocked enforces diffVersion >= version and a replay history long
// enough to cover the gap. A violation is a consistency error: it is
// logged and healed by discarding the in-flight diff history, which loses
// unsaved diffs but keeps the process alive.
func (d *docState) repairLocked(where string) {
	gap := d.diffVersion - d.version
	if gap >= 0 && len(d.lastDiffs) >= gap {
		return
	}
	log.Printf("realtime: document %s inconsistent at %s (version=%d diffVersion=%d history=%d), resetting diff history",
		d.id, where, d.version, d.diffVersion, len(d.lastDiffs))
	d.diffVersion = d.version
	d.lastDiffs = make([]json.RawMessage, 0)
}

// recordLocked maps the live state onto the durable record. A final record
// (last participant leaving, shutdown flush) keeps only the diffs beyond
// the saved version.
func (d *docState) recordLocked(final bool) store.DocumentRecord {
	if final {
		remaining := d.diffVersion - d.version
		switch {
		case remaining <= 0:
			d.lastDiffs = make([]json.RawMessage, 0)
		case remaining < len(d.lastDiffs):
			d.lastDiffs = d.lastDiffs[len(d.lastDiffs)-remaining:]
		}
	}

	comments, err := json.Marshal(d.comments)
	if err != nil {
		log.Printf("realtime: marshal comments of document %s: %v", d.id, err)
		comments = []byte("{}")
	}
	lastDiffs, err := json.Marshal(d.lastDiffs)
	if err != nil {
		log.Printf("realtime: marshal diff history of document %s: %v", d.id, err)
		lastDiffs = []byte("[]")
	}

	return store.DocumentRecord{
		ID:             d.id,
		OwnerID:        d.owner.ID,
		Title:          truncateTitle(d.title),
		Contents:       d.contents,
		Metadata:       d.metadata,
		Settings:       d.settings,
		Comments:       comments,
		LastDiffs:      lastDiffs,
		Version:        d.version,
		DiffVersion:    d.diffVersion,
		CommentVersion: d.commentVersion,
	}
}

// ApplyDocUpdate handles a full-document save pushed by a client. The new
// version must fall inside [version, diffVersion]; anything else means the
// client's view is unusable and it gets a fresh snapshot instead.
func (d *docState) ApplyDocUpdate(s *Session, update UpdateDoc) {
	d.mu.Lock()
	switch {
	case update.Doc.Version == d.version:
		// Nothing new.
	case update.Doc.Version > d.diffVersion || update.Doc.Version < d.version:
		// Impossible version, likely after a server restart.
		log.Printf("realtime: document %s rejecting save at version %d (version=%d diffVersion=%d)",
			d.id, update.Doc.Version, d.version, d.diffVersion)
		d.sendSnapshotLocked(s)
	default:
		// The saved version absorbs part of the diff history; keep the
		// remainder plus a window for reconnecting clients.
		retain := retainedDiffWindow + d.diffVersion - update.Doc.Version
		if len(d.lastDiffs) > retain {
			d.lastDiffs = d.lastDiffs[len(d.lastDiffs)-retain:]
		}
		d.title = update.Doc.Title
		d.contents = update.Doc.Contents
		d.metadata = update.Doc.Metadata
		d.settings = update.Doc.Settings
		d.version = update.Doc.Version
		d.repairLocked("update_doc")
	}
	rec := d.recordLocked(false)
	d.broadcastLocked(KindCheckHash, map[string]any{
		"diff_version": update.Doc.Version,
		"hash":         update.Hash,
	}, s.slot, s.user.ID)
	d.mu.Unlock()

	d.reg.saveAsync(rec)
}

func (d *docState) ApplyTitleUpdate(s *Session, update UpdateTitle) {
	d.mu.Lock()
	d.title = update.Title
	rec := d.recordLocked(false)
	d.mu.Unlock()

	d.reg.saveAsync(rec)
}

// BroadcastChat relays a chat line to every communicating participant,
// including the sender.
func (d *docState) BroadcastChat(s *Session, chat Chat) {
	d.mu.Lock()
	d.broadcastLocked(KindChat, map[string]any{
		"id":   uuid.NewString(),
		"body": chat.Body,
		"from": s.user.ID,
	}, noExclusion, s.user.ID)
	d.mu.Unlock()
}

// BroadcastParticipants rebuilds and fans out the presence list.
func (d *docState) BroadcastParticipants() {
	d.mu.Lock()
	list := d.participantListLocked()
	d.broadcastLocked(KindConnections, map[string]any{
		"participant_list": list,
	}, noExclusion, "")
	d.mu.Unlock()
}

func (d *docState) participantListLocked() []map[string]any {
	list := make([]map[string]any, 0, len(d.participants))
	for slot, sess := range d.participants {
		if !sess.canCommunicate() {
			continue
		}
		list = append(list, map[string]any{
			"session_id": slot,
			"id":         sess.user.ID,
			"name":       sess.user.DisplayName,
			"avatar":     sess.user.AvatarURL,
		})
	}
	return list
}

// RelaySelection forwards a cursor/selection update when it was made
// against the current diff version; stale selections are dropped.
func (d *docState) RelaySelection(s *Session, in Inbound) {
	p := in.Payload.(SelectionChange)
	d.mu.Lock()
	if p.DiffVersion == d.diffVersion {
		d.broadcastLocked(KindSelectionChange, in.BroadcastBody(), s.slot, s.user.ID)
	}
	d.mu.Unlock()
}

// applyCommentOpsLocked applies comment mutations in order. Every op
// advances commentVersion exactly once, whether or not it found its
// target; the counter tracks submitted mutations, not successful ones.
func (d *docState) applyCommentOpsLocked(ops []json.RawMessage) {
	for _, raw := range ops {
		op, err := DecodeCommentOp(raw)
		if err != nil {
			log.Printf("realtime: document %s dropping malformed comment op: %v", d.id, err)
			d.commentVersion++
			continue
		}
		switch op.Op {
		case "create":
			d.comments[op.ID] = op.Fields
		case "delete":
			delete(d.comments, op.ID)
		case "update":
			if comment, ok := d.comments[op.ID]; ok {
				comment["comment"] = op.Fields["comment"]
				if isMajor, ok := op.Fields["review:isMajor"]; ok {
					comment["review:isMajor"] = isMajor
				}
			} else {
				log.Printf("realtime: document %s update of unknown comment %s", d.id, op.ID)
			}
		case "add_answer":
			if comment, ok := d.comments[op.CommentID]; ok {
				answers, _ := comment["answers"].([]any)
				comment["answers"] = append(answers, op.Fields)
			} else {
				log.Printf("realtime: document %s answer to unknown comment %s", d.id, op.CommentID)
			}
		case "delete_answer":
			if comment, ok := d.comments[op.CommentID]; ok {
				if answers, ok := comment["answers"].([]any); ok {
					kept := make([]any, 0, len(answers))
					for _, entry := range answers {
						if answer, ok := entry.(map[string]any); ok && idString(answer["id"]) == op.ID {
							continue
						}
						kept = append(kept, entry)
					}
					comment["answers"] = kept
				}
			}
		case "update_answer":
			if comment, ok := d.comments[op.CommentID]; ok {
				if answers, ok := comment["answers"].([]any); ok {
					for _, entry := range answers {
						if answer, ok := entry.(map[string]any); ok && idString(answer["id"]) == op.ID {
							answer["answer"] = op.Fields["answer"]
						}
					}
				}
			}
		default:
			log.Printf("realtime: document %s unknown comment op %q", d.id, op.Op)
		}
		d.commentVersion++
	}
}

func truncateTitle(title string) string {
	runes := []rune(title)
	if len(runes) <= 255 {
		return title
	}
	return string(runes[len(runes)-255:])
}

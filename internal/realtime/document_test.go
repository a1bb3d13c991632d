package realtime

import (
	"encoding/json"
	"strings"
	"testing"

	"coscribe/api/internal/rbac"
	"coscribe/api/internal/store"
)

func TestSlotsNotReusedWhileOccupied(t *testing.T) {
	fs := newFakeStore()
	fs.addUser(store.User{ID: "owner"})
	fs.addDoc(docRecord("d1", "owner"))
	reg := testRegistry(fs)

	a := attachSession(t, reg, "d1", store.User{ID: "owner"}, rbac.RightWrite)
	b := attachSession(t, reg, "d1", store.User{ID: "u2"}, rbac.RightWrite)
	c := attachSession(t, reg, "d1", store.User{ID: "u3"}, rbac.RightWrite)

	if a.slot != 0 || b.slot != 1 || c.slot != 2 {
		t.Fatalf("slots = (%d, %d, %d), want (0, 1, 2)", a.slot, b.slot, c.slot)
	}

	b.Close()
	d := attachSession(t, reg, "d1", store.User{ID: "u4"}, rbac.RightWrite)
	if d.slot != 3 {
		t.Errorf("slot = %d, want 3 (departed slots are not recycled)", d.slot)
	}
}

func TestRepairResetsInconsistentDiffHistory(t *testing.T) {
	fs := newFakeStore()
	fs.addUser(store.User{ID: "owner"})
	rec := docRecord("d1", "owner")
	rec.Version = 10
	rec.DiffVersion = 7 // behind version, impossible
	fs.addDoc(rec)
	reg := testRegistry(fs)
	s := attachSession(t, reg, "d1", store.User{ID: "owner"}, rbac.RightWrite)
	doc := s.doc

	doc.mu.Lock()
	doc.repairLocked("test")
	diffVersion, history := doc.diffVersion, len(doc.lastDiffs)
	doc.mu.Unlock()

	if diffVersion != 10 {
		t.Errorf("diffVersion = %d, want reset to version 10", diffVersion)
	}
	if history != 0 {
		t.Errorf("lastDiffs = %d entries, want 0", history)
	}
}

func TestApplyCommentOps(t *testing.T) {
	fs := newFakeStore()
	fs.addUser(store.User{ID: "owner"})
	fs.addDoc(docRecord("d1", "owner"))
	reg := testRegistry(fs)
	s := attachSession(t, reg, "d1", store.User{ID: "owner"}, rbac.RightWrite)
	doc := s.doc

	ops := []json.RawMessage{
		json.RawMessage(`{"type":"create","id":"c1","user":"owner","comment":"first"}`),
		json.RawMessage(`{"type":"add_answer","id":"a1","commentId":"c1","answer":"reply"}`),
		json.RawMessage(`{"type":"update","id":"c1","comment":"edited"}`),
		json.RawMessage(`{"type":"update_answer","id":"a1","commentId":"c1","answer":"revised"}`),
		json.RawMessage(`{"type":"delete_answer","id":"a1","commentId":"c1"}`),
	}

	doc.mu.Lock()
	doc.applyCommentOpsLocked(ops)
	doc.mu.Unlock()

	if doc.commentVersion != 5 {
		t.Errorf("commentVersion = %d, want 5 (one per op)", doc.commentVersion)
	}
	comment, ok := doc.comments["c1"]
	if !ok {
		t.Fatal("comment c1 missing")
	}
	if comment["comment"] != "edited" {
		t.Errorf("comment body = %v, want edited", comment["comment"])
	}
	if answers, ok := comment["answers"].([]any); !ok || len(answers) != 0 {
		t.Errorf("answers = %v, want empty after delete", comment["answers"])
	}

	doc.mu.Lock()
	doc.applyCommentOpsLocked([]json.RawMessage{
		json.RawMessage(`{"type":"delete","id":"c1"}`),
	})
	doc.mu.Unlock()

	if _, ok := doc.comments["c1"]; ok {
		t.Error("comment c1 should be deleted")
	}
	if doc.commentVersion != 6 {
		t.Errorf("commentVersion = %d, want 6", doc.commentVersion)
	}
}

func TestCommentOpOnMissingTargetStillCounts(t *testing.T) {
	fs := newFakeStore()
	fs.addUser(store.User{ID: "owner"})
	fs.addDoc(docRecord("d1", "owner"))
	reg := testRegistry(fs)
	s := attachSession(t, reg, "d1", store.User{ID: "owner"}, rbac.RightWrite)
	doc := s.doc

	doc.mu.Lock()
	doc.applyCommentOpsLocked([]json.RawMessage{
		json.RawMessage(`{"type":"update","id":"ghost","comment":"x"}`),
		json.RawMessage(`{"not":"an op"}`),
	})
	doc.mu.Unlock()

	// The counter tracks submitted mutations so clients relying on it for
	// version checks stay in sync even when an op misses.
	if doc.commentVersion != 2 {
		t.Errorf("commentVersion = %d, want 2", doc.commentVersion)
	}
}

func TestDocUpdateAtHeadBroadcastsHashCheck(t *testing.T) {
	sender, receiver := setupPair(t, rbac.RightWrite)
	doc := sender.doc

	sender.handleMessage(clientEnvelope(t, KindDiff, 1, 0, map[string]any{
		"diff_version": 0, "comment_version": 0, "request_id": 1,
		"diff": []any{
			map[string]any{"stepType": "replaceStep"},
			map[string]any{"stepType": "replaceStep"},
		},
		"comments": []any{},
	}))
	drainFrames(t, sender)
	drainFrames(t, receiver)

	sender.handleMessage(clientEnvelope(t, KindUpdateDoc, 2, 1, map[string]any{
		"doc": map[string]any{
			"title":    "Saved",
			"contents": map[string]any{"type": "doc", "content": []any{"x"}},
			"metadata": map[string]any{},
			"settings": map[string]any{},
			"version":  2,
		},
		"hash": "abc123",
	}))

	if doc.version != 2 {
		t.Errorf("version = %d, want 2", doc.version)
	}
	if doc.title != "Saved" {
		t.Errorf("title = %q, want Saved", doc.title)
	}

	checks := framesOfKind(drainFrames(t, receiver), KindCheckHash)
	if len(checks) != 1 {
		t.Fatalf("receiver got %d check_hash frames, want 1", len(checks))
	}
	if checks[0]["hash"] != "abc123" {
		t.Errorf("hash = %v, want abc123", checks[0]["hash"])
	}
	if got := frameInt(t, checks[0], "diff_version"); got != 2 {
		t.Errorf("check diff_version = %d, want 2", got)
	}
	if own := framesOfKind(drainFrames(t, sender), KindCheckHash); len(own) != 0 {
		t.Errorf("sender got %d check_hash frames, the saver is excluded", len(own))
	}
}

func TestDocUpdateOutsideWindowGetsSnapshot(t *testing.T) {
	sender, _ := setupPair(t, rbac.RightWrite)
	doc := sender.doc

	sender.handleMessage(clientEnvelope(t, KindUpdateDoc, 1, 0, map[string]any{
		"doc": map[string]any{
			"title":    "From the future",
			"contents": map[string]any{},
			"metadata": map[string]any{},
			"settings": map[string]any{},
			"version":  99,
		},
		"hash": "h",
	}))

	if doc.version != 0 || doc.title != "Untitled" {
		t.Errorf("document mutated by out-of-window save: version=%d title=%q", doc.version, doc.title)
	}
	snapshots := framesOfKind(drainFrames(t, sender), KindDocData)
	if len(snapshots) != 1 {
		t.Fatalf("got %d snapshots, want 1", len(snapshots))
	}
}

func TestFinalSaveTrimsDiffHistory(t *testing.T) {
	fs := newFakeStore()
	fs.addUser(store.User{ID: "owner"})
	rec := docRecord("d1", "owner")
	rec.Version = 3
	rec.DiffVersion = 3
	rec.LastDiffs = json.RawMessage(`[{"n":2},{"n":3}]`)
	fs.addDoc(rec)
	reg := testRegistry(fs)

	s := attachSession(t, reg, "d1", store.User{ID: "owner"}, rbac.RightWrite)
	s.Close()

	saves := fs.savedRecords()
	if len(saves) == 0 {
		t.Fatal("no save recorded")
	}
	final := saves[len(saves)-1]
	if string(final.LastDiffs) != "[]" {
		t.Errorf("final lastDiffs = %s, fully applied history must be dropped", final.LastDiffs)
	}
}

func TestSaveAtHeadThenDepartLeavesNothingUnapplied(t *testing.T) {
	fs := newFakeStore()
	fs.addUser(store.User{ID: "owner"})
	fs.addDoc(docRecord("d1", "owner"))
	reg := testRegistry(fs)
	s := attachSession(t, reg, "d1", store.User{ID: "owner"}, rbac.RightWrite)

	s.handleMessage(clientEnvelope(t, KindDiff, 1, 0, map[string]any{
		"diff_version": 0, "comment_version": 0, "request_id": 1,
		"diff": []any{
			map[string]any{"stepType": "replaceStep"},
			map[string]any{"stepType": "replaceStep"},
		},
		"comments": []any{},
	}))
	drainFrames(t, s)

	s.handleMessage(clientEnvelope(t, KindUpdateDoc, 2, 1, map[string]any{
		"doc": map[string]any{
			"title":    "Final",
			"contents": map[string]any{"type": "doc"},
			"metadata": map[string]any{},
			"settings": map[string]any{},
			"version":  2,
		},
		"hash": "h",
	}))
	s.Close()

	var found bool
	for _, rec := range fs.savedRecords() {
		if rec.Version == 2 && rec.DiffVersion == 2 && string(rec.LastDiffs) == "[]" {
			found = true
		}
	}
	if !found {
		t.Error("final save after a head-version save must leave version == diffVersion and no retained diffs")
	}
}

func TestRecordTruncatesLongTitles(t *testing.T) {
	fs := newFakeStore()
	fs.addUser(store.User{ID: "owner"})
	fs.addDoc(docRecord("d1", "owner"))
	reg := testRegistry(fs)
	s := attachSession(t, reg, "d1", store.User{ID: "owner"}, rbac.RightWrite)
	doc := s.doc

	long := strings.Repeat("x", 100) + strings.Repeat("y", 200)
	doc.mu.Lock()
	doc.title = long
	rec := doc.recordLocked(false)
	doc.mu.Unlock()

	runes := []rune(rec.Title)
	if len(runes) != 255 {
		t.Fatalf("stored title is %d runes, want 255", len(runes))
	}
	if rec.Title != long[len(long)-255:] {
		t.Error("truncation must keep the trailing runes")
	}
}

func TestTruncateTitle(t *testing.T) {
	if got := truncateTitle("short"); got != "short" {
		t.Errorf("short title changed: %q", got)
	}
	long := strings.Repeat("ä", 300)
	got := truncateTitle(long)
	if runes := []rune(got); len(runes) != 255 {
		t.Errorf("got %d runes, want 255", len(runes))
	}
}

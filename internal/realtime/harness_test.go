package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"coscribe/api/internal/archive"
	"coscribe/api/internal/catalog"
	"coscribe/api/internal/rbac"
	"coscribe/api/internal/store"
)

// fakeStore is an in-memory Store for tests.
type fakeStore struct {
	mu            sync.Mutex
	docs          map[string]store.DocumentRecord
	users         map[string]store.User
	rights        map[string]string
	collaborators []store.Collaborator
	team          []store.User
	saves         []store.DocumentRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs:   make(map[string]store.DocumentRecord),
		users:  make(map[string]store.User),
		rights: make(map[string]string),
	}
}

func (f *fakeStore) addDoc(rec store.DocumentRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[rec.ID] = rec
}

func (f *fakeStore) addUser(u store.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.ID] = u
}

func (f *fakeStore) LoadDocument(ctx context.Context, documentID string) (store.DocumentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.docs[documentID]
	if !ok {
		return store.DocumentRecord{}, fmt.Errorf("document %s not found", documentID)
	}
	return rec, nil
}

func (f *fakeStore) SaveDocument(ctx context.Context, rec store.DocumentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[rec.ID] = rec
	f.saves = append(f.saves, rec)
	return nil
}

func (f *fakeStore) AccessRightFor(ctx context.Context, documentID, userID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.docs[documentID]; ok && rec.OwnerID == userID {
		return "write", true, nil
	}
	right, ok := f.rights[documentID+"/"+userID]
	return right, ok, nil
}

func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return store.User{}, fmt.Errorf("user %s not found", userID)
	}
	return u, nil
}

func (f *fakeStore) Collaborators(ctx context.Context, documentID string) ([]store.Collaborator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Collaborator(nil), f.collaborators...), nil
}

func (f *fakeStore) TeamMembers(ctx context.Context, leaderID string) ([]store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.User(nil), f.team...), nil
}

func (f *fakeStore) savedRecords() []store.DocumentRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.DocumentRecord(nil), f.saves...)
}

// fakeConn satisfies transport without any network. Tests inspect queued
// frames via the session's outbound channel, so the pump never runs and
// nothing is ever written here.
type fakeConn struct {
	mu      sync.Mutex
	written [][]byte
	closed  bool
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	return 0, nil, io.EOF
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("write on closed connection")
	}
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// fakeArchiver records snapshots and signals each write, since archiving
// runs fire-and-forget.
type fakeArchiver struct {
	mu        sync.Mutex
	snapshots map[string][]archive.Snapshot
	notify    chan string
}

func newFakeArchiver() *fakeArchiver {
	return &fakeArchiver{
		snapshots: make(map[string][]archive.Snapshot),
		notify:    make(chan string, 16),
	}
}

func (f *fakeArchiver) WriteSnapshot(documentID string, snapshot archive.Snapshot) error {
	f.mu.Lock()
	f.snapshots[documentID] = append(f.snapshots[documentID], snapshot)
	f.mu.Unlock()
	f.notify <- documentID
	return nil
}

func waitForArchive(t *testing.T, arch *fakeArchiver) string {
	t.Helper()
	select {
	case id := <-arch.notify:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an archive snapshot")
		return ""
	}
}

func testRegistry(fs *fakeStore) *Registry {
	return testRegistryWithArchiver(fs, nil)
}

func testRegistryWithArchiver(fs *fakeStore, arch Archiver) *Registry {
	return NewRegistry(fs, &catalog.Static{}, arch, Options{
		SaveTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
}

func docRecord(id, ownerID string) store.DocumentRecord {
	return store.DocumentRecord{
		ID:        id,
		OwnerID:   ownerID,
		Title:     "Untitled",
		Contents:  json.RawMessage(`{"type":"doc","content":[]}`),
		Metadata:  json.RawMessage(`{}`),
		Settings:  json.RawMessage(`{}`),
		Comments:  json.RawMessage(`{}`),
		LastDiffs: json.RawMessage(`[]`),
	}
}

func attachSession(t *testing.T, reg *Registry, documentID string, user store.User, right rbac.AccessRight) *Session {
	t.Helper()
	s := newSession(reg, &fakeConn{})
	s.user = user
	s.right = right
	if _, err := reg.Attach(context.Background(), documentID, s); err != nil {
		t.Fatalf("attach: %v", err)
	}
	s.state = stateAttached
	return s
}

// drainFrames empties the session's outbound queue and decodes each frame.
func drainFrames(t *testing.T, s *Session) []map[string]any {
	t.Helper()
	var frames []map[string]any
	for {
		select {
		case frame := <-s.out:
			var body map[string]any
			if err := decodeJSON(frame, &body); err != nil {
				t.Fatalf("decode frame: %v", err)
			}
			frames = append(frames, body)
		default:
			return frames
		}
	}
}

func framesOfKind(frames []map[string]any, kind Kind) []map[string]any {
	var matched []map[string]any
	for _, frame := range frames {
		if frame["type"] == string(kind) {
			matched = append(matched, frame)
		}
	}
	return matched
}

func frameInt(t *testing.T, frame map[string]any, key string) int {
	t.Helper()
	num, ok := frame[key].(json.Number)
	if !ok {
		t.Fatalf("frame field %q is %T, want number", key, frame[key])
	}
	n, err := num.Int64()
	if err != nil {
		t.Fatalf("frame field %q: %v", key, err)
	}
	return int(n)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

// clientEnvelope builds a raw client frame with the sequencing fields set.
func clientEnvelope(t *testing.T, kind Kind, c, s int, fields map[string]any) []byte {
	t.Helper()
	msg := map[string]any{"type": string(kind), "c": c, "s": s}
	for k, v := range fields {
		msg[k] = v
	}
	return mustJSON(t, msg)
}

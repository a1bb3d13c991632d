package realtime

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"coscribe/api/internal/archive"
	"coscribe/api/internal/catalog"
	"coscribe/api/internal/store"
)

// Store is the persistence collaborator the engine depends on.
type Store interface {
	LoadDocument(ctx context.Context, documentID string) (store.DocumentRecord, error)
	SaveDocument(ctx context.Context, rec store.DocumentRecord) error
	AccessRightFor(ctx context.Context, documentID, userID string) (string, bool, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	Collaborators(ctx context.Context, documentID string) ([]store.Collaborator, error)
	TeamMembers(ctx context.Context, leaderID string) ([]store.User, error)
}

// Archiver receives document snapshots on flush. Optional.
type Archiver interface {
	WriteSnapshot(documentID string, snapshot archive.Snapshot) error
}

type Options struct {
	SaveTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigin   string
}

// Registry owns the mapping from document id to shared in-memory state. It
// is created at server start and torn down with FlushAll; session handlers
// receive it by injection.
type Registry struct {
	mu      sync.Mutex
	docs    map[string]*docState
	store   Store
	catalog catalog.Provider
	archive Archiver
	opts    Options
}

func NewRegistry(s Store, cat catalog.Provider, arch Archiver, opts Options) *Registry {
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = 15 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &Registry{
		docs:    make(map[string]*docState),
		store:   s,
		catalog: cat,
		archive: arch,
		opts:    opts,
	}
}

// Attach binds a session to the live state for a document, loading the
// state from the store on first attach. Lock order is always registry
// before document.
func (r *Registry) Attach(ctx context.Context, documentID string, s *Session) (*docState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, ok := r.docs[documentID]
	if !ok {
		rec, err := r.store.LoadDocument(ctx, documentID)
		if err != nil {
			return nil, err
		}
		owner, err := r.store.GetUserByID(ctx, rec.OwnerID)
		if err != nil {
			return nil, fmt.Errorf("load document owner: %w", err)
		}
		doc, err = newDocState(rec, owner, r)
		if err != nil {
			return nil, err
		}
		r.docs[documentID] = doc
	}

	doc.mu.Lock()
	s.slot = doc.attachLocked(s)
	doc.mu.Unlock()
	s.doc = doc
	return doc, nil
}

// dropIfEmpty discards a document's live state unless someone attached
// again since its final flush.
func (r *Registry) dropIfEmpty(d *docState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.participants) > 0 {
		return
	}
	delete(r.docs, d.id)
}

func (r *Registry) saveAsync(rec store.DocumentRecord) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.SaveTimeout)
		defer cancel()
		if err := r.store.SaveDocument(ctx, rec); err != nil {
			log.Printf("realtime: async save of document %s failed: %v", rec.ID, err)
		}
	}()
}

func (r *Registry) archiveAsync(rec store.DocumentRecord) {
	if r.archive == nil {
		return
	}
	go func() {
		snapshot := archive.Snapshot{
			Title:          rec.Title,
			Contents:       rec.Contents,
			Metadata:       rec.Metadata,
			Settings:       rec.Settings,
			Comments:       rec.Comments,
			Version:        rec.Version,
			CommentVersion: rec.CommentVersion,
		}
		if err := r.archive.WriteSnapshot(rec.ID, snapshot); err != nil {
			log.Printf("realtime: archive snapshot of document %s failed: %v", rec.ID, err)
		}
	}()
}

// FlushAll persists every open document and archives its content. Called on
// shutdown, so each document gets the final record shape: diff history
// already absorbed by the saved version is trimmed away.
func (r *Registry) FlushAll(ctx context.Context) error {
	r.mu.Lock()
	docs := make([]*docState, 0, len(r.docs))
	for _, doc := range r.docs {
		docs = append(docs, doc)
	}
	r.mu.Unlock()

	var firstErr error
	for _, doc := range docs {
		doc.mu.Lock()
		rec := doc.recordLocked(true)
		doc.mu.Unlock()
		if err := r.store.SaveDocument(ctx, rec); err != nil {
			log.Printf("realtime: flush of document %s failed: %v", rec.ID, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		r.archiveAsync(rec)
	}
	return firstErr
}

// OpenDocuments reports how many documents currently have live state.
func (r *Registry) OpenDocuments() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.docs)
}

// Package archive keeps a per-document git history of persisted snapshots.
// It is written to on flush, fire-and-forget; the realtime path never waits
// on it.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Snapshot is the archived form of a document at save time.
type Snapshot struct {
	Title          string          `json:"title"`
	Contents       json.RawMessage `json:"contents"`
	Metadata       json.RawMessage `json:"metadata"`
	Settings       json.RawMessage `json:"settings"`
	Comments       json.RawMessage `json:"comments"`
	Version        int             `json:"version"`
	CommentVersion int             `json:"comment_version"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// WriteSnapshot commits the snapshot to the document's archive repository,
// initializing it on first use.
func (s *Service) WriteSnapshot(documentID string, snapshot Snapshot) error {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	worktree, err := s.ensureRepo(documentID)
	if err != nil {
		return err
	}

	payload, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	path := filepath.Join(s.repoPath(documentID), "document.json")
	if err := os.WriteFile(path, append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if _, err := worktree.Add("document.json"); err != nil {
		return fmt.Errorf("git add snapshot: %w", err)
	}

	status, err := worktree.Status()
	if err != nil {
		return fmt.Errorf("worktree status: %w", err)
	}
	if status.IsClean() {
		return nil
	}

	message := fmt.Sprintf("Snapshot at version %d", snapshot.Version)
	if _, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "coscribe",
			Email: "archive@coscribe.local",
			When:  time.Now(),
		},
	}); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

func (s *Service) ensureRepo(documentID string) (*git.Worktree, error) {
	path := s.repoPath(documentID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		worktree, err := repo.Worktree()
		if err != nil {
			return nil, fmt.Errorf("open worktree: %w", err)
		}
		return worktree, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}
	return worktree, nil
}

func (s *Service) repoPath(documentID string) string {
	return filepath.Join(s.baseDir, documentID)
}

func (s *Service) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[documentID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[documentID] = lock
	}
	return lock
}

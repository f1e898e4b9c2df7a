// Package personarepo keeps a git revision history of each character's
// persona document. Every relationship or policy change the scribe or the
// control surfaces commit is inspectable and revertable.
package personarepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"reverie/api/internal/state"
)

const personaFile = "persona.json"

// CommitInfo describes one persona revision.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// Service manages one git repository per character under baseDir.
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

// EnsureCharacterRepo initializes the character's repo with the initial
// persona document. No-op when the repo already exists.
func (s *Service) EnsureCharacterRepo(characterID string, doc state.CharacterDoc, author string) error {
	lock := s.characterLock(characterID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(characterID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := writePersonaFile(path, doc); err != nil {
		return err
	}
	if _, err := worktree.Add(personaFile); err != nil {
		return fmt.Errorf("git add initial persona: %w", err)
	}
	hash, err := worktree.Commit("Import persona baseline", &git.CommitOptions{
		Author: signature(author),
	})
	if err != nil {
		return fmt.Errorf("commit initial persona: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// CommitPersona records a new persona revision on main.
func (s *Service) CommitPersona(characterID string, doc state.CharacterDoc, author, message string) (CommitInfo, error) {
	lock := s.characterLock(characterID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(characterID)
	repo, err := git.PlainOpen(path)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}
	if err := writePersonaFile(path, doc); err != nil {
		return CommitInfo{}, err
	}
	if _, err := worktree.Add(personaFile); err != nil {
		return CommitInfo{}, fmt.Errorf("git add persona: %w", err)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: signature(author),
	})
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit persona: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// HeadPersona reads the persona document at the tip of main.
func (s *Service) HeadPersona(characterID string) (state.CharacterDoc, CommitInfo, error) {
	lock := s.characterLock(characterID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(characterID))
	if err != nil {
		return state.CharacterDoc{}, CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return state.CharacterDoc{}, CommitInfo{}, fmt.Errorf("resolve main: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return state.CharacterDoc{}, CommitInfo{}, fmt.Errorf("load commit object: %w", err)
	}
	doc, err := readPersonaFromCommit(commitObj)
	if err != nil {
		return state.CharacterDoc{}, CommitInfo{}, err
	}
	return doc, toCommitInfo(commitObj), nil
}

// PersonaByHash reads a historical persona revision.
func (s *Service) PersonaByHash(characterID, hash string) (state.CharacterDoc, error) {
	lock := s.characterLock(characterID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(characterID))
	if err != nil {
		return state.CharacterDoc{}, fmt.Errorf("open repo: %w", err)
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return state.CharacterDoc{}, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return state.CharacterDoc{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readPersonaFromCommit(commitObj)
}

// History lists persona revisions, newest first.
func (s *Service) History(characterID string, limit int) ([]CommitInfo, error) {
	lock := s.characterLock(characterID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(characterID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

func (s *Service) repoPath(characterID string) string {
	return filepath.Join(s.baseDir, characterID)
}

func (s *Service) characterLock(characterID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[characterID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[characterID] = lock
	return lock
}

func writePersonaFile(repoPath string, doc state.CharacterDoc) error {
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal persona: %w", err)
	}
	if err := os.WriteFile(filepath.Join(repoPath, personaFile), append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write persona file: %w", err)
	}
	return nil
}

func readPersonaFromCommit(commitObj *object.Commit) (state.CharacterDoc, error) {
	file, err := commitObj.File(personaFile)
	if err != nil {
		return state.CharacterDoc{}, fmt.Errorf("load persona from commit: %w", err)
	}
	reader, err := file.Reader()
	if err != nil {
		return state.CharacterDoc{}, fmt.Errorf("open persona reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return state.CharacterDoc{}, fmt.Errorf("read persona bytes: %w", err)
	}

	var doc state.CharacterDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return state.CharacterDoc{}, fmt.Errorf("decode persona: %w", err)
	}
	return doc, nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func signature(author string) *object.Signature {
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@local.reverie.dev", sanitizeEmail(author)),
		When:  time.Now(),
	}
}

func sanitizeEmail(input string) string {
	runes := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			runes = append(runes, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			runes = append(runes, '.')
		}
	}
	if len(runes) == 0 {
		return "scribe"
	}
	return string(runes)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}

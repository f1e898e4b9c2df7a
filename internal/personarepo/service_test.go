package personarepo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"reverie/api/internal/state"
)

func basePersona() state.CharacterDoc {
	doc := state.NewCharacterDoc("You are Mira, a lighthouse keeper with a dry sense of humor.")
	doc.IPPack = state.IPPack{
		World:      "Saltrock Bay",
		CanonFacts: []string{"The lighthouse has been dark for three winters."},
	}
	return doc
}

func TestCharacterRepoLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	initial := basePersona()
	if err := svc.EnsureCharacterRepo("char-1", initial, "seed"); err != nil {
		t.Fatalf("EnsureCharacterRepo() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "char-1")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}

	// Re-ensuring is a no-op.
	if err := svc.EnsureCharacterRepo("char-1", initial, "seed"); err != nil {
		t.Fatalf("repeat EnsureCharacterRepo() error = %v", err)
	}

	updated := initial
	updated.RelationshipLadder = state.RelationshipLadder{Stage: "friend", Score: 0.4}
	commit, err := svc.CommitPersona("char-1", updated, "scribe", "Advance relationship to friend")
	if err != nil {
		t.Fatalf("CommitPersona() error = %v", err)
	}
	if commit.Hash == "" {
		t.Fatal("expected commit hash")
	}

	head, headCommit, err := svc.HeadPersona("char-1")
	if err != nil {
		t.Fatalf("HeadPersona() error = %v", err)
	}
	if head.RelationshipLadder.Stage != "friend" {
		t.Fatalf("unexpected head persona: %+v", head)
	}
	if headCommit.Hash != commit.Hash {
		t.Fatalf("head commit %s != latest commit %s", headCommit.Hash, commit.Hash)
	}

	history, err := svc.History("char-1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 revisions, got %d", len(history))
	}

	old, err := svc.PersonaByHash("char-1", history[len(history)-1].Hash)
	if err != nil {
		t.Fatalf("PersonaByHash() error = %v", err)
	}
	if old.RelationshipLadder.Stage != "stranger" {
		t.Fatalf("baseline revision should predate the ladder change: %+v", old)
	}
}

func TestConcurrentCommitPersona(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	initial := basePersona()
	if err := svc.EnsureCharacterRepo("char-1", initial, "seed"); err != nil {
		t.Fatalf("EnsureCharacterRepo() error = %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			next := initial
			next.RelationshipLadder.Score = float64(idx) / 10
			next.PersonaSystem = fmt.Sprintf("persona-%02d", idx)
			if _, err := svc.CommitPersona("char-1", next, "scribe", fmt.Sprintf("Revision %02d", idx)); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			t.Fatalf("CommitPersona() concurrent error = %v", err)
		}
	}

	history, err := svc.History("char-1", 100)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) < writers+1 {
		t.Fatalf("expected at least %d revisions, got %d", writers+1, len(history))
	}

	head, _, err := svc.HeadPersona("char-1")
	if err != nil {
		t.Fatalf("HeadPersona() error = %v", err)
	}
	if !strings.HasPrefix(head.PersonaSystem, "persona-") {
		t.Fatalf("unexpected head persona after concurrent commits: %+v", head)
	}
}

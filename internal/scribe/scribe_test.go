package scribe

import (
	"context"
	"sync"
	"testing"
	"time"

	"reverie/api/internal/model"
	"reverie/api/internal/state"
	"reverie/api/internal/store"
)

type memStore struct {
	mu       sync.Mutex
	jobs     map[string]*store.PatchJob
	convDocs map[string]state.ConversationDoc
	convVers map[string]int64
	charDocs map[string]state.CharacterDoc
	charVers map[string]int64

	saveConvErr error
}

func newMemStore() *memStore {
	return &memStore{
		jobs:     map[string]*store.PatchJob{},
		convDocs: map[string]state.ConversationDoc{},
		convVers: map[string]int64{},
		charDocs: map[string]state.CharacterDoc{},
		charVers: map[string]int64{},
	}
}

func (m *memStore) GetPatchJob(_ context.Context, jobID string) (store.PatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return store.PatchJob{}, store.ErrNotFound
	}
	return *job, nil
}

func (m *memStore) ClaimPatchJob(_ context.Context, jobID string, fromStatuses []string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return false, store.ErrNotFound
	}
	for _, status := range fromStatuses {
		if job.Status == status {
			job.Status = store.JobProcessing
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) RecordPatchJobOutcome(_ context.Context, jobID, status, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	job.Status = status
	job.LastError = lastError
	job.Attempts++
	return nil
}

func (m *memStore) ListStalePendingJobs(context.Context, time.Duration, int) ([]string, error) {
	return nil, nil
}

func (m *memStore) LoadConversationState(_ context.Context, id string) (state.ConversationDoc, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.convDocs[id]
	if !ok {
		return state.ConversationDoc{}, 0, store.ErrNotFound
	}
	return doc, m.convVers[id], nil
}

func (m *memStore) SaveConversationState(_ context.Context, id string, doc state.ConversationDoc, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveConvErr != nil {
		return m.saveConvErr
	}
	if m.convVers[id] != expected {
		return store.ErrVersionConflict
	}
	m.convDocs[id] = doc
	m.convVers[id]++
	return nil
}

func (m *memStore) LoadCharacterState(_ context.Context, id string) (state.CharacterDoc, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.charDocs[id]
	if !ok {
		return state.CharacterDoc{}, 0, store.ErrNotFound
	}
	return doc, m.charVers[id], nil
}

func (m *memStore) SaveCharacterState(_ context.Context, id string, doc state.CharacterDoc, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.charVers[id] != expected {
		return store.ErrVersionConflict
	}
	m.charDocs[id] = doc
	m.charVers[id]++
	return nil
}

type fakeGen struct {
	mu    sync.Mutex
	patch state.Patch
	err   error
	calls int
}

func (f *fakeGen) GeneratePatch(context.Context, model.PatchRequest) (state.Patch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return state.Patch{}, f.err
	}
	return f.patch, nil
}

func seedJob(ms *memStore) store.PatchJob {
	job := store.PatchJob{
		ID:             "pj-1",
		ConversationID: "conv-1",
		CharacterID:    "char-1",
		TurnSeq:        1,
		Status:         store.JobPending,
		Input: store.PatchInput{
			TurnTime:      time.Date(2026, 3, 14, 15, 4, 0, 0, time.UTC),
			InputEvent:    string(state.EventDialog),
			UserInput:     "Tell me about the lighthouse.",
			AssistantText: "She leans on the railing and starts the story.",
		},
	}
	ms.jobs[job.ID] = &job
	ms.convDocs[job.ConversationID] = state.NewConversationDoc()
	ms.convVers[job.ConversationID] = 1
	ms.charDocs[job.CharacterID] = state.NewCharacterDoc("persona")
	ms.charVers[job.CharacterID] = 1
	return job
}

func eventPatch() state.Patch {
	return state.Patch{
		Ledger: &state.LedgerPatch{
			EventAppend: []state.LedgerEvent{{Kind: "story", Text: "told the lighthouse story"}},
		},
		Memory: &state.MemoryPatch{EpisodeSummary: "She told the lighthouse story."},
	}
}

func TestProcessAppliesPatch(t *testing.T) {
	ms := newMemStore()
	job := seedJob(ms)
	gen := &fakeGen{patch: eventPatch()}
	w := NewWorker(ms, gen, Options{})

	if err := w.Process(context.Background(), job.ID); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if got := ms.jobs[job.ID].Status; got != store.JobDone {
		t.Fatalf("job status = %s, want done", got)
	}
	doc := ms.convDocs[job.ConversationID]
	if len(doc.Ledger.Events) != 1 {
		t.Fatalf("expected 1 ledger event, got %d", len(doc.Ledger.Events))
	}
	if !doc.HasApplied(job.ID) {
		t.Fatal("conversation doc must record the applied job id")
	}
	charDoc := ms.charDocs[job.CharacterID]
	if !charDoc.HasApplied(job.ID) {
		t.Fatal("character doc must record the applied job id")
	}
	if len(doc.Memory.Episodes) != 1 {
		t.Fatalf("expected 1 episode, got %d", len(doc.Memory.Episodes))
	}
}

func TestRedeliveryAppliesExactlyOnce(t *testing.T) {
	ms := newMemStore()
	job := seedJob(ms)
	gen := &fakeGen{patch: eventPatch()}
	w := NewWorker(ms, gen, Options{})

	if err := w.Process(context.Background(), job.ID); err != nil {
		t.Fatalf("first Process() error = %v", err)
	}
	// Simulate a redelivered signal: the job looks pending again but the
	// documents already recorded it.
	ms.jobs[job.ID].Status = store.JobPending
	if err := w.Process(context.Background(), job.ID); err != nil {
		t.Fatalf("second Process() error = %v", err)
	}

	doc := ms.convDocs[job.ConversationID]
	if len(doc.Ledger.Events) != 1 {
		t.Fatalf("redelivery must not double-apply: %d events", len(doc.Ledger.Events))
	}
	if got := ms.jobs[job.ID].Status; got != store.JobDone {
		t.Fatalf("job status = %s, want done", got)
	}
}

func TestProcessSkipsJobHeldByAnotherWorker(t *testing.T) {
	ms := newMemStore()
	job := seedJob(ms)
	ms.jobs[job.ID].Status = store.JobProcessing
	gen := &fakeGen{patch: eventPatch()}
	w := NewWorker(ms, gen, Options{})

	if err := w.Process(context.Background(), job.ID); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if gen.calls != 0 {
		t.Fatalf("must not generate for a job held elsewhere, got %d calls", gen.calls)
	}
}

func TestVersionConflictDefersJob(t *testing.T) {
	ms := newMemStore()
	job := seedJob(ms)
	ms.saveConvErr = store.ErrVersionConflict
	gen := &fakeGen{patch: eventPatch()}
	w := NewWorker(ms, gen, Options{})

	if err := w.Process(context.Background(), job.ID); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	stored := ms.jobs[job.ID]
	if stored.Status != store.JobPending {
		t.Fatalf("conflicted job must defer to pending, got %s", stored.Status)
	}
	if stored.LastError == "" {
		t.Fatal("deferred job must carry its error")
	}
	if stored.Attempts != 1 {
		t.Fatalf("expected 1 recorded attempt, got %d", stored.Attempts)
	}
}

func TestGenerateErrorDefersThenDeadLetters(t *testing.T) {
	ms := newMemStore()
	job := seedJob(ms)
	gen := &fakeGen{err: model.ErrMalformedPatch}
	w := NewWorker(ms, gen, Options{MaxTotalAttempts: 2})

	if err := w.Process(context.Background(), job.ID); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if got := ms.jobs[job.ID].Status; got != store.JobPending {
		t.Fatalf("first failure defers, got %s", got)
	}

	if err := w.Process(context.Background(), job.ID); err != nil {
		t.Fatalf("second Process() error = %v", err)
	}
	if got := ms.jobs[job.ID].Status; got != store.JobFailed {
		t.Fatalf("budget exhaustion must dead-letter, got %s", got)
	}
}

func TestExhaustedJobIsNotReclaimed(t *testing.T) {
	ms := newMemStore()
	job := seedJob(ms)
	ms.jobs[job.ID].Attempts = 8
	gen := &fakeGen{patch: eventPatch()}
	w := NewWorker(ms, gen, Options{})

	if err := w.Process(context.Background(), job.ID); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if got := ms.jobs[job.ID].Status; got != store.JobFailed {
		t.Fatalf("expected dead letter, got %s", got)
	}
	if gen.calls != 0 {
		t.Fatalf("dead-lettered job must not generate, got %d calls", gen.calls)
	}
}

func TestConcurrentRedeliveryOneWins(t *testing.T) {
	ms := newMemStore()
	job := seedJob(ms)
	gen := &fakeGen{patch: eventPatch()}
	w := NewWorker(ms, gen, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Process(context.Background(), job.ID); err != nil {
				t.Errorf("Process() error = %v", err)
			}
		}()
	}
	wg.Wait()

	doc := ms.convDocs[job.ConversationID]
	if len(doc.Ledger.Events) != 1 {
		t.Fatalf("concurrent redelivery double-applied: %d events", len(doc.Ledger.Events))
	}
}

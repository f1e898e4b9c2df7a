// Package scribe runs the patch pipeline: the only writer of state
// documents. Workers claim queued patch jobs, generate and sanitize a
// patch, and merge it into fresh document snapshots through bounded
// compare-and-swap retries.
package scribe

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"reverie/api/internal/model"
	"reverie/api/internal/recall"
	"reverie/api/internal/retry"
	"reverie/api/internal/rotation"
	"reverie/api/internal/state"
	"reverie/api/internal/store"
)

const (
	casMaxAttempts = 5
	casBackoffStep = 80 * time.Millisecond

	defaultMaxTotalAttempts = 8
	wakePollTimeout         = 5 * time.Second
)

// Store is the persistence surface the scribe depends on.
type Store interface {
	GetPatchJob(ctx context.Context, jobID string) (store.PatchJob, error)
	ClaimPatchJob(ctx context.Context, jobID string, fromStatuses []string) (bool, error)
	RecordPatchJobOutcome(ctx context.Context, jobID, status, lastError string) error
	ListStalePendingJobs(ctx context.Context, olderThan time.Duration, limit int) ([]string, error)

	LoadConversationState(ctx context.Context, conversationID string) (state.ConversationDoc, int64, error)
	SaveConversationState(ctx context.Context, conversationID string, doc state.ConversationDoc, expectedVersion int64) error
	LoadCharacterState(ctx context.Context, characterID string) (state.CharacterDoc, int64, error)
	SaveCharacterState(ctx context.Context, characterID string, doc state.CharacterDoc, expectedVersion int64) error
}

// PatchGenerator produces the schema-constrained patch for a turn.
type PatchGenerator interface {
	GeneratePatch(ctx context.Context, req model.PatchRequest) (state.Patch, error)
}

// Archiver receives entries dropped by retention caps.
type Archiver interface {
	StoreTrimmed(ctx context.Context, conversationID string, entries []state.TrimmedEntry) error
}

// EpisodeIndexer pushes merged episodes to the recall index.
type EpisodeIndexer interface {
	IndexEpisode(rec recall.EpisodeRecord)
}

// PersonaLog records persona revisions when a patch changes the
// relationship ladder.
type PersonaLog interface {
	CommitPersona(characterID string, doc state.CharacterDoc, author, message string) error
}

// WakeQueue delivers job-ready signals; the stale sweep covers anything
// the queue drops.
type WakeQueue interface {
	DequeueWake(ctx context.Context, timeout time.Duration) (string, error)
}

// Worker processes patch jobs. Several workers may run concurrently; the
// claim CAS guarantees at most one processes a given job at a time, and
// the per-document applied ledger makes redelivery a no-op.
type Worker struct {
	store    Store
	gen      PatchGenerator
	archive  Archiver
	episodes EpisodeIndexer
	personas PersonaLog
	wake     WakeQueue

	episodeSpan      time.Duration
	maxTotalAttempts int
	staleJobAge      time.Duration
}

type Options struct {
	Archive          Archiver
	Episodes         EpisodeIndexer
	Personas         PersonaLog
	Wake             WakeQueue
	EpisodeSpan      time.Duration
	MaxTotalAttempts int
	StaleJobAge      time.Duration
}

func NewWorker(st Store, gen PatchGenerator, opts Options) *Worker {
	if opts.EpisodeSpan <= 0 {
		opts.EpisodeSpan = state.DefaultEpisodeSpan
	}
	if opts.MaxTotalAttempts <= 0 {
		opts.MaxTotalAttempts = defaultMaxTotalAttempts
	}
	if opts.StaleJobAge <= 0 {
		opts.StaleJobAge = 2 * time.Minute
	}
	return &Worker{
		store:            st,
		gen:              gen,
		archive:          opts.Archive,
		episodes:         opts.Episodes,
		personas:         opts.Personas,
		wake:             opts.Wake,
		episodeSpan:      opts.EpisodeSpan,
		maxTotalAttempts: opts.MaxTotalAttempts,
		staleJobAge:      opts.StaleJobAge,
	}
}

// Run blocks on the wake queue and processes jobs until ctx is canceled.
// A background sweep re-drives jobs whose wake signal was lost or whose
// worker died mid-processing.
func (w *Worker) Run(ctx context.Context) {
	go w.staleLoop(ctx)

	if w.wake == nil {
		<-ctx.Done()
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		jobID, err := w.wake.DequeueWake(ctx, wakePollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("scribe: dequeue wake: %v", err)
			time.Sleep(time.Second)
			continue
		}
		if jobID == "" {
			continue
		}
		if err := w.Process(ctx, jobID); err != nil {
			log.Printf("scribe: process %s: %v", jobID, err)
		}
	}
}

func (w *Worker) staleLoop(ctx context.Context) {
	ticker := time.NewTicker(w.staleJobAge / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := w.store.ListStalePendingJobs(ctx, w.staleJobAge, 20)
			if err != nil {
				log.Printf("scribe: list stale jobs: %v", err)
				continue
			}
			for _, id := range ids {
				if err := w.Recover(ctx, id); err != nil {
					log.Printf("scribe: recover %s: %v", id, err)
				}
			}
		}
	}
}

// Process handles a freshly signaled job.
func (w *Worker) Process(ctx context.Context, jobID string) error {
	return w.process(ctx, jobID, []string{store.JobPending})
}

// Recover re-drives a stale job. It also reclaims processing jobs, which
// is safe because the stale sweep only lists jobs untouched long enough
// that their worker is presumed dead.
func (w *Worker) Recover(ctx context.Context, jobID string) error {
	return w.process(ctx, jobID, []string{store.JobPending, store.JobProcessing})
}

func (w *Worker) process(ctx context.Context, jobID string, claimFrom []string) error {
	job, err := w.store.GetPatchJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status == store.JobDone {
		return nil
	}
	if job.Attempts >= w.maxTotalAttempts {
		// Dead letter. The conversation continues; only this turn's patch
		// is lost.
		if job.Status != store.JobFailed {
			if err := w.store.RecordPatchJobOutcome(ctx, job.ID, store.JobFailed, "attempt budget exhausted"); err != nil {
				return fmt.Errorf("dead-letter job: %w", err)
			}
			log.Printf("scribe: job %s dead-lettered after %d attempts", job.ID, job.Attempts)
		}
		return nil
	}

	claimed, err := w.store.ClaimPatchJob(ctx, job.ID, claimFrom)
	if err != nil {
		return fmt.Errorf("claim job: %w", err)
	}
	if !claimed {
		// Another worker holds it, or it already finished.
		return nil
	}

	patch, err := w.generate(ctx, job)
	if err != nil {
		return w.recordRetryable(ctx, job, fmt.Sprintf("generate patch: %v", err))
	}

	turnText := job.Input.UserInput + "\n" + job.Input.AssistantText
	patch.Sanitize(turnText)

	if err := w.apply(ctx, job, patch); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			// Lost the CAS race repeatedly; defer and let the sweep retry
			// against fresher snapshots.
			return w.recordRetryable(ctx, job, "state version conflict")
		}
		return w.recordRetryable(ctx, job, fmt.Sprintf("apply patch: %v", err))
	}

	if err := w.store.RecordPatchJobOutcome(ctx, job.ID, store.JobDone, ""); err != nil {
		return fmt.Errorf("record done: %w", err)
	}
	return nil
}

// recordRetryable defers the job back to pending with its error, or dead
// letters it when this attempt exhausted the budget.
func (w *Worker) recordRetryable(ctx context.Context, job store.PatchJob, reason string) error {
	status := store.JobPending
	if job.Attempts+1 >= w.maxTotalAttempts {
		status = store.JobFailed
		log.Printf("scribe: job %s dead-lettered: %s", job.ID, reason)
	}
	if err := w.store.RecordPatchJobOutcome(ctx, job.ID, status, reason); err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

func (w *Worker) generate(ctx context.Context, job store.PatchJob) (state.Patch, error) {
	doc, _, err := w.store.LoadConversationState(ctx, job.ConversationID)
	if err != nil {
		return state.Patch{}, fmt.Errorf("load state for prompt: %w", err)
	}
	charDoc, _, err := w.store.LoadCharacterState(ctx, job.CharacterID)
	if err != nil {
		return state.Patch{}, fmt.Errorf("load character for prompt: %w", err)
	}

	genCtx, cancel := context.WithTimeout(ctx, model.PatchGenTimeout)
	defer cancel()
	return w.gen.GeneratePatch(genCtx, model.PatchRequest{
		Persona:       charDoc.PersonaSystem,
		InputEvent:    state.InputEvent(job.Input.InputEvent),
		UserInput:     job.Input.UserInput,
		AssistantText: job.Input.AssistantText,
		StateSummary:  doc.Summary(),
	})
}

// apply merges the patch into both documents. Each CAS attempt reloads
// fresh snapshots, so a lost race never stacks the patch on a stale base.
func (w *Worker) apply(ctx context.Context, job store.PatchJob, patch state.Patch) error {
	return retry.Do(ctx, casMaxAttempts, retry.Linear(casBackoffStep), func() error {
		convDoc, convVersion, err := w.store.LoadConversationState(ctx, job.ConversationID)
		if err != nil {
			return retry.Permanent(fmt.Errorf("load conversation state: %w", err))
		}
		charDoc, charVersion, err := w.store.LoadCharacterState(ctx, job.CharacterID)
		if err != nil {
			return retry.Permanent(fmt.Errorf("load character state: %w", err))
		}

		convApplied := convDoc.HasApplied(job.ID)
		charApplied := charDoc.HasApplied(job.ID)
		if convApplied && charApplied {
			// Redelivery of a fully applied job.
			return nil
		}

		if !convApplied {
			trimmed := state.ApplyToConversation(&convDoc, patch, job.Input.TurnTime, job.ID, w.episodeSpan)
			w.advanceCast(&convDoc, job.Input)
			convDoc.RecordApplied(job.ID)
			if err := w.store.SaveConversationState(ctx, job.ConversationID, convDoc, convVersion); err != nil {
				if errors.Is(err, store.ErrVersionConflict) {
					return err
				}
				return retry.Permanent(fmt.Errorf("save conversation state: %w", err))
			}
			w.archiveTrimmed(ctx, job.ConversationID, trimmed)
			w.indexEpisode(job, patch, convDoc)
		}

		if !charApplied {
			state.ApplyToCharacter(&charDoc, patch)
			charDoc.RecordApplied(job.ID)
			if err := w.store.SaveCharacterState(ctx, job.CharacterID, charDoc, charVersion); err != nil {
				if errors.Is(err, store.ErrVersionConflict) {
					return err
				}
				return retry.Permanent(fmt.Errorf("save character state: %w", err))
			}
			if patch.Relationship != nil && w.personas != nil {
				message := fmt.Sprintf("Relationship update from turn %d of %s", job.TurnSeq, job.ConversationID)
				if err := w.personas.CommitPersona(job.CharacterID, charDoc, "scribe", message); err != nil {
					log.Printf("scribe: persona commit for %s: %v", job.CharacterID, err)
				}
			}
		}

		return nil
	})
}

// advanceCast folds the turn into the multi-cast rotation: roster updates
// from what the user said, then one index step if rotation is active.
func (w *Worker) advanceCast(doc *state.ConversationDoc, input store.PatchInput) {
	event := state.InputEvent(input.InputEvent)
	if event.Synthetic() {
		return
	}

	known := append([]string{}, doc.Cast.Roster...)
	for _, npc := range doc.Ledger.NPCs {
		if npc.Name != "" {
			known = append(known, npc.Name)
		}
	}
	resolver := rotation.Resolver{Known: known}
	doc.Cast = resolver.Observe(doc.Cast, input.UserInput)
	doc.Cast = rotation.Advance(doc.Cast)
}

func (w *Worker) archiveTrimmed(ctx context.Context, conversationID string, trimmed []state.TrimmedEntry) {
	if w.archive == nil || len(trimmed) == 0 {
		return
	}
	if err := w.archive.StoreTrimmed(ctx, conversationID, trimmed); err != nil {
		log.Printf("scribe: archive trimmed entries for %s: %v", conversationID, err)
	}
}

func (w *Worker) indexEpisode(job store.PatchJob, patch state.Patch, doc state.ConversationDoc) {
	if w.episodes == nil || patch.Memory == nil || patch.Memory.EpisodeSummary == "" {
		return
	}
	bucket := job.Input.TurnTime.Truncate(w.episodeSpan)
	for _, episode := range doc.Memory.Episodes {
		if !episode.BucketStart.Equal(bucket) {
			continue
		}
		w.episodes.IndexEpisode(recall.EpisodeRecord{
			ID:             fmt.Sprintf("%s-%d", job.ConversationID, bucket.Unix()),
			ConversationID: job.ConversationID,
			CharacterID:    job.CharacterID,
			BucketStart:    bucket.UTC().Format(time.RFC3339),
			Summary:        episode.Summary,
		})
		return
	}
}

// Package scheduler sweeps idle conversations and emits autonomous life
// events (schedule ticks, moment posts, diary entries) through the same
// message log and patch-job pipeline as real turns.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"reverie/api/internal/model"
	"reverie/api/internal/retry"
	"reverie/api/internal/state"
	"reverie/api/internal/store"
)

const (
	defaultIdleThreshold = 60 * time.Minute
	defaultBatchSize     = 50
	transcriptWindow     = 10
)

// Store is the persistence surface the sweep depends on.
type Store interface {
	ListIdleConversations(ctx context.Context, cutoff time.Time, limit int) ([]store.Conversation, error)
	ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error)
	InsertMessage(ctx context.Context, msg store.Message) (store.Message, error)

	LoadConversationState(ctx context.Context, conversationID string) (state.ConversationDoc, int64, error)
	SaveConversationState(ctx context.Context, conversationID string, doc state.ConversationDoc, expectedVersion int64) error
	LoadCharacterState(ctx context.Context, characterID string) (state.CharacterDoc, int64, error)

	NextTurnSeq(ctx context.Context, conversationID string) (int64, error)
	EnqueuePatchJob(ctx context.Context, job store.PatchJob) (string, bool, error)
}

// Composer generates life-event text from persona, state, and transcript.
type Composer interface {
	LifeEvent(ctx context.Context, req model.LifeEventRequest) (string, error)
}

// Marker dedupes emissions across overlapping sweeps. The persisted
// schedule board stays authoritative; the marks only guard races.
type Marker interface {
	MarkHourBucket(ctx context.Context, conversationID, kind string, at time.Time) (bool, error)
	MarkDayBucket(ctx context.Context, conversationID, kind string, at time.Time) (bool, error)
}

// Waker signals the scribe pool after an emission enqueues its patch job.
type Waker interface {
	EnqueueWake(ctx context.Context, jobID string) error
}

// Report summarizes one sweep.
type Report struct {
	Considered int `json:"considered"`
	ScheduleOK int `json:"schedule_ok"`
	MomentOK   int `json:"moment_ok"`
	DiaryOK    int `json:"diary_ok"`
}

type Sweeper struct {
	store    Store
	composer Composer
	marks    Marker
	wake     Waker

	idleThreshold time.Duration
	batchSize     int
}

type Options struct {
	Marks         Marker
	Wake          Waker
	IdleThreshold time.Duration
	BatchSize     int
}

func NewSweeper(st Store, composer Composer, opts Options) *Sweeper {
	if opts.IdleThreshold <= 0 {
		opts.IdleThreshold = defaultIdleThreshold
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	return &Sweeper{
		store:         st,
		composer:      composer,
		marks:         opts.Marks,
		wake:          opts.Wake,
		idleThreshold: opts.IdleThreshold,
		batchSize:     opts.BatchSize,
	}
}

// Sweep walks one bounded batch of idle conversations. Per-conversation
// failures are logged and skipped; they never abort the sweep.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (Report, error) {
	cutoff := now.Add(-s.idleThreshold)
	conversations, err := s.store.ListIdleConversations(ctx, cutoff, s.batchSize)
	if err != nil {
		return Report{}, fmt.Errorf("list idle conversations: %w", err)
	}

	report := Report{Considered: len(conversations)}
	for _, conv := range conversations {
		tick, moment, diary, err := s.sweepConversation(ctx, conv, now)
		if err != nil {
			log.Printf("scheduler: conversation %s: %v", conv.ID, err)
			continue
		}
		if tick {
			report.ScheduleOK++
		}
		if moment {
			report.MomentOK++
		}
		if diary {
			report.DiaryOK++
		}
	}
	return report, nil
}

func (s *Sweeper) sweepConversation(ctx context.Context, conv store.Conversation, now time.Time) (tick, moment, diary bool, err error) {
	doc, version, err := s.store.LoadConversationState(ctx, conv.ID)
	if err != nil {
		return false, false, false, fmt.Errorf("load state: %w", err)
	}
	board := doc.ScheduleBoard

	if board.StoryLockUntil != nil {
		if board.StoryLockActive(now) {
			return false, false, false, nil
		}
		// Expired lock: clear it, resume PLAY, and note the auto-resume in
		// the event log, all in one CAS write. Emission restarts on a later
		// sweep against the fresh document.
		doc.ScheduleBoard.StoryLockUntil = nil
		doc.ScheduleBoard.ScheduleState = state.SchedulePlay
		doc.Ledger.Events = append(doc.Ledger.Events, state.LedgerEvent{
			At:   now,
			Kind: "schedule",
			Text: "Story lock expired; autonomous emission resumed.",
		})
		if err := s.store.SaveConversationState(ctx, conv.ID, doc, version); err != nil {
			return false, false, false, fmt.Errorf("clear expired lock: %w", err)
		}
		return false, false, false, nil
	}

	if board.ScheduleState == state.SchedulePause {
		return false, false, false, nil
	}

	if s.tickDue(board, now) && s.markHour(ctx, conv.ID, "tick", now) {
		if err := s.emit(ctx, conv, doc, state.EventScheduleTick, now); err != nil {
			log.Printf("scheduler: tick for %s: %v", conv.ID, err)
		} else {
			tick = true
		}
	}
	if s.momentDue(board, now) && s.markHour(ctx, conv.ID, "moment", now) {
		if err := s.emit(ctx, conv, doc, state.EventMomentPost, now); err != nil {
			log.Printf("scheduler: moment for %s: %v", conv.ID, err)
		} else {
			moment = true
		}
	}
	if s.diaryDue(board, now) && s.markDay(ctx, conv.ID, "diary", now) {
		if err := s.emit(ctx, conv, doc, state.EventDiary, now); err != nil {
			log.Printf("scheduler: diary for %s: %v", conv.ID, err)
		} else {
			diary = true
		}
	}

	if tick || moment || diary {
		if err := s.recordEmissions(ctx, conv.ID, now, tick, moment, diary); err != nil {
			log.Printf("scheduler: record emissions for %s: %v", conv.ID, err)
		}
	}
	return tick, moment, diary, nil
}

// tickDue reports whether the hourly tick window is open: nothing emitted
// within the idle threshold and nothing in this calendar hour.
func (s *Sweeper) tickDue(board state.ScheduleBoard, now time.Time) bool {
	return hourlyDue(board.LastTickAt, now, s.idleThreshold)
}

func (s *Sweeper) momentDue(board state.ScheduleBoard, now time.Time) bool {
	return hourlyDue(board.LastMomentAt, now, s.idleThreshold)
}

func (s *Sweeper) diaryDue(board state.ScheduleBoard, now time.Time) bool {
	return board.LastDiaryDate != now.UTC().Format("2006-01-02")
}

func hourlyDue(last *time.Time, now time.Time, threshold time.Duration) bool {
	if last == nil {
		return true
	}
	if now.Sub(*last) < threshold {
		return false
	}
	return !sameCalendarHour(*last, now)
}

func sameCalendarHour(a, b time.Time) bool {
	return a.UTC().Truncate(time.Hour).Equal(b.UTC().Truncate(time.Hour))
}

// markHour consults the redis bucket mark when configured. A marking
// failure only loses the cross-sweep dedup, so it allows emission.
func (s *Sweeper) markHour(ctx context.Context, conversationID, kind string, now time.Time) bool {
	if s.marks == nil {
		return true
	}
	set, err := s.marks.MarkHourBucket(ctx, conversationID, kind, now)
	if err != nil {
		log.Printf("scheduler: mark %s bucket for %s: %v", kind, conversationID, err)
		return true
	}
	return set
}

func (s *Sweeper) markDay(ctx context.Context, conversationID, kind string, now time.Time) bool {
	if s.marks == nil {
		return true
	}
	set, err := s.marks.MarkDayBucket(ctx, conversationID, kind, now)
	if err != nil {
		log.Printf("scheduler: mark %s bucket for %s: %v", kind, conversationID, err)
		return true
	}
	return set
}

// emit composes one life event, coerces it into the required literal
// shape, persists it as a message, and enqueues its patch job.
func (s *Sweeper) emit(ctx context.Context, conv store.Conversation, doc state.ConversationDoc, kind state.InputEvent, now time.Time) error {
	charDoc, _, err := s.store.LoadCharacterState(ctx, conv.CharacterID)
	if err != nil {
		return fmt.Errorf("load character: %w", err)
	}

	transcript, err := s.store.ListRecentMessages(ctx, conv.ID, transcriptWindow)
	if err != nil {
		return fmt.Errorf("load transcript: %w", err)
	}
	lines := make([]model.TranscriptLine, 0, len(transcript))
	for _, msg := range transcript {
		lines = append(lines, model.TranscriptLine{Role: msg.Role, Text: msg.Body})
	}

	composeCtx, cancel := context.WithTimeout(ctx, model.LifeEventTimeout)
	defer cancel()
	text, err := s.composer.LifeEvent(composeCtx, model.LifeEventRequest{
		Persona:      charDoc.PersonaSystem,
		Kind:         kind,
		StateSummary: doc.Summary(),
		Transcript:   lines,
	})
	if err != nil {
		return fmt.Errorf("compose %s: %w", kind, err)
	}

	body := shape(kind, text)
	if body == "" {
		return fmt.Errorf("compose %s: empty after shaping", kind)
	}

	if _, err := s.store.InsertMessage(ctx, store.Message{
		ConversationID: conv.ID,
		Role:           "assistant",
		InputEvent:     string(kind),
		Body:           body,
	}); err != nil {
		return fmt.Errorf("persist %s message: %w", kind, err)
	}

	seq, err := s.store.NextTurnSeq(ctx, conv.ID)
	if err != nil {
		return fmt.Errorf("next turn seq: %w", err)
	}
	jobID, created, err := s.store.EnqueuePatchJob(ctx, store.PatchJob{
		ConversationID: conv.ID,
		CharacterID:    conv.CharacterID,
		TurnSeq:        seq,
		Input: store.PatchInput{
			TurnTime:      now,
			InputEvent:    string(kind),
			AssistantText: body,
		},
	})
	if err != nil {
		return fmt.Errorf("enqueue patch job: %w", err)
	}
	if created && s.wake != nil {
		if err := s.wake.EnqueueWake(ctx, jobID); err != nil {
			log.Printf("scheduler: wake for job %s: %v", jobID, err)
		}
	}
	return nil
}

// recordEmissions stamps the schedule board against a fresh snapshot.
func (s *Sweeper) recordEmissions(ctx context.Context, conversationID string, now time.Time, tick, moment, diary bool) error {
	return retry.Do(ctx, 3, retry.Linear(50*time.Millisecond), func() error {
		doc, version, err := s.store.LoadConversationState(ctx, conversationID)
		if err != nil {
			return retry.Permanent(fmt.Errorf("reload state: %w", err))
		}
		at := now
		if tick {
			doc.ScheduleBoard.LastTickAt = &at
		}
		if moment {
			doc.ScheduleBoard.LastMomentAt = &at
		}
		if diary {
			doc.ScheduleBoard.LastDiaryDate = now.UTC().Format("2006-01-02")
		}
		err = s.store.SaveConversationState(ctx, conversationID, doc, version)
		if errors.Is(err, store.ErrVersionConflict) {
			return err
		}
		if err != nil {
			return retry.Permanent(err)
		}
		return nil
	})
}

// shape coerces composed text into the literal form each life-event kind
// requires, so a malformed composition can never reach the log unshaped.
func shape(kind state.InputEvent, text string) string {
	trimmed := strings.TrimSpace(text)
	switch kind {
	case state.EventScheduleTick:
		return shapeAside(trimmed)
	case state.EventMomentPost, state.EventDiary:
		return stripDialogueLines(trimmed)
	default:
		return trimmed
	}
}

// shapeAside reduces text to exactly one bracket-wrapped aside.
func shapeAside(text string) string {
	line := text
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.Trim(strings.TrimSpace(line), "[]")
	line = strings.ReplaceAll(line, "[", "")
	line = strings.ReplaceAll(line, "]", "")
	line = strings.TrimSpace(line)
	if line == "" {
		return ""
	}
	return "[" + line + "]"
}

// stripDialogueLines drops "Name:" dialogue lines from post and diary
// text.
func stripDialogueLines(text string) string {
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if looksLikeDialogue(trimmed) {
			continue
		}
		kept = append(kept, trimmed)
	}
	return strings.Join(kept, "\n")
}

func looksLikeDialogue(line string) bool {
	idx := strings.IndexByte(line, ':')
	if idx <= 0 || idx > 40 {
		return false
	}
	name := strings.TrimSpace(line[:idx])
	if name == "" || len(strings.Fields(name)) > 3 {
		return false
	}
	for _, r := range name {
		if !isNameRune(r) {
			return false
		}
	}
	return true
}

func isNameRune(r rune) bool {
	return r == ' ' || r == '.' || r == '\'' || r == '-' ||
		(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r >= 0x80
}

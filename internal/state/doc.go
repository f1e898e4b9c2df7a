// Package state defines the versioned narrative documents and the
// schema-constrained patches that mutate them.
package state

import "time"

type ScheduleState string

const (
	SchedulePlay  ScheduleState = "PLAY"
	SchedulePause ScheduleState = "PAUSE"
)

// InputEvent is the closed set of turn kinds. The producer (reply path,
// scheduler) and the guardrail both switch on it; free-form strings are
// rejected at the API boundary.
type InputEvent string

const (
	EventDialog        InputEvent = "dialog"
	EventNarration     InputEvent = "narration"
	EventContinue      InputEvent = "continue"
	EventVisualCue     InputEvent = "visual_cue"
	EventScheduleTick  InputEvent = "schedule_tick"
	EventMomentPost    InputEvent = "moment_post"
	EventDiary         InputEvent = "diary"
	EventSchedulePlay  InputEvent = "schedule_play"
	EventSchedulePause InputEvent = "schedule_pause"
)

var inputEvents = map[InputEvent]struct{}{
	EventDialog:        {},
	EventNarration:     {},
	EventContinue:      {},
	EventVisualCue:     {},
	EventScheduleTick:  {},
	EventMomentPost:    {},
	EventDiary:         {},
	EventSchedulePlay:  {},
	EventSchedulePause: {},
}

func (e InputEvent) Valid() bool {
	_, ok := inputEvents[e]
	return ok
}

// ParseInputEvent maps an API string to the closed event set. The empty
// string means a normal dialog turn.
func ParseInputEvent(s string) (InputEvent, bool) {
	if s == "" {
		return EventDialog, true
	}
	e := InputEvent(s)
	return e, e.Valid()
}

// Synthetic reports whether the event is scheduler-generated rather than
// user-triggered.
func (e InputEvent) Synthetic() bool {
	return e == EventScheduleTick || e == EventMomentPost || e == EventDiary
}

type RunState struct {
	Mode      string `json:"mode,omitempty"`
	Scene     string `json:"scene,omitempty"`
	Location  string `json:"location,omitempty"`
	TimeOfDay string `json:"time_of_day,omitempty"`
}

type FocusPanel struct {
	Topic   string  `json:"topic,omitempty"`
	Tension float64 `json:"tension,omitempty"`
}

type PlotThread struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	OpenedAt time.Time `json:"opened_at"`
}

type Beat struct {
	At      time.Time `json:"at"`
	Summary string    `json:"summary"`
}

type PlotBoard struct {
	// Axes hold experience-axis values, each kept within [0,1].
	Axes           map[string]float64 `json:"axes,omitempty"`
	OpenThreads    []PlotThread       `json:"open_threads,omitempty"`
	PendingThreads []PlotThread       `json:"pending_threads,omitempty"`
	BeatHistory    []Beat             `json:"beat_history,omitempty"`
}

type ScheduleBoard struct {
	ScheduleState ScheduleState `json:"schedule_state"`
	// StoryLockUntil suppresses all autonomous emission while in the
	// future, independent of ScheduleState. An expired lock is lazily
	// cleared by the next sweep that observes it.
	StoryLockUntil *time.Time `json:"story_lock_until,omitempty"`
	LastTickAt     *time.Time `json:"last_tick_at,omitempty"`
	LastMomentAt   *time.Time `json:"last_moment_at,omitempty"`
	LastDiaryDate  string     `json:"last_diary_date,omitempty"`
}

type LedgerEvent struct {
	At   time.Time `json:"at"`
	Kind string    `json:"kind"`
	Text string    `json:"text"`
}

type NPC struct {
	Key  string `json:"key"`
	Name string `json:"name"`
	Note string `json:"note,omitempty"`
}

type InventoryItem struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type Relation struct {
	At     time.Time `json:"at"`
	With   string    `json:"with"`
	Change string    `json:"change"`
	Delta  float64   `json:"delta,omitempty"`
}

type Ledger struct {
	Events    []LedgerEvent   `json:"events,omitempty"`
	NPCs      []NPC           `json:"npcs,omitempty"`
	Inventory []InventoryItem `json:"inventory,omitempty"`
	Wardrobe  string          `json:"wardrobe,omitempty"`
	Relations []Relation      `json:"relations,omitempty"`
}

// Episode is one summarized memory window. Episodes are keyed by
// BucketStart (turn time floored to the bucket interval); turns landing in
// the same bucket append-merge into one episode with provenance.
type Episode struct {
	BucketStart  time.Time `json:"bucket_start"`
	Summary      string    `json:"summary"`
	SourceJobIDs []string  `json:"source_job_ids,omitempty"`
}

type Memory struct {
	Episodes []Episode `json:"episodes,omitempty"`
}

type StyleGuard struct {
	BannedPhrases       []string `json:"banned_phrases,omitempty"`
	PreferredEndingTags []string `json:"preferred_ending_tags,omitempty"`
	EndingRepeatWindow  int      `json:"ending_repeat_window,omitempty"`
	PlotGranularity     string   `json:"plot_granularity,omitempty"`
}

type Fact struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	Evidence  string `json:"evidence,omitempty"`
	Confirmed bool   `json:"confirmed,omitempty"`
}

// CastBoard tracks the on-stage roster for multi-cast narration. The
// expected next speaker is Roster[Index % len(Roster)].
type CastBoard struct {
	Roster []string `json:"roster,omitempty"`
	Index  int      `json:"index,omitempty"`
	Active bool     `json:"active,omitempty"`
}

// ConversationDoc is the per-conversation state document. It is mutated
// exclusively by the patch scribe and by the narrow control surfaces
// (schedule board, style guard), always through compare-and-swap writes.
type ConversationDoc struct {
	RunState           RunState      `json:"run_state"`
	FocusPanel         FocusPanel    `json:"focus_panel"`
	PlotBoard          PlotBoard     `json:"plot_board"`
	ScheduleBoard      ScheduleBoard `json:"schedule_board"`
	Cast               CastBoard     `json:"cast"`
	Ledger             Ledger        `json:"ledger"`
	Memory             Memory        `json:"memory"`
	StyleGuard         StyleGuard    `json:"style_guard"`
	Facts              []Fact        `json:"fact_patch,omitempty"`
	AppliedPatchJobIDs []string      `json:"applied_patch_job_ids,omitempty"`
}

type IPPack struct {
	World      string   `json:"world,omitempty"`
	CanonFacts []string `json:"canon_facts,omitempty"`
	Taboos     []string `json:"taboos,omitempty"`
}

type RelationshipLadder struct {
	Stage       string  `json:"stage"`
	Score       float64 `json:"score"`
	RomanceMode bool    `json:"romance_mode,omitempty"`
}

// CharacterDoc is shared across every conversation of a character.
type CharacterDoc struct {
	PersonaSystem      string             `json:"persona_system"`
	IPPack             IPPack             `json:"ip_pack"`
	RelationshipLadder RelationshipLadder `json:"relationship_ladder"`
	AppliedPatchJobIDs []string           `json:"applied_patch_job_ids,omitempty"`
}

func NewConversationDoc() ConversationDoc {
	return ConversationDoc{
		PlotBoard:     PlotBoard{Axes: map[string]float64{}},
		ScheduleBoard: ScheduleBoard{ScheduleState: SchedulePlay},
		StyleGuard:    StyleGuard{EndingRepeatWindow: 4},
	}
}

func NewCharacterDoc(persona string) CharacterDoc {
	return CharacterDoc{
		PersonaSystem:      persona,
		RelationshipLadder: RelationshipLadder{Stage: "stranger"},
	}
}

func (d *ConversationDoc) HasApplied(jobID string) bool {
	return containsString(d.AppliedPatchJobIDs, jobID)
}

// RecordApplied appends jobID to the idempotency ledger. Append-only and
// capped; re-applying a recorded job must be a no-op at the caller.
func (d *ConversationDoc) RecordApplied(jobID string) {
	if d.HasApplied(jobID) {
		return
	}
	d.AppliedPatchJobIDs = append(d.AppliedPatchJobIDs, jobID)
	if overflow := len(d.AppliedPatchJobIDs) - CapAppliedJobIDs; overflow > 0 {
		d.AppliedPatchJobIDs = d.AppliedPatchJobIDs[overflow:]
	}
}

func (d *CharacterDoc) HasApplied(jobID string) bool {
	return containsString(d.AppliedPatchJobIDs, jobID)
}

func (d *CharacterDoc) RecordApplied(jobID string) {
	if d.HasApplied(jobID) {
		return
	}
	d.AppliedPatchJobIDs = append(d.AppliedPatchJobIDs, jobID)
	if overflow := len(d.AppliedPatchJobIDs) - CapAppliedJobIDs; overflow > 0 {
		d.AppliedPatchJobIDs = d.AppliedPatchJobIDs[overflow:]
	}
}

// StoryLockActive reports whether a timed story lock currently suppresses
// autonomous emission.
func (b ScheduleBoard) StoryLockActive(now time.Time) bool {
	return b.StoryLockUntil != nil && b.StoryLockUntil.After(now)
}

func containsString(items []string, target string) bool {
	for _, item := range items {
		if item == target {
			return true
		}
	}
	return false
}

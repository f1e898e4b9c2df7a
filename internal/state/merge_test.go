package state

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

var turnTime = time.Date(2026, 3, 14, 15, 4, 0, 0, time.UTC)

func TestAxisValuesStayBounded(t *testing.T) {
	doc := NewConversationDoc()

	for i := 0; i < 20; i++ {
		patch := Patch{PlotBoard: &PlotBoardPatch{AxisDeltas: map[string]float64{"trust": 0.2, "dread": -0.2}}}
		patch.Sanitize("")
		ApplyToConversation(&doc, patch, turnTime, fmt.Sprintf("pj-%d", i), 0)
	}

	if got := doc.PlotBoard.Axes["trust"]; got != 1 {
		t.Fatalf("trust = %v, want saturated at 1", got)
	}
	if got := doc.PlotBoard.Axes["dread"]; got != 0 {
		t.Fatalf("dread = %v, want floored at 0", got)
	}
}

func TestSanitizeClampsOversizedDeltas(t *testing.T) {
	romance := true
	patch := Patch{
		PlotBoard:    &PlotBoardPatch{AxisDeltas: map[string]float64{"trust": 0.9}},
		Relationship: &RelationshipPatch{ScoreDelta: -0.7, RomanceMode: &romance},
	}

	report := patch.Sanitize("anything")

	if report.ClampedAxes != 2 {
		t.Fatalf("clamped = %d, want 2", report.ClampedAxes)
	}
	if patch.PlotBoard.AxisDeltas["trust"] != MaxAxisDelta {
		t.Fatalf("trust delta = %v", patch.PlotBoard.AxisDeltas["trust"])
	}
	if patch.Relationship.ScoreDelta != -MaxAxisDelta {
		t.Fatalf("score delta = %v", patch.Relationship.ScoreDelta)
	}
}

func TestSanitizeRejectsUnevidencedConfirmedFacts(t *testing.T) {
	patch := Patch{FactAdd: []Fact{
		{Key: "hometown", Value: "Carran Bay", Confirmed: true},
		{Key: "pet", Value: "a grey cat", Confirmed: true},
		{Key: "mood", Value: "wistful"},
	}}

	report := patch.Sanitize("She grew up in Carran Bay, she says.")

	if report.RejectedFacts != 1 {
		t.Fatalf("rejected = %d, want 1", report.RejectedFacts)
	}
	if len(patch.FactAdd) != 2 {
		t.Fatalf("kept facts = %d, want confirmed-with-evidence plus unconfirmed", len(patch.FactAdd))
	}
	for _, fact := range patch.FactAdd {
		if fact.Key == "pet" {
			t.Fatal("unevidenced confirmed fact must be dropped")
		}
	}
}

func TestLedgerEventCapTrimsOldestWithProvenance(t *testing.T) {
	doc := NewConversationDoc()
	for i := 0; i < CapLedgerEvents; i++ {
		doc.Ledger.Events = append(doc.Ledger.Events, LedgerEvent{At: turnTime, Kind: "story", Text: fmt.Sprintf("event %d", i)})
	}

	patch := Patch{Ledger: &LedgerPatch{EventAppend: []LedgerEvent{
		{At: turnTime, Kind: "story", Text: "the newest event"},
	}}}
	trimmed := ApplyToConversation(&doc, patch, turnTime, "pj-1", 0)

	if len(doc.Ledger.Events) != CapLedgerEvents {
		t.Fatalf("events = %d, want capped at %d", len(doc.Ledger.Events), CapLedgerEvents)
	}
	if doc.Ledger.Events[len(doc.Ledger.Events)-1].Text != "the newest event" {
		t.Fatal("newest event must survive the trim")
	}
	if len(trimmed) != 1 || trimmed[0].Kind != "ledger_event" {
		t.Fatalf("trimmed = %+v, want the oldest ledger event", trimmed)
	}
	if !strings.Contains(string(trimmed[0].Entry), "event 0") {
		t.Fatalf("trimmed entry = %s, want event 0", trimmed[0].Entry)
	}
}

func TestEpisodesCoalesceByBucket(t *testing.T) {
	doc := NewConversationDoc()
	span := 10 * time.Minute

	first := Patch{Memory: &MemoryPatch{EpisodeSummary: "They argued about the letter."}}
	ApplyToConversation(&doc, first, turnTime, "pj-1", span)

	// Same bucket, different job: append-merge.
	second := Patch{Memory: &MemoryPatch{EpisodeSummary: "Then she apologized."}}
	ApplyToConversation(&doc, second, turnTime.Add(3*time.Minute), "pj-2", span)

	// Re-applying a recorded job must not duplicate its summary.
	ApplyToConversation(&doc, second, turnTime.Add(3*time.Minute), "pj-2", span)

	// Next bucket starts a new episode.
	third := Patch{Memory: &MemoryPatch{EpisodeSummary: "A knock at the door."}}
	ApplyToConversation(&doc, third, turnTime.Add(12*time.Minute), "pj-3", span)

	if len(doc.Memory.Episodes) != 2 {
		t.Fatalf("episodes = %d, want 2", len(doc.Memory.Episodes))
	}
	merged := doc.Memory.Episodes[0]
	if merged.Summary != "They argued about the letter. Then she apologized." {
		t.Fatalf("merged summary = %q", merged.Summary)
	}
	if len(merged.SourceJobIDs) != 2 {
		t.Fatalf("source jobs = %v, want pj-1 and pj-2", merged.SourceJobIDs)
	}
	if !merged.BucketStart.Equal(turnTime.Truncate(span)) {
		t.Fatalf("bucket start = %v", merged.BucketStart)
	}
}

func TestNPCUpsertReplacesByKey(t *testing.T) {
	doc := NewConversationDoc()

	ApplyToConversation(&doc, Patch{Ledger: &LedgerPatch{NPCUpserts: []NPC{
		{Key: "barkeep", Name: "Tomas", Note: "suspicious"},
	}}}, turnTime, "pj-1", 0)
	ApplyToConversation(&doc, Patch{Ledger: &LedgerPatch{NPCUpserts: []NPC{
		{Key: "barkeep", Name: "Tomas", Note: "an old friend after all"},
	}}}, turnTime, "pj-2", 0)

	if len(doc.Ledger.NPCs) != 1 {
		t.Fatalf("npcs = %d, want upsert not append", len(doc.Ledger.NPCs))
	}
	if doc.Ledger.NPCs[0].Note != "an old friend after all" {
		t.Fatalf("note = %q", doc.Ledger.NPCs[0].Note)
	}
}

func TestInventoryDeltaRemovesDepletedItems(t *testing.T) {
	doc := NewConversationDoc()

	ApplyToConversation(&doc, Patch{Ledger: &LedgerPatch{InventoryDelta: []InventoryDelta{
		{Name: "silver coin", Delta: 3},
	}}}, turnTime, "pj-1", 0)
	ApplyToConversation(&doc, Patch{Ledger: &LedgerPatch{InventoryDelta: []InventoryDelta{
		{Name: "silver coin", Delta: -3},
	}}}, turnTime, "pj-2", 0)

	if len(doc.Ledger.Inventory) != 0 {
		t.Fatalf("inventory = %+v, want empty after depletion", doc.Ledger.Inventory)
	}
}

func TestThreadCloseMatchesIDAndTitle(t *testing.T) {
	doc := NewConversationDoc()
	doc.PlotBoard.OpenThreads = []PlotThread{
		{ID: "th-1", Title: "the missing key"},
		{ID: "th-2", Title: "a letter unsent"},
	}

	ApplyToConversation(&doc, Patch{PlotBoard: &PlotBoardPatch{
		OpenClose: []string{"a letter unsent"},
	}}, turnTime, "pj-1", 0)

	if len(doc.PlotBoard.OpenThreads) != 1 || doc.PlotBoard.OpenThreads[0].ID != "th-1" {
		t.Fatalf("open threads = %+v", doc.PlotBoard.OpenThreads)
	}
}

func TestAppliedJobLedgerIsCapped(t *testing.T) {
	doc := NewConversationDoc()
	for i := 0; i < CapAppliedJobIDs+10; i++ {
		doc.RecordApplied(fmt.Sprintf("pj-%d", i))
	}

	if len(doc.AppliedPatchJobIDs) != CapAppliedJobIDs {
		t.Fatalf("applied ids = %d, want %d", len(doc.AppliedPatchJobIDs), CapAppliedJobIDs)
	}
	if doc.HasApplied("pj-0") {
		t.Fatal("oldest id must age out")
	}
	if !doc.HasApplied(fmt.Sprintf("pj-%d", CapAppliedJobIDs+9)) {
		t.Fatal("newest id must be recorded")
	}
}

func TestApplyToCharacterAccumulatesScore(t *testing.T) {
	doc := NewCharacterDoc("persona")
	romance := true

	ApplyToCharacter(&doc, Patch{Relationship: &RelationshipPatch{Stage: "friend", ScoreDelta: 0.2}})
	ApplyToCharacter(&doc, Patch{Relationship: &RelationshipPatch{ScoreDelta: 0.15, RomanceMode: &romance}})

	ladder := doc.RelationshipLadder
	if ladder.Stage != "friend" {
		t.Fatalf("stage = %q", ladder.Stage)
	}
	if ladder.Score < 0.349 || ladder.Score > 0.351 {
		t.Fatalf("score = %v, want 0.35", ladder.Score)
	}
	if !ladder.RomanceMode {
		t.Fatal("romance mode must be set")
	}
}

func TestSummaryDigestsLoadBearingSections(t *testing.T) {
	doc := NewConversationDoc()
	doc.RunState = RunState{Scene: "the lighthouse gallery", TimeOfDay: "dusk"}
	doc.PlotBoard.OpenThreads = []PlotThread{{ID: "th-1", Title: "the missing key"}}
	doc.Ledger.Wardrobe = "a storm coat"
	doc.Facts = []Fact{{Key: "hometown", Value: "Carran Bay"}}
	doc.Cast = CastBoard{Roster: []string{"Mira", "Joss"}, Active: true}

	summary := doc.Summary()

	for _, want := range []string{"the lighthouse gallery", "the missing key", "a storm coat", "Carran Bay", "Mira, Joss"} {
		if !strings.Contains(summary, want) {
			t.Fatalf("summary missing %q:\n%s", want, summary)
		}
	}
}

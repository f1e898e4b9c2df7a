package state

import (
	"encoding/json"
	"fmt"
	"time"
)

// TrimmedEntry is a document element dropped by a retention cap, preserved
// so the scribe can hand it to the archive before it disappears.
type TrimmedEntry struct {
	Kind  string          `json:"kind"`
	Entry json.RawMessage `json:"entry"`
}

// ApplyToConversation merges a sanitized patch into the conversation
// document. The caller is responsible for the idempotency check
// (HasApplied) and for recording the job id before the CAS write.
// Returns the entries trimmed by retention caps.
func ApplyToConversation(doc *ConversationDoc, patch Patch, turnTime time.Time, jobID string, episodeSpan time.Duration) []TrimmedEntry {
	var trimmed []TrimmedEntry

	if patch.RunState != nil {
		applyRunState(&doc.RunState, *patch.RunState)
	}

	if patch.PlotBoard != nil {
		trimmed = append(trimmed, applyPlotBoard(&doc.PlotBoard, *patch.PlotBoard, turnTime)...)
	}

	if patch.Ledger != nil {
		trimmed = append(trimmed, applyLedger(&doc.Ledger, *patch.Ledger)...)
	}

	if patch.Memory != nil && patch.Memory.EpisodeSummary != "" {
		if episodeSpan <= 0 {
			episodeSpan = DefaultEpisodeSpan
		}
		trimmed = append(trimmed, upsertEpisode(&doc.Memory, patch.Memory.EpisodeSummary, turnTime, jobID, episodeSpan)...)
	}

	if patch.StyleGuard != nil {
		for _, phrase := range patch.StyleGuard.BannedPhraseAdd {
			if phrase == "" || containsString(doc.StyleGuard.BannedPhrases, phrase) {
				continue
			}
			doc.StyleGuard.BannedPhrases = append(doc.StyleGuard.BannedPhrases, phrase)
		}
		doc.StyleGuard.BannedPhrases, _ = capStrings(doc.StyleGuard.BannedPhrases, CapBannedPhrases)
	}

	if len(patch.FactAdd) > 0 {
		doc.Facts = append(doc.Facts, patch.FactAdd...)
		var dropped []Fact
		doc.Facts, dropped = capSlice(doc.Facts, CapFacts)
		trimmed = append(trimmed, rawEntries("fact", dropped)...)
	}

	return trimmed
}

// ApplyToCharacter merges the character-side sections of a patch.
func ApplyToCharacter(doc *CharacterDoc, patch Patch) {
	if patch.Relationship == nil {
		return
	}
	rp := *patch.Relationship
	if rp.Stage != "" {
		doc.RelationshipLadder.Stage = rp.Stage
	}
	doc.RelationshipLadder.Score = clamp01(doc.RelationshipLadder.Score + rp.ScoreDelta)
	if rp.RomanceMode != nil {
		doc.RelationshipLadder.RomanceMode = *rp.RomanceMode
	}
}

func applyRunState(rs *RunState, p RunStatePatch) {
	if p.Mode != "" {
		rs.Mode = p.Mode
	}
	if p.Scene != "" {
		rs.Scene = p.Scene
	}
	if p.Location != "" {
		rs.Location = p.Location
	}
	if p.TimeOfDay != "" {
		rs.TimeOfDay = p.TimeOfDay
	}
}

func applyPlotBoard(board *PlotBoard, p PlotBoardPatch, turnTime time.Time) []TrimmedEntry {
	var trimmed []TrimmedEntry

	if board.Axes == nil {
		board.Axes = map[string]float64{}
	}
	for axis, delta := range p.AxisDeltas {
		board.Axes[axis] = clamp01(board.Axes[axis] + delta)
	}

	board.OpenThreads = closeThreads(board.OpenThreads, p.OpenClose)
	board.PendingThreads = closeThreads(board.PendingThreads, p.PendingClose)

	for _, thread := range p.OpenAdd {
		if thread.OpenedAt.IsZero() {
			thread.OpenedAt = turnTime
		}
		board.OpenThreads = append(board.OpenThreads, thread)
	}
	for _, thread := range p.PendingAdd {
		if thread.OpenedAt.IsZero() {
			thread.OpenedAt = turnTime
		}
		board.PendingThreads = append(board.PendingThreads, thread)
	}

	var dropped []PlotThread
	board.OpenThreads, dropped = capSlice(board.OpenThreads, CapOpenThreads)
	trimmed = append(trimmed, rawEntries("open_thread", dropped)...)
	board.PendingThreads, dropped = capSlice(board.PendingThreads, CapPendingThreads)
	trimmed = append(trimmed, rawEntries("pending_thread", dropped)...)

	if p.BeatAppend != "" {
		board.BeatHistory = append(board.BeatHistory, Beat{At: turnTime, Summary: p.BeatAppend})
		var droppedBeats []Beat
		board.BeatHistory, droppedBeats = capSlice(board.BeatHistory, CapBeatHistory)
		trimmed = append(trimmed, rawEntries("beat", droppedBeats)...)
	}

	return trimmed
}

func closeThreads(threads []PlotThread, closeIDs []string) []PlotThread {
	if len(closeIDs) == 0 {
		return threads
	}
	closing := make(map[string]struct{}, len(closeIDs))
	for _, id := range closeIDs {
		closing[id] = struct{}{}
	}
	kept := threads[:0]
	for _, thread := range threads {
		if _, gone := closing[thread.ID]; gone {
			continue
		}
		if _, gone := closing[thread.Title]; gone {
			continue
		}
		kept = append(kept, thread)
	}
	return kept
}

func applyLedger(ledger *Ledger, p LedgerPatch) []TrimmedEntry {
	var trimmed []TrimmedEntry

	if len(p.EventAppend) > 0 {
		ledger.Events = append(ledger.Events, p.EventAppend...)
		var dropped []LedgerEvent
		ledger.Events, dropped = capSlice(ledger.Events, CapLedgerEvents)
		trimmed = append(trimmed, rawEntries("ledger_event", dropped)...)
	}

	for _, npc := range p.NPCUpserts {
		if npc.Key == "" {
			continue
		}
		replaced := false
		for i := range ledger.NPCs {
			if ledger.NPCs[i].Key == npc.Key {
				ledger.NPCs[i] = npc
				replaced = true
				break
			}
		}
		if !replaced {
			ledger.NPCs = append(ledger.NPCs, npc)
		}
	}
	var droppedNPCs []NPC
	ledger.NPCs, droppedNPCs = capSlice(ledger.NPCs, CapNPCs)
	trimmed = append(trimmed, rawEntries("npc", droppedNPCs)...)

	for _, delta := range p.InventoryDelta {
		applyInventoryDelta(ledger, delta)
	}
	var droppedItems []InventoryItem
	ledger.Inventory, droppedItems = capSlice(ledger.Inventory, CapInventory)
	trimmed = append(trimmed, rawEntries("inventory", droppedItems)...)

	if p.WardrobeUpdate != "" {
		ledger.Wardrobe = p.WardrobeUpdate
	}

	if len(p.RelationAppend) > 0 {
		ledger.Relations = append(ledger.Relations, p.RelationAppend...)
		var droppedRelations []Relation
		ledger.Relations, droppedRelations = capSlice(ledger.Relations, CapRelations)
		trimmed = append(trimmed, rawEntries("relation", droppedRelations)...)
	}

	return trimmed
}

func applyInventoryDelta(ledger *Ledger, delta InventoryDelta) {
	if delta.Name == "" || delta.Delta == 0 {
		return
	}
	for i := range ledger.Inventory {
		if ledger.Inventory[i].Name != delta.Name {
			continue
		}
		ledger.Inventory[i].Count += delta.Delta
		if ledger.Inventory[i].Count <= 0 {
			ledger.Inventory = append(ledger.Inventory[:i], ledger.Inventory[i+1:]...)
		}
		return
	}
	if delta.Delta > 0 {
		ledger.Inventory = append(ledger.Inventory, InventoryItem{Name: delta.Name, Count: delta.Delta})
	}
}

// upsertEpisode coalesces the turn into the episode for its time bucket.
// A second job landing in the same bucket append-merges its summary and
// records its job id, so no job's contribution is silently overwritten.
func upsertEpisode(memory *Memory, summary string, turnTime time.Time, jobID string, span time.Duration) []TrimmedEntry {
	bucketStart := turnTime.Truncate(span)
	for i := range memory.Episodes {
		if !memory.Episodes[i].BucketStart.Equal(bucketStart) {
			continue
		}
		episode := &memory.Episodes[i]
		if !containsString(episode.SourceJobIDs, jobID) {
			if episode.Summary == "" {
				episode.Summary = summary
			} else {
				episode.Summary = episode.Summary + " " + summary
			}
			episode.SourceJobIDs = append(episode.SourceJobIDs, jobID)
		}
		return nil
	}
	memory.Episodes = append(memory.Episodes, Episode{
		BucketStart:  bucketStart,
		Summary:      summary,
		SourceJobIDs: []string{jobID},
	})
	var dropped []Episode
	memory.Episodes, dropped = capSlice(memory.Episodes, CapEpisodes)
	return rawEntries("episode", dropped)
}

// capSlice trims a slice to its retention cap, oldest entries first, and
// returns what was dropped.
func capSlice[T any](items []T, limit int) (kept []T, dropped []T) {
	if len(items) <= limit {
		return items, nil
	}
	overflow := len(items) - limit
	return items[overflow:], items[:overflow]
}

func capStrings(items []string, limit int) ([]string, []string) {
	return capSlice(items, limit)
}

func rawEntries[T any](kind string, dropped []T) []TrimmedEntry {
	if len(dropped) == 0 {
		return nil
	}
	entries := make([]TrimmedEntry, 0, len(dropped))
	for _, item := range dropped {
		raw, err := json.Marshal(item)
		if err != nil {
			raw = json.RawMessage(fmt.Sprintf("%q", fmt.Sprint(item)))
		}
		entries = append(entries, TrimmedEntry{Kind: kind, Entry: raw})
	}
	return entries
}

package state

import (
	"strings"
	"time"
)

// Retention caps. Every accumulating array in a document is bounded so the
// jsonb payload cannot grow without limit; overflow is trimmed oldest-first
// and handed to the archive.
const (
	CapLedgerEvents    = 200
	CapNPCs            = 60
	CapInventory       = 120
	CapRelations       = 80
	CapBeatHistory     = 120
	CapEpisodes        = 60
	CapOpenThreads     = 30
	CapPendingThreads  = 30
	CapFacts           = 80
	CapBannedPhrases   = 40
	CapAppliedJobIDs   = 200
	MaxAxisDelta       = 0.2
	DefaultEpisodeSpan = 10 * time.Minute
)

// Patch is the schema-constrained delta one turn applies to the documents.
// The model is prompted to emit exactly this shape; anything outside it is
// discarded during decode.
type Patch struct {
	RunState     *RunStatePatch     `json:"run_state_patch,omitempty"`
	PlotBoard    *PlotBoardPatch    `json:"plot_board_patch,omitempty"`
	Ledger       *LedgerPatch       `json:"ledger_patch,omitempty"`
	Memory       *MemoryPatch       `json:"memory_patch,omitempty"`
	StyleGuard   *StyleGuardPatch   `json:"style_guard_patch,omitempty"`
	Relationship *RelationshipPatch `json:"relationship_patch,omitempty"`
	FactAdd      []Fact             `json:"fact_patch_add,omitempty"`
	Moderation   []string           `json:"moderation_flags,omitempty"`
}

// RunStatePatch updates run-state fields; empty strings leave the current
// value untouched.
type RunStatePatch struct {
	Mode      string `json:"mode,omitempty"`
	Scene     string `json:"scene,omitempty"`
	Location  string `json:"location,omitempty"`
	TimeOfDay string `json:"time_of_day,omitempty"`
}

type PlotBoardPatch struct {
	AxisDeltas   map[string]float64 `json:"axis_deltas,omitempty"`
	OpenAdd      []PlotThread       `json:"open_thread_add,omitempty"`
	OpenClose    []string           `json:"open_thread_close,omitempty"`
	PendingAdd   []PlotThread       `json:"pending_thread_add,omitempty"`
	PendingClose []string           `json:"pending_thread_close,omitempty"`
	BeatAppend   string             `json:"beat_append,omitempty"`
}

type InventoryDelta struct {
	Name  string `json:"name"`
	Delta int    `json:"delta"`
}

type LedgerPatch struct {
	EventAppend    []LedgerEvent    `json:"event_append,omitempty"`
	NPCUpserts     []NPC            `json:"npc_upserts,omitempty"`
	InventoryDelta []InventoryDelta `json:"inventory_deltas,omitempty"`
	WardrobeUpdate string           `json:"wardrobe_update,omitempty"`
	RelationAppend []Relation       `json:"relation_append,omitempty"`
}

// MemoryPatch carries at most one summarized episode per turn.
type MemoryPatch struct {
	EpisodeSummary string `json:"episode_summary,omitempty"`
}

type StyleGuardPatch struct {
	BannedPhraseAdd []string `json:"banned_phrase_add,omitempty"`
}

type RelationshipPatch struct {
	Stage       string  `json:"stage,omitempty"`
	ScoreDelta  float64 `json:"score_delta,omitempty"`
	RomanceMode *bool   `json:"romance_mode,omitempty"`
}

// SanitizeReport records what sanitization changed, for the job's audit
// trail.
type SanitizeReport struct {
	ClampedAxes   int
	RejectedFacts int
}

// Sanitize enforces the patch-level bounds before any merge: axis deltas
// clamped to [-MaxAxisDelta, MaxAxisDelta], relationship score deltas
// likewise, and "confirmed" facts whose evidence does not appear in the
// turn text demoted to rejected.
func (p *Patch) Sanitize(turnText string) SanitizeReport {
	var report SanitizeReport

	if p.PlotBoard != nil {
		for axis, delta := range p.PlotBoard.AxisDeltas {
			clamped := clamp(delta, -MaxAxisDelta, MaxAxisDelta)
			if clamped != delta {
				p.PlotBoard.AxisDeltas[axis] = clamped
				report.ClampedAxes++
			}
		}
	}

	if p.Relationship != nil {
		clamped := clamp(p.Relationship.ScoreDelta, -MaxAxisDelta, MaxAxisDelta)
		if clamped != p.Relationship.ScoreDelta {
			p.Relationship.ScoreDelta = clamped
			report.ClampedAxes++
		}
	}

	if len(p.FactAdd) > 0 {
		lowered := strings.ToLower(turnText)
		kept := p.FactAdd[:0]
		for _, fact := range p.FactAdd {
			if fact.Confirmed && !factEvidenced(fact, lowered) {
				report.RejectedFacts++
				continue
			}
			kept = append(kept, fact)
		}
		p.FactAdd = kept
	}

	return report
}

// factEvidenced requires a confirmed fact's evidence (or value) to appear
// verbatim in the turn text.
func factEvidenced(fact Fact, loweredTurn string) bool {
	evidence := strings.ToLower(strings.TrimSpace(fact.Evidence))
	if evidence != "" && strings.Contains(loweredTurn, evidence) {
		return true
	}
	value := strings.ToLower(strings.TrimSpace(fact.Value))
	return value != "" && strings.Contains(loweredTurn, value)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clamp01(v float64) float64 {
	return clamp(v, 0, 1)
}

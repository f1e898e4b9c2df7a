package state

import (
	"fmt"
	"strings"
)

// Summary renders the compact state digest injected into prompts. Only the
// sections a model turn actually needs; full documents never leave the
// store.
func (d ConversationDoc) Summary() string {
	var sb strings.Builder

	if d.RunState.Scene != "" || d.RunState.Location != "" || d.RunState.TimeOfDay != "" {
		sb.WriteString("Scene: ")
		sb.WriteString(strings.TrimSpace(strings.Join(nonEmpty(d.RunState.Scene, d.RunState.Location, d.RunState.TimeOfDay), ", ")))
		sb.WriteString("\n")
	}
	if d.RunState.Mode != "" {
		fmt.Fprintf(&sb, "Mode: %s\n", d.RunState.Mode)
	}
	if d.FocusPanel.Topic != "" {
		fmt.Fprintf(&sb, "Current focus: %s\n", d.FocusPanel.Topic)
	}

	if len(d.PlotBoard.OpenThreads) > 0 {
		sb.WriteString("Open threads:\n")
		for _, thread := range d.PlotBoard.OpenThreads {
			fmt.Fprintf(&sb, "- %s\n", thread.Title)
		}
	}

	if n := len(d.PlotBoard.BeatHistory); n > 0 {
		recent := d.PlotBoard.BeatHistory
		if n > 3 {
			recent = recent[n-3:]
		}
		sb.WriteString("Recent beats:\n")
		for _, beat := range recent {
			fmt.Fprintf(&sb, "- %s\n", beat.Summary)
		}
	}

	if d.Ledger.Wardrobe != "" {
		fmt.Fprintf(&sb, "Wardrobe: %s\n", d.Ledger.Wardrobe)
	}
	if len(d.Ledger.NPCs) > 0 {
		names := make([]string, 0, len(d.Ledger.NPCs))
		for _, npc := range d.Ledger.NPCs {
			names = append(names, npc.Name)
		}
		fmt.Fprintf(&sb, "Known figures: %s\n", strings.Join(names, ", "))
	}

	if len(d.Facts) > 0 {
		sb.WriteString("Established facts:\n")
		for _, fact := range d.Facts {
			fmt.Fprintf(&sb, "- %s: %s\n", fact.Key, fact.Value)
		}
	}

	if d.Cast.Active && len(d.Cast.Roster) > 0 {
		fmt.Fprintf(&sb, "On stage: %s\n", strings.Join(d.Cast.Roster, ", "))
	}

	return strings.TrimRight(sb.String(), "\n")
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}

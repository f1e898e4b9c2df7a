// Package rotation derives multi-character turn order: an ordered on-stage
// roster plus a rotation index kept in the conversation document.
package rotation

import (
	"strings"

	"reverie/api/internal/state"
)

// Exit phrases that end multi-cast narration and return to single-character
// dialog.
var exitPhrases = []string{
	"everyone leaves",
	"everyone else leaves",
	"back to just us",
	"dismiss the others",
	"end group scene",
}

// Resolver computes roster updates for a turn. It is pure over CastBoard
// values: the reply path previews without persisting, the scribe persists
// through the normal patch pipeline.
type Resolver struct {
	// Primary is the conversation's main character; it is always on the
	// roster while multi-cast mode is active.
	Primary string
	// Known lists the character names that may be summoned on stage.
	Known []string
}

// Observe folds a user message into the board: explicitly named known
// characters move to the front of the roster without discarding others,
// an exit phrase clears the board, and the board deactivates whenever the
// roster drops below two members.
func (r Resolver) Observe(board state.CastBoard, userMessage string) state.CastBoard {
	if isExitPhrase(userMessage) {
		return state.CastBoard{}
	}

	named := r.namedCharacters(userMessage)
	if len(named) > 0 {
		board = promote(board, r.Primary, named)
	}

	if len(board.Roster) < 2 {
		// Not enough cast for rotation; revert to single-character dialog.
		if len(named) == 0 {
			return state.CastBoard{}
		}
		board.Active = false
		return board
	}
	board.Active = true
	return board
}

// ExpectedSpeaker returns roster[index mod len], or the primary when
// rotation is inactive.
func (r Resolver) ExpectedSpeaker(board state.CastBoard) string {
	if !board.Active || len(board.Roster) == 0 {
		return r.Primary
	}
	return board.Roster[board.Index%len(board.Roster)]
}

// Advance moves the rotation index forward by one turn.
func Advance(board state.CastBoard) state.CastBoard {
	if !board.Active || len(board.Roster) == 0 {
		return board
	}
	board.Index = (board.Index + 1) % len(board.Roster)
	return board
}

// namedCharacters returns known characters explicitly mentioned in the
// message, in mention order.
func (r Resolver) namedCharacters(message string) []string {
	lowered := strings.ToLower(message)
	type mention struct {
		name string
		at   int
	}
	var mentions []mention
	for _, name := range r.Known {
		idx := strings.Index(lowered, strings.ToLower(name))
		if idx >= 0 {
			mentions = append(mentions, mention{name: name, at: idx})
		}
	}
	for i := 0; i < len(mentions); i++ {
		for j := i + 1; j < len(mentions); j++ {
			if mentions[j].at < mentions[i].at {
				mentions[i], mentions[j] = mentions[j], mentions[i]
			}
		}
	}
	names := make([]string, 0, len(mentions))
	for _, m := range mentions {
		names = append(names, m.name)
	}
	return names
}

// promote moves the named characters to the front of the roster, keeps
// everyone else in their relative order, and guarantees the primary stays
// on the roster.
func promote(board state.CastBoard, primary string, named []string) state.CastBoard {
	seen := map[string]struct{}{}
	roster := make([]string, 0, len(board.Roster)+len(named)+1)
	for _, name := range named {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		roster = append(roster, name)
	}
	for _, name := range board.Roster {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		roster = append(roster, name)
	}
	if _, has := seen[primary]; !has && primary != "" {
		roster = append(roster, primary)
	}
	board.Roster = roster
	board.Index = 0
	return board
}

func isExitPhrase(message string) bool {
	lowered := strings.ToLower(strings.TrimSpace(message))
	for _, phrase := range exitPhrases {
		if strings.Contains(lowered, phrase) {
			return true
		}
	}
	return false
}

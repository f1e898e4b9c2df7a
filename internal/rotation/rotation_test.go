package rotation

import (
	"reflect"
	"testing"

	"reverie/api/internal/state"
)

func TestObserveSummonBuildsRoster(t *testing.T) {
	r := Resolver{Primary: "Mira", Known: []string{"Mira", "Joss", "Victor"}}

	board := r.Observe(state.CastBoard{}, "Joss, come help us with the map.")
	if !board.Active {
		t.Fatalf("expected active rotation, got %+v", board)
	}
	if !reflect.DeepEqual(board.Roster, []string{"Joss", "Mira"}) {
		t.Fatalf("unexpected roster %v", board.Roster)
	}
}

func TestObserveNamedMoveToFrontWithoutDiscarding(t *testing.T) {
	r := Resolver{Primary: "Mira", Known: []string{"Mira", "Joss", "Victor"}}
	board := state.CastBoard{Active: true, Roster: []string{"Mira", "Joss"}, Index: 1}

	board = r.Observe(board, "Victor! Over here!")
	if !reflect.DeepEqual(board.Roster, []string{"Victor", "Mira", "Joss"}) {
		t.Fatalf("unexpected roster %v", board.Roster)
	}
	if board.Index != 0 {
		t.Fatalf("promotion must reset the index, got %d", board.Index)
	}
}

func TestExpectedSpeakerWrapsAndAdvances(t *testing.T) {
	r := Resolver{Primary: "Mira"}
	board := state.CastBoard{Active: true, Roster: []string{"Joss", "Mira", "Victor"}}

	order := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		order = append(order, r.ExpectedSpeaker(board))
		board = Advance(board)
	}
	want := []string{"Joss", "Mira", "Victor", "Joss"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("rotation order %v, want %v", order, want)
	}
}

func TestExpectedSpeakerInactiveIsPrimary(t *testing.T) {
	r := Resolver{Primary: "Mira"}
	if got := r.ExpectedSpeaker(state.CastBoard{}); got != "Mira" {
		t.Fatalf("inactive board must resolve to primary, got %q", got)
	}
}

func TestObserveExitPhraseClearsBoard(t *testing.T) {
	r := Resolver{Primary: "Mira", Known: []string{"Mira", "Joss"}}
	board := state.CastBoard{Active: true, Roster: []string{"Joss", "Mira"}, Index: 1}

	board = r.Observe(board, "Okay, everyone leaves. Back to just us.")
	if board.Active || len(board.Roster) != 0 {
		t.Fatalf("exit phrase must clear the board, got %+v", board)
	}
}

func TestObserveSmallRosterAutoReverts(t *testing.T) {
	r := Resolver{Primary: "Mira", Known: []string{"Mira", "Joss"}}
	board := state.CastBoard{Active: true, Roster: []string{"Mira"}}

	board = r.Observe(board, "What were we talking about?")
	if board.Active || len(board.Roster) != 0 {
		t.Fatalf("roster below two must revert to single dialog, got %+v", board)
	}
}

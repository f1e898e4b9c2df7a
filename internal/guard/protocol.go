package guard

import (
	"context"
	"fmt"
	"log"
)

// FallbackLine replaces text that still speaks for the user or for an
// off-stage character after every repair attempt. This floor is never
// bypassed.
const FallbackLine = "[A quiet beat passes; the moment settles before anyone speaks again.]"

// Rewriter performs one constrained rewrite of a flagged reply.
type Rewriter interface {
	RewriteReply(ctx context.Context, original string, constraints []string, forcedProgression bool) (string, error)
}

// Result is the outcome of running the repair protocol over a candidate
// reply.
type Result struct {
	Text         string
	Issues       []Issue
	Triggered    bool
	RewriteUsed  bool
	FallbackUsed bool
}

// Enforce validates text and drives the repair protocol: one constrained
// rewrite, then one forced-progression rewrite for persistent duplicates,
// then the fixed fallback if user-speech or off-stage dialogue survives.
func Enforce(ctx context.Context, text string, gctx Context, rewriter Rewriter) Result {
	issues := Classify(text, gctx)
	if len(issues) == 0 {
		return Result{Text: text}
	}

	result := Result{Text: text, Issues: issues, Triggered: true}

	rewritten, err := rewriter.RewriteReply(ctx, text, constraintsFor(issues), false)
	if err != nil {
		log.Printf("guard: rewrite failed: %v", err)
	} else {
		result.RewriteUsed = true
		result.Text = rewritten
		issues = Classify(rewritten, gctx)
		result.Issues = issues
	}

	if Has(issues, IssueDuplicateAnswer) || Has(issues, IssueEndingRepeat) {
		forced, err := rewriter.RewriteReply(ctx, result.Text, constraintsFor(issues), true)
		if err != nil {
			log.Printf("guard: forced progression rewrite failed: %v", err)
		} else {
			result.RewriteUsed = true
			result.Text = forced
			issues = Classify(forced, gctx)
			result.Issues = issues
		}
	}

	if Has(issues, IssueUserSpeech) || Has(issues, IssueSpeakerOutsideSet) {
		result.Text = FallbackLine
		result.FallbackUsed = true
	}

	return result
}

// constraintsFor derives the explicit constraint list handed to the
// rewrite prompt from the classified issue set.
func constraintsFor(issues []Issue) []string {
	var constraints []string
	for _, issue := range issues {
		switch issue {
		case IssueEmpty:
			constraints = append(constraints, "The reply must not be empty; write at least one full sentence.")
		case IssuePromptLeak:
			constraints = append(constraints, "Remove every internal directive, system marker, or meta commentary; output only in-world text.")
		case IssueJSONLeak:
			constraints = append(constraints, "Output plain narrative prose, never JSON or structured data.")
		case IssueUserSpeech:
			constraints = append(constraints, "Never write a line spoken by the user; remove any line attributed to them.")
		case IssueFormat:
			constraints = append(constraints, "Match the required shape for this message kind exactly (a single bracket-wrapped aside for life snippets, a single line for visual cues, no dialogue lines in posts or diary entries).")
		case IssueSpeakerOutsideSet:
			constraints = append(constraints, "Only characters currently on stage may speak; remove dialogue from anyone else.")
		case IssueStrictMulticast:
			constraints = append(constraints, "Rotate at least two distinct on-stage speakers, each with their own Name: \"...\" line.")
		case IssueDuplicateAnswer:
			constraints = append(constraints, "Do not repeat or closely paraphrase any recent reply; say something new.")
		case IssueEndingRepeat:
			constraints = append(constraints, "End on a different note than recent replies; vary the closing sentence.")
		case IssueBannedPhrase:
			constraints = append(constraints, "The reply uses phrasing the conversation's style policy bans; reword without those phrases.")
		default:
			constraints = append(constraints, fmt.Sprintf("Resolve the %s issue.", issue))
		}
	}
	return constraints
}

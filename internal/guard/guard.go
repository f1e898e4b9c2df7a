// Package guard validates generated replies before display: a pipeline of
// independent named checks over normalized text, each yielding issues from
// a closed set, plus the rewrite/fallback repair protocol.
package guard

import (
	"regexp"
	"strings"

	"reverie/api/internal/state"
)

// Issue is a classified guardrail condition. It is a value, not an error:
// issues drive the repair protocol rather than failing the request.
type Issue string

const (
	IssueEmpty             Issue = "EMPTY"
	IssuePromptLeak        Issue = "PROMPT_LEAK"
	IssueJSONLeak          Issue = "JSON_LEAK"
	IssueUserSpeech        Issue = "USER_SPEECH"
	IssueFormat            Issue = "FORMAT_VIOLATION"
	IssueSpeakerOutsideSet Issue = "SPEAKER_OUTSIDE_SET"
	IssueStrictMulticast   Issue = "STRICT_MULTICAST_FORMAT"
	IssueDuplicateAnswer   Issue = "DUPLICATE_ANSWER"
	IssueEndingRepeat      Issue = "ENDING_REPEAT"
	IssueBannedPhrase      Issue = "BANNED_PHRASE"
)

// Context carries what the checks need to judge a candidate reply.
type Context struct {
	Event    state.InputEvent
	UserName string
	// OnStage is the cast roster when multi-cast narration is active;
	// empty in single-character dialog.
	OnStage   []string
	Multicast bool
	// RecentReplies holds the last assistant turns, newest first. Only
	// the first duplicateWindow entries are compared.
	RecentReplies []string
	// BannedPhrases come from the conversation's style guard; any
	// occurrence flags the reply for rewrite.
	BannedPhrases []string
	// EndingRepeatWindow overrides how many recent replies the
	// trailing-sentence comparison looks back over; zero means the
	// default duplicate window.
	EndingRepeatWindow int
}

const (
	duplicateWindow     = 4
	duplicateThreshold  = 0.88
	endingThreshold     = 0.92
	substringMinLength  = 40
	maxSpeakerNameWords = 3
)

type check struct {
	name string
	fn   func(text string, c Context) []Issue
}

// The pipeline: each check is independent and named so the rule set stays
// extensible instead of one monolithic function.
var checks = []check{
	{"empty", checkEmpty},
	{"prompt_leak", checkPromptLeak},
	{"json_leak", checkJSONLeak},
	{"user_speech", checkUserSpeech},
	{"event_format", checkEventFormat},
	{"speaker_set", checkSpeakerSet},
	{"multicast", checkMulticast},
	{"duplicate", checkDuplicate},
	{"banned_phrase", checkBannedPhrase},
}

// Classify runs every check and returns the union of issues found.
func Classify(text string, c Context) []Issue {
	seen := map[Issue]struct{}{}
	var issues []Issue
	for _, chk := range checks {
		for _, issue := range chk.fn(text, c) {
			if _, dup := seen[issue]; dup {
				continue
			}
			seen[issue] = struct{}{}
			issues = append(issues, issue)
		}
	}
	return issues
}

func Has(issues []Issue, target Issue) bool {
	for _, issue := range issues {
		if issue == target {
			return true
		}
	}
	return false
}

func checkEmpty(text string, _ Context) []Issue {
	if strings.TrimSpace(text) == "" {
		return []Issue{IssueEmpty}
	}
	return nil
}

// Internal directive tokens that must never leak into display text.
var promptLeakMarkers = []string{
	"SYSTEM:",
	"[INST]",
	"<<SYS>>",
	"### Instruction",
	"CURRENT STATE SUMMARY:",
	"REMEMBERED EPISODES:",
	"STORY EVENT:",
	"input_event=",
	"As an AI",
	"as an AI language model",
}

func checkPromptLeak(text string, _ Context) []Issue {
	for _, marker := range promptLeakMarkers {
		if strings.Contains(text, marker) {
			return []Issue{IssuePromptLeak}
		}
	}
	return nil
}

// checkJSONLeak flags output that parses as structured data when plain
// narrative was required.
func checkJSONLeak(text string, c Context) []Issue {
	if c.Event == state.EventVisualCue {
		return nil
	}
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < 2 {
		return nil
	}
	first := trimmed[0]
	if first != '{' && first != '[' {
		return nil
	}
	// A bracket aside like [She smiles.] is narrative, not data.
	if first == '[' && !strings.Contains(trimmed, "\"") && !strings.Contains(trimmed, ":") {
		return nil
	}
	if looksLikeJSON(trimmed) {
		return []Issue{IssueJSONLeak}
	}
	return nil
}

func looksLikeJSON(text string) bool {
	if !strings.Contains(text, "\"") {
		return false
	}
	return (strings.HasPrefix(text, "{") && strings.HasSuffix(text, "}")) ||
		(strings.HasPrefix(text, "[") && strings.HasSuffix(text, "]"))
}

var userSpeechPrefixes = []string{"user:", "you:", "player:"}

// checkUserSpeech flags any line attributed to the user. Such text must
// never be delivered verbatim.
func checkUserSpeech(text string, c Context) []Issue {
	for _, line := range strings.Split(text, "\n") {
		lowered := strings.ToLower(strings.TrimSpace(line))
		for _, prefix := range userSpeechPrefixes {
			if strings.HasPrefix(lowered, prefix) {
				return []Issue{IssueUserSpeech}
			}
		}
		if c.UserName != "" && strings.HasPrefix(lowered, strings.ToLower(c.UserName)+":") {
			return []Issue{IssueUserSpeech}
		}
	}
	return nil
}

var speakerLine = regexp.MustCompile(`^([\p{L}][\p{L} .'-]{0,40}):\s*\S`)

// checkEventFormat enforces the literal shape each input-event mode
// requires.
func checkEventFormat(text string, c Context) []Issue {
	trimmed := strings.TrimSpace(text)
	switch c.Event {
	case state.EventScheduleTick:
		// A life snippet is exactly one bracket-wrapped aside with no
		// dialogue lines.
		if !isSingleBracketAside(trimmed) || hasDialogueLine(trimmed) {
			return []Issue{IssueFormat}
		}
	case state.EventMomentPost, state.EventDiary:
		if hasDialogueLine(trimmed) {
			return []Issue{IssueFormat}
		}
	case state.EventVisualCue:
		if strings.Contains(trimmed, "\n") || hasDialogueLine(trimmed) {
			return []Issue{IssueFormat}
		}
	}
	return nil
}

func isSingleBracketAside(text string) bool {
	if !strings.HasPrefix(text, "[") || !strings.HasSuffix(text, "]") {
		return false
	}
	if strings.Contains(text, "\n") {
		return false
	}
	// No second aside glued on.
	return strings.Count(text, "[") == 1 && strings.Count(text, "]") == 1
}

func hasDialogueLine(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		if name, ok := speakerOfLine(line); ok && name != "" {
			return true
		}
	}
	return false
}

// speakerOfLine extracts a "Name:" attribution if the line has one and the
// name is short enough to plausibly be a speaker tag.
func speakerOfLine(line string) (string, bool) {
	match := speakerLine.FindStringSubmatch(strings.TrimSpace(line))
	if match == nil {
		return "", false
	}
	name := strings.TrimSpace(match[1])
	if len(strings.Fields(name)) > maxSpeakerNameWords {
		return "", false
	}
	return name, true
}

// checkSpeakerSet flags dialogue attributed to a character not on stage.
func checkSpeakerSet(text string, c Context) []Issue {
	if len(c.OnStage) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(c.OnStage)+1)
	for _, name := range c.OnStage {
		allowed[strings.ToLower(name)] = struct{}{}
	}
	if c.UserName != "" {
		allowed[strings.ToLower(c.UserName)] = struct{}{}
	}
	for _, line := range strings.Split(text, "\n") {
		name, ok := speakerOfLine(line)
		if !ok {
			continue
		}
		if _, onStage := allowed[strings.ToLower(name)]; !onStage {
			return []Issue{IssueSpeakerOutsideSet}
		}
	}
	return nil
}

// checkMulticast requires a multi-cast turn to rotate at least two
// distinct on-stage speakers.
func checkMulticast(text string, c Context) []Issue {
	if !c.Multicast || len(c.OnStage) < 2 {
		return nil
	}
	onStage := make(map[string]struct{}, len(c.OnStage))
	for _, name := range c.OnStage {
		onStage[strings.ToLower(name)] = struct{}{}
	}
	distinct := map[string]struct{}{}
	for _, line := range strings.Split(text, "\n") {
		name, ok := speakerOfLine(line)
		if !ok {
			continue
		}
		if _, staged := onStage[strings.ToLower(name)]; staged {
			distinct[strings.ToLower(name)] = struct{}{}
		}
	}
	if len(distinct) < 2 {
		return []Issue{IssueStrictMulticast}
	}
	return nil
}

// checkDuplicate detects near-duplicates of recent replies: normalized
// exact/substring match or character-bigram Jaccard similarity, plus an
// ending-specific comparison on the trailing sentence.
func checkDuplicate(text string, c Context) []Issue {
	candidate := normalize(text)
	if candidate == "" {
		return nil
	}
	var issues []Issue
	window := c.RecentReplies
	if len(window) > duplicateWindow {
		window = window[:duplicateWindow]
	}
	candidateEnding := normalize(trailingSentence(text))
	for _, recent := range window {
		previous := normalize(recent)
		if previous == "" {
			continue
		}
		if isNearDuplicate(candidate, previous) {
			issues = append(issues, IssueDuplicateAnswer)
			break
		}
	}
	endingWindow := c.RecentReplies
	endingLookback := c.EndingRepeatWindow
	if endingLookback <= 0 {
		endingLookback = duplicateWindow
	}
	if len(endingWindow) > endingLookback {
		endingWindow = endingWindow[:endingLookback]
	}
	if candidateEnding != "" {
		for _, recent := range endingWindow {
			previousEnding := normalize(trailingSentence(recent))
			if previousEnding == "" {
				continue
			}
			if bigramJaccard(candidateEnding, previousEnding) >= endingThreshold {
				issues = append(issues, IssueEndingRepeat)
				break
			}
		}
	}
	return issues
}

// checkBannedPhrase flags any occurrence of a style-guard banned phrase,
// compared case-insensitively against the raw text.
func checkBannedPhrase(text string, c Context) []Issue {
	if len(c.BannedPhrases) == 0 {
		return nil
	}
	lowered := strings.ToLower(text)
	for _, phrase := range c.BannedPhrases {
		phrase = strings.ToLower(strings.TrimSpace(phrase))
		if phrase == "" {
			continue
		}
		if strings.Contains(lowered, phrase) {
			return []Issue{IssueBannedPhrase}
		}
	}
	return nil
}

func isNearDuplicate(a, b string) bool {
	if a == b {
		return true
	}
	if len(a) >= substringMinLength && len(b) >= substringMinLength {
		if strings.Contains(a, b) || strings.Contains(b, a) {
			return true
		}
	}
	return bigramJaccard(a, b) >= duplicateThreshold
}

// trailingSentence returns the final sentence of the text.
func trailingSentence(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ""
	}
	cut := strings.TrimRight(trimmed, ".!?…")
	idx := strings.LastIndexAny(cut, ".!?…")
	if idx < 0 {
		return trimmed
	}
	return strings.TrimSpace(trimmed[idx+1:])
}

// Package model wraps the language-model provider behind a narrow client
// interface with per-call timeouts and transient-error classification.
package model

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"reverie/api/internal/state"

	"github.com/openai/openai-go"
)

// ErrMalformedPatch means patch generation returned output that does not
// decode into the patch schema. The reply has already succeeded by then;
// only the patch is skipped or deferred.
var ErrMalformedPatch = errors.New("malformed patch")

// Per-call deadlines.
const (
	ReplyTimeout     = 45 * time.Second
	RewriteTimeout   = 30 * time.Second
	PatchGenTimeout  = 35 * time.Second
	LifeEventTimeout = 35 * time.Second
)

type ReplyRequest struct {
	Persona         string
	IPPack          state.IPPack
	UserName        string
	UserCard        string
	InputEvent      state.InputEvent
	Message         string
	Transcript      []TranscriptLine
	StateSummary    string
	RecalledMemory  []string
	ExpectedSpeaker string
	OnStage         []string
}

type TranscriptLine struct {
	Role string
	Text string
}

type RewriteRequest struct {
	Persona     string
	Original    string
	Constraints []string
	// ForcedProgression asks for a rewrite that moves the scene forward,
	// used against persistent duplicate/ending-repeat issues.
	ForcedProgression bool
}

type PatchRequest struct {
	Persona       string
	InputEvent    state.InputEvent
	UserInput     string
	AssistantText string
	StateSummary  string
}

type LifeEventRequest struct {
	Persona      string
	Kind         state.InputEvent
	StateSummary string
	Transcript   []TranscriptLine
}

// Client is what the reply path, guardrail, scribe, and scheduler depend
// on; the OpenAI adapter is the production implementation.
type Client interface {
	Reply(ctx context.Context, req ReplyRequest) (string, error)
	Rewrite(ctx context.Context, req RewriteRequest) (string, error)
	GeneratePatch(ctx context.Context, req PatchRequest) (state.Patch, error)
	LifeEvent(ctx context.Context, req LifeEventRequest) (string, error)
}

// Transient reports whether a provider error is worth a bounded retry:
// rate limiting, server-side failure, or a timeout. Deterministic errors
// (bad request, auth) are never retried.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, errSoftRateLimit) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// softRateLimited detects rate-limit signals embedded in an otherwise
// successful response body.
func softRateLimited(content string) bool {
	lowered := strings.ToLower(content)
	for _, marker := range []string{"rate limit exceeded", "quota exceeded", "too many requests"} {
		if strings.Contains(lowered, marker) && len(content) < 200 {
			return true
		}
	}
	return false
}

// errSoftRateLimit is surfaced when a 200 response carries a rate-limit
// body instead of content.
var errSoftRateLimit = errors.New("soft rate limit response")

// IsSoftRateLimit is exposed for tests.
func IsSoftRateLimit(err error) bool {
	return errors.Is(err, errSoftRateLimit)
}

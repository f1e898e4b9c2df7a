// Package app is the HTTP-facing service layer: the reply pipeline, the
// sweep trigger, and the narrow control surfaces over the state documents.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"reverie/api/internal/guard"
	"reverie/api/internal/model"
	"reverie/api/internal/personarepo"
	"reverie/api/internal/recall"
	"reverie/api/internal/retry"
	"reverie/api/internal/rotation"
	"reverie/api/internal/state"
	"reverie/api/internal/store"
)

const (
	transcriptWindow = 12
	recallLimit      = 3
	guardWindow      = 4
	defaultUserName  = "You"

	controlCASAttempts = 3
	controlCASStep     = 50 * time.Millisecond
)

// dataStore is what the service needs from persistence. PostgresStore is
// the production implementation; tests supply fakes.
type dataStore interface {
	Ping(ctx context.Context) error

	CreateConversation(ctx context.Context, characterID, userName string) (store.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (store.Conversation, error)
	TouchConversationUser(ctx context.Context, conversationID string, at time.Time) error

	InsertMessage(ctx context.Context, msg store.Message) (store.Message, error)
	ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]store.Message, error)
	LastAssistantMessages(ctx context.Context, conversationID string, n int) ([]store.Message, error)
	UpdateMessageBody(ctx context.Context, messageID, body string) error

	CreateConversationState(ctx context.Context, conversationID, characterID string, doc state.ConversationDoc) error
	LoadConversationState(ctx context.Context, conversationID string) (state.ConversationDoc, int64, error)
	SaveConversationState(ctx context.Context, conversationID string, doc state.ConversationDoc, expectedVersion int64) error
	EnsureCharacterState(ctx context.Context, characterID string, doc state.CharacterDoc) (bool, error)
	LoadCharacterState(ctx context.Context, characterID string) (state.CharacterDoc, int64, error)
	SaveCharacterState(ctx context.Context, characterID string, doc state.CharacterDoc, expectedVersion int64) error

	NextTurnSeq(ctx context.Context, conversationID string) (int64, error)
	EnqueuePatchJob(ctx context.Context, job store.PatchJob) (string, bool, error)
	RefreshPatchJobInput(ctx context.Context, jobID string, input store.PatchInput) (bool, error)
}

// recallSearcher is the recall facade; nil disables recall.
type recallSearcher interface {
	Search(q recall.Query) []recall.Result
}

// personaLog records persona revisions; nil disables the audit trail.
type personaLog interface {
	EnsureCharacterRepo(characterID string, doc state.CharacterDoc, author string) error
	CommitPersona(characterID string, doc state.CharacterDoc, author, message string) (personarepo.CommitInfo, error)
	History(characterID string, limit int) ([]personarepo.CommitInfo, error)
}

// wakeQueue nudges scribe workers after an enqueue; nil means workers rely
// on the stale-job sweep alone.
type wakeQueue interface {
	EnqueueWake(ctx context.Context, jobID string) error
}

type Service struct {
	store    dataStore
	model    model.Client
	recall   recallSearcher
	personas personaLog
	wake     wakeQueue
	now      func() time.Time
}

type ServiceOptions struct {
	Recall   recallSearcher
	Personas personaLog
	Wake     wakeQueue
	Now      func() time.Time
}

func NewService(st dataStore, client model.Client, opts ServiceOptions) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:    st,
		model:    client,
		recall:   opts.Recall,
		personas: opts.Personas,
		wake:     opts.Wake,
		now:      now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

type ReplyInput struct {
	CharacterID          string `json:"characterId"`
	ConversationID       string `json:"conversationId,omitempty"`
	Message              string `json:"message"`
	InputEvent           string `json:"inputEvent,omitempty"`
	UserCard             string `json:"userCard,omitempty"`
	UserName             string `json:"userName,omitempty"`
	Regenerate           bool   `json:"regenerate,omitempty"`
	ReplaceLastAssistant bool   `json:"replaceLastAssistant,omitempty"`
}

type ReplyResult struct {
	ConversationID    string `json:"conversationId"`
	AssistantMessage  string `json:"assistantMessage"`
	PatchOK           bool   `json:"patchOk"`
	PatchError        string `json:"patchError,omitempty"`
	GuardTriggered    bool   `json:"guardTriggered"`
	GuardRewriteUsed  bool   `json:"guardRewriteUsed"`
	GuardFallbackUsed bool   `json:"guardFallbackUsed"`
}

// Reply runs one turn: resolve conversation, assemble context, generate,
// guard, persist, enqueue the patch job. A patch-pipeline failure degrades
// the response (patchOk=false) instead of failing the turn.
func (s *Service) Reply(ctx context.Context, in ReplyInput) (ReplyResult, error) {
	event, ok := state.ParseInputEvent(in.InputEvent)
	if !ok {
		return ReplyResult{}, domainError(400, "INVALID_INPUT_EVENT", "unknown input event", in.InputEvent)
	}
	if strings.TrimSpace(in.CharacterID) == "" {
		return ReplyResult{}, domainError(400, "MISSING_CHARACTER", "characterId is required", nil)
	}
	if strings.TrimSpace(in.Message) == "" && (event == state.EventDialog || event == state.EventNarration) {
		return ReplyResult{}, domainError(400, "EMPTY_MESSAGE", "message is required for this input event", nil)
	}

	charDoc, _, err := s.store.LoadCharacterState(ctx, in.CharacterID)
	if errors.Is(err, store.ErrNotFound) {
		return ReplyResult{}, domainError(404, "CHARACTER_NOT_FOUND", "character does not exist", in.CharacterID)
	}
	if err != nil {
		return ReplyResult{}, fmt.Errorf("load character state: %w", err)
	}

	conv, doc, err := s.resolveConversation(ctx, in)
	if err != nil {
		return ReplyResult{}, err
	}

	now := s.now()
	if !event.Synthetic() {
		if err := s.store.TouchConversationUser(ctx, conv.ID, now); err != nil {
			log.Printf("app: touch conversation %s: %v", conv.ID, err)
		}
	}

	// schedule_play/schedule_pause turns flip the schedule board first and
	// then proceed as a normal turn the model can acknowledge.
	if event == state.EventSchedulePlay || event == state.EventSchedulePause {
		target := state.SchedulePlay
		if event == state.EventSchedulePause {
			target = state.SchedulePause
		}
		if err := s.updateConversationDoc(ctx, conv.ID, func(d *state.ConversationDoc) {
			d.ScheduleBoard.ScheduleState = target
		}); err != nil {
			return ReplyResult{}, err
		}
		doc.ScheduleBoard.ScheduleState = target
	}

	// Rotation preview only; the scribe persists cast changes through the
	// patch pipeline.
	resolver := rotation.Resolver{Primary: conv.CharacterID, Known: knownCast(doc)}
	board := doc.Cast
	if !event.Synthetic() && strings.TrimSpace(in.Message) != "" {
		board = resolver.Observe(board, in.Message)
	}

	var recalled []string
	if s.recall != nil && strings.TrimSpace(in.Message) != "" {
		for _, r := range s.recall.Search(recall.Query{Text: in.Message, ConversationID: conv.ID, Limit: recallLimit}) {
			recalled = append(recalled, r.Summary)
		}
	}

	var transcript []model.TranscriptLine
	if msgs, err := s.store.ListRecentMessages(ctx, conv.ID, transcriptWindow); err != nil {
		log.Printf("app: list recent messages for %s: %v", conv.ID, err)
	} else {
		for _, m := range msgs {
			transcript = append(transcript, model.TranscriptLine{Role: m.Role, Text: m.Body})
		}
	}

	recentAssistant, err := s.store.LastAssistantMessages(ctx, conv.ID, guardWindow)
	if err != nil {
		log.Printf("app: list assistant messages for %s: %v", conv.ID, err)
		recentAssistant = nil
	}
	recentBodies := make([]string, 0, len(recentAssistant))
	for _, m := range recentAssistant {
		recentBodies = append(recentBodies, m.Body)
	}

	if !in.Regenerate && !event.Synthetic() && strings.TrimSpace(in.Message) != "" {
		if _, err := s.store.InsertMessage(ctx, store.Message{
			ConversationID: conv.ID,
			Role:           "user",
			InputEvent:     string(event),
			Body:           in.Message,
		}); err != nil {
			return ReplyResult{}, fmt.Errorf("insert user message: %w", err)
		}
	}

	replyCtx, cancel := context.WithTimeout(ctx, model.ReplyTimeout)
	text, err := s.model.Reply(replyCtx, model.ReplyRequest{
		Persona:         charDoc.PersonaSystem,
		IPPack:          charDoc.IPPack,
		UserName:        conv.UserName,
		UserCard:        in.UserCard,
		InputEvent:      event,
		Message:         in.Message,
		Transcript:      transcript,
		StateSummary:    doc.Summary(),
		RecalledMemory:  recalled,
		ExpectedSpeaker: resolver.ExpectedSpeaker(board),
		OnStage:         onStage(board),
	})
	cancel()
	if err != nil {
		log.Printf("app: reply generation for %s: %v", conv.ID, err)
		return ReplyResult{}, domainError(502, "MODEL_FAILED", "reply generation failed", nil)
	}

	verdict := guard.Enforce(ctx, text, guard.Context{
		Event:              event,
		UserName:           conv.UserName,
		OnStage:            onStage(board),
		Multicast:          board.Active,
		RecentReplies:      recentBodies,
		BannedPhrases:      doc.StyleGuard.BannedPhrases,
		EndingRepeatWindow: doc.StyleGuard.EndingRepeatWindow,
	}, replyRewriter{client: s.model, persona: charDoc.PersonaSystem})

	if in.ReplaceLastAssistant && len(recentAssistant) > 0 {
		if err := s.store.UpdateMessageBody(ctx, recentAssistant[0].ID, verdict.Text); err != nil {
			return ReplyResult{}, fmt.Errorf("replace assistant message: %w", err)
		}
	} else {
		if _, err := s.store.InsertMessage(ctx, store.Message{
			ConversationID: conv.ID,
			Role:           "assistant",
			InputEvent:     string(event),
			Body:           verdict.Text,
		}); err != nil {
			return ReplyResult{}, fmt.Errorf("insert assistant message: %w", err)
		}
	}

	result := ReplyResult{
		ConversationID:    conv.ID,
		AssistantMessage:  verdict.Text,
		PatchOK:           true,
		GuardTriggered:    verdict.Triggered,
		GuardRewriteUsed:  verdict.RewriteUsed,
		GuardFallbackUsed: verdict.FallbackUsed,
	}
	reuseSeq := in.Regenerate || in.ReplaceLastAssistant
	if err := s.enqueuePatch(ctx, conv, event, in.Message, verdict.Text, now, reuseSeq); err != nil {
		log.Printf("app: enqueue patch for %s: %v", conv.ID, err)
		result.PatchOK = false
		result.PatchError = "patch enqueue failed"
	}
	return result, nil
}

func (s *Service) resolveConversation(ctx context.Context, in ReplyInput) (store.Conversation, state.ConversationDoc, error) {
	if in.ConversationID == "" {
		userName := strings.TrimSpace(in.UserName)
		if userName == "" {
			userName = defaultUserName
		}
		conv, err := s.store.CreateConversation(ctx, in.CharacterID, userName)
		if err != nil {
			return store.Conversation{}, state.ConversationDoc{}, fmt.Errorf("create conversation: %w", err)
		}
		doc := state.NewConversationDoc()
		if err := s.store.CreateConversationState(ctx, conv.ID, in.CharacterID, doc); err != nil {
			return store.Conversation{}, state.ConversationDoc{}, fmt.Errorf("seed conversation state: %w", err)
		}
		return conv, doc, nil
	}

	conv, err := s.store.GetConversation(ctx, in.ConversationID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Conversation{}, state.ConversationDoc{}, domainError(404, "CONVERSATION_NOT_FOUND", "conversation does not exist", in.ConversationID)
	}
	if err != nil {
		return store.Conversation{}, state.ConversationDoc{}, fmt.Errorf("get conversation: %w", err)
	}
	if conv.CharacterID != in.CharacterID {
		return store.Conversation{}, state.ConversationDoc{}, domainError(400, "CHARACTER_MISMATCH", "conversation belongs to a different character", nil)
	}

	doc, _, err := s.store.LoadConversationState(ctx, conv.ID)
	if errors.Is(err, store.ErrNotFound) {
		doc = state.NewConversationDoc()
		if err := s.store.CreateConversationState(ctx, conv.ID, conv.CharacterID, doc); err != nil {
			return store.Conversation{}, state.ConversationDoc{}, fmt.Errorf("seed conversation state: %w", err)
		}
		return conv, doc, nil
	}
	if err != nil {
		return store.Conversation{}, state.ConversationDoc{}, fmt.Errorf("load conversation state: %w", err)
	}
	return conv, doc, nil
}

// enqueuePatch queues the turn's patch job. A regenerated turn reuses the
// last issued turn_seq so the (conversation_id, turn_seq) dedup engages:
// one displayed turn never yields two applied patches. When the existing
// job is still unclaimed its input snapshot is refreshed to the
// replacement reply; a job already claimed or done keeps the original.
func (s *Service) enqueuePatch(ctx context.Context, conv store.Conversation, event state.InputEvent, userInput, assistantText string, now time.Time, reuseSeq bool) error {
	seq, err := s.store.NextTurnSeq(ctx, conv.ID)
	if err != nil {
		return err
	}
	if reuseSeq && seq > 1 {
		seq--
	}
	input := store.PatchInput{
		TurnTime:      now,
		InputEvent:    string(event),
		UserInput:     userInput,
		AssistantText: assistantText,
	}
	jobID, created, err := s.store.EnqueuePatchJob(ctx, store.PatchJob{
		ConversationID: conv.ID,
		CharacterID:    conv.CharacterID,
		TurnSeq:        seq,
		Input:          input,
	})
	if err != nil {
		return err
	}
	if !created && reuseSeq {
		if _, err := s.store.RefreshPatchJobInput(ctx, jobID, input); err != nil {
			log.Printf("app: refresh patch input for job %s: %v", jobID, err)
		}
	}
	if created && s.wake != nil {
		if err := s.wake.EnqueueWake(ctx, jobID); err != nil {
			log.Printf("app: wake for job %s: %v", jobID, err)
		}
	}
	return nil
}

type CreateCharacterInput struct {
	CharacterID string       `json:"characterId"`
	Persona     string       `json:"persona"`
	IPPack      state.IPPack `json:"ipPack,omitempty"`
}

type CreateCharacterResult struct {
	CharacterID string `json:"characterId"`
	Created     bool   `json:"created"`
}

// CreateCharacter seeds a character state document and its persona repo.
// Creating an existing character is a no-op, not an error.
func (s *Service) CreateCharacter(ctx context.Context, in CreateCharacterInput) (CreateCharacterResult, error) {
	if strings.TrimSpace(in.CharacterID) == "" {
		return CreateCharacterResult{}, domainError(400, "MISSING_CHARACTER", "characterId is required", nil)
	}
	if strings.TrimSpace(in.Persona) == "" {
		return CreateCharacterResult{}, domainError(400, "MISSING_PERSONA", "persona is required", nil)
	}
	doc := state.NewCharacterDoc(in.Persona)
	doc.IPPack = in.IPPack
	created, err := s.store.EnsureCharacterState(ctx, in.CharacterID, doc)
	if err != nil {
		return CreateCharacterResult{}, fmt.Errorf("ensure character state: %w", err)
	}
	if created && s.personas != nil {
		if err := s.personas.EnsureCharacterRepo(in.CharacterID, doc, "control"); err != nil {
			log.Printf("app: ensure persona repo for %s: %v", in.CharacterID, err)
		}
	}
	return CreateCharacterResult{CharacterID: in.CharacterID, Created: created}, nil
}

var scheduleActions = map[string]struct{}{
	"play":   {},
	"pause":  {},
	"lock":   {},
	"unlock": {},
}

type ScheduleInput struct {
	Action      string `json:"action"`
	LockMinutes int    `json:"lockMinutes,omitempty"`
}

type ScheduleResult struct {
	ScheduleState  state.ScheduleState `json:"scheduleState"`
	StoryLockUntil *time.Time          `json:"storyLockUntil,omitempty"`
}

// UpdateSchedule applies a play/pause/lock/unlock action to the schedule
// board through the usual compare-and-swap loop.
func (s *Service) UpdateSchedule(ctx context.Context, conversationID string, in ScheduleInput) (ScheduleResult, error) {
	action := strings.ToLower(strings.TrimSpace(in.Action))
	if _, ok := scheduleActions[action]; !ok {
		return ScheduleResult{}, domainError(400, "INVALID_ACTION", "action must be play, pause, lock or unlock", in.Action)
	}
	if action == "lock" && in.LockMinutes <= 0 {
		return ScheduleResult{}, domainError(400, "INVALID_LOCK", "lockMinutes must be positive", nil)
	}

	var out ScheduleResult
	err := s.updateConversationDoc(ctx, conversationID, func(doc *state.ConversationDoc) {
		switch action {
		case "play":
			doc.ScheduleBoard.ScheduleState = state.SchedulePlay
		case "pause":
			doc.ScheduleBoard.ScheduleState = state.SchedulePause
		case "lock":
			until := s.now().Add(time.Duration(in.LockMinutes) * time.Minute)
			doc.ScheduleBoard.StoryLockUntil = &until
		case "unlock":
			doc.ScheduleBoard.StoryLockUntil = nil
		}
		out = ScheduleResult{
			ScheduleState:  doc.ScheduleBoard.ScheduleState,
			StoryLockUntil: doc.ScheduleBoard.StoryLockUntil,
		}
	})
	if err != nil {
		return ScheduleResult{}, err
	}
	return out, nil
}

var relationshipStages = map[string]struct{}{
	"stranger":     {},
	"acquaintance": {},
	"friend":       {},
	"confidant":    {},
	"romance":      {},
}

type RelationshipInput struct {
	Stage       string   `json:"stage,omitempty"`
	Score       *float64 `json:"score,omitempty"`
	RomanceMode *bool    `json:"romanceMode,omitempty"`
}

// SetRelationship updates the character-level relationship ladder and
// records the revision in the persona log.
func (s *Service) SetRelationship(ctx context.Context, characterID string, in RelationshipInput) (state.RelationshipLadder, error) {
	if in.Stage != "" {
		if _, ok := relationshipStages[in.Stage]; !ok {
			return state.RelationshipLadder{}, domainError(400, "INVALID_STAGE", "unknown relationship stage", in.Stage)
		}
	}
	if in.Stage == "" && in.Score == nil && in.RomanceMode == nil {
		return state.RelationshipLadder{}, domainError(400, "EMPTY_UPDATE", "nothing to update", nil)
	}

	var updated state.CharacterDoc
	err := s.updateCharacterDoc(ctx, characterID, func(doc *state.CharacterDoc) {
		if in.Stage != "" {
			doc.RelationshipLadder.Stage = in.Stage
		}
		if in.Score != nil {
			doc.RelationshipLadder.Score = clamp01(*in.Score)
		}
		if in.RomanceMode != nil {
			doc.RelationshipLadder.RomanceMode = *in.RomanceMode
		}
		updated = *doc
	})
	if err != nil {
		return state.RelationshipLadder{}, err
	}

	if s.personas != nil {
		message := fmt.Sprintf("Set relationship stage to %s", updated.RelationshipLadder.Stage)
		if _, err := s.personas.CommitPersona(characterID, updated, "control", message); err != nil {
			log.Printf("app: persona commit for %s: %v", characterID, err)
		}
	}
	return updated.RelationshipLadder, nil
}

var plotGranularities = map[string]struct{}{
	"beat":    {},
	"scene":   {},
	"chapter": {},
}

type PolicyInput struct {
	PlotGranularity     *string  `json:"plotGranularity,omitempty"`
	EndingRepeatWindow  *int     `json:"endingRepeatWindow,omitempty"`
	PreferredEndingTags []string `json:"preferredEndingTags,omitempty"`
	BannedPhrases       []string `json:"bannedPhrases,omitempty"`
}

// SetPolicy updates the conversation style guard.
func (s *Service) SetPolicy(ctx context.Context, conversationID string, in PolicyInput) (state.StyleGuard, error) {
	if in.PlotGranularity != nil {
		if _, ok := plotGranularities[*in.PlotGranularity]; !ok {
			return state.StyleGuard{}, domainError(400, "INVALID_GRANULARITY", "plotGranularity must be beat, scene or chapter", *in.PlotGranularity)
		}
	}
	if in.EndingRepeatWindow != nil && (*in.EndingRepeatWindow < 1 || *in.EndingRepeatWindow > 16) {
		return state.StyleGuard{}, domainError(400, "INVALID_WINDOW", "endingRepeatWindow must be between 1 and 16", *in.EndingRepeatWindow)
	}

	var out state.StyleGuard
	err := s.updateConversationDoc(ctx, conversationID, func(doc *state.ConversationDoc) {
		if in.PlotGranularity != nil {
			doc.StyleGuard.PlotGranularity = *in.PlotGranularity
		}
		if in.EndingRepeatWindow != nil {
			doc.StyleGuard.EndingRepeatWindow = *in.EndingRepeatWindow
		}
		if in.PreferredEndingTags != nil {
			doc.StyleGuard.PreferredEndingTags = in.PreferredEndingTags
		}
		for _, phrase := range in.BannedPhrases {
			phrase = strings.TrimSpace(phrase)
			if phrase == "" || containsFold(doc.StyleGuard.BannedPhrases, phrase) {
				continue
			}
			doc.StyleGuard.BannedPhrases = append(doc.StyleGuard.BannedPhrases, phrase)
		}
		out = doc.StyleGuard
	})
	if err != nil {
		return state.StyleGuard{}, err
	}
	return out, nil
}

// PersonaHistory lists persona revisions, newest first.
func (s *Service) PersonaHistory(ctx context.Context, characterID string, limit int) ([]personarepo.CommitInfo, error) {
	if s.personas == nil {
		return nil, domainError(503, "PERSONA_LOG_DISABLED", "persona history is not configured", nil)
	}
	if _, _, err := s.store.LoadCharacterState(ctx, characterID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, domainError(404, "CHARACTER_NOT_FOUND", "character does not exist", characterID)
		}
		return nil, fmt.Errorf("load character state: %w", err)
	}
	commits, err := s.personas.History(characterID, limit)
	if err != nil {
		return nil, fmt.Errorf("persona history: %w", err)
	}
	return commits, nil
}

// updateConversationDoc runs one mutation under the CAS retry loop shared
// by every control surface.
func (s *Service) updateConversationDoc(ctx context.Context, conversationID string, mutate func(*state.ConversationDoc)) error {
	err := retry.Do(ctx, controlCASAttempts, retry.Linear(controlCASStep), func() error {
		doc, version, err := s.store.LoadConversationState(ctx, conversationID)
		if err != nil {
			return retry.Permanent(err)
		}
		mutate(&doc)
		if err := s.store.SaveConversationState(ctx, conversationID, doc, version); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				return err
			}
			return retry.Permanent(err)
		}
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return domainError(404, "CONVERSATION_NOT_FOUND", "conversation does not exist", conversationID)
	}
	if errors.Is(err, store.ErrVersionConflict) {
		return domainError(409, "CONFLICT", "conversation state changed concurrently, retry", nil)
	}
	if err != nil {
		return fmt.Errorf("update conversation state: %w", err)
	}
	return nil
}

func (s *Service) updateCharacterDoc(ctx context.Context, characterID string, mutate func(*state.CharacterDoc)) error {
	err := retry.Do(ctx, controlCASAttempts, retry.Linear(controlCASStep), func() error {
		doc, version, err := s.store.LoadCharacterState(ctx, characterID)
		if err != nil {
			return retry.Permanent(err)
		}
		mutate(&doc)
		if err := s.store.SaveCharacterState(ctx, characterID, doc, version); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				return err
			}
			return retry.Permanent(err)
		}
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return domainError(404, "CHARACTER_NOT_FOUND", "character does not exist", characterID)
	}
	if errors.Is(err, store.ErrVersionConflict) {
		return domainError(409, "CONFLICT", "character state changed concurrently, retry", nil)
	}
	if err != nil {
		return fmt.Errorf("update character state: %w", err)
	}
	return nil
}

// replyRewriter adapts the model client to the guard repair protocol.
type replyRewriter struct {
	client  model.Client
	persona string
}

func (r replyRewriter) RewriteReply(ctx context.Context, original string, constraints []string, forcedProgression bool) (string, error) {
	rctx, cancel := context.WithTimeout(ctx, model.RewriteTimeout)
	defer cancel()
	return r.client.Rewrite(rctx, model.RewriteRequest{
		Persona:           r.persona,
		Original:          original,
		Constraints:       constraints,
		ForcedProgression: forcedProgression,
	})
}

// knownCast lists names that may be summoned on stage: the current roster
// plus every figure recorded in the ledger.
func knownCast(doc state.ConversationDoc) []string {
	seen := map[string]struct{}{}
	var names []string
	for _, name := range doc.Cast.Roster {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	for _, npc := range doc.Ledger.NPCs {
		if _, dup := seen[npc.Name]; dup {
			continue
		}
		seen[npc.Name] = struct{}{}
		names = append(names, npc.Name)
	}
	return names
}

func onStage(board state.CastBoard) []string {
	if !board.Active {
		return nil
	}
	return board.Roster
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func containsFold(items []string, target string) bool {
	for _, item := range items {
		if strings.EqualFold(item, target) {
			return true
		}
	}
	return false
}

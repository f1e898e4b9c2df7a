package store

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrVersionConflict is returned by a compare-and-swap write when the
// stored document version no longer matches the expected one. Retrying is
// always the caller's responsibility.
var ErrVersionConflict = errors.New("version conflict")

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Patch job status state machine.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobFailed     = "failed"
	JobDone       = "done"
)

type Conversation struct {
	ID          string
	CharacterID string
	UserName    string
	CreatedAt   time.Time
	LastUserAt  time.Time
}

type Message struct {
	ID             string
	ConversationID string
	Role           string
	InputEvent     string
	Body           string
	CreatedAt      time.Time
}

// PatchInput is the turn snapshot frozen into a patch job at enqueue time,
// so reprocessing sees the turn as it was, not as the log later looks.
type PatchInput struct {
	TurnTime      time.Time `json:"turn_time"`
	InputEvent    string    `json:"input_event"`
	UserInput     string    `json:"user_input,omitempty"`
	AssistantText string    `json:"assistant_text"`
}

type PatchJob struct {
	ID             string
	ConversationID string
	CharacterID    string
	TurnSeq        int64
	Input          PatchInput
	Status         string
	Attempts       int
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (in PatchInput) encode() ([]byte, error) {
	return json.Marshal(in)
}

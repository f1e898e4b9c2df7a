package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"reverie/api/internal/state"
	"reverie/api/internal/util"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreateConversation(ctx context.Context, characterID, userName string) (Conversation, error) {
	conv := Conversation{
		ID:          util.NewID("cv"),
		CharacterID: characterID,
		UserName:    userName,
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO conversations (id, character_id, user_name)
		VALUES ($1, $2, $3)
		RETURNING created_at, last_user_at
	`, conv.ID, conv.CharacterID, conv.UserName).Scan(&conv.CreatedAt, &conv.LastUserAt)
	if err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	return conv, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	var conv Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, character_id, user_name, created_at, last_user_at
		FROM conversations
		WHERE id=$1
	`, conversationID).Scan(&conv.ID, &conv.CharacterID, &conv.UserName, &conv.CreatedAt, &conv.LastUserAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

// TouchConversationUser records user activity, which resets the idleness
// clock the scheduler sweeps against.
func (s *PostgresStore) TouchConversationUser(ctx context.Context, conversationID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET last_user_at=$2 WHERE id=$1
	`, conversationID, at)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

// ListIdleConversations returns a bounded batch of conversations whose
// latest user activity (or creation) is older than the cutoff.
func (s *PostgresStore) ListIdleConversations(ctx context.Context, cutoff time.Time, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, character_id, user_name, created_at, last_user_at
		FROM conversations
		WHERE GREATEST(last_user_at, created_at) < $1
		ORDER BY last_user_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list idle conversations: %w", err)
	}
	defer rows.Close()

	items := make([]Conversation, 0)
	for rows.Next() {
		var conv Conversation
		if err := rows.Scan(&conv.ID, &conv.CharacterID, &conv.UserName, &conv.CreatedAt, &conv.LastUserAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		items = append(items, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, msg Message) (Message, error) {
	if msg.ID == "" {
		msg.ID = util.NewID("msg")
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, input_event, body)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, msg.ID, msg.ConversationID, msg.Role, msg.InputEvent, msg.Body).Scan(&msg.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// ListRecentMessages returns the newest limit messages in chronological
// order.
func (s *PostgresStore) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, input_event, body, created_at
		FROM (
			SELECT id, conversation_id, role, input_event, body, created_at
			FROM messages
			WHERE conversation_id=$1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.InputEvent, &msg.Body, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

// LastAssistantMessages returns up to n most recent assistant replies,
// newest first. The guardrail compares candidates against these.
func (s *PostgresStore) LastAssistantMessages(ctx context.Context, conversationID string, n int) ([]Message, error) {
	if n <= 0 {
		n = 4
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, input_event, body, created_at
		FROM messages
		WHERE conversation_id=$1 AND role='assistant'
		ORDER BY created_at DESC
		LIMIT $2
	`, conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("list assistant messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.InputEvent, &msg.Body, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan assistant message: %w", err)
		}
		items = append(items, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assistant messages: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateMessageBody(ctx context.Context, messageID, body string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE messages SET body=$2 WHERE id=$1`, messageID, body)
	if err != nil {
		return fmt.Errorf("update message body: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update message rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateConversationState(ctx context.Context, conversationID, characterID string, doc state.ConversationDoc) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal conversation doc: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversation_states (conversation_id, character_id, doc, version)
		VALUES ($1, $2, $3::jsonb, 1)
		ON CONFLICT (conversation_id) DO NOTHING
	`, conversationID, characterID, string(payload))
	if err != nil {
		return fmt.Errorf("insert conversation state: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadConversationState(ctx context.Context, conversationID string) (state.ConversationDoc, int64, error) {
	var raw []byte
	var version int64
	err := s.db.QueryRowContext(ctx, `
		SELECT doc, version FROM conversation_states WHERE conversation_id=$1
	`, conversationID).Scan(&raw, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return state.ConversationDoc{}, 0, ErrNotFound
	}
	if err != nil {
		return state.ConversationDoc{}, 0, fmt.Errorf("load conversation state: %w", err)
	}
	var doc state.ConversationDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return state.ConversationDoc{}, 0, fmt.Errorf("decode conversation doc: %w", err)
	}
	return doc, version, nil
}

// SaveConversationState is the CAS write: it succeeds only when the stored
// version still equals expectedVersion, and bumps the version by exactly 1.
func (s *PostgresStore) SaveConversationState(ctx context.Context, conversationID string, doc state.ConversationDoc, expectedVersion int64) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal conversation doc: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversation_states
		SET doc=$2::jsonb, version=version+1, updated_at=NOW()
		WHERE conversation_id=$1 AND version=$3
	`, conversationID, string(payload), expectedVersion)
	if err != nil {
		return fmt.Errorf("save conversation state: %w", err)
	}
	return casOutcome(ctx, s.db, result, `SELECT EXISTS(SELECT 1 FROM conversation_states WHERE conversation_id=$1)`, conversationID)
}

func (s *PostgresStore) EnsureCharacterState(ctx context.Context, characterID string, doc state.CharacterDoc) (bool, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return false, fmt.Errorf("marshal character doc: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO character_states (character_id, doc, version)
		VALUES ($1, $2::jsonb, 1)
		ON CONFLICT (character_id) DO NOTHING
	`, characterID, string(payload))
	if err != nil {
		return false, fmt.Errorf("insert character state: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert character state rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) LoadCharacterState(ctx context.Context, characterID string) (state.CharacterDoc, int64, error) {
	var raw []byte
	var version int64
	err := s.db.QueryRowContext(ctx, `
		SELECT doc, version FROM character_states WHERE character_id=$1
	`, characterID).Scan(&raw, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return state.CharacterDoc{}, 0, ErrNotFound
	}
	if err != nil {
		return state.CharacterDoc{}, 0, fmt.Errorf("load character state: %w", err)
	}
	var doc state.CharacterDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return state.CharacterDoc{}, 0, fmt.Errorf("decode character doc: %w", err)
	}
	return doc, version, nil
}

func (s *PostgresStore) SaveCharacterState(ctx context.Context, characterID string, doc state.CharacterDoc, expectedVersion int64) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal character doc: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE character_states
		SET doc=$2::jsonb, version=version+1, updated_at=NOW()
		WHERE character_id=$1 AND version=$3
	`, characterID, string(payload), expectedVersion)
	if err != nil {
		return fmt.Errorf("save character state: %w", err)
	}
	return casOutcome(ctx, s.db, result, `SELECT EXISTS(SELECT 1 FROM character_states WHERE character_id=$1)`, characterID)
}

// casOutcome distinguishes a version conflict from a missing row when a
// guarded UPDATE touched nothing.
func casOutcome(ctx context.Context, db *sql.DB, result sql.Result, existsQuery string, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("cas rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	var exists bool
	if err := db.QueryRowContext(ctx, existsQuery, id).Scan(&exists); err != nil {
		return fmt.Errorf("cas exists check: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrVersionConflict
}

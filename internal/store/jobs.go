package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"reverie/api/internal/util"
)

// EnqueuePatchJob inserts a pending job for a turn. (conversation_id,
// turn_seq) is unique: on conflict the existing job id is returned instead
// of creating a duplicate, and created is false.
func (s *PostgresStore) EnqueuePatchJob(ctx context.Context, job PatchJob) (string, bool, error) {
	if job.ID == "" {
		job.ID = util.NewID("pj")
	}
	input, err := job.Input.encode()
	if err != nil {
		return "", false, fmt.Errorf("marshal patch input: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO patch_jobs (id, conversation_id, character_id, turn_seq, input, status)
		VALUES ($1, $2, $3, $4, $5::jsonb, 'pending')
		ON CONFLICT (conversation_id, turn_seq) DO NOTHING
	`, job.ID, job.ConversationID, job.CharacterID, job.TurnSeq, string(input))
	if err != nil {
		return "", false, fmt.Errorf("insert patch job: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("insert patch job rows: %w", err)
	}
	if affected > 0 {
		return job.ID, true, nil
	}

	var existingID string
	err = s.db.QueryRowContext(ctx, `
		SELECT id FROM patch_jobs WHERE conversation_id=$1 AND turn_seq=$2
	`, job.ConversationID, job.TurnSeq).Scan(&existingID)
	if err != nil {
		return "", false, fmt.Errorf("lookup existing patch job: %w", err)
	}
	return existingID, false, nil
}

// RefreshPatchJobInput replaces the frozen turn snapshot of a job that is
// still pending, so a regenerated reply supersedes the discarded one
// before any worker claims the job. A claimed or finished job is left
// alone; the caller learns whether the swap happened.
func (s *PostgresStore) RefreshPatchJobInput(ctx context.Context, jobID string, input PatchInput) (bool, error) {
	payload, err := input.encode()
	if err != nil {
		return false, fmt.Errorf("marshal patch input: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE patch_jobs
		SET input=$2::jsonb, updated_at=NOW()
		WHERE id=$1 AND status='pending'
	`, jobID, string(payload))
	if err != nil {
		return false, fmt.Errorf("refresh patch job input: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("refresh patch job rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) GetPatchJob(ctx context.Context, jobID string) (PatchJob, error) {
	var job PatchJob
	var rawInput []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, character_id, turn_seq, input, status, attempts, COALESCE(last_error, ''), created_at, updated_at
		FROM patch_jobs
		WHERE id=$1
	`, jobID).Scan(
		&job.ID,
		&job.ConversationID,
		&job.CharacterID,
		&job.TurnSeq,
		&rawInput,
		&job.Status,
		&job.Attempts,
		&job.LastError,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return PatchJob{}, ErrNotFound
	}
	if err != nil {
		return PatchJob{}, fmt.Errorf("get patch job: %w", err)
	}
	if err := json.Unmarshal(rawInput, &job.Input); err != nil {
		return PatchJob{}, fmt.Errorf("decode patch input: %w", err)
	}
	return job, nil
}

// ClaimPatchJob is a CAS on the status column: the job moves to processing
// only if its current status is in fromStatuses. At most one claimer wins.
func (s *PostgresStore) ClaimPatchJob(ctx context.Context, jobID string, fromStatuses []string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE patch_jobs
		SET status='processing', updated_at=NOW()
		WHERE id=$1 AND status = ANY($2::text[])
	`, jobID, statusArray(fromStatuses))
	if err != nil {
		return false, fmt.Errorf("claim patch job: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim patch job rows: %w", err)
	}
	return affected > 0, nil
}

// RecordPatchJobOutcome moves the job to a new status and increments its
// attempt counter.
func (s *PostgresStore) RecordPatchJobOutcome(ctx context.Context, jobID, status, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE patch_jobs
		SET status=$2, last_error=NULLIF($3, ''), attempts=attempts+1, updated_at=NOW()
		WHERE id=$1
	`, jobID, status, lastError)
	if err != nil {
		return fmt.Errorf("record patch job outcome: %w", err)
	}
	return nil
}

// NextTurnSeq derives the next per-conversation sequence number from the
// job table itself, so it survives restarts and concurrent workers instead
// of living in process memory.
func (s *PostgresStore) NextTurnSeq(ctx context.Context, conversationID string) (int64, error) {
	var next int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(turn_seq), 0) + 1 FROM patch_jobs WHERE conversation_id=$1
	`, conversationID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next turn seq: %w", err)
	}
	return next, nil
}

// ListStalePendingJobs returns pending jobs (including deferred conflict
// retries) that have not been touched for olderThan, plus processing jobs
// abandoned by a dead worker.
func (s *PostgresStore) ListStalePendingJobs(ctx context.Context, olderThan time.Duration, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM patch_jobs
		WHERE status IN ('pending', 'processing')
		  AND updated_at < NOW() - $1::interval
		ORDER BY updated_at ASC
		LIMIT $2
	`, fmt.Sprintf("%d seconds", int(olderThan.Seconds())), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale job: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale jobs: %w", err)
	}
	return ids, nil
}

// statusArray renders a Postgres text[] literal for ANY comparisons.
func statusArray(statuses []string) string {
	out := "{"
	for i, status := range statuses {
		if i > 0 {
			out += ","
		}
		out += status
	}
	return out + "}"
}

// Package archive moves retention-trimmed state entries to object storage
// before they are dropped from the live document. Archiving is optional:
// when no endpoint is configured, trims simply discard.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"reverie/api/internal/state"
)

// Archiver persists trimmed entries out of band.
type Archiver interface {
	StoreTrimmed(ctx context.Context, conversationID string, entries []state.TrimmedEntry) error
}

// Disabled is the no-op archiver used when object storage is not
// configured.
type Disabled struct{}

func (Disabled) StoreTrimmed(context.Context, string, []state.TrimmedEntry) error {
	return nil
}

// S3 archives trimmed entries as JSON objects in an S3-compatible bucket.
type S3 struct {
	client *minio.Client
	bucket string
}

// NewS3 connects to the object store and ensures the bucket exists.
func NewS3(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*S3, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to object store: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check archive bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create archive bucket: %w", err)
		}
	}

	return &S3{client: client, bucket: bucket}, nil
}

type trimBatch struct {
	ConversationID string               `json:"conversation_id"`
	TrimmedAt      time.Time            `json:"trimmed_at"`
	Entries        []state.TrimmedEntry `json:"entries"`
}

// StoreTrimmed writes one JSON object per trim batch, keyed by
// conversation and timestamp so batches never overwrite each other.
func (s *S3) StoreTrimmed(ctx context.Context, conversationID string, entries []state.TrimmedEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := trimBatch{
		ConversationID: conversationID,
		TrimmedAt:      time.Now().UTC(),
		Entries:        entries,
	}
	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal trim batch: %w", err)
	}

	key := fmt.Sprintf("trims/%s/%s.json", conversationID, batch.TrimmedAt.Format("20060102T150405.000000000Z"))
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("store trim batch: %w", err)
	}
	return nil
}

package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"

	"supportdesk/server/chat/domain"
)

// TranscriptArchiver stores the full record of an ended chat.
type TranscriptArchiver interface {
	Archive(ctx context.Context, detail domain.SessionDetail) (string, error)
}

type MinioArchiver struct {
	client *minio.Client
	bucket string
}

func NewMinioArchiver(client *minio.Client, bucket string) *MinioArchiver {
	return &MinioArchiver{client: client, bucket: bucket}
}

// TranscriptKey places transcripts under the day the chat was opened.
func TranscriptKey(s domain.ChatSession) string {
	day := s.CreatedAt
	if day.IsZero() {
		day = time.Now()
	}
	return fmt.Sprintf("transcripts/%s/%s.json", day.UTC().Format("2006/01/02"), s.ID)
}

func (a *MinioArchiver) Archive(ctx context.Context, detail domain.SessionDetail) (string, error) {
	body, err := json.Marshal(detail)
	if err != nil {
		return "", err
	}
	key := TranscriptKey(detail.Session)
	reader := bytes.NewReader(body)
	_, err = a.client.PutObject(ctx, a.bucket, key, reader, int64(reader.Len()), minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", err
	}
	return key, nil
}

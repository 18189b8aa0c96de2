// Package storage provides durable artifact storage capabilities.
// It defines the Storage port for hexagonal architecture and
// implementations for local disk and S3 storage.
package storage

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Storage uploads an artifact under a key and returns a durable URL.
// A URL is only returned once the payload is fully written; callers may
// publish it immediately.
type Storage interface {
	Upload(ctx context.Context, key, contentType string, data io.Reader) (url string, err error)
}

// ObjectKey builds the canonical key for a task artifact:
// media/{YYYYMMDD}/{taskId}/{filename}.
func ObjectKey(taskID, filename string) string {
	return fmt.Sprintf("media/%s/%s/%s", time.Now().UTC().Format("20060102"), taskID, filename)
}

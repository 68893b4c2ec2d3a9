// Package storage persists audio inputs and result documents in an
// S3-compatible object store, keyed by batch and task.
package storage

import (
	"context"
	"time"
)

// Store is the blob storage boundary. Keys are opaque to callers; use
// the path helpers to derive them.
type Store interface {
	// Put writes body under key with the given content type.
	Put(ctx context.Context, key string, body []byte, contentType string) error

	// Fetch reads the object stored under key.
	Fetch(ctx context.Context, key string) ([]byte, error)

	// DeleteByPrefix removes every object whose key starts with prefix.
	DeleteByPrefix(ctx context.Context, prefix string) error

	// PresignGet returns a time-limited URL for downloading key.
	PresignGet(key string, expires time.Duration) (string, error)

	// PresignPut returns a time-limited URL for uploading to key with
	// the given content type.
	PresignPut(key, contentType string, expires time.Duration) (string, error)

	// Ping verifies the backing bucket is reachable.
	Ping(ctx context.Context) error
}

// UploadSlot describes a presigned direct-upload target for one task.
type UploadSlot struct {
	TaskID      string `json:"task_id,omitempty"`
	UploadURL   string `json:"upload_url"`
	StorageKey  string `json:"storage_key"`
	ContentType string `json:"content_type"`
	ExpiresIn   int    `json:"expires_in"`
}

var extensions = map[string]string{
	"audio/wav":   ".wav",
	"audio/x-wav": ".wav",
	"audio/mpeg":  ".mp3",
	"audio/mp3":   ".mp3",
	"audio/ogg":   ".ogg",
	"audio/flac":  ".flac",
	"audio/m4a":   ".m4a",
	"audio/webm":  ".webm",
}

// Extension maps an audio content type to a file extension, defaulting
// to ".wav".
func Extension(contentType string) string {
	if ext, ok := extensions[contentType]; ok {
		return ext
	}
	return ".wav"
}

// BatchPrefix is the key prefix holding everything for one batch.
func BatchPrefix(batchID string) string {
	return "jobs/" + batchID + "/"
}

// InputKey is the key for a task's uploaded audio input.
func InputKey(batchID, taskID, contentType string) string {
	return BatchPrefix(batchID) + "tasks/" + taskID + "/input" + Extension(contentType)
}

// ResultKey is the key for a task's result document.
func ResultKey(batchID, taskID string) string {
	return BatchPrefix(batchID) + "tasks/" + taskID + "/result.json"
}

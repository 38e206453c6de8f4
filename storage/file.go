package storage

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	keyPrefix = "sub-"
	keySuffix = ".json"
)

// subscriber is the JSON document written per subscriber by the file and gcs backends.
type subscriber struct {
	SubscribedAt time.Time `json:"subscribed_at"`
	ChatID       string    `json:"chat_id"`
}

// SubscriberKey generates a stable, path-safe filename for a subscriber ID.
// The ID is hex encoded so it can be recovered from the name without reading the file.
func SubscriberKey(id string) string {
	return keyPrefix + hex.EncodeToString([]byte(id)) + keySuffix
}

// idFromKey reverses SubscriberKey. It returns false for names it did not generate.
func idFromKey(name string) (string, bool) {
	if !strings.HasPrefix(name, keyPrefix) || !strings.HasSuffix(name, keySuffix) {
		return "", false
	}
	raw, err := hex.DecodeString(strings.TrimSuffix(strings.TrimPrefix(name, keyPrefix), keySuffix))
	if err != nil || len(raw) == 0 {
		return "", false
	}
	return string(raw), true
}

func marshalSubscriber(id string) ([]byte, error) {
	data, err := json.MarshalIndent(subscriber{ChatID: id, SubscribedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal subscriber: %w", err)
	}
	return data, nil
}

// File stores one JSON file per subscriber in a local directory.
// Used for local development and single-host deployments.
type File struct {
	logger *slog.Logger
	dir    string
}

// NewFile creates the directory if needed and returns a file backend.
func NewFile(dir string, logger *slog.Logger) (*File, error) {
	if dir == "" {
		return nil, errors.New("local storage path is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create local storage directory: %w", err)
	}
	return &File{dir: dir, logger: logger}, nil
}

// Name implements Backend.
func (*File) Name() string { return "file" }

// Ping checks the directory is still there.
func (f *File) Ping(context.Context) error {
	info, err := os.Stat(f.dir)
	if err != nil {
		return fmt.Errorf("stat local storage: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("local storage path %s is not a directory", f.dir)
	}
	return nil
}

// Upsert writes the subscriber file.
func (f *File) Upsert(_ context.Context, id string) error {
	filePath := filepath.Join(f.dir, SubscriberKey(id))
	if _, err := os.Stat(filePath); err == nil {
		return nil
	}

	data, err := marshalSubscriber(id)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filePath, data, 0o600); err != nil {
		return fmt.Errorf("write to local storage: %w", err)
	}
	f.logger.Debug("Subscriber saved to local storage", "path", filePath, "chat_id", id)
	return nil
}

// Delete removes the subscriber file. Deleting a missing subscriber is not an error.
func (f *File) Delete(_ context.Context, id string) error {
	filePath := filepath.Join(f.dir, SubscriberKey(id))
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete from local storage: %w", err)
	}
	f.logger.Debug("Subscriber deleted from local storage", "path", filePath, "chat_id", id)
	return nil
}

// ListAll returns every subscriber ID found in the directory.
func (f *File) ListAll(context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("read local storage directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, ok := idFromKey(entry.Name())
		if !ok {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Close implements Backend.
func (*File) Close() error { return nil }

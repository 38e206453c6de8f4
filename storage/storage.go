// Package storage handles persistence of alert subscribers.
//
// A Store always keeps subscribers in memory. When a durable Backend is
// configured and reachable at startup, every change is mirrored to it on a
// best-effort basis and reads prefer it, so several processes sharing the
// backend see the same subscribers.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

const pingTimeout = 5 * time.Second

// ErrInvalidID indicates an empty or whitespace-only subscriber ID.
var ErrInvalidID = errors.New("invalid subscriber id")

// Backend is a durable set of subscriber IDs.
type Backend interface {
	Name() string
	Ping(ctx context.Context) error
	Upsert(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	ListAll(ctx context.Context) ([]string, error)
	Close() error
}

// Config selects and configures the durable backend.
type Config struct {
	Driver          string // gcs, file, sqlite, redis, none; inferred when empty
	Bucket          string // gcs
	LocalPath       string // file
	SQLitePath      string // sqlite
	RedisURL        string // redis
	CredentialsJSON string // gcs, optional
}

// DriverName returns the configured driver, inferring it from the other fields when unset.
func (c Config) DriverName() string {
	if d := strings.ToLower(strings.TrimSpace(c.Driver)); d != "" {
		return d
	}
	switch {
	case c.Bucket != "":
		return "gcs"
	case c.RedisURL != "":
		return "redis"
	case c.SQLitePath != "":
		return "sqlite"
	case c.LocalPath != "":
		return "file"
	default:
		return "none"
	}
}

// Store is the subscriber set. It is safe for concurrent use.
type Store struct {
	backend Backend
	logger  *slog.Logger
	members map[string]struct{}
	mu      sync.RWMutex
}

// New creates a store. A nil backend means memory-only.
func New(backend Backend, logger *slog.Logger) *Store {
	return &Store{
		backend: backend,
		logger:  logger,
		members: make(map[string]struct{}),
	}
}

// Open builds the configured backend, pings it and returns a store.
// It never fails: an unusable backend is logged and the store runs memory-only.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) *Store {
	driver := cfg.DriverName()
	if driver == "none" {
		logger.Info("Using in-memory subscriber storage (no durable backend configured)")
		return New(nil, logger)
	}

	backend, err := openBackend(ctx, driver, cfg, logger)
	if err != nil {
		logger.Warn("Durable storage unavailable, using in-memory storage", "driver", driver, "error", err)
		return New(nil, logger)
	}

	return connect(ctx, backend, logger)
}

// connect pings the backend and seeds memory from it. An unreachable backend is closed.
func connect(ctx context.Context, backend Backend, logger *slog.Logger) *Store {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := backend.Ping(pingCtx); err != nil {
		logger.Warn("Durable storage unreachable, using in-memory storage", "driver", backend.Name(), "error", err)
		if closeErr := backend.Close(); closeErr != nil {
			logger.Warn("Failed to close storage backend", "driver", backend.Name(), "error", closeErr)
		}
		return New(nil, logger)
	}

	s := New(backend, logger)
	s.seed(pingCtx)
	logger.Info("Durable subscriber storage connected", "driver", backend.Name(), "subscribers", len(s.members))
	return s
}

func openBackend(ctx context.Context, driver string, cfg Config, logger *slog.Logger) (Backend, error) {
	switch driver {
	case "gcs":
		return NewGCS(ctx, cfg.Bucket, cfg.CredentialsJSON, logger)
	case "file":
		return NewFile(cfg.LocalPath, logger)
	case "sqlite", "sqlite3":
		return NewSQLite(ctx, cfg.SQLitePath)
	case "redis":
		return NewRedis(cfg.RedisURL)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

// seed loads the backend's subscribers into memory so a restart keeps them
// even if the backend later becomes unreachable.
func (s *Store) seed(ctx context.Context) {
	ids, err := s.backend.ListAll(ctx)
	if err != nil {
		s.logger.Warn("Failed to load subscribers from durable storage", "backend", s.backend.Name(), "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.members[id] = struct{}{}
	}
}

// Durable reports whether a durable backend is in use.
func (s *Store) Durable() bool {
	return s.backend != nil
}

// BackendName returns the backend name, or "memory".
func (s *Store) BackendName() string {
	if s.backend == nil {
		return "memory"
	}
	return s.backend.Name()
}

// Add subscribes id. Adding an existing subscriber is a no-op in memory.
func (s *Store) Add(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrInvalidID
	}

	s.mu.Lock()
	s.members[id] = struct{}{}
	s.mu.Unlock()

	if s.backend != nil {
		if err := s.backend.Upsert(ctx, id); err != nil {
			s.logger.Error("Failed to save subscriber to durable storage", "backend", s.backend.Name(), "chat_id", id, "error", err)
		}
	}
	return nil
}

// Remove unsubscribes id. Removing an unknown subscriber is a no-op.
func (s *Store) Remove(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrInvalidID
	}

	s.mu.Lock()
	delete(s.members, id)
	s.mu.Unlock()

	if s.backend != nil {
		if err := s.backend.Delete(ctx, id); err != nil {
			s.logger.Error("Failed to delete subscriber from durable storage", "backend", s.backend.Name(), "chat_id", id, "error", err)
		}
	}
	return nil
}

// List returns a sorted snapshot of the subscribers. It reads the durable
// backend when there is one and falls back to memory if that read fails.
func (s *Store) List(ctx context.Context) []string {
	if s.backend != nil {
		ids, err := s.backend.ListAll(ctx)
		if err == nil {
			return dedupe(ids)
		}
		s.logger.Error("Failed to list subscribers from durable storage, using memory", "backend", s.backend.Name(), "error", err)
	}
	return s.memory()
}

// Count returns the number of subscribers as seen by List.
func (s *Store) Count(ctx context.Context) int {
	return len(s.List(ctx))
}

func (s *Store) memory() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.members))
	for id := range s.members {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Close releases the backend.
func (s *Store) Close() error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Close()
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

package sessionstate

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Snapshot captures the persisted state of one scan session.
type Snapshot struct {
	SessionID  string    `json:"session_id"`
	RunID      string    `json:"run_id"`
	Domain     string    `json:"domain"`
	InputURL   string    `json:"input_url"`
	Mode       string    `json:"mode"`
	Template   string    `json:"template,omitempty"`
	Status     string    `json:"status"`
	Pass       int       `json:"pass"`
	LastID     int64     `json:"last_id"`
	Attempts   int       `json:"attempts"`
	Found      int       `json:"found"`
	Message    string    `json:"message,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Store persists snapshots so session history survives process restarts.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	Remove(ctx context.Context, sessionID string) error
	Exists(ctx context.Context, sessionID string) (bool, error)
	Get(ctx context.Context, sessionID string) (Snapshot, bool, error)
	List(ctx context.Context) ([]Snapshot, error)
	Close() error
}

// RedisConfig configures a Redis-backed store.
type RedisConfig struct {
	Host     string
	Port     string
	DB       int
	Password string
	Key      string
	Timeout  time.Duration
}

// NewRedisStoreFromEnv initialises a Redis store using standard env vars. It
// returns a nil Store when REDIS_HOST is unset.
func NewRedisStoreFromEnv() (Store, error) {
	host := strings.TrimSpace(os.Getenv("REDIS_HOST"))
	if host == "" {
		return nil, nil
	}
	port := strings.TrimSpace(os.Getenv("REDIS_PORT"))
	if port == "" {
		port = "6379"
	}
	db := 0
	if raw := strings.TrimSpace(os.Getenv("REDIS_DB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_DB: %w", err)
		}
		db = value
	}
	store, err := NewRedisStore(RedisConfig{
		Host:     host,
		Port:     port,
		DB:       db,
		Password: os.Getenv("REDIS_PASSWORD"),
		Key:      strings.TrimSpace(os.Getenv("REDIS_KEY")),
	})
	if err != nil {
		return nil, err
	}
	return store, nil
}

// MemoryStore keeps snapshots in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]Snapshot)}
}

func (m *MemoryStore) Save(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	m.snaps[snap.SessionID] = snap
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.snaps, sessionID)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Exists(_ context.Context, sessionID string) (bool, error) {
	m.mu.RLock()
	_, ok := m.snaps[sessionID]
	m.mu.RUnlock()
	return ok, nil
}

func (m *MemoryStore) Get(_ context.Context, sessionID string) (Snapshot, bool, error) {
	m.mu.RLock()
	snap, ok := m.snaps[sessionID]
	m.mu.RUnlock()
	return snap, ok, nil
}

func (m *MemoryStore) List(_ context.Context) ([]Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, 0, len(m.snaps))
	for _, snap := range m.snaps {
		out = append(out, snap)
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

package storage

import (
	"context"
	"errors"
	"hash/fnv"
	"maps"
	"slices"
	"sync"
	"time"

	"trip_planner/pkg"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	ErrSessionExists   = errors.New("session already exists")
)

// Session is one conversation with its bounded history and the results of
// its latest completed pipeline run.
type Session struct {
	ID           string                            `json:"id"`
	CreatedAt    time.Time                         `json:"created_at"`
	LastActivity time.Time                         `json:"last_activity"`
	History      []pkg.Turn                        `json:"history"`
	Active       bool                              `json:"active"`
	LastResult   map[pkg.StageName]pkg.StageResult `json:"last_result,omitempty"`
	Metadata     map[string]any                    `json:"metadata,omitempty"`
}

// HasResult reports whether a pipeline run has completed for the session.
func (s *Session) HasResult() bool { return len(s.LastResult) > 0 }

func (s *Session) UserTurns() []string {
	var out []string
	for _, t := range s.History {
		if t.Role == pkg.RoleUser {
			out = append(out, t.Content)
		}
	}
	return out
}

func (s *Session) Clone() *Session {
	c := *s
	c.History = slices.Clone(s.History)
	c.LastResult = maps.Clone(s.LastResult)
	c.Metadata = maps.Clone(s.Metadata)
	return &c
}

// Store persists sessions. Update applies fn atomically to the stored
// session and returns the result; fn sees a private copy.
type Store interface {
	Load(ctx context.Context, id string) (*Session, error)
	Create(ctx context.Context, s *Session) error
	Save(ctx context.Context, s *Session) error
	Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Session, error)
}

const defaultShards = 32

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// MemoryStore is a sharded in-memory Store. Sessions on different shards never
// contend.
type MemoryStore struct {
	shards []*shard
}

func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{shards: make([]*shard, defaultShards)}
	for i := range m.shards {
		m.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	return m
}

func (m *MemoryStore) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

func (m *MemoryStore) Load(_ context.Context, id string) (*Session, error) {
	sh := m.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	sh := m.shardFor(s.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.sessions[s.ID]; ok {
		return ErrSessionExists
	}
	sh.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	sh := m.shardFor(s.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) Update(_ context.Context, id string, fn func(*Session) error) (*Session, error) {
	sh := m.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur, ok := sh.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	sh.sessions[id] = next
	return next.Clone(), nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	sh := m.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.sessions, id)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]*Session, error) {
	var out []*Session
	for _, sh := range m.shards {
		sh.mu.RLock()
		for _, s := range sh.sessions {
			out = append(out, s.Clone())
		}
		sh.mu.RUnlock()
	}
	return out, nil
}

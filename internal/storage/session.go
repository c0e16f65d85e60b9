package storage

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"trip_planner/internal/core"
	"trip_planner/pkg"
)

const (
	// MaxUserTurns is how many user turns a session keeps.
	MaxUserTurns = 10
	// SessionTimeout is the default idle time after which a session expires.
	SessionTimeout = 3600 * time.Second
)

// Manager owns session lifecycle: creation, bounded history, expiry.
type Manager struct {
	store        Store
	timeout      time.Duration
	maxUserTurns int
	now          func() time.Time
}

type ManagerOption func(*Manager)

func WithTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.timeout = d }
}

func WithMaxUserTurns(n int) ManagerOption {
	return func(m *Manager) { m.maxUserTurns = n }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:        store,
		timeout:      SessionTimeout,
		maxUserTurns: MaxUserTurns,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetOrCreate returns the session for id. An empty id or an unknown id creates
// a new session. An expired session is removed and ErrSessionExpired is
// returned; the next call creates a fresh session under the same id.
func (m *Manager) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}

	s, err := m.store.Load(ctx, id)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return m.create(ctx, id)
	case err != nil:
		return nil, err
	}

	if m.IsExpired(s) {
		if err := m.store.Delete(ctx, id); err != nil {
			return nil, err
		}
		log.Info().Str("session_id", id).Time("last_activity", s.LastActivity).Msg("⌛ Session expired")
		return nil, fmt.Errorf("%w: %s", ErrSessionExpired, id)
	}
	return s, nil
}

// Get returns a live session without creating one.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	s, err := m.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.IsExpired(s) {
		if err := m.store.Delete(ctx, id); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrSessionExpired, id)
	}
	return s, nil
}

func (m *Manager) create(ctx context.Context, id string) (*Session, error) {
	now := m.now()
	s := &Session{
		ID:           id,
		CreatedAt:    now,
		LastActivity: now,
		Active:       true,
		Metadata:     make(map[string]any),
	}
	if err := m.store.Create(ctx, s); err != nil {
		if errors.Is(err, ErrSessionExists) {
			return m.store.Load(ctx, id)
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	log.Info().Str("session_id", id).Msg("🆕 Session created")
	return s, nil
}

// AppendUser adds a user turn and drops the oldest user turns, together with
// the replies that followed them, until at most the configured number remain.
func (m *Manager) AppendUser(ctx context.Context, id, text string) (*Session, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: user input cannot be empty", core.ErrValidation)
	}

	return m.store.Update(ctx, id, func(s *Session) error {
		now := m.now()
		s.History = append(s.History, pkg.Turn{Role: pkg.RoleUser, Content: text, Timestamp: now})
		s.History = trimUserTurns(s.History, m.maxUserTurns)
		s.LastActivity = now
		return nil
	})
}

func trimUserTurns(history []pkg.Turn, limit int) []pkg.Turn {
	var userIdx []int
	for i, t := range history {
		if t.Role == pkg.RoleUser {
			userIdx = append(userIdx, i)
		}
	}
	if len(userIdx) <= limit {
		return history
	}
	cut := userIdx[len(userIdx)-limit]
	return slices.Clone(history[cut:])
}

// AppendResult records an assistant turn produced by stage.
func (m *Manager) AppendResult(ctx context.Context, id string, stage pkg.StageName, text string) (*Session, error) {
	return m.store.Update(ctx, id, func(s *Session) error {
		now := m.now()
		s.History = append(s.History, pkg.Turn{Role: pkg.RoleAssistant, Content: text, Stage: stage, Timestamp: now})
		s.LastActivity = now
		return nil
	})
}

// SaveResults replaces the stored stage results with the outcome of a
// completed run.
func (m *Manager) SaveResults(ctx context.Context, id string, results map[pkg.StageName]pkg.StageResult) (*Session, error) {
	return m.store.Update(ctx, id, func(s *Session) error {
		s.LastResult = maps.Clone(results)
		s.LastActivity = m.now()
		return nil
	})
}

// SetMetadata stores a single metadata value on the session.
func (m *Manager) SetMetadata(ctx context.Context, id, key string, value any) error {
	_, err := m.store.Update(ctx, id, func(s *Session) error {
		if s.Metadata == nil {
			s.Metadata = make(map[string]any)
		}
		s.Metadata[key] = value
		return nil
	})
	return err
}

// IsExpired reports whether s is inactive or idle longer than the timeout.
func (m *Manager) IsExpired(s *Session) bool {
	if !s.Active {
		return true
	}
	return m.now().Sub(s.LastActivity) > m.timeout
}

func (m *Manager) Remove(ctx context.Context, id string) error {
	return m.store.Delete(ctx, id)
}

// Deactivate marks a session inactive; it is removed on its next lookup.
func (m *Manager) Deactivate(ctx context.Context, id string) error {
	_, err := m.store.Update(ctx, id, func(s *Session) error {
		s.Active = false
		return nil
	})
	return err
}

func (m *Manager) History(ctx context.Context, id string) ([]pkg.Turn, error) {
	s, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.History, nil
}

// ClearHistory forgets the conversation and the stored results but keeps the
// session alive.
func (m *Manager) ClearHistory(ctx context.Context, id string) error {
	_, err := m.store.Update(ctx, id, func(s *Session) error {
		s.History = nil
		s.LastResult = nil
		s.LastActivity = m.now()
		return nil
	})
	return err
}

// ListActive returns every session that has not expired.
func (m *Manager) ListActive(ctx context.Context) ([]*Session, error) {
	all, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, s := range all {
		if !m.IsExpired(s) {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b *Session) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

// Sweep removes every expired session and returns how many were removed.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	all, err := m.store.List(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, s := range all {
		if !m.IsExpired(s) {
			continue
		}
		if err := m.store.Delete(ctx, s.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// RunJanitor sweeps expired sessions every interval until ctx is done.
func (m *Manager) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = m.timeout
	}
	log.Info().Dur("interval", interval).Msg("Session janitor started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Session janitor stopped")
			return
		case <-ticker.C:
			n, err := m.Sweep(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("Session janitor: sweep failed")
				continue
			}
			if n > 0 {
				log.Info().Int("removed", n).Msg("Session janitor: expired sessions removed")
			}
		}
	}
}

// SessionSummary is a compact view of a session.
type SessionSummary struct {
	ID             string          `json:"id"`
	CreatedAt      time.Time       `json:"created_at"`
	LastActivity   time.Time       `json:"last_activity"`
	UserTurns      int             `json:"user_turns"`
	AssistantTurns int             `json:"assistant_turns"`
	Stages         []pkg.StageName `json:"stages"`
	Active         bool            `json:"active"`
	Expired        bool            `json:"expired"`
}

func (m *Manager) Summary(s *Session) SessionSummary {
	sum := SessionSummary{
		ID:           s.ID,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
		Active:       s.Active,
		Expired:      m.IsExpired(s),
		Stages:       slices.Sorted(maps.Keys(s.LastResult)),
	}
	for _, t := range s.History {
		if t.Role == pkg.RoleUser {
			sum.UserTurns++
		} else {
			sum.AssistantTurns++
		}
	}
	return sum
}

// pendingTrimmed drops the trailing user turn, which is the input currently
// being processed.
func pendingTrimmed(history []pkg.Turn) []pkg.Turn {
	if n := len(history); n > 0 && history[n-1].Role == pkg.RoleUser {
		return history[:n-1]
	}
	return history
}

func recent(history []pkg.Turn, maxTurns int) []pkg.Turn {
	limit := 2 * maxTurns
	if limit <= 0 || len(history) <= limit {
		return history
	}
	return history[len(history)-limit:]
}

// Context renders the latest maxTurns exchanges as a numbered transcript.
func Context(s *Session, maxTurns int) string {
	turns := recent(pendingTrimmed(s.History), maxTurns)
	if len(turns) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("<conversation_history>\n")
	for i, t := range turns {
		fmt.Fprintf(&b, "%d. [%s]: %s\n", i+1, t.Role, t.Content)
	}
	b.WriteString("</conversation_history>")
	return b.String()
}

// Messages converts the same window as Context into chat messages.
func Messages(s *Session, maxTurns int) []*schema.Message {
	turns := recent(pendingTrimmed(s.History), maxTurns)
	out := make([]*schema.Message, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case pkg.RoleUser:
			out = append(out, schema.UserMessage(t.Content))
		case pkg.RoleAssistant:
			out = append(out, schema.AssistantMessage(t.Content, nil))
		}
	}
	return out
}

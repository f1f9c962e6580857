package memory

import (
	"context"
	"slices"
	"sync"

	"efiling/internal/filing/models"
	id "efiling/pkg/domain"
	"efiling/pkg/platform/sentinel"
)

type SessionStore struct {
	mu       sync.Mutex
	sessions map[id.SessionID]*models.Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[id.SessionID]*models.Session)}
}

// Create mirrors the partial unique index of the postgres schema.
func (s *SessionStore) Create(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; ok {
		return sentinel.ErrConflict
	}
	if session.IsActive() {
		for _, existing := range s.sessions {
			if existing.FilingID == session.FilingID && existing.IsActive() {
				return sentinel.ErrConflict
			}
		}
	}
	s.sessions[session.ID] = cloneSession(session)
	return nil
}

func (s *SessionStore) FindByID(_ context.Context, sessionID id.SessionID) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return cloneSession(sess), nil
}

func (s *SessionStore) FindActiveByFiling(_ context.Context, filingID id.FilingID) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.FilingID == filingID && sess.IsActive() {
			return cloneSession(sess), nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *SessionStore) Update(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.sessions[session.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	// terminal states are final
	if stored.State.IsTerminal() && stored.State != session.State {
		return sentinel.ErrInvalidState
	}
	s.sessions[session.ID] = cloneSession(session)
	return nil
}

func cloneSession(sess *models.Session) *models.Session {
	c := *sess
	c.Payload = slices.Clone(sess.Payload)
	if sess.CompletedAt != nil {
		v := *sess.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

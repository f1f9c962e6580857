package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"efiling/internal/filing/models"
	id "efiling/pkg/domain"
	"efiling/pkg/platform/sentinel"
)

type SubmissionStore struct {
	mu      sync.Mutex
	records map[id.FilingID]*models.Submission
}

func NewSubmissionStore() *SubmissionStore {
	return &SubmissionStore{records: make(map[id.FilingID]*models.Submission)}
}

// Reserve is the in-memory equivalent of the UNIQUE (filing_id) constraint.
func (s *SubmissionStore) Reserve(_ context.Context, sub *models.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[sub.FilingID]; ok {
		return sentinel.ErrConflict
	}
	s.records[sub.FilingID] = cloneSubmission(sub)
	return nil
}

func (s *SubmissionStore) FindByFiling(_ context.Context, filingID id.FilingID) (*models.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[filingID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return cloneSubmission(rec), nil
}

func (s *SubmissionStore) Update(_ context.Context, sub *models.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.records[sub.FilingID]
	if !ok || stored.ID != sub.ID {
		return sentinel.ErrNotFound
	}
	if stored.AckNumber != "" && stored.AckNumber != sub.AckNumber {
		return sentinel.ErrInvalidState
	}
	s.records[sub.FilingID] = cloneSubmission(sub)
	return nil
}

func (s *SubmissionStore) Release(_ context.Context, filingID id.FilingID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[filingID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if rec.IsAcknowledged() {
		return sentinel.ErrInvalidState
	}
	delete(s.records, filingID)
	return nil
}

func (s *SubmissionStore) AdvanceStage(_ context.Context, filingID id.FilingID, stage models.Stage, polledAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[filingID]
	if !ok {
		return false, sentinel.ErrNotFound
	}
	rec.LastPolledAt = &polledAt
	rec.UpdatedAt = polledAt
	if stage.Rank() <= rec.Stage.Rank() {
		return false, nil
	}
	rec.Stage = stage
	return true, nil
}

func (s *SubmissionStore) ListDue(_ context.Context, cutoff time.Time, limit int) ([]*models.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*models.Submission
	for _, rec := range s.records {
		if !rec.IsAcknowledged() || rec.Stage.IsTerminal() {
			continue
		}
		if rec.LastPolledAt == nil || rec.LastPolledAt.Before(cutoff) {
			due = append(due, cloneSubmission(rec))
		}
	}
	sort.Slice(due, func(i, j int) bool { return polledBefore(due[i], due[j]) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func polledBefore(a, b *models.Submission) bool {
	switch {
	case a.LastPolledAt == nil:
		return b.LastPolledAt != nil || a.CreatedAt.Before(b.CreatedAt)
	case b.LastPolledAt == nil:
		return false
	}
	return a.LastPolledAt.Before(*b.LastPolledAt)
}

// Count returns the number of records; tests use it for the at-most-once property.
func (s *SubmissionStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func cloneSubmission(sub *models.Submission) *models.Submission {
	c := *sub
	if sub.SubmittedAt != nil {
		v := *sub.SubmittedAt
		c.SubmittedAt = &v
	}
	if sub.LastPolledAt != nil {
		v := *sub.LastPolledAt
		c.LastPolledAt = &v
	}
	return &c
}

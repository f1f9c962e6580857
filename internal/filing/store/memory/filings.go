// Package memory provides in-process stores used in development and tests.
// Each store guards its maps with a mutex and hands out copies, so callers
// never share mutable state with the store.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"

	"efiling/internal/filing/models"
	id "efiling/pkg/domain"
	"efiling/pkg/platform/sentinel"
)

type FilingStore struct {
	mu      sync.Mutex
	filings map[id.FilingID]*models.Filing
	history map[id.FilingID][]models.Transition
}

func NewFilingStore() *FilingStore {
	return &FilingStore{
		filings: make(map[id.FilingID]*models.Filing),
		history: make(map[id.FilingID][]models.Transition),
	}
}

func (s *FilingStore) Create(_ context.Context, filing *models.Filing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.filings[filing.ID]; ok {
		return sentinel.ErrConflict
	}
	if filing.Supersedes != nil {
		for _, f := range s.filings {
			if f.Supersedes != nil && *f.Supersedes == *filing.Supersedes {
				return sentinel.ErrConflict
			}
		}
	}
	s.history[filing.ID] = append(s.history[filing.ID], filing.TakeTransitions()...)
	s.filings[filing.ID] = cloneFiling(filing)
	return nil
}

func (s *FilingStore) FindByID(_ context.Context, filingID id.FilingID) (*models.Filing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.filings[filingID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return cloneFiling(f), nil
}

func (s *FilingStore) ListByAccount(_ context.Context, accountID id.AccountID) ([]*models.Filing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Filing
	for _, f := range s.filings {
		if f.AccountID == accountID {
			out = append(out, cloneFiling(f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Execute holds the store mutex across validate and mutate.
func (s *FilingStore) Execute(_ context.Context, filingID id.FilingID, validate func(*models.Filing) error, mutate func(*models.Filing)) (*models.Filing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.filings[filingID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	working := cloneFiling(stored)
	if err := validate(working); err != nil {
		return nil, err
	}
	mutate(working)
	working.Version = stored.Version + 1
	s.history[filingID] = append(s.history[filingID], working.TakeTransitions()...)
	s.filings[filingID] = cloneFiling(working)
	return working, nil
}

func (s *FilingStore) History(_ context.Context, filingID id.FilingID) ([]models.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.filings[filingID]; !ok {
		return nil, sentinel.ErrNotFound
	}
	return slices.Clone(s.history[filingID]), nil
}

func cloneFiling(f *models.Filing) *models.Filing {
	c := *f
	c.AcceptedDeclarations = slices.Clone(f.AcceptedDeclarations)
	if f.DeclarationEvidence != nil {
		ev := *f.DeclarationEvidence
		c.DeclarationEvidence = &ev
	}
	if f.SessionID != nil {
		v := *f.SessionID
		c.SessionID = &v
	}
	if f.SubmissionID != nil {
		v := *f.SubmissionID
		c.SubmissionID = &v
	}
	if f.Supersedes != nil {
		v := *f.Supersedes
		c.Supersedes = &v
	}
	// pending transitions never leave the caller's copy
	c.TakeTransitions()
	return &c
}

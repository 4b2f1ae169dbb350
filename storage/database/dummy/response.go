package dummydb

import (
	"context"
	"time"

	"github.com/encuestas/backend/core/assignment"
	"github.com/encuestas/backend/core/response"
)

type (
	responseStore struct {
		db *DB
	}

	responseTx struct {
		db        *DB
		txns      []response.Transaction
		completed map[int64]time.Time
		drafts    []int64
		done      bool
	}
)

var (
	_ response.Store = (*responseStore)(nil) // interface compliance check
	_ response.Tx    = (*responseTx)(nil)
)

func NewResponseStore(db *DB) response.Store {
	return &responseStore{db: db}
}

func (s *responseStore) Begin(context.Context) (response.Tx, error) {
	if err := s.db.fault("Begin"); err != nil {
		return nil, err
	}
	return &responseTx{db: s.db, completed: make(map[int64]time.Time)}, nil
}

func (s *responseStore) GetDraft(_ context.Context, assignmentID int64) (response.Draft, error) {
	s.db.RLock()
	defer s.db.RUnlock()

	if d, ok := s.db.drafts[assignmentID]; ok {
		return *d, nil
	}
	return response.Draft{}, response.ErrDraftNotFound
}

func (s *responseStore) UpsertDraft(_ context.Context, d response.Draft) (response.Draft, error) {
	if err := s.db.fault("UpsertDraft"); err != nil {
		return response.Draft{}, err
	}
	s.db.Lock()
	defer s.db.Unlock()

	if _, ok := s.db.assignments[d.AssignmentID]; !ok {
		return response.Draft{}, assignment.ErrNotFound
	}
	s.db.drafts[d.AssignmentID] = &d
	return d, nil
}

// InsertTransaction reserves the ids right away, as a sequence would; the rows appear on Commit.
func (tx *responseTx) InsertTransaction(_ context.Context, t response.Transaction) (int64, error) {
	if err := tx.db.fault("InsertTransaction"); err != nil {
		return 0, err
	}
	tx.db.Lock()
	defer tx.db.Unlock()

	t.ID = tx.db.nextID()
	answers := make([]response.Answer, len(t.Answers))
	for i, a := range t.Answers {
		a.ID = tx.db.nextID()
		a.TransactionID = t.ID
		answers[i] = a
	}
	t.Answers = answers
	tx.txns = append(tx.txns, t)
	return t.ID, nil
}

func (tx *responseTx) CompleteAssignment(_ context.Context, assignmentID int64, at time.Time) error {
	if err := tx.db.fault("CompleteAssignment"); err != nil {
		return err
	}
	tx.db.RLock()
	defer tx.db.RUnlock()
	if err := completable(tx.db.assignments[assignmentID]); err != nil {
		return err
	}
	tx.completed[assignmentID] = at
	return nil
}

func completable(a *assignment.Assignment) error {
	switch {
	case a == nil:
		return assignment.ErrNotFound
	case a.Status != assignment.StatusPending:
		return assignment.ErrNotPending
	}
	return nil
}

func (tx *responseTx) DeleteDraft(_ context.Context, assignmentID int64) error {
	if err := tx.db.fault("DeleteDraft"); err != nil {
		return err
	}
	tx.drafts = append(tx.drafts, assignmentID)
	return nil
}

func (tx *responseTx) Commit() error {
	if tx.done {
		return nil
	}
	if err := tx.db.fault("CommitResponse"); err != nil {
		return err
	}
	tx.db.Lock()
	defer tx.db.Unlock()

	for id := range tx.completed {
		if err := completable(tx.db.assignments[id]); err != nil {
			return err
		}
	}
	for _, t := range tx.txns {
		tx.db.transactions[t.ID] = &t
	}
	for id, at := range tx.completed {
		a := tx.db.assignments[id]
		a.Status = assignment.StatusDone
		completedAt := at
		a.CompletedAt = &completedAt
	}
	for _, id := range tx.drafts {
		delete(tx.db.drafts, id)
	}
	tx.done = true
	return nil
}

func (tx *responseTx) Rollback() error {
	tx.txns, tx.completed, tx.drafts = nil, nil, nil
	tx.done = true
	return nil
}

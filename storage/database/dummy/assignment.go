package dummydb

import (
	"context"
	"sort"
	"strings"

	"github.com/encuestas/backend/core/assignment"
	"github.com/encuestas/backend/core/population"
	"github.com/encuestas/backend/core/survey"
)

type (
	assignmentStore struct {
		db *DB
	}

	assignmentTx struct {
		db     *DB
		staged []assignment.Assignment
		done   bool
	}
)

var (
	_ assignment.Store = (*assignmentStore)(nil) // interface compliance check
	_ assignment.Tx    = (*assignmentTx)(nil)
)

func NewAssignmentStore(db *DB) assignment.Store {
	return &assignmentStore{db: db}
}

func (s *assignmentStore) Begin(context.Context) (assignment.Tx, error) {
	if err := s.db.fault("Begin"); err != nil {
		return nil, err
	}
	return &assignmentTx{db: s.db}, nil
}

func (s *assignmentStore) GetAssignment(_ context.Context, id int64) (assignment.Assignment, error) {
	s.db.RLock()
	defer s.db.RUnlock()

	if a, ok := s.db.assignments[id]; ok {
		return *a, nil
	}
	return assignment.Assignment{}, assignment.ErrNotFound
}

func (s *assignmentStore) FindAssignment(_ context.Context, key assignment.Key) (assignment.Assignment, error) {
	s.db.RLock()
	defer s.db.RUnlock()

	for _, a := range s.db.assignments {
		if a.Key() == key {
			return *a, nil
		}
	}
	return assignment.Assignment{}, assignment.ErrNotFound
}

func (s *assignmentStore) PendingAssignments(_ context.Context, recipientID string) ([]assignment.Assignment, error) {
	s.db.RLock()
	defer s.db.RUnlock()

	var pending []assignment.Assignment
	for _, a := range s.db.assignments {
		if a.RecipientID == recipientID && a.Status == assignment.StatusPending {
			pending = append(pending, *a)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })
	return pending, nil
}

func (s *assignmentStore) BlockingAssignments(_ context.Context, recipientID, action string) ([]assignment.Blocking, error) {
	s.db.RLock()
	defer s.db.RUnlock()

	var blocking []assignment.Blocking
	for _, a := range s.db.assignments {
		if a.RecipientID != recipientID || a.Status != assignment.StatusPending {
			continue
		}
		srv, ok := s.db.surveys[a.SurveyID]
		if !ok || !srv.Active || srv.Status != survey.StatusInProgress || !srv.Priority.Blocking() {
			continue
		}
		for _, t := range srv.TriggerActions {
			if t == action {
				blocking = append(blocking, assignment.Blocking{
					AssignmentID:     a.ID,
					SurveyID:         srv.ID,
					SurveyTitle:      srv.Title,
					Priority:         srv.Priority,
					ContextReference: a.ContextReference,
				})
				break
			}
		}
	}
	sort.Slice(blocking, func(i, j int) bool { return blocking[i].AssignmentID < blocking[j].AssignmentID })
	return blocking, nil
}

func (tx *assignmentTx) ExistingPairs(_ context.Context, surveyID int64, refs []string) (map[assignment.Key]bool, error) {
	if err := tx.db.fault("ExistingPairs"); err != nil {
		return nil, err
	}
	tx.db.RLock()
	defer tx.db.RUnlock()

	wanted := make(map[string]bool, len(refs))
	for _, r := range refs {
		wanted[r] = true
	}
	existing := make(map[assignment.Key]bool)
	for _, a := range tx.db.assignments {
		if a.SurveyID == surveyID && wanted[a.ContextReference] {
			existing[a.Key()] = true
		}
	}
	return existing, nil
}

func (tx *assignmentTx) ExistingRecipients(_ context.Context, surveyID int64, recipientIDs []string) (map[string]bool, error) {
	if err := tx.db.fault("ExistingRecipients"); err != nil {
		return nil, err
	}
	tx.db.RLock()
	defer tx.db.RUnlock()

	wanted := make(map[string]bool, len(recipientIDs))
	for _, id := range recipientIDs {
		wanted[id] = true
	}
	existing := make(map[string]bool)
	for _, a := range tx.db.assignments {
		if a.SurveyID != surveyID || !wanted[a.RecipientID] {
			continue
		}
		if !strings.HasPrefix(a.ContextReference, population.InstructorRefPrefix) {
			existing[a.RecipientID] = true
		}
	}
	return existing, nil
}

func (tx *assignmentTx) InsertAssignments(_ context.Context, batch []assignment.Assignment) error {
	if err := tx.db.fault("InsertAssignments"); err != nil {
		return err
	}
	tx.staged = append(tx.staged, batch...)
	return nil
}

// Commit applies the staged rows, or none of them if any breaks the unique constraint.
func (tx *assignmentTx) Commit() error {
	if tx.done {
		return nil
	}
	if err := tx.db.fault("CommitAssignments"); err != nil {
		return err
	}
	tx.db.Lock()
	defer tx.db.Unlock()

	keys := make(map[assignment.Key]bool, len(tx.db.assignments)+len(tx.staged))
	for _, a := range tx.db.assignments {
		keys[a.Key()] = true
	}
	for _, a := range tx.staged {
		if keys[a.Key()] {
			return ErrUniqueViolation
		}
		keys[a.Key()] = true
	}
	for _, a := range tx.staged {
		a.ID = tx.db.nextID()
		tx.db.assignments[a.ID] = &a
	}
	tx.done = true
	return nil
}

func (tx *assignmentTx) Rollback() error {
	tx.staged = nil
	tx.done = true
	return nil
}

package sqlxrepos

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/encuestas/backend/core/assignment"
	"github.com/encuestas/backend/core/population"
	"github.com/encuestas/backend/core/survey"
)

const assignmentColumns = "id, recipient_id, survey_id, context_reference, status, assigned_at, completed_at, metadata"

type assignmentRow struct {
	ID               int64       `db:"id"`
	RecipientID      string      `db:"recipient_id"`
	SurveyID         int64       `db:"survey_id"`
	ContextReference null.String `db:"context_reference"`
	Status           string      `db:"status"`
	AssignedAt       time.Time   `db:"assigned_at"`
	CompletedAt      null.Time   `db:"completed_at"`
	Metadata         null.JSON   `db:"metadata"`
}

func assignmentToRow(a assignment.Assignment) (assignmentRow, error) {
	meta, err := mapJSON(a.Metadata)
	if err != nil {
		return assignmentRow{}, err
	}
	return assignmentRow{
		ID:               a.ID,
		RecipientID:      a.RecipientID,
		SurveyID:         a.SurveyID,
		ContextReference: nullString(a.ContextReference),
		Status:           string(a.Status),
		AssignedAt:       a.AssignedAt.UTC(),
		CompletedAt:      null.TimeFromPtr(a.CompletedAt),
		Metadata:         meta,
	}, nil
}

func assignmentFromRow(r assignmentRow) (assignment.Assignment, error) {
	meta, err := jsonMap(r.Metadata)
	if err != nil {
		return assignment.Assignment{}, err
	}
	a := assignment.Assignment{
		ID:               r.ID,
		RecipientID:      r.RecipientID,
		SurveyID:         r.SurveyID,
		ContextReference: r.ContextReference.String,
		Status:           assignment.Status(r.Status),
		AssignedAt:       r.AssignedAt.UTC(),
		Metadata:         meta,
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time.UTC()
		a.CompletedAt = &t
	}
	return a, nil
}

type (
	assignmentStore struct {
		db *sqlx.DB
	}

	assignmentTx struct {
		txBase
	}
)

var (
	_ assignment.Store = (*assignmentStore)(nil) // interface compliance check
	_ assignment.Tx    = (*assignmentTx)(nil)
)

func NewAssignmentStore(db *sqlx.DB) assignment.Store {
	return &assignmentStore{db: db}
}

func (s *assignmentStore) Begin(ctx context.Context) (assignment.Tx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "beginning transaction")
	}
	return &assignmentTx{txBase{tx: tx}}, nil
}

func (s *assignmentStore) get(ctx context.Context, query string, args ...interface{}) (assignment.Assignment, error) {
	var row assignmentRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		return assignment.Assignment{}, trapNoRowsErr(err, assignment.ErrNotFound, "getting assignment")
	}
	return assignmentFromRow(row)
}

func (s *assignmentStore) GetAssignment(ctx context.Context, id int64) (assignment.Assignment, error) {
	return s.get(ctx, "SELECT "+assignmentColumns+" FROM "+oltp+"assignments WHERE id = $1", id)
}

func (s *assignmentStore) FindAssignment(ctx context.Context, key assignment.Key) (assignment.Assignment, error) {
	return s.get(ctx, `
		SELECT `+assignmentColumns+` FROM `+oltp+`assignments
		WHERE recipient_id = $1 AND survey_id = $2 AND context_reference IS NOT DISTINCT FROM $3`,
		key.RecipientID, key.SurveyID, nullString(key.ContextReference))
}

func (s *assignmentStore) PendingAssignments(ctx context.Context, recipientID string) ([]assignment.Assignment, error) {
	var rows []assignmentRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+assignmentColumns+` FROM `+oltp+`assignments
		WHERE recipient_id = $1 AND status = $2 ORDER BY id`,
		recipientID, string(assignment.StatusPending))
	if err != nil {
		return nil, errors.Wrap(err, "selecting pending assignments")
	}

	pending := make([]assignment.Assignment, 0, len(rows))
	for _, r := range rows {
		a, err := assignmentFromRow(r)
		if err != nil {
			return nil, err
		}
		pending = append(pending, a)
	}
	return pending, nil
}

func (s *assignmentStore) BlockingAssignments(ctx context.Context, recipientID, action string) ([]assignment.Blocking, error) {
	var rows []struct {
		AssignmentID     int64       `db:"assignment_id"`
		SurveyID         int64       `db:"survey_id"`
		SurveyTitle      string      `db:"survey_title"`
		Priority         string      `db:"priority"`
		ContextReference null.String `db:"context_reference"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT a.id AS assignment_id, s.id AS survey_id, s.title AS survey_title, s.priority, a.context_reference
		FROM `+oltp+`assignments a
		JOIN `+oltp+`surveys s ON s.id = a.survey_id
		WHERE a.recipient_id = $1
			AND a.status = $2
			AND s.active
			AND s.status = $3
			AND s.priority = ANY($4)
			AND $5 = ANY(s.trigger_actions)
		ORDER BY a.id`,
		recipientID, string(assignment.StatusPending), string(survey.StatusInProgress),
		pq.Array([]string{string(survey.PriorityMandatory), string(survey.PriorityInstructorEvaluation)}), action)
	if err != nil {
		return nil, errors.Wrap(err, "selecting blocking assignments")
	}

	blocking := make([]assignment.Blocking, 0, len(rows))
	for _, r := range rows {
		blocking = append(blocking, assignment.Blocking{
			AssignmentID:     r.AssignmentID,
			SurveyID:         r.SurveyID,
			SurveyTitle:      r.SurveyTitle,
			Priority:         survey.Priority(r.Priority),
			ContextReference: r.ContextReference.String,
		})
	}
	return blocking, nil
}

func (tx *assignmentTx) ExistingPairs(ctx context.Context, surveyID int64, refs []string) (map[assignment.Key]bool, error) {
	var rows []struct {
		RecipientID      string      `db:"recipient_id"`
		ContextReference null.String `db:"context_reference"`
	}
	err := tx.tx.SelectContext(ctx, &rows, `
		SELECT recipient_id, context_reference FROM `+oltp+`assignments
		WHERE survey_id = $1 AND context_reference = ANY($2)`,
		surveyID, pq.Array(refs))
	if err != nil {
		return nil, errors.Wrap(err, "selecting existing assignment pairs")
	}

	existing := make(map[assignment.Key]bool, len(rows))
	for _, r := range rows {
		existing[assignment.Key{RecipientID: r.RecipientID, SurveyID: surveyID, ContextReference: r.ContextReference.String}] = true
	}
	return existing, nil
}

func (tx *assignmentTx) ExistingRecipients(ctx context.Context, surveyID int64, recipientIDs []string) (map[string]bool, error) {
	var ids []string
	err := tx.tx.SelectContext(ctx, &ids, `
		SELECT DISTINCT recipient_id FROM `+oltp+`assignments
		WHERE survey_id = $1 AND recipient_id = ANY($2)
		  AND (context_reference IS NULL OR context_reference NOT LIKE $3)`,
		surveyID, pq.Array(recipientIDs), population.InstructorRefPrefix+"%")
	if err != nil {
		return nil, errors.Wrap(err, "selecting existing recipients")
	}

	existing := make(map[string]bool, len(ids))
	for _, id := range ids {
		existing[id] = true
	}
	return existing, nil
}

// InsertAssignments inserts the batch as is: a row colliding with the unique key fails the whole statement.
func (tx *assignmentTx) InsertAssignments(ctx context.Context, batch []assignment.Assignment) error {
	if len(batch) == 0 {
		return nil
	}
	rows := make([]assignmentRow, 0, len(batch))
	for _, a := range batch {
		r, err := assignmentToRow(a)
		if err != nil {
			return err
		}
		rows = append(rows, r)
	}

	err := insertChunks(ctx, tx.tx, `
		INSERT INTO `+oltp+`assignments (recipient_id, survey_id, context_reference, status, assigned_at, completed_at, metadata)
		VALUES (:recipient_id, :survey_id, :context_reference, :status, :assigned_at, :completed_at, :metadata)`, rows)
	if err != nil {
		if pqErrCode(err) == pqUniqueViolation {
			return errors.Wrap(err, "assignment already exists")
		}
		return errors.Wrap(err, "inserting assignments")
	}
	return nil
}

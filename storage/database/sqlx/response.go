package sqlxrepos

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/encuestas/backend/core/assignment"
	"github.com/encuestas/backend/core/response"
)

type (
	draftRow struct {
		AssignmentID int64     `db:"assignment_id"`
		Answers      []byte    `db:"answers"`
		UpdatedAt    time.Time `db:"updated_at"`
	}

	answerRow struct {
		TransactionID int64       `db:"transaction_id"`
		QuestionID    int64       `db:"question_id"`
		OptionID      null.Int64  `db:"option_id"`
		Text          null.String `db:"text"`
		Position      int         `db:"position"`
	}
)

func (r draftRow) draft() response.Draft {
	return response.Draft{AssignmentID: r.AssignmentID, Answers: json.RawMessage(r.Answers), UpdatedAt: r.UpdatedAt.UTC()}
}

type (
	responseStore struct {
		db *sqlx.DB
	}

	responseTx struct {
		txBase
	}
)

var (
	_ response.Store = (*responseStore)(nil) // interface compliance check
	_ response.Tx    = (*responseTx)(nil)
)

func NewResponseStore(db *sqlx.DB) response.Store {
	return &responseStore{db: db}
}

func (s *responseStore) Begin(ctx context.Context) (response.Tx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "beginning transaction")
	}
	return &responseTx{txBase{tx: tx}}, nil
}

func (s *responseStore) GetDraft(ctx context.Context, assignmentID int64) (response.Draft, error) {
	var row draftRow
	err := s.db.GetContext(ctx, &row, `
		SELECT assignment_id, answers, updated_at FROM `+oltp+`draft_answer_sets WHERE assignment_id = $1`, assignmentID)
	if err != nil {
		return response.Draft{}, trapNoRowsErr(err, response.ErrDraftNotFound, "getting draft")
	}
	return row.draft(), nil
}

func (s *responseStore) UpsertDraft(ctx context.Context, d response.Draft) (response.Draft, error) {
	var row draftRow
	err := s.db.GetContext(ctx, &row, `
		INSERT INTO `+oltp+`draft_answer_sets (assignment_id, answers, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (assignment_id) DO UPDATE SET answers = EXCLUDED.answers, updated_at = EXCLUDED.updated_at
		RETURNING assignment_id, answers, updated_at`,
		d.AssignmentID, []byte(d.Answers), d.UpdatedAt.UTC())
	if err != nil {
		if pqErrCode(err) == pqForeignKeyViolation {
			return response.Draft{}, assignment.ErrNotFound
		}
		return response.Draft{}, errors.Wrap(err, "upserting draft")
	}
	return row.draft(), nil
}

func (tx *responseTx) InsertTransaction(ctx context.Context, t response.Transaction) (int64, error) {
	meta, err := mapJSON(t.Metadata)
	if err != nil {
		return 0, err
	}
	var id int64
	err = tx.tx.QueryRowxContext(ctx, `
		INSERT INTO `+oltp+`transactions (survey_id, completed_at, metadata, processed_by_etl)
		VALUES ($1, $2, $3, FALSE)
		RETURNING id`,
		t.SurveyID, t.CompletedAt.UTC(), meta,
	).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "inserting transaction")
	}

	if len(t.Answers) > 0 {
		rows := make([]answerRow, 0, len(t.Answers))
		for _, a := range t.Answers {
			rows = append(rows, answerRow{
				TransactionID: id,
				QuestionID:    a.QuestionID,
				OptionID:      null.Int64FromPtr(a.OptionID),
				Text:          null.StringFromPtr(a.Text),
				Position:      a.Order,
			})
		}
		err = insertChunks(ctx, tx.tx, `
			INSERT INTO `+oltp+`answers (transaction_id, question_id, option_id, text, position)
			VALUES (:transaction_id, :question_id, :option_id, :text, :position)`, rows)
		if err != nil {
			return 0, errors.Wrap(err, "inserting answers")
		}
	}
	return id, nil
}

// CompleteAssignment marks a pending assignment done. A concurrent submission holding the row
// makes this one wait, then match nothing: assignment.ErrNotPending.
func (tx *responseTx) CompleteAssignment(ctx context.Context, assignmentID int64, at time.Time) error {
	res, err := tx.tx.ExecContext(ctx, `
		UPDATE `+oltp+`assignments SET status = $2, completed_at = $3 WHERE id = $1 AND status = $4`,
		assignmentID, string(assignment.StatusDone), at.UTC(), string(assignment.StatusPending))
	if err != nil {
		return errors.Wrap(err, "completing assignment")
	}
	return checkAffected(res, assignment.ErrNotPending, "completing assignment")
}

func (tx *responseTx) DeleteDraft(ctx context.Context, assignmentID int64) error {
	_, err := tx.tx.ExecContext(ctx, "DELETE FROM "+oltp+"draft_answer_sets WHERE assignment_id = $1", assignmentID)
	return errors.Wrap(err, "deleting draft")
}

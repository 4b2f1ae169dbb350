package sqlxrepos

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/encuestas/backend/core/etl"
)

// etlLockKey is the advisory lock every ETL transaction holds until it ends.
const etlLockKey int64 = 4_170_001

type (
	pendingRow struct {
		TransactionID int64       `db:"transaction_id"`
		CompletedAt   time.Time   `db:"completed_at"`
		Metadata      null.JSON   `db:"metadata"`
		Answer        null.String `db:"answer"`
		QuestionText  string      `db:"question_text"`
		QuestionType  string      `db:"question_type"`
		SurveyTitle   string      `db:"survey_title"`
	}

	timeRow struct {
		ID       int64  `db:"id"`
		Date     string `db:"date"`
		Year     int    `db:"year"`
		HalfYear int    `db:"half_year"`
		Month    int    `db:"month"`
		Weekday  string `db:"weekday"`
	}

	locationRow struct {
		ID      int64  `db:"id"`
		Faculty string `db:"faculty"`
		Program string `db:"program"`
		Campus  string `db:"campus"`
	}

	contextRow struct {
		ID         int64  `db:"id"`
		Instructor string `db:"instructor"`
		Course     string `db:"course"`
		Term       string `db:"term"`
	}

	questionDimRow struct {
		ID          int64  `db:"id"`
		Text        string `db:"text"`
		SurveyTitle string `db:"survey_title"`
		Type        string `db:"type"`
	}

	factRow struct {
		TransactionID int64        `db:"transaction_id"`
		TimeID        int64        `db:"time_id"`
		LocationID    int64        `db:"location_id"`
		ContextID     int64        `db:"context_id"`
		QuestionID    int64        `db:"question_id"`
		Numeric       null.Float64 `db:"numeric_value"`
		Text          null.String  `db:"text_value"`
		Count         int          `db:"count"`
	}
)

type (
	warehouse struct {
		db *sqlx.DB
	}

	warehouseTx struct {
		txBase
	}
)

var (
	_ etl.Warehouse = (*warehouse)(nil) // interface compliance check
	_ etl.Tx        = (*warehouseTx)(nil)
)

func NewWarehouse(db *sqlx.DB) etl.Warehouse {
	return &warehouse{db: db}
}

// Begin opens the run's transaction and waits for any other run to end.
func (w *warehouse) Begin(ctx context.Context) (etl.Tx, error) {
	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "beginning transaction")
	}
	if _, err = tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", etlLockKey); err != nil {
		_ = tx.Rollback()
		return nil, errors.Wrap(err, "taking etl advisory lock")
	}
	return &warehouseTx{txBase{tx: tx}}, nil
}

func (w *warehouse) Status(ctx context.Context) (etl.Status, error) {
	var st struct {
		Pending int `db:"pending"`
		Total   int `db:"total"`
	}
	err := w.db.GetContext(ctx, &st, `
		SELECT count(*) FILTER (WHERE NOT processed_by_etl) AS pending, count(*) AS total
		FROM `+oltp+`transactions`)
	if err != nil {
		return etl.Status{}, errors.Wrap(err, "counting transactions")
	}
	return etl.Status{Pending: st.Pending, Total: st.Total}, nil
}

// PendingRows reads every answer of the unprocessed transactions. Questions and surveys edited or
// deleted since the submission read as Unknown.
func (tx *warehouseTx) PendingRows(ctx context.Context) ([]etl.Row, error) {
	var rows []pendingRow
	err := tx.tx.SelectContext(ctx, &rows, `
		SELECT t.id AS transaction_id, t.completed_at, t.metadata,
			COALESCE(NULLIF(a.text, ''), o.text) AS answer,
			COALESCE(q.text, $1) AS question_text,
			COALESCE(q.type, $1) AS question_type,
			COALESCE(s.title, $1) AS survey_title
		FROM `+oltp+`transactions t
		JOIN `+oltp+`answers a ON a.transaction_id = t.id
		LEFT JOIN `+oltp+`surveys s ON s.id = t.survey_id
		LEFT JOIN `+oltp+`questions q ON q.id = a.question_id AND q.survey_id = t.survey_id
		LEFT JOIN `+oltp+`options o ON o.id = a.option_id AND o.question_id = q.id
		WHERE NOT t.processed_by_etl
		ORDER BY t.id, a.position, a.id`, etl.Unknown)
	if err != nil {
		return nil, errors.Wrap(err, "selecting pending answers")
	}

	out := make([]etl.Row, 0, len(rows))
	for _, r := range rows {
		meta, err := jsonMap(r.Metadata)
		if err != nil {
			return nil, errors.Wrapf(err, "transaction %d", r.TransactionID)
		}
		out = append(out, etl.Row{
			TransactionID: r.TransactionID,
			CompletedAt:   r.CompletedAt,
			Metadata:      meta,
			Answer:        r.Answer.Ptr(),
			QuestionText:  r.QuestionText,
			QuestionType:  r.QuestionType,
			SurveyTitle:   r.SurveyTitle,
		})
	}
	return out, nil
}

func (tx *warehouseTx) TimeKeys(ctx context.Context) (map[etl.TimeKey]int64, error) {
	var rows []timeRow
	err := tx.tx.SelectContext(ctx, &rows, `
		SELECT id, to_char(date, 'YYYY-MM-DD') AS date, year, half_year, month, weekday FROM `+olap+`dim_time`)
	if err != nil {
		return nil, errors.Wrap(err, "selecting time dimension")
	}
	keys := make(map[etl.TimeKey]int64, len(rows))
	for _, r := range rows {
		keys[etl.TimeKey{Date: r.Date, Year: r.Year, HalfYear: r.HalfYear, Month: r.Month, Weekday: r.Weekday}] = r.ID
	}
	return keys, nil
}

func (tx *warehouseTx) InsertTimes(ctx context.Context, keys []etl.TimeKey) error {
	if len(keys) == 0 {
		return nil
	}
	rows := make([]timeRow, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, timeRow{Date: k.Date, Year: k.Year, HalfYear: k.HalfYear, Month: k.Month, Weekday: k.Weekday})
	}
	err := insertChunks(ctx, tx.tx, `
		INSERT INTO `+olap+`dim_time (date, year, half_year, month, weekday)
		VALUES (:date, :year, :half_year, :month, :weekday)
		ON CONFLICT DO NOTHING`, rows)
	return errors.Wrap(err, "inserting time dimension")
}

func (tx *warehouseTx) LocationKeys(ctx context.Context) (map[etl.LocationKey]int64, error) {
	var rows []locationRow
	if err := tx.tx.SelectContext(ctx, &rows, "SELECT id, faculty, program, campus FROM "+olap+"dim_location"); err != nil {
		return nil, errors.Wrap(err, "selecting location dimension")
	}
	keys := make(map[etl.LocationKey]int64, len(rows))
	for _, r := range rows {
		keys[etl.LocationKey{Faculty: r.Faculty, Program: r.Program, Campus: r.Campus}] = r.ID
	}
	return keys, nil
}

func (tx *warehouseTx) InsertLocations(ctx context.Context, keys []etl.LocationKey) error {
	if len(keys) == 0 {
		return nil
	}
	rows := make([]locationRow, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, locationRow{Faculty: k.Faculty, Program: k.Program, Campus: k.Campus})
	}
	err := insertChunks(ctx, tx.tx, `
		INSERT INTO `+olap+`dim_location (faculty, program, campus)
		VALUES (:faculty, :program, :campus)
		ON CONFLICT DO NOTHING`, rows)
	return errors.Wrap(err, "inserting location dimension")
}

func (tx *warehouseTx) ContextKeys(ctx context.Context) (map[etl.ContextKey]int64, error) {
	var rows []contextRow
	if err := tx.tx.SelectContext(ctx, &rows, "SELECT id, instructor, course, term FROM "+olap+"dim_academic_context"); err != nil {
		return nil, errors.Wrap(err, "selecting academic context dimension")
	}
	keys := make(map[etl.ContextKey]int64, len(rows))
	for _, r := range rows {
		keys[etl.ContextKey{Instructor: r.Instructor, Course: r.Course, Term: r.Term}] = r.ID
	}
	return keys, nil
}

func (tx *warehouseTx) InsertContexts(ctx context.Context, keys []etl.ContextKey) error {
	if len(keys) == 0 {
		return nil
	}
	rows := make([]contextRow, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, contextRow{Instructor: k.Instructor, Course: k.Course, Term: k.Term})
	}
	err := insertChunks(ctx, tx.tx, `
		INSERT INTO `+olap+`dim_academic_context (instructor, course, term)
		VALUES (:instructor, :course, :term)
		ON CONFLICT DO NOTHING`, rows)
	return errors.Wrap(err, "inserting academic context dimension")
}

func (tx *warehouseTx) QuestionKeys(ctx context.Context) (map[etl.QuestionKey]int64, error) {
	var rows []questionDimRow
	if err := tx.tx.SelectContext(ctx, &rows, "SELECT id, text, survey_title, type FROM "+olap+"dim_question"); err != nil {
		return nil, errors.Wrap(err, "selecting question dimension")
	}
	keys := make(map[etl.QuestionKey]int64, len(rows))
	for _, r := range rows {
		keys[etl.QuestionKey{Text: r.Text, SurveyTitle: r.SurveyTitle, Type: r.Type}] = r.ID
	}
	return keys, nil
}

func (tx *warehouseTx) InsertQuestions(ctx context.Context, keys []etl.QuestionKey) error {
	if len(keys) == 0 {
		return nil
	}
	rows := make([]questionDimRow, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, questionDimRow{Text: k.Text, SurveyTitle: k.SurveyTitle, Type: k.Type})
	}
	err := insertChunks(ctx, tx.tx, `
		INSERT INTO `+olap+`dim_question (text, survey_title, type)
		VALUES (:text, :survey_title, :type)
		ON CONFLICT DO NOTHING`, rows)
	return errors.Wrap(err, "inserting question dimension")
}

func (tx *warehouseTx) InsertFacts(ctx context.Context, facts []etl.Fact) error {
	if len(facts) == 0 {
		return nil
	}
	rows := make([]factRow, 0, len(facts))
	for _, f := range facts {
		rows = append(rows, factRow{
			TransactionID: f.TransactionID,
			TimeID:        f.TimeID,
			LocationID:    f.LocationID,
			ContextID:     f.ContextID,
			QuestionID:    f.QuestionID,
			Numeric:       null.Float64FromPtr(f.Numeric),
			Text:          null.StringFromPtr(f.Text),
			Count:         f.Count,
		})
	}
	err := insertChunks(ctx, tx.tx, `
		INSERT INTO `+olap+`fact_answers (transaction_id, time_id, location_id, context_id, question_id, numeric_value, text_value, count)
		VALUES (:transaction_id, :time_id, :location_id, :context_id, :question_id, :numeric_value, :text_value, :count)`, rows)
	return errors.Wrap(err, "inserting facts")
}

func (tx *warehouseTx) MarkProcessed(ctx context.Context, transactionIDs []int64) error {
	if len(transactionIDs) == 0 {
		return nil
	}
	_, err := tx.tx.ExecContext(ctx, `
		UPDATE `+oltp+`transactions SET processed_by_etl = TRUE WHERE id = ANY($1)`, pq.Array(transactionIDs))
	return errors.Wrap(err, "marking transactions processed")
}

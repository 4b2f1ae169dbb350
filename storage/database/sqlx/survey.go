package sqlxrepos

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/encuestas/backend/core"
	"github.com/encuestas/backend/core/survey"
)

const surveyColumns = "id, title, description, closing_message, opens_at, closes_at, priority, trigger_actions, config, " +
	"status, active, created_by, modified_by, created_at, modified_at"

type (
	surveyRow struct {
		ID             int64          `db:"id"`
		Title          string         `db:"title"`
		Description    string         `db:"description"`
		ClosingMessage string         `db:"closing_message"`
		OpensAt        null.Time      `db:"opens_at"`
		ClosesAt       null.Time      `db:"closes_at"`
		Priority       string         `db:"priority"`
		TriggerActions pq.StringArray `db:"trigger_actions"`
		Config         null.JSON      `db:"config"`
		Status         string         `db:"status"`
		Active         bool           `db:"active"`
		CreatedBy      string         `db:"created_by"`
		ModifiedBy     string         `db:"modified_by"`
		CreatedAt      time.Time      `db:"created_at"`
		ModifiedAt     time.Time      `db:"modified_at"`
	}

	ruleRow struct {
		ID        int64  `db:"id"`
		SurveyID  int64  `db:"survey_id"`
		Audience  string `db:"audience"`
		FacultyID string `db:"faculty_id"`
		ProgramID string `db:"program_id"`
		CourseID  string `db:"course_id"`
		Filters   []byte `db:"filters"`
		Position  int    `db:"position"`
	}

	questionRow struct {
		ID       int64     `db:"id"`
		SurveyID int64     `db:"survey_id"`
		Position int       `db:"position"`
		Text     string    `db:"text"`
		Type     string    `db:"type"`
		Required bool      `db:"required"`
		Config   null.JSON `db:"config"`
	}

	optionRow struct {
		ID         int64  `db:"id"`
		QuestionID int64  `db:"question_id"`
		Text       string `db:"text"`
		Position   int    `db:"position"`
	}
)

type surveyRepository struct {
	db *sqlx.DB
}

var _ survey.Repository = (*surveyRepository)(nil) // interface compliance check

func NewSurveyRepository(db *sqlx.DB) survey.Repository {
	return &surveyRepository{db: db}
}

func (repo surveyRepository) toRow(srv survey.Survey) (surveyRow, error) {
	conf, err := mapJSON(srv.Config)
	if err != nil {
		return surveyRow{}, err
	}
	actions := pq.StringArray(srv.TriggerActions)
	if actions == nil {
		actions = pq.StringArray{}
	}
	return surveyRow{
		ID:             srv.ID,
		Title:          srv.Title,
		Description:    srv.Description,
		ClosingMessage: srv.ClosingMessage,
		OpensAt:        null.TimeFromPtr(srv.OpensAt),
		ClosesAt:       null.TimeFromPtr(srv.ClosesAt),
		Priority:       string(srv.Priority),
		TriggerActions: actions,
		Config:         conf,
		Status:         string(srv.Status),
		Active:         srv.Active,
		CreatedBy:      srv.CreatedBy,
		ModifiedBy:     srv.ModifiedBy,
		CreatedAt:      srv.CreatedAt.UTC(),
		ModifiedAt:     srv.ModifiedAt.UTC(),
	}, nil
}

func (repo surveyRepository) fromRow(r surveyRow) (survey.Survey, error) {
	conf, err := jsonMap(r.Config)
	if err != nil {
		return survey.Survey{}, err
	}
	srv := survey.Survey{
		ID:             r.ID,
		Title:          r.Title,
		Description:    r.Description,
		ClosingMessage: r.ClosingMessage,
		OpensAt:        r.OpensAt.Ptr(),
		ClosesAt:       r.ClosesAt.Ptr(),
		Priority:       survey.Priority(r.Priority),
		TriggerActions: []string(r.TriggerActions),
		Config:         conf,
		Status:         survey.Status(r.Status),
		Active:         r.Active,
		CreatedBy:      r.CreatedBy,
		ModifiedBy:     r.ModifiedBy,
		CreatedAt:      r.CreatedAt.UTC(),
		ModifiedAt:     r.ModifiedAt.UTC(),
	}
	if srv.OpensAt != nil {
		t := srv.OpensAt.UTC()
		srv.OpensAt = &t
	}
	if srv.ClosesAt != nil {
		t := srv.ClosesAt.UTC()
		srv.ClosesAt = &t
	}
	return srv, nil
}

func (repo surveyRepository) CreateSurvey(ctx context.Context, srv survey.Survey) (survey.Survey, error) {
	row, err := repo.toRow(srv)
	if err != nil {
		return survey.Survey{}, err
	}

	err = withTx(ctx, repo.db, func(tx *sqlx.Tx) error {
		stmt, args, err := sqlx.Named(`
			INSERT INTO `+oltp+`surveys (title, description, closing_message, opens_at, closes_at, priority,
				trigger_actions, config, status, active, created_by, modified_by, created_at, modified_at)
			VALUES (:title, :description, :closing_message, :opens_at, :closes_at, :priority,
				:trigger_actions, :config, :status, :active, :created_by, :modified_by, :created_at, :modified_at)
			RETURNING id`, row)
		if err != nil {
			return errors.Wrap(err, "binding survey")
		}
		if err = tx.QueryRowxContext(ctx, tx.Rebind(stmt), args...).Scan(&srv.ID); err != nil {
			return errors.Wrap(err, "inserting survey")
		}
		return repo.insertChildren(ctx, tx, srv)
	})
	if err != nil {
		return survey.Survey{}, err
	}
	return repo.GetSurvey(ctx, srv.ID)
}

// insertChildren writes the survey's rules, questions and options, in their given order.
func (repo surveyRepository) insertChildren(ctx context.Context, tx *sqlx.Tx, srv survey.Survey) error {
	if len(srv.Rules) > 0 {
		rules := make([]ruleRow, 0, len(srv.Rules))
		for i, r := range srv.Rules {
			filters := r.Filters
			if filters == nil {
				filters = []survey.Predicate{}
			}
			b, err := json.Marshal(filters)
			if err != nil {
				return errors.Wrap(err, "marshalling rule filters")
			}
			rules = append(rules, ruleRow{
				SurveyID:  srv.ID,
				Audience:  string(r.Audience),
				FacultyID: r.FacultyID,
				ProgramID: r.ProgramID,
				CourseID:  r.CourseID,
				Filters:   b,
				Position:  i,
			})
		}
		err := insertChunks(ctx, tx, `
			INSERT INTO `+oltp+`assignment_rules (survey_id, audience, faculty_id, program_id, course_id, filters, position)
			VALUES (:survey_id, :audience, :faculty_id, :program_id, :course_id, :filters, :position)`, rules)
		if err != nil {
			return errors.Wrap(err, "inserting rules")
		}
	}

	var options []optionRow
	for _, q := range srv.Questions {
		conf, err := mapJSON(q.Config)
		if err != nil {
			return err
		}
		var id int64
		err = tx.QueryRowxContext(ctx, `
			INSERT INTO `+oltp+`questions (survey_id, position, text, type, required, config)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			srv.ID, q.Order, q.Text, string(q.Type), q.Required, conf,
		).Scan(&id)
		if err != nil {
			return errors.Wrap(err, "inserting question")
		}
		for _, o := range q.Options {
			options = append(options, optionRow{QuestionID: id, Text: o.Text, Position: o.Order})
		}
	}
	if len(options) > 0 {
		err := insertChunks(ctx, tx, `
			INSERT INTO `+oltp+`options (question_id, text, position)
			VALUES (:question_id, :text, :position)`, options)
		if err != nil {
			return errors.Wrap(err, "inserting options")
		}
	}
	return nil
}

func (repo surveyRepository) GetSurvey(ctx context.Context, id int64) (survey.Survey, error) {
	var row surveyRow
	err := repo.db.GetContext(ctx, &row, "SELECT "+surveyColumns+" FROM "+oltp+"surveys WHERE id = $1", id)
	if err != nil {
		return survey.Survey{}, trapNoRowsErr(err, survey.ErrNotFound, "getting survey")
	}
	srv, err := repo.fromRow(row)
	if err != nil {
		return survey.Survey{}, err
	}

	var rules []ruleRow
	err = repo.db.SelectContext(ctx, &rules, `
		SELECT id, survey_id, audience, faculty_id, program_id, course_id, filters, position
		FROM `+oltp+`assignment_rules WHERE survey_id = $1 ORDER BY position, id`, id)
	if err != nil {
		return survey.Survey{}, errors.Wrap(err, "selecting rules")
	}
	srv.Rules = make([]survey.Rule, 0, len(rules))
	for _, r := range rules {
		rule := survey.Rule{
			ID:        r.ID,
			SurveyID:  r.SurveyID,
			Audience:  survey.Audience(r.Audience),
			FacultyID: r.FacultyID,
			ProgramID: r.ProgramID,
			CourseID:  r.CourseID,
		}
		if err = json.Unmarshal(r.Filters, &rule.Filters); err != nil {
			return survey.Survey{}, errors.Wrapf(err, "unmarshalling filters of rule %d", r.ID)
		}
		srv.Rules = append(srv.Rules, rule)
	}

	var questions []questionRow
	err = repo.db.SelectContext(ctx, &questions, `
		SELECT id, survey_id, position, text, type, required, config
		FROM `+oltp+`questions WHERE survey_id = $1 ORDER BY position, id`, id)
	if err != nil {
		return survey.Survey{}, errors.Wrap(err, "selecting questions")
	}
	var options []optionRow
	err = repo.db.SelectContext(ctx, &options, `
		SELECT o.id, o.question_id, o.text, o.position
		FROM `+oltp+`options o JOIN `+oltp+`questions q ON q.id = o.question_id
		WHERE q.survey_id = $1 ORDER BY o.position, o.id`, id)
	if err != nil {
		return survey.Survey{}, errors.Wrap(err, "selecting options")
	}
	byQuestion := make(map[int64][]survey.Option)
	for _, o := range options {
		byQuestion[o.QuestionID] = append(byQuestion[o.QuestionID], survey.Option{
			ID: o.ID, QuestionID: o.QuestionID, Text: o.Text, Order: o.Position,
		})
	}

	srv.Questions = make([]survey.Question, 0, len(questions))
	for _, q := range questions {
		conf, err := jsonMap(q.Config)
		if err != nil {
			return survey.Survey{}, err
		}
		srv.Questions = append(srv.Questions, survey.Question{
			ID:       q.ID,
			SurveyID: q.SurveyID,
			Order:    q.Position,
			Text:     q.Text,
			Type:     survey.QuestionType(q.Type),
			Required: q.Required,
			Config:   conf,
			Options:  byQuestion[q.ID],
		})
	}
	return srv, nil
}

func (repo surveyRepository) QuerySurveys(ctx context.Context, filter survey.QueryFilter, ordering []core.DBOrdering) ([]survey.Survey, error) {
	query := psql.Select(surveyColumns).From(oltp + "surveys")

	// surveys with a title matching the search keyword
	if filter.Search != "" {
		query = query.Where(sq.ILike{"title": "%" + escapeLike(filter.Search) + "%"})
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, s := range filter.Statuses {
			statuses = append(statuses, string(s))
		}
		query = query.Where(sq.Eq{"status": statuses})
	}

	if len(ordering) == 0 {
		ordering = []core.DBOrdering{{Field: "id"}}
	}
	for _, ord := range ordering {
		if survey.OrderingFields[ord.Field] {
			query = query.OrderBy(ord.String())
		}
	}

	stmt, args, err := query.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "building surveys query")
	}
	var rows []surveyRow
	if err = repo.db.SelectContext(ctx, &rows, stmt, args...); err != nil {
		return nil, errors.Wrap(err, "selecting surveys")
	}

	surveys := make([]survey.Survey, 0, len(rows))
	for _, r := range rows {
		srv, err := repo.fromRow(r)
		if err != nil {
			return nil, err
		}
		surveys = append(surveys, srv)
	}
	return surveys, nil
}

func (repo surveyRepository) ReplaceSurvey(ctx context.Context, srv survey.Survey) (survey.Survey, error) {
	row, err := repo.toRow(srv)
	if err != nil {
		return survey.Survey{}, err
	}

	err = withTx(ctx, repo.db, func(tx *sqlx.Tx) error {
		res, err := sqlx.NamedExecContext(ctx, tx, `
			UPDATE `+oltp+`surveys SET
				title = :title, description = :description, closing_message = :closing_message,
				opens_at = :opens_at, closes_at = :closes_at, priority = :priority,
				trigger_actions = :trigger_actions, config = :config, active = :active,
				modified_by = :modified_by, modified_at = :modified_at
			WHERE id = :id`, row)
		if err != nil {
			return errors.Wrap(err, "updating survey")
		}
		if err = checkAffected(res, survey.ErrNotFound, "updating survey"); err != nil {
			return err
		}

		// options go with their questions
		if _, err = tx.ExecContext(ctx, "DELETE FROM "+oltp+"assignment_rules WHERE survey_id = $1", srv.ID); err != nil {
			return errors.Wrap(err, "deleting rules")
		}
		if _, err = tx.ExecContext(ctx, "DELETE FROM "+oltp+"questions WHERE survey_id = $1", srv.ID); err != nil {
			return errors.Wrap(err, "deleting questions")
		}
		return repo.insertChildren(ctx, tx, srv)
	})
	if err != nil {
		return survey.Survey{}, err
	}
	return repo.GetSurvey(ctx, srv.ID)
}

func (repo surveyRepository) SetSurveyStatus(ctx context.Context, id int64, status survey.Status, modifiedBy string, at time.Time) error {
	res, err := repo.db.ExecContext(ctx, `
		UPDATE `+oltp+`surveys SET status = $2, modified_by = $3, modified_at = $4 WHERE id = $1`,
		id, string(status), modifiedBy, at.UTC())
	if err != nil {
		return errors.Wrap(err, "updating survey status")
	}
	return checkAffected(res, survey.ErrNotFound, "updating survey status")
}

func (repo surveyRepository) DeleteSurvey(ctx context.Context, id int64) error {
	res, err := repo.db.ExecContext(ctx, "DELETE FROM "+oltp+"surveys WHERE id = $1", id)
	if err != nil {
		return errors.Wrap(err, "deleting survey")
	}
	return checkAffected(res, survey.ErrNotFound, "deleting survey")
}

type rowsAffecter interface {
	RowsAffected() (int64, error)
}

func checkAffected(res rowsAffecter, notFound error, msg string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, msg)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike escapes the LIKE wildcards of a user-provided value.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

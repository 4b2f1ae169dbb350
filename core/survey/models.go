package survey

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/encuestas/backend/core"
)

type Status string

const (
	StatusDraft      Status = "draft"
	StatusInProgress Status = "in_progress"
	StatusFinished   Status = "finished"
)

type Priority string

const (
	PriorityMandatory            Priority = "mandatory"
	PriorityOptional             Priority = "optional"
	PriorityInstructorEvaluation Priority = "instructor_evaluation"
)

// Blocking reports whether a pending assignment of this priority blocks its recipient on a trigger action.
func (p Priority) Blocking() bool {
	return p == PriorityMandatory || p == PriorityInstructorEvaluation
}

type Audience string

const (
	AudienceStudents    Audience = "students"
	AudienceInstructors Audience = "instructors"
	AudienceBoth        Audience = "both"
)

func (a Audience) IncludesStudents() bool    { return a == AudienceStudents || a == AudienceBoth }
func (a Audience) IncludesInstructors() bool { return a == AudienceInstructors || a == AudienceBoth }

type QuestionType string

const (
	QuestionFreeText     QuestionType = "free_text"
	QuestionSingleChoice QuestionType = "single_choice"
	QuestionMultiChoice  QuestionType = "multi_choice"
	QuestionMatrix       QuestionType = "matrix"
	QuestionSection      QuestionType = "section"
)

// HasOptions is false for types whose options are ignored.
func (t QuestionType) HasOptions() bool {
	return t != QuestionFreeText && t != QuestionSection
}

// Trigger actions: where an integrating portal asks whether the recipient is blocked.
const (
	ActionOnLogin         = "on_login"
	ActionOnCourseView    = "on_course_view"
	ActionOnExamEnrolment = "on_exam_enrolment"
)

var TriggerActions = []string{ActionOnLogin, ActionOnCourseView, ActionOnExamEnrolment}

type Survey struct {
	ID             int64                  `json:"id"`
	Title          string                 `json:"title"`
	Description    string                 `json:"description"`
	ClosingMessage string                 `json:"closing_message"`
	OpensAt        *time.Time             `json:"opens_at"`
	ClosesAt       *time.Time             `json:"closes_at"`
	Priority       Priority               `json:"priority"`
	TriggerActions []string               `json:"trigger_actions"`
	Config         map[string]interface{} `json:"config"`
	Status         Status                 `json:"status"`
	Active         bool                   `json:"active"`
	CreatedBy      string                 `json:"created_by"`
	ModifiedBy     string                 `json:"modified_by"`
	CreatedAt      time.Time              `json:"created_at"` // UTC
	ModifiedAt     time.Time              `json:"modified_at"` // UTC
	Rules          []Rule                 `json:"rules"`
	Questions      []Question             `json:"questions"`
}

// Question returns the survey question with the given id.
func (s Survey) Question(id int64) (Question, bool) {
	for _, q := range s.Questions {
		if q.ID == id {
			return q, true
		}
	}
	return Question{}, false
}

// Rule targets the survey at an audience, optionally narrowed by filters.
type Rule struct {
	ID       int64    `json:"id"`
	SurveyID int64    `json:"survey_id"`
	Audience Audience `json:"audience"`

	// legacy scalar filters, kept for rules authored before generic filters existed
	FacultyID string `json:"faculty_id,omitempty"`
	ProgramID string `json:"program_id,omitempty"`
	CourseID  string `json:"course_id,omitempty"`

	Filters []Predicate `json:"filters"`
}

// Predicates returns the legacy scalar filters followed by the generic ones.
func (r Rule) Predicates() []Predicate {
	preds := make([]Predicate, 0, len(r.Filters)+3)
	if r.FacultyID != "" {
		preds = append(preds, Predicate{Field: FieldFaculty, Comparator: CompIs, Values: []string{r.FacultyID}})
	}
	if r.ProgramID != "" {
		preds = append(preds, Predicate{Field: FieldProgram, Comparator: CompIs, Values: []string{r.ProgramID}})
	}
	if r.CourseID != "" {
		preds = append(preds, Predicate{Field: FieldCourse, Comparator: CompIs, Values: []string{r.CourseID}})
	}
	return append(preds, r.Filters...)
}

// CheckAudience rejects audiences a survey of the given priority cannot target:
// instructor evaluations are answered by students only.
func (r Rule) CheckAudience(p Priority) error {
	if p == PriorityInstructorEvaluation && r.Audience != AudienceStudents {
		return core.NewValidationError(ErrEvaluationAudience, core.FieldError{Field: "audience", Error: ErrEvaluationAudience.Error()})
	}
	return nil
}

type Question struct {
	ID       int64                  `json:"id"`
	SurveyID int64                  `json:"survey_id"`
	Order    int                    `json:"order"`
	Text     string                 `json:"text"`
	Type     QuestionType           `json:"type"`
	Required bool                   `json:"required"`
	Config   map[string]interface{} `json:"config"`
	Options  []Option               `json:"options"`
}

type Option struct {
	ID         int64  `json:"id"`
	QuestionID int64  `json:"question_id"`
	Text       string `json:"text"`
	Order      int    `json:"order"`
}

// SurveyInput contains what may be provided to create a survey or to replace an existing one.
type SurveyInput struct {
	Title          string                 `json:"title" validate:"required,max=255"`
	Description    string                 `json:"description"`
	ClosingMessage string                 `json:"closing_message"`
	OpensAt        *time.Time             `json:"opens_at"`
	ClosesAt       *time.Time             `json:"closes_at"`
	Priority       Priority               `json:"priority" validate:"required,oneof=mandatory optional instructor_evaluation"`
	TriggerActions []string               `json:"trigger_actions" validate:"omitempty,dive,oneof=on_login on_course_view on_exam_enrolment"`
	Config         map[string]interface{} `json:"config"`
	Active         *bool                  `json:"active"`
	Rules          []RuleInput            `json:"rules" validate:"omitempty,dive"`
	Questions      []QuestionInput        `json:"questions" validate:"omitempty,dive"`
}

type RuleInput struct {
	Audience  Audience    `json:"audience" validate:"required,oneof=students instructors both"`
	FacultyID string      `json:"faculty_id"`
	ProgramID string      `json:"program_id"`
	CourseID  string      `json:"course_id"`
	Filters   []Predicate `json:"filters"`
}

type QuestionInput struct {
	Order    int                    `json:"order" validate:"gte=0"`
	Text     string                 `json:"text" validate:"required"`
	Type     QuestionType           `json:"type" validate:"required,oneof=free_text single_choice multi_choice matrix section"`
	Required bool                   `json:"required"`
	Config   map[string]interface{} `json:"config"`
	Options  []OptionInput          `json:"options" validate:"omitempty,dive"`
}

type OptionInput struct {
	Text  string `json:"text" validate:"required"`
	Order int    `json:"order" validate:"gte=0"`
}

func (si *SurveyInput) Validate(validate *validator.Validate) error {
	si.Title = core.CleanString(si.Title)
	for i := range si.TriggerActions {
		si.TriggerActions[i] = core.CleanString(si.TriggerActions[i], true /* lower */)
	}
	if err := validate.Struct(si); err != nil {
		return err
	}

	if si.OpensAt != nil && si.ClosesAt != nil && si.ClosesAt.Before(*si.OpensAt) {
		return core.NewValidationError(ErrClosesBeforeOpens, core.FieldError{Field: "closes_at", Error: ErrClosesBeforeOpens.Error()})
	}

	var fldErrs []core.FieldError
	for _, r := range si.Rules {
		for _, p := range r.Filters {
			if err := p.Validate(); err != nil {
				fldErrs = append(fldErrs, core.FieldError{Field: "filters", Error: err.Error()})
			}
		}
	}
	if len(fldErrs) > 0 {
		return core.NewValidationError(ErrInvalidFilters, fldErrs...)
	}
	return nil
}

// apply copies the input onto srv, replacing its rules and questions.
func (si SurveyInput) apply(srv *Survey) {
	srv.Title = si.Title
	srv.Description = si.Description
	srv.ClosingMessage = si.ClosingMessage
	srv.OpensAt = si.OpensAt
	srv.ClosesAt = si.ClosesAt
	srv.Priority = si.Priority
	srv.TriggerActions = si.TriggerActions
	srv.Config = si.Config
	if si.Active != nil {
		srv.Active = *si.Active
	}

	srv.Rules = make([]Rule, 0, len(si.Rules))
	for _, ri := range si.Rules {
		srv.Rules = append(srv.Rules, Rule{
			Audience:  ri.Audience,
			FacultyID: ri.FacultyID,
			ProgramID: ri.ProgramID,
			CourseID:  ri.CourseID,
			Filters:   ri.Filters,
		})
	}

	srv.Questions = make([]Question, 0, len(si.Questions))
	for _, qi := range si.Questions {
		q := Question{
			Order:    qi.Order,
			Text:     qi.Text,
			Type:     qi.Type,
			Required: qi.Required,
			Config:   qi.Config,
		}
		if qi.Type.HasOptions() {
			for _, oi := range qi.Options {
				q.Options = append(q.Options, Option{Text: oi.Text, Order: oi.Order})
			}
		}
		srv.Questions = append(srv.Questions, q)
	}
}

type QueryFilter struct {
	Search   string   `query:"search"`
	Statuses []Status `query:"status"`
}

func (qf *QueryFilter) Clean() {
	qf.Search = core.CleanString(qf.Search)
}

// OrderingFields are the columns surveys may be sorted by.
var OrderingFields = map[string]bool{
	"id": true, "title": true, "status": true, "priority": true, "created_at": true, "modified_at": true,
}

package response

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/encuestas/backend/core"
)

// Transaction is one anonymized, completed submission. It never references the recipient.
type Transaction struct {
	ID             int64                  `json:"id"`
	SurveyID       int64                  `json:"survey_id"`
	CompletedAt    time.Time              `json:"completed_at"` // UTC
	Metadata       map[string]interface{} `json:"metadata"`
	ProcessedByETL bool                   `json:"processed_by_etl"`
	Answers        []Answer               `json:"answers"`
}

type Answer struct {
	ID            int64   `json:"id"`
	TransactionID int64   `json:"transaction_id"`
	QuestionID    int64   `json:"question_id"`
	OptionID      *int64  `json:"option_id"`
	Text          *string `json:"text"`
	Order         int     `json:"order"`
}

// Draft is the saved, unsubmitted state of an assignment's answers.
type Draft struct {
	AssignmentID int64           `json:"assignment_id"`
	Answers      json.RawMessage `json:"answers"`
	UpdatedAt    time.Time       `json:"updated_at"` // UTC
}

type AnswerInput struct {
	QuestionID int64   `json:"question_id" validate:"required,gt=0"`
	OptionID   *int64  `json:"option_id" validate:"omitempty,gt=0"`
	Text       *string `json:"text"`
}

// Submission is what an integrating portal sends once a recipient completes a survey.
type Submission struct {
	RecipientID      string                 `json:"recipient_id" validate:"required"`
	SurveyID         int64                  `json:"survey_id" validate:"required,gt=0"`
	ContextReference string                 `json:"context_reference"`
	Metadata         map[string]interface{} `json:"metadata"`
	Answers          []AnswerInput          `json:"answers" validate:"required,min=1,dive"`
}

func (s *Submission) Clean() {
	s.RecipientID = core.CleanString(s.RecipientID)
	s.ContextReference = core.CleanString(s.ContextReference)
}

type DraftInput struct {
	Answers json.RawMessage `json:"answers" validate:"required"`
}

// Receipt acknowledges a submission.
type Receipt struct {
	TransactionID   int64  `json:"transaction_id,omitempty"`
	AssignmentID    *int64 `json:"assignment_id"`
	AlreadyReceived bool   `json:"already_received"`
}

// RejectedError lists the answered questions that do not belong to the target survey
// (or whose option does not belong to the question). Nothing is written when it is returned.
type RejectedError struct {
	SurveyID    int64
	QuestionIDs []int64
}

func (e *RejectedError) Error() string {
	ids := make([]string, 0, len(e.QuestionIDs))
	for _, id := range e.QuestionIDs {
		ids = append(ids, fmt.Sprint(id))
	}
	return fmt.Sprintf("questions %s do not belong to survey %d", strings.Join(ids, ", "), e.SurveyID)
}

type (
	Store interface {
		// Begin starts the unit of work of one submission.
		Begin(ctx context.Context) (Tx, error)
		GetDraft(ctx context.Context, assignmentID int64) (Draft, error)
		UpsertDraft(ctx context.Context, d Draft) (Draft, error)
	}

	Tx interface {
		core.Transactor

		// InsertTransaction stores the transaction and its answers and returns the transaction id.
		InsertTransaction(ctx context.Context, t Transaction) (int64, error)
		CompleteAssignment(ctx context.Context, assignmentID int64, at time.Time) error
		DeleteDraft(ctx context.Context, assignmentID int64) error
	}
)

package assignment

import (
	"context"
	"time"

	"github.com/encuestas/backend/core"
	"github.com/encuestas/backend/core/survey"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusDone      Status = "done"
	StatusCancelled Status = "cancelled"
)

// Assignment is the obligation for a recipient to answer a survey, optionally scoped to a context.
// (RecipientID, SurveyID, ContextReference) is unique; an empty ContextReference is stored as NULL
// and NULLs do not make rows distinct.
type Assignment struct {
	ID               int64                  `json:"id"`
	RecipientID      string                 `json:"recipient_id"`
	SurveyID         int64                  `json:"survey_id"`
	ContextReference string                 `json:"context_reference,omitempty"`
	Status           Status                 `json:"status"`
	AssignedAt       time.Time              `json:"assigned_at"` // UTC
	CompletedAt      *time.Time             `json:"completed_at"`
	Metadata         map[string]interface{} `json:"metadata"`
}

// Key is the uniqueness key of an assignment.
type Key struct {
	RecipientID      string
	SurveyID         int64
	ContextReference string
}

func (a Assignment) Key() Key {
	return Key{RecipientID: a.RecipientID, SurveyID: a.SurveyID, ContextReference: a.ContextReference}
}

// Blocking is a pending assignment that blocks its recipient on a trigger action.
type Blocking struct {
	AssignmentID     int64           `json:"assignment_id"`
	SurveyID         int64           `json:"survey_id"`
	SurveyTitle      string          `json:"survey_title"`
	Priority         survey.Priority `json:"priority"`
	ContextReference string          `json:"context_reference,omitempty"`
}

type NewAssignment struct {
	RecipientID      string                 `json:"recipient_id" validate:"required"`
	SurveyID         int64                  `json:"survey_id" validate:"required,gt=0"`
	ContextReference string                 `json:"context_reference"`
	Metadata         map[string]interface{} `json:"metadata"`
}

type (
	Store interface {
		// Begin starts the unit of work of one materialization batch.
		Begin(ctx context.Context) (Tx, error)
		GetAssignment(ctx context.Context, id int64) (Assignment, error)
		// FindAssignment looks an assignment up by its uniqueness key.
		FindAssignment(ctx context.Context, key Key) (Assignment, error)
		PendingAssignments(ctx context.Context, recipientID string) ([]Assignment, error)
		// BlockingAssignments returns the recipient's pending assignments on active, in-progress surveys
		// that list action among their triggers and have a blocking priority.
		BlockingAssignments(ctx context.Context, recipientID, action string) ([]Blocking, error)
	}

	Tx interface {
		core.Transactor

		// ExistingPairs returns the (recipient, context) pairs already assigned for the survey
		// among the given context references.
		ExistingPairs(ctx context.Context, surveyID int64, refs []string) (map[Key]bool, error)
		// ExistingRecipients returns which of the given recipients already hold an assignment of the survey,
		// ignoring instructor contexts: an instructor id may collide with a student id.
		ExistingRecipients(ctx context.Context, surveyID int64, recipientIDs []string) (map[string]bool, error)
		InsertAssignments(ctx context.Context, batch []Assignment) error
	}
)

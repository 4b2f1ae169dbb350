package assignment

import (
	"context"

	"github.com/pkg/errors"

	"github.com/encuestas/backend/core"
	"github.com/encuestas/backend/core/survey"
)

var (
	// errors
	ErrNotFound      = errors.New("assignment not found")
	ErrNotPending    = errors.New("assignment is no longer pending")
	ErrUnknownAction = errors.New("unknown trigger action")
)

type SurveyGetter interface {
	GetSurvey(ctx context.Context, id int64) (survey.Survey, error)
}

// Service covers the assignment operations exposed to integrating portals.
type Service struct {
	store   Store
	surveys SurveyGetter
}

func NewService(store Store, surveys SurveyGetter) *Service {
	return &Service{store: store, surveys: surveys}
}

func (svc *Service) Get(ctx context.Context, id int64) (Assignment, error) {
	return svc.store.GetAssignment(ctx, id)
}

func (svc *Service) Pending(ctx context.Context, recipientID string) ([]Assignment, error) {
	return svc.store.PendingAssignments(ctx, core.CleanString(recipientID))
}

// Assign creates a single assignment outside of a publication. If the recipient already holds one for
// the same survey and context, that one is returned with created = false.
func (svc *Service) Assign(ctx context.Context, na NewAssignment) (a Assignment, created bool, err error) {
	na.RecipientID = core.CleanString(na.RecipientID)
	na.ContextReference = core.CleanString(na.ContextReference)

	if _, err = svc.surveys.GetSurvey(ctx, na.SurveyID); err != nil {
		return Assignment{}, false, err
	}

	key := Key{RecipientID: na.RecipientID, SurveyID: na.SurveyID, ContextReference: na.ContextReference}
	if a, err = svc.store.FindAssignment(ctx, key); err == nil {
		return a, false, nil
	} else if errors.Cause(err) != ErrNotFound {
		return Assignment{}, false, errors.Wrap(err, "finding assignment")
	}

	a = Assignment{
		RecipientID:      na.RecipientID,
		SurveyID:         na.SurveyID,
		ContextReference: na.ContextReference,
		Status:           StatusPending,
		AssignedAt:       nowFunc().UTC(),
		Metadata:         na.Metadata,
	}
	if err = svc.insert(ctx, a); err != nil {
		// lost a race against another caller: the row is there now
		if existing, fErr := svc.store.FindAssignment(ctx, key); fErr == nil {
			return existing, false, nil
		}
		return Assignment{}, false, err
	}
	assignmentsTotal.WithLabelValues(kindAdHoc, "created").Inc()

	a, err = svc.store.FindAssignment(ctx, key)
	return a, true, errors.Wrap(err, "reading created assignment")
}

func (svc *Service) insert(ctx context.Context, a Assignment) error {
	tx, err := svc.store.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if err = tx.InsertAssignments(ctx, []Assignment{a}); err != nil {
		return errors.Wrap(err, "inserting assignment")
	}
	return errors.Wrap(tx.Commit(), "committing assignment")
}

// Blocking returns the assignments that must be answered before the recipient may perform action.
func (svc *Service) Blocking(ctx context.Context, recipientID, action string) ([]Blocking, error) {
	action = core.CleanString(action, true /* lower */)
	var known bool
	for _, a := range survey.TriggerActions {
		if a == action {
			known = true
			break
		}
	}
	if !known {
		return nil, core.NewValidationError(ErrUnknownAction, core.FieldError{Field: "action", Error: ErrUnknownAction.Error()})
	}
	return svc.store.BlockingAssignments(ctx, core.CleanString(recipientID), action)
}

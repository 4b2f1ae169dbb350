package survey

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/encuestas/backend/core"
)

var (
	// errors
	ErrNotFound           = errors.New("survey not found")
	ErrNotDraft           = errors.New("only draft surveys can be published or deleted")
	ErrNoRules            = errors.New("a survey needs at least one assignment rule to be published")
	ErrAlreadyFinished    = errors.New("survey is already finished")
	ErrEvaluationAudience = errors.New("instructor evaluation surveys can only target students")
	ErrClosesBeforeOpens  = errors.New("closing date must be after opening date")
	ErrInvalidFilters     = errors.New("invalid rule filters")
	ErrPublishInProgress  = errors.New("survey is already being published")
)

type (
	Repository interface {
		// CreateSurvey stores the survey with its rules, questions and options.
		CreateSurvey(ctx context.Context, srv Survey) (Survey, error)
		// GetSurvey returns the survey with its rules, questions and options, ordered.
		GetSurvey(ctx context.Context, id int64) (Survey, error)
		// QuerySurveys returns surveys without children.
		QuerySurveys(ctx context.Context, filter QueryFilter, ordering []core.DBOrdering) ([]Survey, error)
		// ReplaceSurvey updates the survey header and replaces all its rules and questions.
		ReplaceSurvey(ctx context.Context, srv Survey) (Survey, error)
		SetSurveyStatus(ctx context.Context, id int64, status Status, modifiedBy string, at time.Time) error
		// DeleteSurvey removes the survey and cascades to its rules, questions and options.
		DeleteSurvey(ctx context.Context, id int64) error
	}

	// Materializer turns the survey's rules into assignment rows.
	Materializer interface {
		Materialize(ctx context.Context, srv Survey) (Materialized, error)
	}

	Materialized struct {
		Created int `json:"created"`
		Skipped int `json:"skipped"`
	}

	PublishResult struct {
		Survey      Survey       `json:"survey"`
		Assignments Materialized `json:"assignments"`
	}

	Service struct {
		repo         Repository
		materializer Materializer
		locker       core.Locker
		lockTTL      time.Duration
		logger       core.Logger
	}
)

var nowFunc = time.Now // mockable

func NewService(repo Repository, materializer Materializer, locker core.Locker, conf *core.Config, logger core.Logger) *Service {
	return &Service{
		repo:         repo,
		materializer: materializer,
		locker:       locker,
		lockTTL:      conf.Publish.LockTTL,
		logger:       logger,
	}
}

func (svc *Service) Create(ctx context.Context, in SurveyInput, actor string) (Survey, error) {
	now := nowFunc().UTC()
	srv := Survey{
		Status:     StatusDraft,
		Active:     true,
		CreatedBy:  actor,
		ModifiedBy: actor,
		CreatedAt:  now,
		ModifiedAt: now,
	}
	in.apply(&srv)
	return svc.repo.CreateSurvey(ctx, srv)
}

func (svc *Service) Get(ctx context.Context, id int64) (Survey, error) {
	return svc.repo.GetSurvey(ctx, id)
}

func (svc *Service) Query(ctx context.Context, filter QueryFilter, ordering []core.DBOrdering) ([]Survey, error) {
	filter.Clean()
	valid := make([]core.DBOrdering, 0, len(ordering))
	for _, ord := range ordering {
		if OrderingFields[ord.Field] {
			valid = append(valid, ord)
		}
	}
	return svc.repo.QuerySurveys(ctx, filter, valid)
}

// Update replaces the survey definition: header fields are overwritten, and rules and questions are
// deleted and recreated from the input, never diffed.
func (svc *Service) Update(ctx context.Context, id int64, in SurveyInput, actor string) (Survey, error) {
	srv, err := svc.repo.GetSurvey(ctx, id)
	if err != nil {
		return Survey{}, err
	}
	in.apply(&srv)
	srv.ModifiedBy = actor
	srv.ModifiedAt = nowFunc().UTC()
	return svc.repo.ReplaceSurvey(ctx, srv)
}

// Publish materializes the survey's assignments and moves it to in_progress.
// Assignment batches commit on their own: if materialization fails the survey stays in draft,
// keeping whatever batches were already written, and publishing again skips them.
func (svc *Service) Publish(ctx context.Context, id int64, actor string) (PublishResult, error) {
	lock, err := svc.locker.Acquire(ctx, fmt.Sprintf("publish:survey:%d", id), svc.lockTTL)
	if err != nil {
		if errors.Cause(err) == core.ErrLockHeld {
			return PublishResult{}, core.NewValidationError(ErrPublishInProgress)
		}
		return PublishResult{}, errors.Wrap(err, "acquiring publish lock")
	}
	defer func() {
		if rErr := lock.Release(context.Background()); rErr != nil {
			svc.logger.Warn("releasing publish lock", rErr)
		}
	}()

	srv, err := svc.repo.GetSurvey(ctx, id)
	if err != nil {
		return PublishResult{}, err
	}
	if srv.Status != StatusDraft {
		return PublishResult{}, core.NewValidationError(ErrNotDraft, core.FieldError{Field: "status", Error: ErrNotDraft.Error()})
	}
	if len(srv.Rules) == 0 {
		return PublishResult{}, core.NewValidationError(ErrNoRules, core.FieldError{Field: "rules", Error: ErrNoRules.Error()})
	}

	res, err := svc.materializer.Materialize(ctx, srv)
	if err != nil {
		if _, ok := errors.Cause(err).(*core.ValidationError); ok {
			return PublishResult{}, err
		}
		svc.logger.Error(fmt.Sprintf("publishing survey %d", id), err, map[string]interface{}{"created": res.Created})
		return PublishResult{}, errors.Wrap(err, "materializing assignments")
	}

	now := nowFunc().UTC()
	if err = svc.repo.SetSurveyStatus(ctx, id, StatusInProgress, actor, now); err != nil {
		return PublishResult{}, errors.Wrap(err, "setting survey status")
	}
	srv.Status = StatusInProgress
	srv.ModifiedBy = actor
	srv.ModifiedAt = now

	svc.logger.Info(fmt.Sprintf("survey %d published", id), map[string]interface{}{"created": res.Created, "skipped": res.Skipped})
	return PublishResult{Survey: srv, Assignments: res}, nil
}

// ForcePublish moves a draft survey to in_progress without materializing assignments.
// Operators use it to recover surveys whose assignments were loaded by other means.
func (svc *Service) ForcePublish(ctx context.Context, id int64, actor string) (Survey, error) {
	srv, err := svc.repo.GetSurvey(ctx, id)
	if err != nil {
		return Survey{}, err
	}
	switch srv.Status {
	case StatusInProgress:
		return srv, nil
	case StatusFinished:
		return Survey{}, core.NewValidationError(ErrAlreadyFinished, core.FieldError{Field: "status", Error: ErrAlreadyFinished.Error()})
	}
	now := nowFunc().UTC()
	if err = svc.repo.SetSurveyStatus(ctx, id, StatusInProgress, actor, now); err != nil {
		return Survey{}, errors.Wrap(err, "setting survey status")
	}
	srv.Status = StatusInProgress
	srv.ModifiedBy = actor
	srv.ModifiedAt = now
	return srv, nil
}

func (svc *Service) Finish(ctx context.Context, id int64, actor string) (Survey, error) {
	srv, err := svc.repo.GetSurvey(ctx, id)
	if err != nil {
		return Survey{}, err
	}
	if srv.Status == StatusFinished {
		return Survey{}, core.NewValidationError(ErrAlreadyFinished, core.FieldError{Field: "status", Error: ErrAlreadyFinished.Error()})
	}
	now := nowFunc().UTC()
	if err = svc.repo.SetSurveyStatus(ctx, id, StatusFinished, actor, now); err != nil {
		return Survey{}, errors.Wrap(err, "setting survey status")
	}
	srv.Status = StatusFinished
	srv.ModifiedBy = actor
	srv.ModifiedAt = now
	return srv, nil
}

// Duplicate deep-copies the survey definition into a new draft owned by actor.
// Assignments and transactions are never copied.
func (svc *Service) Duplicate(ctx context.Context, id int64, actor string) (Survey, error) {
	src, err := svc.repo.GetSurvey(ctx, id)
	if err != nil {
		return Survey{}, err
	}
	now := nowFunc().UTC()
	dup := Survey{
		Title:          src.Title + " (copy)",
		Description:    src.Description,
		ClosingMessage: src.ClosingMessage,
		OpensAt:        copyTime(src.OpensAt),
		ClosesAt:       copyTime(src.ClosesAt),
		Priority:       src.Priority,
		TriggerActions: append([]string(nil), src.TriggerActions...),
		Config:         copyMap(src.Config),
		Status:         StatusDraft,
		Active:         src.Active,
		CreatedBy:      actor,
		ModifiedBy:     actor,
		CreatedAt:      now,
		ModifiedAt:     now,
	}
	for _, r := range src.Rules {
		cp := Rule{Audience: r.Audience, FacultyID: r.FacultyID, ProgramID: r.ProgramID, CourseID: r.CourseID}
		for _, p := range r.Filters {
			cp.Filters = append(cp.Filters, Predicate{
				Field:      p.Field,
				Comparator: p.Comparator,
				Values:     append([]string(nil), p.Values...),
			})
		}
		dup.Rules = append(dup.Rules, cp)
	}
	for _, q := range src.Questions {
		cp := Question{Order: q.Order, Text: q.Text, Type: q.Type, Required: q.Required, Config: copyMap(q.Config)}
		for _, o := range q.Options {
			cp.Options = append(cp.Options, Option{Text: o.Text, Order: o.Order})
		}
		dup.Questions = append(dup.Questions, cp)
	}
	return svc.repo.CreateSurvey(ctx, dup)
}

// Delete removes a draft survey. Surveys with any history cannot be removed.
func (svc *Service) Delete(ctx context.Context, id int64) error {
	srv, err := svc.repo.GetSurvey(ctx, id)
	if err != nil {
		return err
	}
	if srv.Status != StatusDraft {
		return core.NewValidationError(ErrNotDraft, core.FieldError{Field: "status", Error: ErrNotDraft.Error()})
	}
	return svc.repo.DeleteSurvey(ctx, id)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// copyMap deep-copies a decoded JSON object.
func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	cp := make(map[string]interface{}, len(m))
	for k, v := range m {
		cp[k] = copyValue(v)
	}
	return cp
}

func copyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return copyMap(val)
	case []interface{}:
		cp := make([]interface{}, len(val))
		for i, item := range val {
			cp[i] = copyValue(item)
		}
		return cp
	default:
		return val
	}
}

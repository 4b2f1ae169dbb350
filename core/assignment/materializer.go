package assignment

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/encuestas/backend/core"
	"github.com/encuestas/backend/core/population"
	"github.com/encuestas/backend/core/survey"
)

type Config struct {
	// BatchSizeJIT bounds the instructor-evaluation batches.
	BatchSizeJIT int
	// BatchSizePub bounds the general student batches.
	BatchSizePub int
}

func NewConfig(conf *core.Config) Config {
	return Config{BatchSizeJIT: conf.Publish.BatchSizeJIT, BatchSizePub: conf.Publish.BatchSizePub}
}

// Materializer writes the assignments of a survey being published.
// Every batch is checked against existing rows and committed on its own, so re-running a
// publication only inserts what is missing. Unique-constraint collisions (two concurrent
// publications) are not retried.
type Materializer struct {
	store    Store
	resolver population.Resolver
	conf     Config
	logger   core.Logger
}

var _ survey.Materializer = (*Materializer)(nil) // interface compliance check

var nowFunc = time.Now // mockable

func NewMaterializer(store Store, resolver population.Resolver, conf Config, logger core.Logger) *Materializer {
	if conf.BatchSizeJIT <= 0 {
		conf.BatchSizeJIT = 1000
	}
	if conf.BatchSizePub <= 0 {
		conf.BatchSizePub = 500
	}
	return &Materializer{store: store, resolver: resolver, conf: conf, logger: logger}
}

func (m *Materializer) Materialize(ctx context.Context, srv survey.Survey) (res survey.Materialized, err error) {
	ctx, span := otel.Tracer("encuestas/assignment").Start(ctx, "assignment.Materialize",
		trace.WithAttributes(attribute.Int64("survey.id", srv.ID), attribute.String("survey.priority", string(srv.Priority))))
	defer func() {
		span.SetAttributes(attribute.Int("assignments.created", res.Created), attribute.Int("assignments.skipped", res.Skipped))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	for _, r := range srv.Rules {
		if err = r.CheckAudience(srv.Priority); err != nil {
			return res, err
		}
	}

	if srv.Priority == survey.PriorityInstructorEvaluation {
		// enrolments are not filtered: every evaluable (student, section, instructor) gets one
		err = m.evaluations(ctx, srv, &res)
		return res, err
	}

	usedIDs := make(map[string]bool)
	for _, r := range srv.Rules {
		if r.Audience.IncludesStudents() {
			if err = m.students(ctx, srv, r, usedIDs, &res); err != nil {
				return res, err
			}
		}
		if r.Audience.IncludesInstructors() {
			if err = m.instructors(ctx, srv, &res); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}

func (m *Materializer) evaluations(ctx context.Context, srv survey.Survey, res *survey.Materialized) error {
	now := nowFunc().UTC()
	batch := make([]Assignment, 0, m.conf.BatchSizeJIT)

	err := m.resolver.EvaluationContexts(ctx, func(c population.EvaluationContext) error {
		batch = append(batch, Assignment{
			RecipientID:      c.StudentID,
			SurveyID:         srv.ID,
			ContextReference: c.Reference(),
			Status:           StatusPending,
			AssignedAt:       now,
			Metadata:         c.Metadata(),
		})
		if len(batch) < m.conf.BatchSizeJIT {
			return nil
		}
		err := m.commitByContext(ctx, kindEvaluation, srv.ID, batch, res)
		batch = make([]Assignment, 0, m.conf.BatchSizeJIT)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "materializing instructor evaluation assignments")
	}
	return errors.Wrap(m.commitByContext(ctx, kindEvaluation, srv.ID, batch, res), "materializing instructor evaluation assignments")
}

func (m *Materializer) students(ctx context.Context, srv survey.Survey, rule survey.Rule, usedIDs map[string]bool, res *survey.Materialized) error {
	now := nowFunc().UTC()
	batch := make([]Assignment, 0, m.conf.BatchSizePub)

	err := m.resolver.Students(ctx, rule.Predicates(), func(s population.Student) error {
		if usedIDs[s.ID] {
			return nil
		}
		usedIDs[s.ID] = true

		batch = append(batch, Assignment{
			RecipientID:      s.ID,
			SurveyID:         srv.ID,
			ContextReference: s.Reference(),
			Status:           StatusPending,
			AssignedAt:       now,
			Metadata:         s.Metadata(),
		})
		if len(batch) < m.conf.BatchSizePub {
			return nil
		}
		err := m.commitByRecipient(ctx, srv.ID, batch, res)
		batch = make([]Assignment, 0, m.conf.BatchSizePub)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "materializing student assignments")
	}
	return errors.Wrap(m.commitByRecipient(ctx, srv.ID, batch, res), "materializing student assignments")
}

// instructors materializes the whole (small) roster as a single batch. Instructor ids may collide
// with student ids, so the check runs on the GEN-INS context and not on the recipient alone.
func (m *Materializer) instructors(ctx context.Context, srv survey.Survey, res *survey.Materialized) error {
	now := nowFunc().UTC()
	var batch []Assignment
	err := m.resolver.Instructors(ctx, func(i population.Instructor) error {
		batch = append(batch, Assignment{
			RecipientID:      i.ID,
			SurveyID:         srv.ID,
			ContextReference: i.Reference(),
			Status:           StatusPending,
			AssignedAt:       now,
			Metadata:         i.Metadata(),
		})
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "resolving instructors")
	}
	return errors.Wrap(m.commitByContext(ctx, kindInstructors, srv.ID, batch, res), "materializing instructor assignments")
}

// commitByContext inserts the batch rows whose (recipient, context) pair is not assigned yet.
// The existence query is keyed on the batch's context references.
func (m *Materializer) commitByContext(ctx context.Context, kind string, surveyID int64, batch []Assignment, res *survey.Materialized) error {
	if len(batch) == 0 {
		return nil
	}
	return m.commit(ctx, kind, batch, res, func(tx Tx) (func(Assignment) bool, error) {
		refs := make([]string, 0, len(batch))
		seenRefs := make(map[string]bool, len(batch))
		for _, a := range batch {
			if !seenRefs[a.ContextReference] {
				seenRefs[a.ContextReference] = true
				refs = append(refs, a.ContextReference)
			}
		}
		existing, err := tx.ExistingPairs(ctx, surveyID, refs)
		if err != nil {
			return nil, errors.Wrap(err, "checking existing assignments")
		}
		seen := make(map[Key]bool, len(batch))
		return func(a Assignment) bool {
			k := a.Key()
			if existing[k] || seen[k] {
				return false
			}
			seen[k] = true
			return true
		}, nil
	})
}

// commitByRecipient inserts the batch rows whose recipient holds no assignment of the survey yet.
func (m *Materializer) commitByRecipient(ctx context.Context, surveyID int64, batch []Assignment, res *survey.Materialized) error {
	if len(batch) == 0 {
		return nil
	}
	return m.commit(ctx, kindStudents, batch, res, func(tx Tx) (func(Assignment) bool, error) {
		ids := make([]string, 0, len(batch))
		for _, a := range batch {
			ids = append(ids, a.RecipientID)
		}
		existing, err := tx.ExistingRecipients(ctx, surveyID, ids)
		if err != nil {
			return nil, errors.Wrap(err, "checking existing assignments")
		}
		return func(a Assignment) bool { return !existing[a.RecipientID] }, nil
	})
}

func (m *Materializer) commit(
	ctx context.Context,
	kind string,
	batch []Assignment,
	res *survey.Materialized,
	newFilter func(Tx) (func(Assignment) bool, error),
) error {
	timer := prometheus.NewTimer(batchDuration.WithLabelValues(kind))
	defer timer.ObserveDuration()

	tx, err := m.store.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "beginning assignment batch")
	}
	defer func() { _ = tx.Rollback() }()

	keep, err := newFilter(tx)
	if err != nil {
		return err
	}
	fresh := make([]Assignment, 0, len(batch))
	for _, a := range batch {
		if keep(a) {
			fresh = append(fresh, a)
		}
	}

	if len(fresh) > 0 {
		if err = tx.InsertAssignments(ctx, fresh); err != nil {
			return errors.Wrap(err, "inserting assignments batch")
		}
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "committing assignments batch")
	}

	skipped := len(batch) - len(fresh)
	res.Created += len(fresh)
	res.Skipped += skipped
	assignmentsTotal.WithLabelValues(kind, "created").Add(float64(len(fresh)))
	assignmentsTotal.WithLabelValues(kind, "skipped").Add(float64(skipped))
	batchesTotal.WithLabelValues(kind).Inc()

	m.logger.Debug(fmt.Sprintf("%s batch committed", kind), map[string]interface{}{
		"survey_id": batch[0].SurveyID, "created": len(fresh), "skipped": skipped,
	})
	return nil
}

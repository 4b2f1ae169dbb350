package survey_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/encuestas/backend/core"
	"github.com/encuestas/backend/core/assignment"
	"github.com/encuestas/backend/core/survey"
	"github.com/encuestas/backend/services/lock"
	dummydb "github.com/encuestas/backend/storage/database/dummy"
	testutil "github.com/encuestas/backend/tests"
)

type fixture struct {
	db     *dummydb.DB
	repo   survey.Repository
	store  assignment.Store
	roster *dummydb.Roster
	locker *lock.LocalLocker
	svc    *survey.Service
}

func newFixture(t *testing.T) fixture {
	db, err := dummydb.Open()
	if err != nil {
		t.Fatalf("dummydb.Open() failed: %v", err)
	}
	conf := testutil.Config()
	f := fixture{
		db:     db,
		repo:   dummydb.NewSurveyRepository(db),
		store:  dummydb.NewAssignmentStore(db),
		roster: testutil.Roster(),
		locker: lock.NewLocal(),
	}
	materializer := assignment.NewMaterializer(f.store, f.roster, assignment.NewConfig(conf), core.NopLogger{})
	f.svc = survey.NewService(f.repo, materializer, f.locker, conf, core.NopLogger{})
	return f
}

func campusRule(campus string) survey.Rule {
	return survey.Rule{
		Audience: survey.AudienceStudents,
		Filters:  []survey.Predicate{{Field: survey.FieldCampus, Comparator: survey.CompIs, Values: []string{campus}}},
	}
}

func (f fixture) assignments(t *testing.T, recipientIDs ...string) []assignment.Assignment {
	var all []assignment.Assignment
	for _, id := range recipientIDs {
		pending, err := f.store.PendingAssignments(context.Background(), id)
		if err != nil {
			t.Fatalf("PendingAssignments() failed: %v", err)
		}
		all = append(all, pending...)
	}
	return all
}

func TestService_Publish(t *testing.T) {
	ctx := context.Background()

	t.Run("preconditions", func(t *testing.T) {
		f := newFixture(t)
		noRules := testutil.CreateSurvey(t, f.repo, "No rules", survey.PriorityMandatory, survey.StatusDraft, nil)
		published := testutil.CreateSurvey(t, f.repo, "Published", survey.PriorityMandatory, survey.StatusInProgress, []survey.Rule{campusRule("Main")})
		finished := testutil.CreateSurvey(t, f.repo, "Finished", survey.PriorityMandatory, survey.StatusFinished, []survey.Rule{campusRule("Main")})
		evalBoth := testutil.CreateSurvey(t, f.repo, "Eval", survey.PriorityInstructorEvaluation, survey.StatusDraft, []survey.Rule{{Audience: survey.AudienceBoth}})
		evalInstructors := testutil.CreateSurvey(t, f.repo, "Eval", survey.PriorityInstructorEvaluation, survey.StatusDraft, []survey.Rule{{Audience: survey.AudienceInstructors}})

		tests := []struct {
			name    string
			id      int64
			wantErr error
		}{
			{"unknown survey", 9999, survey.ErrNotFound},
			{"no rules", noRules.ID, survey.ErrNoRules},
			{"in progress", published.ID, survey.ErrNotDraft},
			{"finished", finished.ID, survey.ErrNotDraft},
			{"evaluation for both", evalBoth.ID, survey.ErrEvaluationAudience},
			{"evaluation for instructors", evalInstructors.ID, survey.ErrEvaluationAudience},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := f.svc.Publish(ctx, tt.id, "admin")
				if core.ValidationCause(err) != tt.wantErr {
					t.Errorf("Publish() error = %v, wantErr %v", err, tt.wantErr)
				}
			})
		}
		assert.Equal(t, 0, f.db.Counts().Assignments)

		srv, _ := f.repo.GetSurvey(ctx, evalBoth.ID)
		assert.Equal(t, survey.StatusDraft, srv.Status)
	})

	t.Run("students of a campus", func(t *testing.T) {
		f := newFixture(t)
		srv := testutil.CreateSurvey(t, f.repo, "Campus survey", survey.PriorityMandatory, survey.StatusDraft, []survey.Rule{campusRule("Main")})

		res, err := f.svc.Publish(ctx, srv.ID, "publisher")
		if err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
		assert.Equal(t, survey.Materialized{Created: 2}, res.Assignments)
		assert.Equal(t, survey.StatusInProgress, res.Survey.Status)
		assert.Equal(t, "publisher", res.Survey.ModifiedBy)

		stored, _ := f.repo.GetSurvey(ctx, srv.ID)
		assert.Equal(t, survey.StatusInProgress, stored.Status)

		var refs []string
		for _, a := range f.assignments(t, "S1", "S2", "S3") {
			refs = append(refs, a.ContextReference)
		}
		assert.ElementsMatch(t, []string{"GEN-STU-S1", "GEN-STU-S2"}, refs)
	})

	t.Run("instructor evaluation is idempotent", func(t *testing.T) {
		f := newFixture(t)
		srv := testutil.CreateSurvey(t, f.repo, "Evaluation", survey.PriorityInstructorEvaluation, survey.StatusDraft,
			[]survey.Rule{{Audience: survey.AudienceStudents}})

		res, err := f.svc.Publish(ctx, srv.ID, "admin")
		if err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
		assert.Equal(t, 3, res.Assignments.Created)

		// back to draft, then publish again: nothing new
		if err = f.repo.SetSurveyStatus(ctx, srv.ID, survey.StatusDraft, "admin", time.Now()); err != nil {
			t.Fatal(err)
		}
		res, err = f.svc.Publish(ctx, srv.ID, "admin")
		if err != nil {
			t.Fatalf("Publish() again error = %v", err)
		}
		assert.Equal(t, survey.Materialized{Created: 0, Skipped: 3}, res.Assignments)
		assert.Equal(t, 3, f.db.Counts().Assignments)

		var refs []string
		for _, a := range f.assignments(t, "S1", "S3") {
			refs = append(refs, a.ContextReference)
		}
		assert.ElementsMatch(t, []string{"MAT101-A-I1", "FIS100-B-S3", "MAT101-A-I1"}, refs)
	})

	t.Run("failure keeps draft and committed batches", func(t *testing.T) {
		f := newFixture(t)
		srv := testutil.CreateSurvey(t, f.repo, "Everyone", survey.PriorityOptional, survey.StatusDraft,
			[]survey.Rule{{Audience: survey.AudienceBoth}})
		f.db.FailOn("ExistingPairs", errors.New("connection reset"))

		if _, err := f.svc.Publish(ctx, srv.ID, "admin"); err == nil {
			t.Fatal("Publish() error = nil, want error")
		}
		stored, _ := f.repo.GetSurvey(ctx, srv.ID)
		assert.Equal(t, survey.StatusDraft, stored.Status)
		// the student batches (size 2) committed before the instructors failed
		assert.Equal(t, 3, f.db.Counts().Assignments)

		f.db.FailOn("ExistingPairs", nil)
		res, err := f.svc.Publish(ctx, srv.ID, "admin")
		if err != nil {
			t.Fatalf("Publish() retry error = %v", err)
		}
		assert.Equal(t, survey.Materialized{Created: 2, Skipped: 3}, res.Assignments)
	})

	t.Run("concurrent publish", func(t *testing.T) {
		f := newFixture(t)
		srv := testutil.CreateSurvey(t, f.repo, "Locked", survey.PriorityMandatory, survey.StatusDraft, []survey.Rule{campusRule("Main")})

		held, err := f.locker.Acquire(ctx, "publish:survey:"+itoa(srv.ID), time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if _, err = f.svc.Publish(ctx, srv.ID, "admin"); core.ValidationCause(err) != survey.ErrPublishInProgress {
			t.Errorf("Publish() error = %v, wantErr %v", err, survey.ErrPublishInProgress)
		}
		_ = held.Release(ctx)
	})
}

func TestService_ForcePublish(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	draft := testutil.CreateSurvey(t, f.repo, "Draft", survey.PriorityMandatory, survey.StatusDraft, nil)
	finished := testutil.CreateSurvey(t, f.repo, "Finished", survey.PriorityMandatory, survey.StatusFinished, nil)

	srv, err := f.svc.ForcePublish(ctx, draft.ID, "ops")
	if err != nil {
		t.Fatalf("ForcePublish() error = %v", err)
	}
	assert.Equal(t, survey.StatusInProgress, srv.Status)
	assert.Equal(t, 0, f.db.Counts().Assignments)

	if _, err = f.svc.ForcePublish(ctx, draft.ID, "ops"); err != nil {
		t.Errorf("ForcePublish() on in_progress error = %v", err)
	}
	if _, err = f.svc.ForcePublish(ctx, finished.ID, "ops"); core.ValidationCause(err) != survey.ErrAlreadyFinished {
		t.Errorf("ForcePublish() error = %v, wantErr %v", err, survey.ErrAlreadyFinished)
	}
}

func TestService_Finish(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tests := []struct {
		name    string
		status  survey.Status
		wantErr error
	}{
		{"draft", survey.StatusDraft, nil},
		{"in progress", survey.StatusInProgress, nil},
		{"finished", survey.StatusFinished, survey.ErrAlreadyFinished},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testutil.CreateSurvey(t, f.repo, tt.name, survey.PriorityOptional, tt.status, nil)
			got, err := f.svc.Finish(ctx, srv.ID, "closer")
			if core.ValidationCause(err) != tt.wantErr {
				t.Errorf("Finish() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err == nil {
				assert.Equal(t, survey.StatusFinished, got.Status)
				assert.Equal(t, "closer", got.ModifiedBy)
			}
		})
	}
}

func TestService_Duplicate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	src := testutil.CreateSurvey(t, f.repo, "Original", survey.PriorityMandatory, survey.StatusDraft,
		[]survey.Rule{campusRule("Main"), {Audience: survey.AudienceInstructors, FacultyID: "ING"}},
		testutil.Questions()...)
	if _, err := f.svc.Publish(ctx, src.ID, "admin"); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	before := f.db.Counts()

	dup, err := f.svc.Duplicate(ctx, src.ID, "copier")
	if err != nil {
		t.Fatalf("Duplicate() error = %v", err)
	}
	src, _ = f.repo.GetSurvey(ctx, src.ID)

	assert.NotEqual(t, src.ID, dup.ID)
	assert.Equal(t, "Original (copy)", dup.Title)
	assert.Equal(t, survey.StatusDraft, dup.Status)
	assert.Equal(t, "copier", dup.CreatedBy)
	assert.Equal(t, before, f.db.Counts())

	if assert.Len(t, dup.Rules, 2) {
		for i := range dup.Rules {
			assert.Equal(t, src.Rules[i].Audience, dup.Rules[i].Audience)
			assert.Equal(t, src.Rules[i].Predicates(), dup.Rules[i].Predicates())
		}
		// deep copy: changing the copy's filters leaves the source untouched
		dup.Rules[0].Filters[0].Values[0] = "North"
		stored, _ := f.repo.GetSurvey(ctx, src.ID)
		assert.Equal(t, "Main", stored.Rules[0].Filters[0].Values[0])
	}
	if assert.Len(t, dup.Questions, 3) {
		for i, q := range dup.Questions {
			assert.NotEqual(t, src.Questions[i].ID, q.ID)
			assert.Equal(t, src.Questions[i].Text, q.Text)
			assert.Len(t, q.Options, len(src.Questions[i].Options))
		}
	}
}

func TestService_Delete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	draft := testutil.CreateSurvey(t, f.repo, "Draft", survey.PriorityOptional, survey.StatusDraft, nil, testutil.Questions()...)
	live := testutil.CreateSurvey(t, f.repo, "Live", survey.PriorityOptional, survey.StatusInProgress, nil)

	if err := f.svc.Delete(ctx, live.ID); core.ValidationCause(err) != survey.ErrNotDraft {
		t.Errorf("Delete() error = %v, wantErr %v", err, survey.ErrNotDraft)
	}
	if err := f.svc.Delete(ctx, draft.ID); err != nil {
		t.Errorf("Delete() error = %v", err)
	}
	if _, err := f.repo.GetSurvey(ctx, draft.ID); err != survey.ErrNotFound {
		t.Errorf("GetSurvey() error = %v, wantErr %v", err, survey.ErrNotFound)
	}
}

func TestService_Update(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	validate, _ := testutil.Validator()
	srv := testutil.CreateSurvey(t, f.repo, "Before", survey.PriorityOptional, survey.StatusInProgress,
		[]survey.Rule{campusRule("Main")}, testutil.Questions()...)

	in := survey.SurveyInput{
		Title:    "  After  ",
		Priority: survey.PriorityMandatory,
		Rules:    []survey.RuleInput{{Audience: survey.AudienceBoth}},
		Questions: []survey.QuestionInput{
			{Order: 1, Text: "Only question", Type: survey.QuestionFreeText, Options: []survey.OptionInput{{Text: "ignored"}}},
		},
	}
	if err := in.Validate(validate); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	got, err := f.svc.Update(ctx, srv.ID, in, "editor")
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	assert.Equal(t, "After", got.Title)
	assert.Equal(t, survey.StatusInProgress, got.Status)
	if assert.Len(t, got.Rules, 1) {
		assert.Equal(t, survey.AudienceBoth, got.Rules[0].Audience)
	}
	if assert.Len(t, got.Questions, 1) {
		assert.Empty(t, got.Questions[0].Options)
		_, kept := srv.Question(got.Questions[0].ID)
		assert.False(t, kept, "questions are replaced, not updated")
	}
}

func TestSurveyInput_Validate(t *testing.T) {
	validate, _ := testutil.Validator()
	opens := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	closes := opens.Add(-time.Hour)

	tests := []struct {
		name    string
		in      survey.SurveyInput
		wantErr bool
	}{
		{name: "valid", in: survey.SurveyInput{Title: "T", Priority: survey.PriorityOptional}},
		{name: "no title", in: survey.SurveyInput{Title: "   ", Priority: survey.PriorityOptional}, wantErr: true},
		{name: "bad priority", in: survey.SurveyInput{Title: "T", Priority: "urgent"}, wantErr: true},
		{name: "bad trigger", in: survey.SurveyInput{Title: "T", Priority: survey.PriorityOptional, TriggerActions: []string{"on_logout"}}, wantErr: true},
		{name: "closes before opens", in: survey.SurveyInput{Title: "T", Priority: survey.PriorityOptional, OpensAt: &opens, ClosesAt: &closes}, wantErr: true},
		{
			name: "bad filter",
			in: survey.SurveyInput{Title: "T", Priority: survey.PriorityOptional, Rules: []survey.RuleInput{
				{Audience: survey.AudienceStudents, Filters: []survey.Predicate{{Field: "salary", Comparator: survey.CompIs, Values: []string{"1"}}}},
			}},
			wantErr: true,
		},
		{
			name: "bad question type",
			in: survey.SurveyInput{Title: "T", Priority: survey.PriorityOptional, Questions: []survey.QuestionInput{
				{Text: "Q", Type: "slider"},
			}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.in.Validate(validate); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestService_Query(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := testutil.CreateSurvey(t, f.repo, "Alpha", survey.PriorityOptional, survey.StatusDraft, nil)
	b := testutil.CreateSurvey(t, f.repo, "Beta", survey.PriorityOptional, survey.StatusInProgress, nil)
	c := testutil.CreateSurvey(t, f.repo, "alphabet", survey.PriorityOptional, survey.StatusInProgress, nil)

	ids := func(surveys []survey.Survey) []int64 {
		var ids []int64
		for _, s := range surveys {
			ids = append(ids, s.ID)
		}
		return ids
	}

	tests := []struct {
		name     string
		filter   survey.QueryFilter
		ordering []core.DBOrdering
		want     []int64
	}{
		{"all, newest first", survey.QueryFilter{}, nil, []int64{c.ID, b.ID, a.ID}},
		{"search", survey.QueryFilter{Search: " ALPHA "}, nil, []int64{c.ID, a.ID}},
		{"status", survey.QueryFilter{Statuses: []survey.Status{survey.StatusInProgress}}, nil, []int64{c.ID, b.ID}},
		{"by title", survey.QueryFilter{}, []core.DBOrdering{{Field: "title", Ascending: true}}, []int64{a.ID, b.ID, c.ID}},
		{"unknown field ignored", survey.QueryFilter{}, []core.DBOrdering{{Field: "password", Ascending: true}}, []int64{c.ID, b.ID, a.ID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.svc.Query(ctx, tt.filter, tt.ordering)
			if err != nil {
				t.Fatalf("Query() error = %v", err)
			}
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

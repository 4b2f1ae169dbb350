package dummydb

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/encuestas/backend/core"
	"github.com/encuestas/backend/core/survey"
)

type surveyRepository struct {
	db *DB
}

var _ survey.Repository = (*surveyRepository)(nil) // interface compliance check

func NewSurveyRepository(db *DB) survey.Repository {
	return &surveyRepository{db: db}
}

// assignIDs gives fresh ids to the survey's rules, questions and options. Called with the write lock held.
func (repo *surveyRepository) assignIDs(srv *survey.Survey) {
	for i := range srv.Rules {
		srv.Rules[i].ID = repo.db.nextID()
		srv.Rules[i].SurveyID = srv.ID
	}
	for i := range srv.Questions {
		q := &srv.Questions[i]
		q.ID = repo.db.nextID()
		q.SurveyID = srv.ID
		for j := range q.Options {
			q.Options[j].ID = repo.db.nextID()
			q.Options[j].QuestionID = q.ID
		}
	}
}

func (repo *surveyRepository) CreateSurvey(_ context.Context, srv survey.Survey) (survey.Survey, error) {
	if err := repo.db.fault("CreateSurvey"); err != nil {
		return survey.Survey{}, err
	}
	repo.db.Lock()
	defer repo.db.Unlock()

	srv = cloneSurvey(srv)
	srv.ID = repo.db.nextID()
	repo.assignIDs(&srv)
	repo.db.surveys[srv.ID] = &srv
	return cloneSurvey(srv), nil
}

func (repo *surveyRepository) GetSurvey(_ context.Context, id int64) (survey.Survey, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	srv, ok := repo.db.surveys[id]
	if !ok {
		return survey.Survey{}, survey.ErrNotFound
	}
	cp := cloneSurvey(*srv)
	sort.SliceStable(cp.Questions, func(i, j int) bool {
		if cp.Questions[i].Order != cp.Questions[j].Order {
			return cp.Questions[i].Order < cp.Questions[j].Order
		}
		return cp.Questions[i].ID < cp.Questions[j].ID
	})
	for _, q := range cp.Questions {
		sort.SliceStable(q.Options, func(i, j int) bool {
			if q.Options[i].Order != q.Options[j].Order {
				return q.Options[i].Order < q.Options[j].Order
			}
			return q.Options[i].ID < q.Options[j].ID
		})
	}
	return cp, nil
}

func (repo *surveyRepository) QuerySurveys(_ context.Context, filter survey.QueryFilter, ordering []core.DBOrdering) ([]survey.Survey, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	search := strings.ToLower(filter.Search)
	statuses := make(map[survey.Status]bool, len(filter.Statuses))
	for _, s := range filter.Statuses {
		statuses[s] = true
	}

	surveys := make([]survey.Survey, 0, len(repo.db.surveys))
	for _, srv := range repo.db.surveys {
		if search != "" && !strings.Contains(strings.ToLower(srv.Title), search) {
			continue
		}
		if len(statuses) > 0 && !statuses[srv.Status] {
			continue
		}
		cp := cloneSurvey(*srv)
		cp.Rules, cp.Questions = nil, nil
		surveys = append(surveys, cp)
	}

	if len(ordering) == 0 {
		ordering = []core.DBOrdering{{Field: "id"}}
	}
	sort.SliceStable(surveys, func(i, j int) bool {
		for _, ord := range ordering {
			c := compareSurveys(surveys[i], surveys[j], ord.Field)
			if c == 0 {
				continue
			}
			if ord.Ascending {
				return c < 0
			}
			return c > 0
		}
		return false
	})
	return surveys, nil
}

func compareSurveys(a, b survey.Survey, field string) int {
	switch field {
	case "title":
		return strings.Compare(a.Title, b.Title)
	case "status":
		return strings.Compare(string(a.Status), string(b.Status))
	case "priority":
		return strings.Compare(string(a.Priority), string(b.Priority))
	case "created_at":
		return a.CreatedAt.Compare(b.CreatedAt)
	case "modified_at":
		return a.ModifiedAt.Compare(b.ModifiedAt)
	default:
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	}
}

func (repo *surveyRepository) ReplaceSurvey(_ context.Context, srv survey.Survey) (survey.Survey, error) {
	if err := repo.db.fault("ReplaceSurvey"); err != nil {
		return survey.Survey{}, err
	}
	repo.db.Lock()
	defer repo.db.Unlock()

	if _, ok := repo.db.surveys[srv.ID]; !ok {
		return survey.Survey{}, survey.ErrNotFound
	}
	srv = cloneSurvey(srv)
	repo.assignIDs(&srv)
	repo.db.surveys[srv.ID] = &srv
	return cloneSurvey(srv), nil
}

func (repo *surveyRepository) SetSurveyStatus(_ context.Context, id int64, status survey.Status, modifiedBy string, at time.Time) error {
	if err := repo.db.fault("SetSurveyStatus"); err != nil {
		return err
	}
	repo.db.Lock()
	defer repo.db.Unlock()

	srv, ok := repo.db.surveys[id]
	if !ok {
		return survey.ErrNotFound
	}
	srv.Status = status
	srv.ModifiedBy = modifiedBy
	srv.ModifiedAt = at
	return nil
}

func (repo *surveyRepository) DeleteSurvey(_ context.Context, id int64) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	if _, ok := repo.db.surveys[id]; !ok {
		return survey.ErrNotFound
	}
	delete(repo.db.surveys, id)
	for aID, a := range repo.db.assignments {
		if a.SurveyID == id {
			delete(repo.db.assignments, aID)
			delete(repo.db.drafts, aID)
		}
	}
	return nil
}

func cloneSurvey(srv survey.Survey) survey.Survey {
	cp := srv
	cp.TriggerActions = append([]string(nil), srv.TriggerActions...)
	cp.Rules = make([]survey.Rule, len(srv.Rules))
	for i, r := range srv.Rules {
		cp.Rules[i] = r
		cp.Rules[i].Filters = make([]survey.Predicate, len(r.Filters))
		for j, p := range r.Filters {
			cp.Rules[i].Filters[j] = survey.Predicate{Field: p.Field, Comparator: p.Comparator, Values: append([]string(nil), p.Values...)}
		}
	}
	cp.Questions = make([]survey.Question, len(srv.Questions))
	for i, q := range srv.Questions {
		cp.Questions[i] = q
		cp.Questions[i].Options = append([]survey.Option(nil), q.Options...)
	}
	return cp
}

package tests

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/encuestas/backend/core/etl"
	"github.com/encuestas/backend/core/population"
	"github.com/encuestas/backend/core/survey"
	"github.com/encuestas/backend/tests"
)

func Test_surveyApi_auth(t *testing.T) {
	f := setup(t)

	runHTTPTests(t, f.app, []httpTest{
		{name: "Auth required", path: "/v1/surveys", wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)},
		{name: "Expired token", path: "/v1/surveys", token: expiredToken(t, f.conf), wantCode: http.StatusUnauthorized},
		{name: "Wrong key", path: "/v1/surveys", token: getToken(t, testutil.Config(), "ops", true) + "x", wantCode: http.StatusUnauthorized},
		{
			name: "Admin required", path: "/v1/surveys", token: getToken(t, f.conf, "ops", false),
			wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "permission denied"}),
		},
		{name: "API key is not enough", path: "/v1/surveys", apiKey: f.conf.Server.APIKey, wantCode: http.StatusUnauthorized},
		{name: "OK", path: "/v1/surveys", token: f.adminToken, wantCode: http.StatusOK, wantData: []byte("[]")},
	})
}

func Test_surveyApi_create(t *testing.T) {
	f := setup(t)

	body := []byte(`{
		"title": "  Teaching quality ",
		"priority": "mandatory",
		"trigger_actions": ["ON_LOGIN"],
		"rules": [{"audience": "students", "filters": [{"campo": "campus", "regla": "es", "valores": ["Main"]}]}],
		"questions": [
			{"order": 1, "text": "Clarity", "type": "single_choice", "options": [{"text": "1"}, {"text": "2", "order": 1}]},
			{"order": 2, "text": "Comments", "type": "free_text", "options": [{"text": "ignored"}]}
		]
	}`)
	req, rec := newAuthRequest(http.MethodPost, "/v1/surveys", f.adminToken, body)
	f.app.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create code = %v; want %v; body %s", rec.Code, http.StatusCreated, rec.Body.String())
	}

	var srv survey.Survey
	unmarchall(t, rec, &srv)
	assert.NotZero(t, srv.ID)
	assert.Equal(t, "Teaching quality", srv.Title)
	assert.Equal(t, survey.StatusDraft, srv.Status)
	assert.Equal(t, "ops", srv.CreatedBy)
	assert.Equal(t, []string{survey.ActionOnLogin}, srv.TriggerActions)
	if assert.Len(t, srv.Rules, 1) {
		assert.Equal(t, []survey.Predicate{{Field: survey.FieldCampus, Comparator: survey.CompIs, Values: []string{"Main"}}}, srv.Rules[0].Filters)
	}
	if assert.Len(t, srv.Questions, 2) {
		assert.Len(t, srv.Questions[0].Options, 2)
		assert.Empty(t, srv.Questions[1].Options)
	}

	runHTTPTests(t, f.app, []httpTest{
		{
			name: "required fields", method: http.MethodPost, path: "/v1/surveys", token: f.adminToken, body: []byte(`{}`),
			wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, map[string]string{"title": "this field is required", "priority": "this field is required"}),
		},
		{
			name: "unknown filter field", method: http.MethodPost, path: "/v1/surveys", token: f.adminToken,
			body:     []byte(`{"title": "x", "priority": "optional", "rules": [{"audience": "students", "filters": [{"field": "shoe_size", "comparator": "is", "values": ["42"]}]}]}`),
			wantCode: http.StatusBadRequest,
		},
		{
			name: "closes before opens", method: http.MethodPost, path: "/v1/surveys", token: f.adminToken,
			body:     []byte(`{"title": "x", "priority": "optional", "opens_at": "2024-03-02T00:00:00Z", "closes_at": "2024-03-01T00:00:00Z"}`),
			wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, map[string]string{"closes_at": survey.ErrClosesBeforeOpens.Error()}),
		},
	})
}

func Test_surveyApi_queryAndRetrieve(t *testing.T) {
	f := setup(t)
	draft := testutil.CreateSurvey(t, f.repo, "Beta", survey.PriorityOptional, survey.StatusDraft, nil)
	running := testutil.CreateSurvey(t, f.repo, "Alpha", survey.PriorityMandatory, survey.StatusInProgress, nil, testutil.Questions()...)

	list := func(surveys ...survey.Survey) []byte {
		for i := range surveys {
			surveys[i].Rules, surveys[i].Questions = nil, nil
		}
		return marchallObj(t, surveys)
	}

	runHTTPTests(t, f.app, []httpTest{
		{name: "default ordering", path: "/v1/surveys", token: f.adminToken, wantCode: http.StatusOK, wantData: list(running, draft)},
		{name: "by title", path: "/v1/surveys?ordering=title", token: f.adminToken, wantCode: http.StatusOK, wantData: list(running, draft)},
		{name: "unknown ordering ignored", path: "/v1/surveys?ordering=-password", token: f.adminToken, wantCode: http.StatusOK, wantData: list(running, draft)},
		{name: "search", path: "/v1/surveys?search=BET", token: f.adminToken, wantCode: http.StatusOK, wantData: list(draft)},
		{name: "status", path: "/v1/surveys?status=in_progress", token: f.adminToken, wantCode: http.StatusOK, wantData: list(running)},
		{
			name: "retrieve", path: fmt.Sprintf("/v1/surveys/%d", running.ID), token: f.adminToken,
			wantCode: http.StatusOK, wantData: marchallObj(t, running),
		},
		{
			name: "retrieve unknown", path: "/v1/surveys/404", token: f.adminToken,
			wantCode: http.StatusNotFound, wantData: marchallObj(t, httpErr{Error: survey.ErrNotFound.Error()}),
		},
		{
			name: "retrieve bad id", path: "/v1/surveys/abc", token: f.adminToken,
			wantCode: http.StatusNotFound, wantData: marchallObj(t, httpErr{Error: "not found"}),
		},
	})
}

func Test_surveyApi_lifecycle(t *testing.T) {
	f := setup(t)
	srv := testutil.CreateSurvey(t, f.repo, "Mandatory", survey.PriorityMandatory, survey.StatusDraft,
		[]survey.Rule{{Audience: survey.AudienceStudents}}, testutil.Questions()...)
	path := func(action string) string { return fmt.Sprintf("/v1/surveys/%d%s", srv.ID, action) }

	// replace-all edit
	req, rec := newAuthRequest(http.MethodPut, path(""), f.adminToken,
		[]byte(`{"title": "Mandatory 2024", "priority": "mandatory", "rules": [{"audience": "students"}], "questions": [{"text": "Only one", "type": "free_text"}]}`))
	f.app.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("update code = %v; body %s", rec.Code, rec.Body.String())
	}
	var updated survey.Survey
	unmarchall(t, rec, &updated)
	assert.Equal(t, "Mandatory 2024", updated.Title)
	assert.Len(t, updated.Questions, 1)

	// publish
	req, rec = newAuthRequest(http.MethodPost, path("/publish"), f.adminToken)
	f.app.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("publish code = %v; body %s", rec.Code, rec.Body.String())
	}
	var published survey.PublishResult
	unmarchall(t, rec, &published)
	assert.Equal(t, survey.StatusInProgress, published.Survey.Status)
	assert.Equal(t, survey.Materialized{Created: 3}, published.Assignments)

	notDraft := marchallObj(t, map[string]string{"status": survey.ErrNotDraft.Error()})
	runHTTPTests(t, f.app, []httpTest{
		{name: "publish again", method: http.MethodPost, path: path("/publish"), token: f.adminToken, wantCode: http.StatusBadRequest, wantData: notDraft},
		{name: "delete published", method: http.MethodDelete, path: path(""), token: f.adminToken, wantCode: http.StatusBadRequest, wantData: notDraft},
		{name: "publish unknown", method: http.MethodPost, path: "/v1/surveys/404/publish", token: f.adminToken, wantCode: http.StatusNotFound},
		{name: "finish", method: http.MethodPost, path: path("/finish"), token: f.adminToken, wantCode: http.StatusOK},
		{
			name: "finish again", method: http.MethodPost, path: path("/finish"), token: f.adminToken, wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, map[string]string{"status": survey.ErrAlreadyFinished.Error()}),
		},
	})

	// duplicate, then delete the copy
	req, rec = newAuthRequest(http.MethodPost, path("/duplicate"), f.adminToken)
	f.app.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("duplicate code = %v; body %s", rec.Code, rec.Body.String())
	}
	var dup survey.Survey
	unmarchall(t, rec, &dup)
	assert.NotEqual(t, srv.ID, dup.ID)
	assert.Equal(t, survey.StatusDraft, dup.Status)
	assert.Equal(t, "Mandatory 2024 (copy)", dup.Title)

	runHTTPTests(t, f.app, []httpTest{
		{name: "delete copy", method: http.MethodDelete, path: fmt.Sprintf("/v1/surveys/%d", dup.ID), token: f.adminToken, wantCode: http.StatusNoContent},
		{name: "copy is gone", path: fmt.Sprintf("/v1/surveys/%d", dup.ID), token: f.adminToken, wantCode: http.StatusNotFound},
	})
}

func Test_etlApi(t *testing.T) {
	f := setup(t)

	runHTTPTests(t, f.app, []httpTest{
		{name: "status", path: "/v1/etl/status", token: f.adminToken, wantCode: http.StatusOK, wantData: marchallObj(t, etl.Status{})},
		{name: "run with nothing pending", method: http.MethodPost, path: "/v1/etl/run", token: f.adminToken, wantCode: http.StatusOK},
	})
}

func Test_catalogApi(t *testing.T) {
	f := setup(t)

	runHTTPTests(t, f.app, []httpTest{
		{
			name: "catalogs", path: "/v1/catalogs", token: f.adminToken, wantCode: http.StatusOK,
			wantData: marchallObj(t, population.Catalogs{
				Faculties:   []string{"Engineering", "Law"},
				Departments: []string{"Civil Law", "Mathematics", "Physics"},
				Campuses:    []string{"Main", "North"},
				Programs:    []string{"Civil", "Law", "Systems"},
			}),
		},
	})
}

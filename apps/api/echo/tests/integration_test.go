package tests

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	. "github.com/encuestas/backend/apps/api/echo"
	"github.com/encuestas/backend/core/assignment"
	"github.com/encuestas/backend/core/response"
	"github.com/encuestas/backend/core/survey"
	"github.com/encuestas/backend/tests"
)

// evaluation creates an in-progress evaluation survey assigned to S1 for one course section.
func (f fixture) evaluation(t *testing.T) (survey.Survey, assignment.Assignment) {
	t.Helper()
	srv := testutil.CreateSurvey(t, f.repo, "Evaluation", survey.PriorityInstructorEvaluation, survey.StatusInProgress,
		[]survey.Rule{{Audience: survey.AudienceStudents}}, testutil.Questions()...)
	a, _, err := assignment.NewService(f.store, f.repo).Assign(context.Background(), assignment.NewAssignment{
		RecipientID:      "S1",
		SurveyID:         srv.ID,
		ContextReference: "MAT101-A-I1",
		Metadata:         map[string]interface{}{"docente": "Dr. Soto", "materia": "Calculus"},
	})
	if err != nil {
		t.Fatalf("Assign() failed: %v", err)
	}
	return srv, a
}

func Test_integrationApi_auth(t *testing.T) {
	f := setup(t)

	runHTTPTests(t, f.app, []httpTest{
		{name: "Key required", path: "/integration/v1/assignments?recipient_id=S1", wantCode: http.StatusBadRequest},
		{name: "Wrong key", path: "/integration/v1/assignments?recipient_id=S1", apiKey: "nope", wantCode: http.StatusUnauthorized},
		{name: "Admin token is not a key", path: "/integration/v1/assignments?recipient_id=S1", token: f.adminToken, wantCode: http.StatusBadRequest},
		{
			name: "OK", path: "/integration/v1/assignments?recipient_id=S1", apiKey: f.conf.Server.APIKey,
			wantCode: http.StatusOK, wantData: []byte("[]"),
		},
	})
}

func Test_integrationApi_submit(t *testing.T) {
	f := setup(t)
	key := f.conf.Server.APIKey
	srv, asg := f.evaluation(t)
	q := srv.Questions

	body := func(questionID, optionID int64) []byte {
		return []byte(fmt.Sprintf(`{
			"recipient_id": "S1", "survey_id": %d, "context_reference": "MAT101-A-I1",
			"answers": [{"question_id": %d, "option_id": %d}, {"question_id": %d, "text": "Great"}]
		}`, srv.ID, questionID, optionID, q[2].ID))
	}

	runHTTPTests(t, f.app, []httpTest{
		{
			name: "validation", method: http.MethodPost, path: "/integration/v1/responses", apiKey: key,
			body:     []byte(fmt.Sprintf(`{"survey_id": %d, "answers": []}`, srv.ID)),
			wantCode: http.StatusBadRequest,
		},
		{
			name: "recipient required", method: http.MethodPost, path: "/integration/v1/responses", apiKey: key,
			body:     []byte(fmt.Sprintf(`{"survey_id": %d, "answers": [{"question_id": %d}]}`, srv.ID, q[2].ID)),
			wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, map[string]string{"recipient_id": "this field is required"}),
		},
		{
			name: "foreign question", method: http.MethodPost, path: "/integration/v1/responses", apiKey: key,
			body:     body(9999, q[0].Options[0].ID),
			wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, map[string]interface{}{
				"error":                (&response.RejectedError{SurveyID: srv.ID, QuestionIDs: []int64{9999}}).Error(),
				"invalid_question_ids": []int64{9999},
			}),
		},
		{
			name: "foreign option", method: http.MethodPost, path: "/integration/v1/responses", apiKey: key,
			body:     body(q[0].ID, q[1].Options[0].ID),
			wantCode: http.StatusBadRequest,
		},
		{
			name: "unknown survey", method: http.MethodPost, path: "/integration/v1/responses", apiKey: key,
			body:     []byte(`{"recipient_id": "S1", "survey_id": 404, "answers": [{"question_id": 1}]}`),
			wantCode: http.StatusNotFound,
		},
	})
	assert.Equal(t, 0, f.db.Counts().Transactions)

	// accepted
	req, rec := newKeyRequest(http.MethodPost, "/integration/v1/responses", key, body(q[0].ID, q[0].Options[2].ID))
	f.app.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit code = %v; body %s", rec.Code, rec.Body.String())
	}
	var rcpt response.Receipt
	unmarchall(t, rec, &rcpt)
	assert.NotZero(t, rcpt.TransactionID)
	if assert.NotNil(t, rcpt.AssignmentID) {
		assert.Equal(t, asg.ID, *rcpt.AssignmentID)
	}
	assert.False(t, rcpt.AlreadyReceived)

	// a second submission is acknowledged without writing
	req, rec = newKeyRequest(http.MethodPost, "/integration/v1/responses", key, body(q[0].ID, q[0].Options[2].ID))
	f.app.ServeHTTP(rec, req)
	checkCodeAndData(t, httpTest{wantCode: http.StatusOK, wantData: marchallObj(t, response.Receipt{AssignmentID: &asg.ID, AlreadyReceived: true})}, rec)
	assert.Equal(t, 1, f.db.Counts().Transactions)
}

func Test_integrationApi_submit_Rejected(t *testing.T) {
	conf := testutil.Config()
	conf.Intake.ResubmitPolicy = response.ResubmitReject
	f := setupWith(t, conf)
	srv, _ := f.evaluation(t)
	q := srv.Questions

	payload := []byte(fmt.Sprintf(`{"recipient_id": "S1", "survey_id": %d, "context_reference": "MAT101-A-I1",
		"answers": [{"question_id": %d, "text": "ok"}]}`, srv.ID, q[2].ID))
	runHTTPTests(t, f.app, []httpTest{
		{name: "first", method: http.MethodPost, path: "/integration/v1/responses", apiKey: f.conf.Server.APIKey, body: payload, wantCode: http.StatusCreated},
		{
			name: "again", method: http.MethodPost, path: "/integration/v1/responses", apiKey: f.conf.Server.APIKey, body: payload,
			wantCode: http.StatusConflict, wantData: marchallObj(t, httpErr{Error: response.ErrAlreadySubmitted.Error()}),
		},
	})
}

func Test_integrationApi_drafts(t *testing.T) {
	f := setup(t)
	key := f.conf.Server.APIKey
	_, asg := f.evaluation(t)
	path := fmt.Sprintf("/integration/v1/drafts/%d", asg.ID)

	runHTTPTests(t, f.app, []httpTest{
		{
			name: "no draft yet", path: path, apiKey: key,
			wantCode: http.StatusNotFound, wantData: marchallObj(t, httpErr{Error: response.ErrDraftNotFound.Error()}),
		},
		{name: "not json answers", method: http.MethodPut, path: path, apiKey: key, body: []byte(`{"answers": "yes"}`), wantCode: http.StatusBadRequest},
		{name: "missing answers", method: http.MethodPut, path: path, apiKey: key, body: []byte(`{}`), wantCode: http.StatusBadRequest},
		{name: "unknown assignment", method: http.MethodPut, path: "/integration/v1/drafts/404", apiKey: key, body: []byte(`{"answers": {}}`), wantCode: http.StatusNotFound},
		{name: "save", method: http.MethodPut, path: path, apiKey: key, body: []byte(`{"answers": {"1": "4"}}`), wantCode: http.StatusOK},
		{name: "replace", method: http.MethodPut, path: path, apiKey: key, body: []byte(`{"answers": [{"question_id": 1}]}`), wantCode: http.StatusOK},
	})

	req, rec := newKeyRequest(http.MethodGet, path, key)
	f.app.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get draft code = %v; body %s", rec.Code, rec.Body.String())
	}
	var draft response.Draft
	unmarchall(t, rec, &draft)
	assert.Equal(t, asg.ID, draft.AssignmentID)
	assert.JSONEq(t, `[{"question_id": 1}]`, string(draft.Answers))
}

func Test_integrationApi_status(t *testing.T) {
	f := setup(t)
	key := f.conf.Server.APIKey
	srv, asg := f.evaluation(t)
	testutil.CreateSurvey(t, f.repo, "Optional", survey.PriorityOptional, survey.StatusInProgress, nil)

	blocking := marchallObj(t, StatusResponse{Blocking: true, Surveys: []assignment.Blocking{{
		AssignmentID:     asg.ID,
		SurveyID:         srv.ID,
		SurveyTitle:      srv.Title,
		Priority:         survey.PriorityInstructorEvaluation,
		ContextReference: "MAT101-A-I1",
	}}})
	free := marchallObj(t, StatusResponse{Surveys: []assignment.Blocking{}})

	runHTTPTests(t, f.app, []httpTest{
		{name: "blocked on login", path: "/integration/v1/status?recipient_id=S1&action=on_login", apiKey: key, wantCode: http.StatusOK, wantData: blocking},
		{name: "not a trigger of the survey", path: "/integration/v1/status?recipient_id=S1&action=on_course_view", apiKey: key, wantCode: http.StatusOK, wantData: free},
		{name: "nothing assigned", path: "/integration/v1/status?recipient_id=S2&action=on_login", apiKey: key, wantCode: http.StatusOK, wantData: free},
		{
			name: "unknown action", path: "/integration/v1/status?recipient_id=S1&action=on_lunch", apiKey: key,
			wantCode: http.StatusBadRequest, wantData: marchallObj(t, map[string]string{"action": assignment.ErrUnknownAction.Error()}),
		},
		{
			name: "recipient required", path: "/integration/v1/status?action=on_login", apiKey: key,
			wantCode: http.StatusBadRequest, wantData: marchallObj(t, map[string]string{"recipient_id": "recipient_id is required"}),
		},
	})
}

func Test_integrationApi_structure(t *testing.T) {
	f := setup(t)
	srv, _ := f.evaluation(t)

	runHTTPTests(t, f.app, []httpTest{
		{
			name: "structure", path: fmt.Sprintf("/integration/v1/surveys/%d/structure", srv.ID), apiKey: f.conf.Server.APIKey,
			wantCode: http.StatusOK,
			wantData: marchallObj(t, StructureResponse{
				ID:        srv.ID,
				Title:     srv.Title,
				Priority:  srv.Priority,
				Questions: srv.Questions,
			}),
		},
		{name: "unknown", path: "/integration/v1/surveys/404/structure", apiKey: f.conf.Server.APIKey, wantCode: http.StatusNotFound},
	})
}

func Test_integrationApi_assign(t *testing.T) {
	f := setup(t)
	key := f.conf.Server.APIKey
	srv := testutil.CreateSurvey(t, f.repo, "Optional", survey.PriorityOptional, survey.StatusInProgress, nil)
	payload := []byte(fmt.Sprintf(`{"recipient_id": " S9 ", "survey_id": %d, "metadata": {"source": "portal"}}`, srv.ID))

	req, rec := newKeyRequest(http.MethodPost, "/integration/v1/assignments", key, payload)
	f.app.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("assign code = %v; body %s", rec.Code, rec.Body.String())
	}
	var created AssignResponse
	unmarchall(t, rec, &created)
	assert.True(t, created.Created)
	assert.Equal(t, "S9", created.Assignment.RecipientID)
	assert.Equal(t, assignment.StatusPending, created.Assignment.Status)

	runHTTPTests(t, f.app, []httpTest{
		{
			name: "existing", method: http.MethodPost, path: "/integration/v1/assignments", apiKey: key, body: payload,
			wantCode: http.StatusOK, wantData: marchallObj(t, AssignResponse{Assignment: created.Assignment}),
		},
		{
			name: "unknown survey", method: http.MethodPost, path: "/integration/v1/assignments", apiKey: key,
			body: []byte(`{"recipient_id": "S9", "survey_id": 404}`), wantCode: http.StatusNotFound,
		},
		{
			name: "validation", method: http.MethodPost, path: "/integration/v1/assignments", apiKey: key,
			body: []byte(`{"survey_id": 1}`), wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, map[string]string{"recipient_id": "this field is required"}),
		},
		{
			name: "pending", path: "/integration/v1/assignments?recipient_id=S9", apiKey: key,
			wantCode: http.StatusOK, wantData: marchallObj(t, []assignment.Assignment{created.Assignment}),
		},
		{
			name: "pending requires recipient", path: "/integration/v1/assignments", apiKey: key,
			wantCode: http.StatusBadRequest, wantData: marchallObj(t, map[string]string{"recipient_id": "recipient_id is required"}),
		},
	})
}

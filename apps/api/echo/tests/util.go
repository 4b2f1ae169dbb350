package tests

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/dgrijalva/jwt-go"
	"github.com/stretchr/testify/assert"

	. "github.com/encuestas/backend/apps/api/echo"
	"github.com/encuestas/backend/core"
	"github.com/encuestas/backend/core/assignment"
	"github.com/encuestas/backend/core/etl"
	"github.com/encuestas/backend/core/response"
	"github.com/encuestas/backend/core/survey"
	"github.com/encuestas/backend/services/lock"
	"github.com/encuestas/backend/storage/database/dummy"
	"github.com/encuestas/backend/tests"
)

var errMissingToken = httpErr{Error: "missing or malformed jwt"}

type fixture struct {
	app        *Server
	conf       *core.Config
	db         *dummydb.DB
	repo       survey.Repository
	store      assignment.Store
	adminToken string
}

func setup(t *testing.T) fixture {
	t.Helper()
	return setupWith(t, testutil.Config())
}

func setupWith(t *testing.T, conf *core.Config) fixture {
	t.Helper()

	// set up DB & repos
	db, err := dummydb.Open()
	if err != nil {
		t.Fatalf("dummydb.Open() failed: %v", err)
	}
	f := fixture{
		conf:  conf,
		db:    db,
		repo:  dummydb.NewSurveyRepository(db),
		store: dummydb.NewAssignmentStore(db),
	}
	roster := testutil.Roster()
	locker := lock.NewLocal()
	validate, translator := testutil.Validator()

	// set up services
	materializer := assignment.NewMaterializer(f.store, roster, assignment.NewConfig(f.conf), core.NopLogger{})
	ledger := response.NewLedger(dummydb.NewResponseStore(db), f.repo, f.store, response.NewConfig(f.conf), core.NopLogger{})

	// set up server
	f.app = NewServer(ServerDeps{
		Conf:          f.conf,
		Logger:        core.NopLogger{},
		SurveySvc:     survey.NewService(f.repo, materializer, locker, f.conf, core.NopLogger{}),
		AssignmentSvc: assignment.NewService(f.store, f.repo),
		Ledger:        ledger,
		ETLRunner:     etl.NewRunner(dummydb.NewWarehouse(db), locker, etl.NewConfig(f.conf), core.NopLogger{}),
		Population:    roster,
		Validate:      validate,
		Translator:    translator,
	})
	f.adminToken = getToken(t, f.conf, "ops", true)
	return f
}

type httpErr struct {
	Error string `json:"error"`
}

type httpTest struct {
	name     string
	method   string
	path     string
	body     []byte
	token    string
	apiKey   string
	wantCode int
	wantData []byte
}

func newAuthRequest(method, path, token string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	if len(data) > 0 {
		body.Write(data[0])
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	return req, rec
}

func newKeyRequest(method, path, apiKey string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	req, rec := newAuthRequest(method, path, "", data...)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	return req, rec
}

func getToken(t *testing.T, conf *core.Config, subject string, admin bool) string {
	claims := GetAdminClaims(subject, "Operator", conf)
	claims.IsAdmin = admin
	token, err := GenerateToken(claims, conf.SecretKey)
	if err != nil {
		t.Fatalf("getToken() failed: %v", err)
	}
	return token
}

func expiredToken(t *testing.T, conf *core.Config) string {
	claims := GetAdminClaims("ops", "Operator", conf)
	claims.StandardClaims = jwt.StandardClaims{Subject: "ops", ExpiresAt: 1}
	token, err := GenerateToken(claims, conf.SecretKey)
	if err != nil {
		t.Fatalf("expiredToken() failed: %v", err)
	}
	return token
}

func marchallObj(t *testing.T, obj interface{}) []byte {
	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marchallObj() failed: %v", err)
	}
	return data
}

func unmarchall(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dest); err != nil {
		t.Fatalf("unmarchall() failed: %v; body %s", err, rec.Body.String())
	}
}

func jsonBytesEqual(t *testing.T, b1, b2 []byte) (bool, error) {
	var j1, j2 interface{}
	if err := json.Unmarshal(b1, &j1); err != nil {
		return false, err
	}
	if err := json.Unmarshal(b2, &j2); err != nil {
		return false, err
	}
	if reflect.DeepEqual(j1, j2) {
		return true, nil
	}
	if j1 == nil || j2 == nil {
		return false, nil
	}
	if _, ok := j1.([]interface{}); !ok {
		return false, nil
	}
	return assert.ElementsMatch(t, j1, j2), nil
}

// checkCodeAndData compares the status code, and the body when wantData is set.
func checkCodeAndData(t *testing.T, tt httpTest, rec *httptest.ResponseRecorder) {
	t.Helper()
	if rec.Code != tt.wantCode {
		t.Errorf("failed! code = %v; wantCode %v", rec.Code, tt.wantCode)
	}
	if tt.wantData == nil {
		return
	}
	ok, err := jsonBytesEqual(t, rec.Body.Bytes(), tt.wantData)
	if err != nil {
		t.Errorf("jsonBytesEqual() failed to compare; err %v", err)
	}
	if !ok {
		t.Errorf("failed! data = %v; wantData %v", rec.Body.String(), string(tt.wantData))
	}
}

func runHTTPTests(t *testing.T, app http.Handler, tests []httpTest) {
	t.Helper()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method := tt.method
			if method == "" {
				method = http.MethodGet
			}
			var (
				req *http.Request
				rec *httptest.ResponseRecorder
			)
			if tt.apiKey != "" {
				req, rec = newKeyRequest(method, tt.path, tt.apiKey, tt.body)
			} else {
				req, rec = newAuthRequest(method, tt.path, tt.token, tt.body)
			}
			app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}
}

package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/encuestas/backend/core"
	"github.com/encuestas/backend/core/population"
	"github.com/encuestas/backend/core/survey"
	"github.com/encuestas/backend/storage/database"
	dummydb "github.com/encuestas/backend/storage/database/dummy"
)

// Config returns the settings tests run with.
func Config() *core.Config {
	conf := &core.Config{Debug: true, TestMode: true, Env: "TEST", AppName: "Encuestas", SecretKey: "test-secret", HashSalt: "test-salt"}
	conf.Server.APIKey = "test-api-key"
	conf.Server.JWTExpirationDelta = time.Hour
	conf.Publish.BatchSizeJIT = 2
	conf.Publish.BatchSizePub = 2
	conf.Publish.LockTTL = time.Minute
	conf.ETL.LockTTL = time.Minute
	conf.Intake.AllowMissingAssignment = true
	conf.Intake.ResubmitPolicy = "acknowledge"
	return conf
}

// PrepareDB connects to the Postgres database at TEST_DATABASE_URL, recreates the application
// schemas and migrates them. Tests calling it are skipped when the variable is unset.
func PrepareDB(t *testing.T) *sqlx.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("PrepareDB() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	for _, stmt := range []string{
		"DROP SCHEMA IF EXISTS encuestas_oltp CASCADE",
		"DROP SCHEMA IF EXISTS encuestas_olap CASCADE",
		"DROP TABLE IF EXISTS goose_db_version",
	} {
		if _, err = db.Exec(stmt); err != nil {
			t.Fatalf("PrepareDB() failed: %v", err)
		}
	}
	if err = database.Migrate(db.DB); err != nil {
		t.Fatalf("PrepareDB() failed: %v", err)
	}
	return db
}

func Validator() (*validator.Validate, ut.Translator) {
	validate := validator.New()
	enLocale := en.New()
	translator, _ := ut.New(enLocale, enLocale).GetTranslator("en")
	core.InitValidators(validate, translator)
	return validate, translator
}

// CreateSurvey stores a survey with the given status, rules and questions.
func CreateSurvey(
	t *testing.T,
	repo survey.Repository,
	title string,
	priority survey.Priority,
	status survey.Status,
	rules []survey.Rule,
	questions ...survey.Question,
) survey.Survey {
	now := time.Now().UTC()
	srv := survey.Survey{
		Title:          title,
		Priority:       priority,
		TriggerActions: []string{survey.ActionOnLogin},
		Status:         status,
		Active:         true,
		CreatedBy:      "admin",
		ModifiedBy:     "admin",
		CreatedAt:      now,
		ModifiedAt:     now,
		Rules:          rules,
		Questions:      questions,
	}
	srv, err := repo.CreateSurvey(context.Background(), srv)
	if err != nil {
		t.Fatalf("CreateSurvey() failed: %v", err)
	}
	return srv
}

// Questions is a small questionnaire: a 1-5 scale, a yes/no choice and a comment box.
func Questions() []survey.Question {
	return []survey.Question{
		{Order: 1, Text: "How clear were the classes?", Type: survey.QuestionSingleChoice, Required: true, Options: []survey.Option{
			{Text: "1", Order: 1}, {Text: "2", Order: 2}, {Text: "3", Order: 3}, {Text: "4", Order: 4}, {Text: "5", Order: 5},
		}},
		{Order: 2, Text: "Would you recommend the course?", Type: survey.QuestionSingleChoice, Options: []survey.Option{
			{Text: "Yes", Order: 1}, {Text: "No", Order: 2},
		}},
		{Order: 3, Text: "Comments", Type: survey.QuestionFreeText},
	}
}

// Roster is the academic population tests publish against:
// three students (two on the Main campus), two instructors and three evaluable enrolments.
func Roster() *dummydb.Roster {
	return &dummydb.Roster{
		StudentRows: []population.Student{
			{ID: "S1", Name: "Ana Pérez", Email: "ana@uni.test", Campus: "Main", Faculty: "Engineering", Department: "Mathematics", Program: "Systems"},
			{ID: "S2", Name: "Luis Gómez", Email: "luis@uni.test", Campus: "Main", Faculty: "Law", Department: "Civil Law", Program: "Law"},
			{ID: "S3", Name: "Eva Ruiz", Email: "eva@uni.test", Campus: "North", Faculty: "Engineering", Department: "Physics", Program: "Civil"},
		},
		InstructorRows: []population.Instructor{
			{ID: "I1", Name: "Dr. Soto", Email: "soto@uni.test", Department: "Mathematics"},
			// shares its id with a student on purpose
			{ID: "S3", Name: "Dr. Vera", Email: "vera@uni.test", Department: "Physics"},
		},
		Enrolments: []population.EvaluationContext{
			{StudentID: "S1", StudentName: "Ana Pérez", CourseCode: "MAT101", CourseName: "Calculus", Section: "A", InstructorID: "I1", InstructorName: "Dr. Soto", Department: "Mathematics", Campus: "Main", Faculty: "Engineering", Program: "Systems", Term: "2024-1"},
			{StudentID: "S1", StudentName: "Ana Pérez", CourseCode: "FIS100", CourseName: "Physics I", Section: "B", InstructorID: "S3", InstructorName: "Dr. Vera", Department: "Physics", Campus: "Main", Faculty: "Engineering", Program: "Systems", Term: "2024-1"},
			{StudentID: "S3", StudentName: "Eva Ruiz", CourseCode: "MAT101", CourseName: "Calculus", Section: "A", InstructorID: "I1", InstructorName: "Dr. Soto", Department: "Mathematics", Campus: "North", Faculty: "Engineering", Program: "Civil", Term: "2024-1"},
		},
	}
}

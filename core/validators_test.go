package core_test

import (
	"strings"
	"testing"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"

	"github.com/encuestas/backend/core"
	"github.com/encuestas/backend/core/response"
	"github.com/encuestas/backend/core/survey"
)

func TestInitValidators(t *testing.T) {
	validate := validator.New()
	enLocale := en.New()
	translator, _ := ut.New(enLocale, enLocale).GetTranslator("en")
	core.InitValidators(validate, translator)

	validSurvey := func() survey.SurveyInput {
		return survey.SurveyInput{Title: "Satisfaction", Priority: survey.PriorityOptional}
	}
	tests := []struct {
		name  string
		input func() interface{}
		want  map[string]string
	}{
		{
			name:  "required",
			input: func() interface{} { return &survey.SurveyInput{} },
			want:  map[string]string{"title": "this field is required", "priority": "this field is required"},
		},
		{
			name: "title too long",
			input: func() interface{} {
				si := validSurvey()
				si.Title = strings.Repeat("a", 256)
				return &si
			},
			want: map[string]string{"title": "must be at most 255 characters long"},
		},
		{
			name: "unknown priority",
			input: func() interface{} {
				si := validSurvey()
				si.Priority = "urgent"
				return &si
			},
			want: map[string]string{"priority": "must be one of [mandatory optional instructor_evaluation]"},
		},
		{
			name: "unknown trigger action",
			input: func() interface{} {
				si := validSurvey()
				si.TriggerActions = []string{"on_login", "on_logout"}
				return &si
			},
			want: map[string]string{"trigger_actions[1]": "must be one of [on_login on_course_view on_exam_enrolment]"},
		},
		{
			name: "unknown audience",
			input: func() interface{} {
				si := validSurvey()
				si.Rules = []survey.RuleInput{{Audience: "alumni"}}
				return &si
			},
			want: map[string]string{"audience": "must be one of [students instructors both]"},
		},
		{
			name: "negative question order",
			input: func() interface{} {
				si := validSurvey()
				si.Questions = []survey.QuestionInput{{Order: -1, Text: "How?", Type: survey.QuestionFreeText}}
				return &si
			},
			want: map[string]string{"order": "must be 0 or greater"},
		},
		{
			name: "no answers",
			input: func() interface{} {
				return &response.Submission{RecipientID: "S1", SurveyID: 1, Answers: []response.AnswerInput{}}
			},
			want: map[string]string{"answers": "must contain at least 1 item(s)"},
		},
		{
			name: "bad survey and question ids",
			input: func() interface{} {
				return &response.Submission{RecipientID: "S1", SurveyID: -1, Answers: []response.AnswerInput{{QuestionID: -2}}}
			},
			want: map[string]string{"survey_id": "must be greater than 0", "question_id": "must be greater than 0"},
		},
		{
			name: "valid",
			input: func() interface{} {
				return &response.Submission{RecipientID: "S1", SurveyID: 1, Answers: []response.AnswerInput{{QuestionID: 2}}}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validate.Struct(tt.input())
			if tt.want == nil {
				if err != nil {
					t.Errorf("Struct() error = %v, wantErr nil", err)
				}
				return
			}
			vErrs, ok := err.(validator.ValidationErrors)
			if !ok {
				t.Fatalf("Struct() error = %v, want validator.ValidationErrors", err)
			}
			got := make(map[string]string, len(vErrs))
			for _, vErr := range vErrs {
				got[vErr.Field()] = vErr.Translate(translator)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

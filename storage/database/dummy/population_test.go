package dummydb_test

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/encuestas/backend/core/population"
	"github.com/encuestas/backend/core/survey"
	testutil "github.com/encuestas/backend/tests"
)

func TestRoster_Students(t *testing.T) {
	ctx := context.Background()
	pred := func(f survey.Field, c survey.Comparator, v string) survey.Predicate {
		return survey.Predicate{Field: f, Comparator: c, Values: []string{v}}
	}

	tests := []struct {
		name    string
		filters []survey.Predicate
		want    []string
	}{
		{name: "no filters", want: []string{"S1", "S2", "S3"}},
		{name: "campus", filters: []survey.Predicate{pred(survey.FieldCampus, survey.CompIs, " main ")}, want: []string{"S1", "S2"}},
		{name: "instructor of an enrolment", filters: []survey.Predicate{pred(survey.FieldInstructor, survey.CompContains, "vera")}, want: []string{"S1"}},
		{name: "not enrolled in course", filters: []survey.Predicate{pred(survey.FieldCourse, survey.CompIsNot, "MAT101")}, want: []string{"S2"}},
		{
			name: "all filters must match",
			filters: []survey.Predicate{
				pred(survey.FieldFaculty, survey.CompIs, "Engineering"),
				pred(survey.FieldProgram, survey.CompContains, "civ"),
			},
			want: []string{"S3"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			err := testutil.Roster().Students(ctx, tt.filters, func(s population.Student) error {
				got = append(got, s.ID)
				return nil
			})
			if err != nil {
				t.Fatalf("Students() error = %v", err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRoster_Instructors(t *testing.T) {
	var got []string
	err := testutil.Roster().Instructors(context.Background(), func(i population.Instructor) error {
		got = append(got, i.Reference())
		return nil
	})
	if err != nil {
		t.Fatalf("Instructors() error = %v", err)
	}
	assert.Equal(t, []string{"GEN-INS-I1", "GEN-INS-S3"}, got)
}

func TestRoster_Catalogs(t *testing.T) {
	got, err := testutil.Roster().Catalogs(context.Background())
	if err != nil {
		t.Fatalf("Catalogs() error = %v", err)
	}
	assert.Equal(t, population.Catalogs{
		Faculties:   []string{"Engineering", "Law"},
		Departments: []string{"Civil Law", "Mathematics", "Physics"},
		Campuses:    []string{"Main", "North"},
		Programs:    []string{"Civil", "Law", "Systems"},
	}, got)
}

func TestRoster_Err(t *testing.T) {
	errDown := errors.New("records system down")
	roster := testutil.Roster()
	roster.Err = errDown

	if err := roster.Students(context.Background(), nil, func(population.Student) error { return nil }); err != errDown {
		t.Errorf("Students() error = %v, wantErr %v", err, errDown)
	}
	if _, err := roster.Catalogs(context.Background()); err != errDown {
		t.Errorf("Catalogs() error = %v, wantErr %v", err, errDown)
	}
}

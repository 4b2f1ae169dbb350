package dummydb

import (
	"context"
	"sort"

	"github.com/encuestas/backend/core/population"
	"github.com/encuestas/backend/core/survey"
)

// Roster is a static academic population. Student filters are evaluated with survey.Predicate.Match,
// course and instructor predicates against the student's enrolments.
type Roster struct {
	StudentRows    []population.Student
	InstructorRows []population.Instructor
	Enrolments     []population.EvaluationContext

	// Err, when set, is returned by every resolver call.
	Err error
}

var _ population.Resolver = (*Roster)(nil) // interface compliance check

func (r *Roster) Students(ctx context.Context, filters []survey.Predicate, fn func(population.Student) error) error {
	if r.Err != nil {
		return r.Err
	}
	for _, s := range r.StudentRows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !r.match(s, filters) {
			continue
		}
		if err := fn(s); err != nil {
			return err
		}
	}
	return nil
}

func (r *Roster) match(s population.Student, filters []survey.Predicate) bool {
	for _, p := range filters {
		var attrs []string
		switch p.Field {
		case survey.FieldCampus:
			attrs = []string{s.Campus}
		case survey.FieldFaculty:
			attrs = []string{s.Faculty}
		case survey.FieldDepartment:
			attrs = []string{s.Department}
		case survey.FieldProgram:
			attrs = []string{s.Program}
		case survey.FieldCourse, survey.FieldInstructor:
			for _, e := range r.Enrolments {
				if e.StudentID != s.ID {
					continue
				}
				if p.Field == survey.FieldCourse {
					attrs = append(attrs, e.CourseCode, e.CourseName)
				} else {
					attrs = append(attrs, e.InstructorID, e.InstructorName)
				}
			}
		}
		if !p.Match(attrs...) {
			return false
		}
	}
	return true
}

func (r *Roster) Instructors(ctx context.Context, fn func(population.Instructor) error) error {
	if r.Err != nil {
		return r.Err
	}
	for _, i := range r.InstructorRows {
		if err := fn(i); err != nil {
			return err
		}
	}
	return nil
}

func (r *Roster) EvaluationContexts(ctx context.Context, fn func(population.EvaluationContext) error) error {
	if r.Err != nil {
		return r.Err
	}
	for _, e := range r.Enrolments {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (r *Roster) Catalogs(context.Context) (population.Catalogs, error) {
	if r.Err != nil {
		return population.Catalogs{}, r.Err
	}
	faculties, departments, campuses, programs := newSet(), newSet(), newSet(), newSet()
	for _, s := range r.StudentRows {
		faculties.add(s.Faculty)
		departments.add(s.Department)
		campuses.add(s.Campus)
		programs.add(s.Program)
	}
	for _, i := range r.InstructorRows {
		departments.add(i.Department)
	}
	return population.Catalogs{
		Faculties:   faculties.sorted(),
		Departments: departments.sorted(),
		Campuses:    campuses.sorted(),
		Programs:    programs.sorted(),
	}, nil
}

type stringSet map[string]bool

func newSet() stringSet { return make(stringSet) }

func (s stringSet) add(v string) {
	if v != "" {
		s[v] = true
	}
}

func (s stringSet) sorted() []string {
	vals := make([]string, 0, len(s))
	for v := range s {
		vals = append(vals, v)
	}
	sort.Strings(vals)
	return vals
}

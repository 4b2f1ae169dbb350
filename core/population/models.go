package population

import (
	"context"

	"github.com/encuestas/backend/core/survey"
)

type (
	// Resolver reads the academic population from the records system.
	// Candidates are streamed through fn; returning an error from fn stops the iteration and is
	// returned as is.
	Resolver interface {
		Students(ctx context.Context, filters []survey.Predicate, fn func(Student) error) error
		Instructors(ctx context.Context, fn func(Instructor) error) error
		// EvaluationContexts yields one candidate per (student, course section, instructor) enrolment.
		EvaluationContexts(ctx context.Context, fn func(EvaluationContext) error) error
		Catalogs(ctx context.Context) (Catalogs, error)
	}

	Student struct {
		ID         string `json:"id" db:"id"`
		Name       string `json:"name" db:"name"`
		Email      string `json:"email" db:"email"`
		Campus     string `json:"campus" db:"campus"`
		Faculty    string `json:"faculty" db:"faculty"`
		Department string `json:"department" db:"department"`
		Program    string `json:"program" db:"program"`
	}

	Instructor struct {
		ID         string `json:"id" db:"id"`
		Name       string `json:"name" db:"name"`
		Email      string `json:"email" db:"email"`
		Department string `json:"department" db:"department"`
	}

	EvaluationContext struct {
		StudentID      string `db:"student_id"`
		StudentName    string `db:"student_name"`
		CourseCode     string `db:"course_code"`
		CourseName     string `db:"course_name"`
		Section        string `db:"section"`
		InstructorID   string `db:"instructor_id"`
		InstructorName string `db:"instructor_name"`
		Department     string `db:"department"`
		Campus         string `db:"campus"`
		Faculty        string `db:"faculty"`
		Program        string `db:"program"`
		Term           string `db:"term"`
	}

	Catalogs struct {
		Faculties   []string `json:"faculties"`
		Departments []string `json:"departments"`
		Campuses    []string `json:"campuses"`
		Programs    []string `json:"programs"`
	}
)

// Reference identifies the enrolment an evaluation assignment is about: {course_code}-{section}-{instructor_id}.
func (c EvaluationContext) Reference() string {
	return c.CourseCode + "-" + c.Section + "-" + c.InstructorID
}

// Metadata is what evaluation assignments carry for reporting. Keys follow the records system naming.
func (c EvaluationContext) Metadata() map[string]interface{} {
	return map[string]interface{}{
		"materia":      c.CourseName,
		"seccion":      c.Section,
		"docente":      c.InstructorName,
		"alumno":       c.StudentName,
		"departamento": c.Department,
		"campus":       c.Campus,
		"facultad":     c.Faculty,
		"carrera":      c.Program,
		"semestre":     c.Term,
	}
}

// Context reference prefixes of the generic per-person assignments.
const (
	StudentRefPrefix    = "GEN-STU-"
	InstructorRefPrefix = "GEN-INS-"
)

func (s Student) Reference() string { return StudentRefPrefix + s.ID }

func (s Student) Metadata() map[string]interface{} {
	return map[string]interface{}{
		"nombre_alumno": s.Name,
		"campus":        s.Campus,
		"facultad":      s.Faculty,
		"departamento":  s.Department,
		"carrera":       s.Program,
	}
}

func (i Instructor) Reference() string { return InstructorRefPrefix + i.ID }

func (i Instructor) Metadata() map[string]interface{} {
	return map[string]interface{}{
		"nombre_docente": i.Name,
		"departamento":   i.Department,
	}
}

// Package sapientia reads the academic population from the records system's schema.
package sapientia

import (
	"context"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/encuestas/backend/core/population"
	"github.com/encuestas/backend/core/survey"
)

const schema = "sapientia."

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type Resolver struct {
	db *sqlx.DB
}

var _ population.Resolver = (*Resolver)(nil) // interface compliance check

func NewResolver(db *sqlx.DB) *Resolver {
	return &Resolver{db: db}
}

// studentsQuery selects the students satisfying every filter.
func studentsQuery(filters []survey.Predicate) (string, []interface{}, error) {
	query := psql.Select(
		"al.id::text AS id",
		"COALESCE(al.nombre, '') AS name",
		"COALESCE(al.email, '') AS email",
		"COALESCE(al.campus, '') AS campus",
		"COALESCE(al.facultad, '') AS faculty",
		"COALESCE(al.departamento, '') AS department",
		"COALESCE(al.carrera, '') AS program",
	).From(schema + "alumnos al").OrderBy("al.id")

	for _, p := range filters {
		cond, err := compile(p)
		if err != nil {
			return "", nil, errors.Wrapf(err, "compiling filter %s", p)
		}
		query = query.Where(cond)
	}
	return query.ToSql()
}

func (r *Resolver) Students(ctx context.Context, filters []survey.Predicate, fn func(population.Student) error) error {
	stmt, args, err := studentsQuery(filters)
	if err != nil {
		return err
	}
	return each(ctx, r.db, "selecting students", stmt, args, fn)
}

func (r *Resolver) Instructors(ctx context.Context, fn func(population.Instructor) error) error {
	return each(ctx, r.db, "selecting instructors", `
		SELECT d.id::text AS id, COALESCE(d.nombre, '') AS name, COALESCE(d.email, '') AS email,
			COALESCE(d.departamento, '') AS department
		FROM `+schema+`docentes d
		ORDER BY d.id`, nil, fn)
}

// EvaluationContexts yields every enrolment whose section has a principal instructor.
func (r *Resolver) EvaluationContexts(ctx context.Context, fn func(population.EvaluationContext) error) error {
	return each(ctx, r.db, "selecting evaluation contexts", `
		SELECT
			i.id_alumno::text AS student_id,
			COALESCE(al.nombre, '') AS student_name,
			a.codigo AS course_code,
			COALESCE(a.nombre, '') AS course_name,
			s.codigo_seccion AS section,
			d.id::text AS instructor_id,
			COALESCE(d.nombre, '') AS instructor_name,
			COALESCE(a.departamento, '') AS department,
			COALESCE(al.campus, '') AS campus,
			COALESCE(al.facultad, '') AS faculty,
			COALESCE(al.carrera, '') AS program,
			COALESCE(a.semestre::text, '') AS term
		FROM `+schema+`inscripciones i
		JOIN `+schema+`secciones s ON s.id = i.id_seccion
		JOIN `+schema+`asignaturas a ON a.id = s.id_asignatura
		JOIN `+schema+`docentes d ON d.id = s.id_docente_principal
		JOIN `+schema+`alumnos al ON al.id = i.id_alumno
		ORDER BY i.id`, nil, fn)
}

func (r *Resolver) Catalogs(ctx context.Context) (population.Catalogs, error) {
	var (
		cat population.Catalogs
		err error
	)
	distinct := func(dest *[]string, query string) {
		if err != nil {
			return
		}
		*dest = []string{}
		err = r.db.SelectContext(ctx, dest, query)
	}
	distinct(&cat.Faculties, "SELECT DISTINCT facultad FROM "+schema+"alumnos WHERE COALESCE(facultad, '') <> '' ORDER BY 1")
	distinct(&cat.Departments, `
		SELECT departamento FROM `+schema+`alumnos WHERE COALESCE(departamento, '') <> ''
		UNION
		SELECT departamento FROM `+schema+`docentes WHERE COALESCE(departamento, '') <> ''
		ORDER BY 1`)
	distinct(&cat.Campuses, "SELECT DISTINCT campus FROM "+schema+"alumnos WHERE COALESCE(campus, '') <> '' ORDER BY 1")
	distinct(&cat.Programs, "SELECT DISTINCT carrera FROM "+schema+"alumnos WHERE COALESCE(carrera, '') <> '' ORDER BY 1")
	if err != nil {
		return population.Catalogs{}, errors.Wrap(err, "selecting catalogs")
	}
	return cat, nil
}

// each streams the rows of query into fn, one struct at a time.
func each[T any](ctx context.Context, db *sqlx.DB, msg, query string, args []interface{}, fn func(T) error) error {
	rows, err := db.QueryxContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, msg)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var v T
		if err = rows.StructScan(&v); err != nil {
			return errors.Wrap(err, msg)
		}
		if err = fn(v); err != nil {
			return err
		}
	}
	return errors.Wrap(rows.Err(), msg)
}

package sapientia

import (
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/pkg/errors"

	"github.com/encuestas/backend/core/survey"
)

// student attributes compared by value; alumnos is aliased "al" in every query
var studentColumns = map[survey.Field]string{
	survey.FieldCampus:     "al.campus",
	survey.FieldFaculty:    "al.facultad",
	survey.FieldDepartment: "al.departamento",
	survey.FieldProgram:    "al.carrera",
}

// normalized renders a column the way Predicate.Match normalizes attributes.
func normalized(column string) string {
	return "LOWER(TRIM(COALESCE(" + column + ", '')))"
}

// compile turns a predicate into a parameterized condition over the student row "al".
// Course and instructor predicates hold when any enrolment of the student matches; negated
// comparators hold when none does, as Predicate.Match does.
func compile(p survey.Predicate) (sq.Sqlizer, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	var cond sq.Sqlizer
	switch p.Field {
	case survey.FieldCourse:
		cond = enrolledWhere(
			"JOIN "+schema+"asignaturas a ON a.id = s.id_asignatura",
			matchAny(p, normalized("a.codigo"), normalized("a.nombre")),
		)
	case survey.FieldInstructor:
		cond = enrolledWhere(
			"JOIN "+schema+"docentes d ON d.id = s.id_docente_principal",
			matchAny(p, normalized("d.id::text"), normalized("d.nombre")),
		)
	default:
		column, ok := studentColumns[p.Field]
		if !ok {
			return nil, errors.Wrapf(survey.ErrUnknownField, "%q", p.Field)
		}
		cond = matchAny(p, normalized(column))
	}

	if p.Comparator.Negated() {
		return sq.Expr("NOT ?", cond), nil
	}
	return cond, nil
}

// matchAny holds when any of the expressions matches any of the predicate's values.
func matchAny(p survey.Predicate, exprs ...string) sq.Sqlizer {
	values := make([]string, 0, len(p.Values))
	for _, v := range p.Values {
		values = append(values, strings.ToLower(strings.TrimSpace(v)))
	}

	var or sq.Or
	for _, expr := range exprs {
		switch p.Comparator {
		case survey.CompIs, survey.CompIsNot:
			or = append(or, sq.Eq{expr: values})
		case survey.CompContains, survey.CompNotContains:
			for _, v := range values {
				or = append(or, sq.Like{expr: "%" + escapeLike(v) + "%"})
			}
		}
	}
	return or
}

// enrolledWhere holds when the student has an enrolment, joined to its section "s" and to join,
// satisfying cond.
func enrolledWhere(join string, cond sq.Sqlizer) sq.Sqlizer {
	sub := sq.Select("1").
		From(schema+"inscripciones i").
		Join(schema+"secciones s ON s.id = i.id_seccion").
		JoinClause(join).
		Where("i.id_alumno = al.id").
		Where(cond)
	return sq.Expr("EXISTS (?)", sub)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

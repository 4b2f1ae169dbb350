package survey

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Field is an attribute of the academic population a Predicate filters on.
type Field string

const (
	FieldCampus     Field = "campus"
	FieldFaculty    Field = "faculty"
	FieldDepartment Field = "department"
	FieldProgram    Field = "program"
	FieldCourse     Field = "course"
	FieldInstructor Field = "instructor"
)

var Fields = []Field{FieldCampus, FieldFaculty, FieldDepartment, FieldProgram, FieldCourse, FieldInstructor}

// Comparator tells how a Predicate compares a population attribute against its values.
type Comparator string

const (
	CompIs          Comparator = "is"
	CompIsNot       Comparator = "is_not"
	CompContains    Comparator = "contains"
	CompNotContains Comparator = "not_contains"
)

var Comparators = []Comparator{CompIs, CompIsNot, CompContains, CompNotContains}

// names used by the rule builder of the admin UI
var (
	legacyFields = map[string]Field{
		"campus":       FieldCampus,
		"facultad":     FieldFaculty,
		"departamento": FieldDepartment,
		"carrera":      FieldProgram,
		"asignatura":   FieldCourse,
		"docente":      FieldInstructor,
	}
	legacyComparators = map[string]Comparator{
		"es":          CompIs,
		"no es":       CompIsNot,
		"contiene":    CompContains,
		"no contiene": CompNotContains,
	}
)

var (
	ErrUnknownField      = errors.New("unknown filter field")
	ErrUnknownComparator = errors.New("unknown filter comparator")
	ErrNoFilterValues    = errors.New("filter requires at least one value")
)

// Predicate is one filter of an assignment rule: `Field Comparator any-of Values`.
// Predicates of a rule are ANDed.
type Predicate struct {
	Field      Field      `json:"field"`
	Comparator Comparator `json:"comparator"`
	Values     []string   `json:"values"`
}

func (f Field) Valid() bool {
	for _, fld := range Fields {
		if f == fld {
			return true
		}
	}
	return false
}

func (c Comparator) Valid() bool {
	for _, comp := range Comparators {
		if c == comp {
			return true
		}
	}
	return false
}

// Negated reports whether the comparator excludes matches (is_not, not_contains).
func (c Comparator) Negated() bool {
	return c == CompIsNot || c == CompNotContains
}

func (p Predicate) Validate() error {
	if !p.Field.Valid() {
		return errors.Wrapf(ErrUnknownField, "%q", p.Field)
	}
	if !p.Comparator.Valid() {
		return errors.Wrapf(ErrUnknownComparator, "%q", p.Comparator)
	}
	if len(p.Values) == 0 {
		return errors.Wrapf(ErrNoFilterValues, "%s", p.Field)
	}
	return nil
}

func (p Predicate) String() string {
	return fmt.Sprintf("%s %s %s", p.Field, p.Comparator, strings.Join(p.Values, "|"))
}

// Match evaluates the predicate against the attribute values of one candidate.
// A candidate may carry several values for a field (e.g. one per enrolled course):
// positive comparators need any of them to match, negated ones need none to.
func (p Predicate) Match(attrs ...string) bool {
	var matched bool
	for _, attr := range attrs {
		attr = strings.ToLower(strings.TrimSpace(attr))
		for _, val := range p.Values {
			val = strings.ToLower(strings.TrimSpace(val))
			switch p.Comparator {
			case CompIs, CompIsNot:
				matched = attr == val
			case CompContains, CompNotContains:
				matched = strings.Contains(attr, val)
			}
			if matched {
				break
			}
		}
		if matched {
			break
		}
	}
	if p.Comparator.Negated() {
		return !matched
	}
	return matched
}

// UnmarshalJSON accepts both the canonical form and the rule builder's
// {"campo": "carrera", "regla": "no es", "valores": [...]} / {"campo": ..., "valor": "..."}.
func (p *Predicate) UnmarshalJSON(data []byte) error {
	var raw struct {
		Field      string          `json:"field"`
		Comparator string          `json:"comparator"`
		Values     []string        `json:"values"`
		Campo      string          `json:"campo"`
		Regla      string          `json:"regla"`
		Valores    []string        `json:"valores"`
		Valor      json.RawMessage `json:"valor"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	field := Field(strings.ToLower(strings.TrimSpace(raw.Field)))
	if raw.Campo != "" {
		campo := strings.ToLower(strings.TrimSpace(raw.Campo))
		if f, ok := legacyFields[campo]; ok {
			field = f
		} else {
			field = Field(campo)
		}
	}

	comp := Comparator(strings.ToLower(strings.TrimSpace(raw.Comparator)))
	if raw.Regla != "" {
		regla := strings.ToLower(strings.TrimSpace(raw.Regla))
		if c, ok := legacyComparators[regla]; ok {
			comp = c
		} else {
			comp = Comparator(regla)
		}
	}
	if comp == "" {
		comp = CompIs
	}

	values := raw.Values
	if len(raw.Valores) > 0 {
		values = raw.Valores
	}
	if len(values) == 0 && len(raw.Valor) > 0 {
		// "valor" is either a string or a list of strings
		var single string
		if err := json.Unmarshal(raw.Valor, &single); err == nil {
			values = []string{single}
		} else if err = json.Unmarshal(raw.Valor, &values); err != nil {
			return errors.Wrap(err, "decoding filter value")
		}
	}

	*p = Predicate{Field: field, Comparator: comp, Values: values}
	return nil
}

package etl

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// metadata keys read for each dimension attribute, in order of preference
var (
	facultyKeys    = []string{"facultad", "faculty"}
	programKeys    = []string{"carrera", "program"}
	campusKeys     = []string{"campus"}
	instructorKeys = []string{"profesor", "instructor"}
	courseKeys     = []string{"asignatura", "course"}
	termKeys       = []string{"semestre", "term"}
)

// record is a Row expanded into dimension keys.
type record struct {
	row      Row
	time     TimeKey
	location LocationKey
	context  ContextKey
	question QuestionKey
}

func transform(row Row) record {
	at := row.CompletedAt.UTC()
	half := 1
	if at.Month() > 6 {
		half = 2
	}
	return record{
		row: row,
		time: TimeKey{
			Date:     at.Format("2006-01-02"),
			Year:     at.Year(),
			HalfYear: half,
			Month:    int(at.Month()),
			Weekday:  at.Weekday().String(),
		},
		location: LocationKey{
			Faculty: metaString(row.Metadata, facultyKeys),
			Program: metaString(row.Metadata, programKeys),
			Campus:  metaString(row.Metadata, campusKeys),
		},
		context: ContextKey{
			Instructor: metaString(row.Metadata, instructorKeys),
			Course:     metaString(row.Metadata, courseKeys),
			Term:       metaString(row.Metadata, termKeys),
		},
		question: QuestionKey{
			Text:        row.QuestionText,
			SurveyTitle: row.SurveyTitle,
			Type:        row.QuestionType,
		},
	}
}

// metaString returns the first non-empty value found under keys, or Unknown.
func metaString(meta map[string]interface{}, keys []string) string {
	for _, k := range keys {
		v, ok := meta[k]
		if !ok || v == nil {
			continue
		}
		var s string
		switch val := v.(type) {
		case string:
			s = val
		case float64: // JSON numbers
			s = strconv.FormatFloat(val, 'f', -1, 64)
		default:
			s = fmt.Sprint(val)
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return Unknown
}

// parseNumeric is a best-effort numeric read of an answer; nil when it does not parse to a finite number.
func parseNumeric(answer *string) *float64 {
	if answer == nil {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(*answer), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

package assignment

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// batch kinds
const (
	kindEvaluation  = "evaluation"
	kindStudents    = "students"
	kindInstructors = "instructors"
	kindAdHoc       = "ad_hoc"
)

var (
	assignmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "encuestas_assignments_total",
		Help: "Assignments considered during publication, by kind and outcome (created|skipped)",
	}, []string{"kind", "outcome"})

	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "encuestas_assignment_batches_total",
		Help: "Assignment batches committed, by kind",
	}, []string{"kind"})

	batchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "encuestas_assignment_batch_duration_seconds",
		Help:    "Duration of one assignment batch (existence check, insert and commit)",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"kind"})
)

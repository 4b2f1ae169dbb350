package etl

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/encuestas/backend/core"
)

const lockKey = "etl:run"

var ErrRunInProgress = errors.New("an ETL run is already in progress")

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "encuestas_etl_runs_total",
		Help: "ETL runs, by outcome (ok|empty|failed|skipped)",
	}, []string{"outcome"})

	factsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "encuestas_etl_facts_total",
		Help: "Fact rows appended by the ETL",
	})

	transactionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "encuestas_etl_transactions_total",
		Help: "Response transactions loaded by the ETL",
	})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "encuestas_etl_run_duration_seconds",
		Help:    "Duration of ETL runs",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
)

type Config struct {
	LockTTL time.Duration
}

func NewConfig(conf *core.Config) Config {
	return Config{LockTTL: conf.ETL.LockTTL}
}

// Runner loads pending response transactions into the warehouse.
type Runner struct {
	wh     Warehouse
	locker core.Locker
	conf   Config
	logger core.Logger
}

var nowFunc = time.Now // mockable

func NewRunner(wh Warehouse, locker core.Locker, conf Config, logger core.Logger) *Runner {
	if conf.LockTTL <= 0 {
		conf.LockTTL = 30 * time.Minute
	}
	return &Runner{wh: wh, locker: locker, conf: conf, logger: logger}
}

func (r *Runner) Status(ctx context.Context) (Status, error) {
	return r.wh.Status(ctx)
}

// Run is one batch pass over every unprocessed transaction. It executes in a single transaction:
// on failure nothing is written and the transactions stay pending.
func (r *Runner) Run(ctx context.Context) (res Result, err error) {
	ctx, span := otel.Tracer("encuestas/etl").Start(ctx, "etl.Run")
	start := nowFunc()
	defer func() {
		res.Duration = nowFunc().Sub(start)
		span.SetAttributes(attribute.Int("etl.transactions", res.Transactions), attribute.Int("etl.facts", res.Facts))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	lock, err := r.locker.Acquire(ctx, lockKey, r.conf.LockTTL)
	if err != nil {
		if errors.Cause(err) == core.ErrLockHeld {
			runsTotal.WithLabelValues("skipped").Inc()
			return res, core.NewValidationError(ErrRunInProgress)
		}
		return res, errors.Wrap(err, "acquiring ETL lock")
	}
	defer func() {
		if rErr := lock.Release(context.Background()); rErr != nil {
			r.logger.Warn("releasing ETL lock", rErr)
		}
	}()

	timer := prometheus.NewTimer(runDuration)
	defer timer.ObserveDuration()

	res, err = r.run(ctx)
	switch {
	case err != nil:
		runsTotal.WithLabelValues("failed").Inc()
		r.logger.Error("ETL run failed", err)
	case res.Transactions == 0:
		runsTotal.WithLabelValues("empty").Inc()
	default:
		runsTotal.WithLabelValues("ok").Inc()
		factsTotal.Add(float64(res.Facts))
		transactionsTotal.Add(float64(res.Transactions))
		r.logger.Info(fmt.Sprintf("ETL loaded %d facts from %d transactions", res.Facts, res.Transactions))
	}
	return res, err
}

func (r *Runner) run(ctx context.Context) (Result, error) {
	var res Result

	tx, err := r.wh.Begin(ctx)
	if err != nil {
		return res, errors.Wrap(err, "beginning ETL transaction")
	}
	defer func() { _ = tx.Rollback() }()

	// extract
	rows, err := tx.PendingRows(ctx)
	if err != nil {
		return res, errors.Wrap(err, "extracting pending rows")
	}
	if len(rows) == 0 {
		return res, errors.Wrap(tx.Commit(), "committing empty ETL run")
	}

	// transform
	records := make([]record, 0, len(rows))
	for _, row := range rows {
		records = append(records, transform(row))
	}

	// dimensions
	times, newTimes, err := resolveDimension(ctx, records, func(rec record) TimeKey { return rec.time }, tx.TimeKeys, tx.InsertTimes)
	if err != nil {
		return res, errors.Wrap(err, "loading time dimension")
	}
	locations, newLocations, err := resolveDimension(ctx, records, func(rec record) LocationKey { return rec.location }, tx.LocationKeys, tx.InsertLocations)
	if err != nil {
		return res, errors.Wrap(err, "loading location dimension")
	}
	contexts, newContexts, err := resolveDimension(ctx, records, func(rec record) ContextKey { return rec.context }, tx.ContextKeys, tx.InsertContexts)
	if err != nil {
		return res, errors.Wrap(err, "loading academic context dimension")
	}
	questions, newQuestions, err := resolveDimension(ctx, records, func(rec record) QuestionKey { return rec.question }, tx.QuestionKeys, tx.InsertQuestions)
	if err != nil {
		return res, errors.Wrap(err, "loading question dimension")
	}

	// facts
	facts := make([]Fact, 0, len(records))
	txnIDs := make([]int64, 0, len(records))
	seenTxn := make(map[int64]bool)
	for _, rec := range records {
		facts = append(facts, Fact{
			TransactionID: rec.row.TransactionID,
			TimeID:        times[rec.time],
			LocationID:    locations[rec.location],
			ContextID:     contexts[rec.context],
			QuestionID:    questions[rec.question],
			Numeric:       parseNumeric(rec.row.Answer),
			Text:          rec.row.Answer,
			Count:         1,
		})
		if !seenTxn[rec.row.TransactionID] {
			seenTxn[rec.row.TransactionID] = true
			txnIDs = append(txnIDs, rec.row.TransactionID)
		}
	}
	if err = tx.InsertFacts(ctx, facts); err != nil {
		return res, errors.Wrap(err, "inserting facts")
	}

	// close the loop
	if err = tx.MarkProcessed(ctx, txnIDs); err != nil {
		return res, errors.Wrap(err, "marking transactions processed")
	}
	if err = tx.Commit(); err != nil {
		return res, errors.Wrap(err, "committing ETL run")
	}

	res.Transactions = len(txnIDs)
	res.Facts = len(facts)
	res.NewTimes, res.NewLocations, res.NewContexts, res.NewQuestions = newTimes, newLocations, newContexts, newQuestions
	return res, nil
}

// resolveDimension inserts the natural keys of the batch missing from the dimension, then re-reads
// the whole dimension to map every key to its surrogate id. The dimension is assumed to fit in memory.
func resolveDimension[K comparable](
	ctx context.Context,
	records []record,
	keyOf func(record) K,
	load func(context.Context) (map[K]int64, error),
	insert func(context.Context, []K) error,
) (map[K]int64, int, error) {
	existing, err := load(ctx)
	if err != nil {
		return nil, 0, err
	}

	var missing []K
	seen := make(map[K]bool)
	for _, rec := range records {
		k := keyOf(rec)
		if _, ok := existing[k]; ok || seen[k] {
			continue
		}
		seen[k] = true
		missing = append(missing, k)
	}
	if len(missing) == 0 {
		return existing, 0, nil
	}

	if err = insert(ctx, missing); err != nil {
		return nil, 0, err
	}
	keys, err := load(ctx)
	if err != nil {
		return nil, 0, err
	}
	for _, k := range missing {
		if _, ok := keys[k]; !ok {
			return nil, 0, errors.Errorf("dimension key %+v missing after insert", k)
		}
	}
	return keys, len(missing), nil
}

package dummydb

import (
	"context"
	"sort"

	"github.com/encuestas/backend/core/etl"
)

type (
	warehouse struct {
		db *DB
	}

	// warehouseTx holds the whole run. Dimension rows get their ids when staged so the
	// re-read after insert sees them, as it would inside a database transaction.
	warehouseTx struct {
		db        *DB
		times     map[etl.TimeKey]int64
		locations map[etl.LocationKey]int64
		contexts  map[etl.ContextKey]int64
		questions map[etl.QuestionKey]int64
		facts     []etl.Fact
		processed []int64
		done      bool
	}
)

var (
	_ etl.Warehouse = (*warehouse)(nil) // interface compliance check
	_ etl.Tx        = (*warehouseTx)(nil)
)

func NewWarehouse(db *DB) etl.Warehouse {
	return &warehouse{db: db}
}

func (w *warehouse) Begin(context.Context) (etl.Tx, error) {
	if err := w.db.fault("Begin"); err != nil {
		return nil, err
	}
	w.db.etlMu.Lock()
	return &warehouseTx{
		db:        w.db,
		times:     make(map[etl.TimeKey]int64),
		locations: make(map[etl.LocationKey]int64),
		contexts:  make(map[etl.ContextKey]int64),
		questions: make(map[etl.QuestionKey]int64),
	}, nil
}

func (w *warehouse) Status(context.Context) (etl.Status, error) {
	w.db.RLock()
	defer w.db.RUnlock()

	st := etl.Status{Total: len(w.db.transactions)}
	for _, t := range w.db.transactions {
		if !t.ProcessedByETL {
			st.Pending++
		}
	}
	return st, nil
}

func (tx *warehouseTx) PendingRows(context.Context) ([]etl.Row, error) {
	if err := tx.db.fault("PendingRows"); err != nil {
		return nil, err
	}
	tx.db.RLock()
	defer tx.db.RUnlock()

	ids := make([]int64, 0, len(tx.db.transactions))
	for id, t := range tx.db.transactions {
		if !t.ProcessedByETL {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var rows []etl.Row
	for _, id := range ids {
		t := tx.db.transactions[id]
		srv := tx.db.surveys[t.SurveyID]
		for _, a := range t.Answers {
			row := etl.Row{
				TransactionID: t.ID,
				CompletedAt:   t.CompletedAt,
				Metadata:      t.Metadata,
				QuestionText:  etl.Unknown,
				QuestionType:  etl.Unknown,
				SurveyTitle:   etl.Unknown,
			}
			if a.Text != nil && *a.Text != "" {
				row.Answer = a.Text
			}
			if srv != nil {
				row.SurveyTitle = srv.Title
				if q, ok := srv.Question(a.QuestionID); ok {
					row.QuestionText = q.Text
					row.QuestionType = string(q.Type)
					if row.Answer == nil && a.OptionID != nil {
						for _, o := range q.Options {
							if o.ID == *a.OptionID {
								text := o.Text
								row.Answer = &text
							}
						}
					}
				}
			}
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// dimensionKeys returns the committed keys merged with the staged ones.
func dimensionKeys[K comparable](db *DB, committed, staged map[K]int64) map[K]int64 {
	db.RLock()
	defer db.RUnlock()

	keys := make(map[K]int64, len(committed)+len(staged))
	for k, id := range committed {
		keys[k] = id
	}
	for k, id := range staged {
		keys[k] = id
	}
	return keys
}

func stageDimension[K comparable](db *DB, committed, staged map[K]int64, keys []K) {
	db.Lock()
	defer db.Unlock()

	for _, k := range keys {
		if _, ok := committed[k]; ok {
			continue
		}
		if _, ok := staged[k]; ok {
			continue
		}
		staged[k] = db.nextID()
	}
}

func (tx *warehouseTx) TimeKeys(context.Context) (map[etl.TimeKey]int64, error) {
	return dimensionKeys(tx.db, tx.db.times, tx.times), nil
}

func (tx *warehouseTx) InsertTimes(_ context.Context, keys []etl.TimeKey) error {
	stageDimension(tx.db, tx.db.times, tx.times, keys)
	return nil
}

func (tx *warehouseTx) LocationKeys(context.Context) (map[etl.LocationKey]int64, error) {
	return dimensionKeys(tx.db, tx.db.locations, tx.locations), nil
}

func (tx *warehouseTx) InsertLocations(_ context.Context, keys []etl.LocationKey) error {
	stageDimension(tx.db, tx.db.locations, tx.locations, keys)
	return nil
}

func (tx *warehouseTx) ContextKeys(context.Context) (map[etl.ContextKey]int64, error) {
	return dimensionKeys(tx.db, tx.db.contexts, tx.contexts), nil
}

func (tx *warehouseTx) InsertContexts(_ context.Context, keys []etl.ContextKey) error {
	stageDimension(tx.db, tx.db.contexts, tx.contexts, keys)
	return nil
}

func (tx *warehouseTx) QuestionKeys(context.Context) (map[etl.QuestionKey]int64, error) {
	return dimensionKeys(tx.db, tx.db.questions, tx.questions), nil
}

func (tx *warehouseTx) InsertQuestions(_ context.Context, keys []etl.QuestionKey) error {
	if err := tx.db.fault("InsertQuestions"); err != nil {
		return err
	}
	stageDimension(tx.db, tx.db.questions, tx.questions, keys)
	return nil
}

func (tx *warehouseTx) InsertFacts(_ context.Context, facts []etl.Fact) error {
	if err := tx.db.fault("InsertFacts"); err != nil {
		return err
	}
	tx.facts = append(tx.facts, facts...)
	return nil
}

func (tx *warehouseTx) MarkProcessed(_ context.Context, transactionIDs []int64) error {
	if err := tx.db.fault("MarkProcessed"); err != nil {
		return err
	}
	tx.processed = append(tx.processed, transactionIDs...)
	return nil
}

func (tx *warehouseTx) Commit() error {
	if tx.done {
		return nil
	}
	if err := tx.db.fault("CommitWarehouse"); err != nil {
		return err
	}
	tx.db.Lock()
	for k, id := range tx.times {
		tx.db.times[k] = id
	}
	for k, id := range tx.locations {
		tx.db.locations[k] = id
	}
	for k, id := range tx.contexts {
		tx.db.contexts[k] = id
	}
	for k, id := range tx.questions {
		tx.db.questions[k] = id
	}
	tx.db.facts = append(tx.db.facts, tx.facts...)
	for _, id := range tx.processed {
		if t, ok := tx.db.transactions[id]; ok {
			t.ProcessedByETL = true
		}
	}
	tx.db.Unlock()

	tx.done = true
	tx.db.etlMu.Unlock()
	return nil
}

func (tx *warehouseTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.db.etlMu.Unlock()
	return nil
}

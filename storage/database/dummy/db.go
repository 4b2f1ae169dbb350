// Package dummydb holds in-memory adapters for every storage port. Used by service and handler tests.
package dummydb

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/encuestas/backend/core/assignment"
	"github.com/encuestas/backend/core/etl"
	"github.com/encuestas/backend/core/response"
	"github.com/encuestas/backend/core/survey"
)

// ErrUniqueViolation mirrors the assignment unique constraint of the relational schema.
var ErrUniqueViolation = errors.New("duplicate key value violates unique constraint \"assignments_recipient_survey_context_key\"")

type (
	DB struct {
		sync.RWMutex
		pkCount int64

		surveys      map[int64]*survey.Survey
		assignments  map[int64]*assignment.Assignment
		transactions map[int64]*response.Transaction
		drafts       map[int64]*response.Draft

		times     map[etl.TimeKey]int64
		locations map[etl.LocationKey]int64
		contexts  map[etl.ContextKey]int64
		questions map[etl.QuestionKey]int64
		facts     []etl.Fact

		// serializes warehouse transactions, like the advisory lock does in Postgres
		etlMu sync.Mutex

		faults map[string]error
	}
)

func Open() (*DB, error) {
	db := &DB{
		surveys:      make(map[int64]*survey.Survey),
		assignments:  make(map[int64]*assignment.Assignment),
		transactions: make(map[int64]*response.Transaction),
		drafts:       make(map[int64]*response.Draft),
		times:        make(map[etl.TimeKey]int64),
		locations:    make(map[etl.LocationKey]int64),
		contexts:     make(map[etl.ContextKey]int64),
		questions:    make(map[etl.QuestionKey]int64),
		faults:       make(map[string]error),
	}
	return db, nil
}

// FailOn makes every later call of the named adapter method (e.g. "InsertFacts") return err.
// A nil err clears the fault.
func (db *DB) FailOn(method string, err error) {
	db.Lock()
	defer db.Unlock()
	if err == nil {
		delete(db.faults, method)
		return
	}
	db.faults[method] = err
}

func (db *DB) fault(method string) error {
	db.RLock()
	defer db.RUnlock()
	return db.faults[method]
}

// nextID must be called with the write lock held.
func (db *DB) nextID() int64 {
	db.pkCount++
	return db.pkCount
}

// Counts reports the number of rows per table. Used by tests to assert all-or-nothing writes.
type Counts struct {
	Assignments  int
	Transactions int
	Answers      int
	Drafts       int
	Times        int
	Locations    int
	Contexts     int
	Questions    int
	Facts        int
}

func (db *DB) Counts() Counts {
	db.RLock()
	defer db.RUnlock()

	c := Counts{
		Assignments:  len(db.assignments),
		Transactions: len(db.transactions),
		Drafts:       len(db.drafts),
		Times:        len(db.times),
		Locations:    len(db.locations),
		Contexts:     len(db.contexts),
		Questions:    len(db.questions),
		Facts:        len(db.facts),
	}
	for _, t := range db.transactions {
		c.Answers += len(t.Answers)
	}
	return c
}

// Facts returns a copy of the fact table.
func (db *DB) Facts() []etl.Fact {
	db.RLock()
	defer db.RUnlock()
	return append([]etl.Fact(nil), db.facts...)
}

// Transactions returns copies of the response transactions, by id.
func (db *DB) Transactions() map[int64]response.Transaction {
	db.RLock()
	defer db.RUnlock()
	txns := make(map[int64]response.Transaction, len(db.transactions))
	for id, t := range db.transactions {
		txns[id] = *t
	}
	return txns
}

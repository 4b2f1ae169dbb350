package etl

import (
	"context"
	"time"

	"github.com/encuestas/backend/core"
)

// Unknown replaces every missing dimension attribute.
const Unknown = "Unknown"

// Row is one answer of a transaction not yet loaded into the warehouse.
type Row struct {
	TransactionID int64
	CompletedAt   time.Time
	Metadata      map[string]interface{}
	// Answer is the free-text value, or the chosen option's text; nil when neither exists.
	Answer       *string
	QuestionText string
	QuestionType string
	SurveyTitle  string
}

// Dimension natural keys.
type (
	TimeKey struct {
		Date     string // YYYY-MM-DD
		Year     int
		HalfYear int
		Month    int
		Weekday  string
	}

	LocationKey struct {
		Faculty string
		Program string
		Campus  string
	}

	ContextKey struct {
		Instructor string
		Course     string
		Term       string
	}

	QuestionKey struct {
		Text        string
		SurveyTitle string
		Type        string
	}
)

type Fact struct {
	TransactionID int64
	TimeID        int64
	LocationID    int64
	ContextID     int64
	QuestionID    int64
	Numeric       *float64
	Text          *string
	Count         int
}

// Result sums up one run.
type Result struct {
	Transactions int           `json:"transactions"`
	Facts        int           `json:"facts"`
	NewTimes     int           `json:"new_times"`
	NewLocations int           `json:"new_locations"`
	NewContexts  int           `json:"new_contexts"`
	NewQuestions int           `json:"new_questions"`
	Duration     time.Duration `json:"duration"`
}

type Status struct {
	Pending int `json:"pending"`
	Total   int `json:"total"`
}

type (
	Warehouse interface {
		// Begin starts the single transaction a whole run executes in. Implementations serialize
		// concurrent runs on it.
		Begin(ctx context.Context) (Tx, error)
		Status(ctx context.Context) (Status, error)
	}

	Tx interface {
		core.Transactor

		PendingRows(ctx context.Context) ([]Row, error)

		TimeKeys(ctx context.Context) (map[TimeKey]int64, error)
		InsertTimes(ctx context.Context, keys []TimeKey) error
		LocationKeys(ctx context.Context) (map[LocationKey]int64, error)
		InsertLocations(ctx context.Context, keys []LocationKey) error
		ContextKeys(ctx context.Context) (map[ContextKey]int64, error)
		InsertContexts(ctx context.Context, keys []ContextKey) error
		QuestionKeys(ctx context.Context) (map[QuestionKey]int64, error)
		InsertQuestions(ctx context.Context, keys []QuestionKey) error

		InsertFacts(ctx context.Context, facts []Fact) error
		// MarkProcessed flags the source transactions in a single statement.
		MarkProcessed(ctx context.Context, transactionIDs []int64) error
	}
)

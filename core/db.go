package core

type (
	// Transactor is the unit of work handed out by the stores' Begin methods.
	// Rollback after a successful Commit is a no-op, so it is safe to defer.
	Transactor interface {
		Commit() error
		Rollback() error
	}
)

type DBOrdering struct {
	Field     string
	Ascending bool
}

func (ord DBOrdering) String() string {
	direction := "DESC"
	if ord.Ascending {
		direction = "ASC"
	}
	return ord.Field + " " + direction
}

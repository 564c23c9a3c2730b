package repository

// Postgres is the Repository implementation backed by a live database.
// Every mutating method issues a single autocommitted SQL statement (no
// explicit sqlx.Tx is opened); there is deliberately
// no package-level mutex — concurrent writers are serialized by Postgres
// row locks and the conditional UPDATE guard in TransitionCapture, not by
// anything in this process.
type Postgres struct {
	db *DB
}

// NewPostgres wraps an already-opened DB in a Repository.
func NewPostgres(db *DB) *Postgres {
	return &Postgres{db: db}
}

var _ Repository = (*Postgres)(nil)

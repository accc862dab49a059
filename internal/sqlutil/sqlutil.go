// Package sqlutil holds the small helpers every storage/{postgres,sqlite3}
// table in this repo shares: preparing a batch of statements against a
// *sql.DB, and picking the right *sql.Stmt depending on whether the caller
// handed in a transaction. The shapes here (StatementList, TxStmt) mirror
// the teacher's internal/sqlutil package as used throughout its storage
// layer (see federationapi/storage/postgres/retry_state_table.go).
package sqlutil

import "database/sql"

// StatementList is a batch of (destination, SQL) pairs prepared together so
// a table constructor can fail fast and atomically if any one of them is
// malformed.
type StatementList []struct {
	Statement **sql.Stmt
	SQL       string
}

// Prepare prepares every statement in the list against db, assigning each
// into its destination pointer.
func (s StatementList) Prepare(db *sql.DB) error {
	for _, entry := range s {
		stmt, err := db.Prepare(entry.SQL)
		if err != nil {
			return err
		}
		*entry.Statement = stmt
	}
	return nil
}

// TxStmt returns stmt bound to txn if txn is non-nil, otherwise stmt
// unchanged. Every table method takes an optional transaction this way so
// the same prepared statements serve both transactional and one-off calls.
func TxStmt(txn *sql.Tx, stmt *sql.Stmt) *sql.Stmt {
	if txn == nil {
		return stmt
	}
	return txn.Stmt(stmt)
}

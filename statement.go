package monetdriver

import (
	"database/sql/driver"
)

// monetStmt executes its statement client-side; the sql language over MAPI
// has no client-visible prepared-statement ids worth keeping, and parameter
// binding is out of scope for this driver.
type monetStmt struct {
	mc    *monetConn
	query string
}

func (stmt *monetStmt) Close() error {
	stmt.mc = nil
	return nil
}

func (stmt *monetStmt) NumInput() int {
	return 0
}

func (stmt *monetStmt) Exec(args []driver.Value) (driver.Result, error) {
	if stmt.mc == nil || stmt.mc.closed.Load() {
		return nil, driver.ErrBadConn
	}
	return stmt.mc.Exec(stmt.query, args)
}

func (stmt *monetStmt) Query(args []driver.Value) (driver.Rows, error) {
	if stmt.mc == nil || stmt.mc.closed.Load() {
		return nil, driver.ErrBadConn
	}
	return stmt.mc.Query(stmt.query, args)
}

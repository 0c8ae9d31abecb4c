package monetdriver

import (
	"context"
	"database/sql/driver"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
)

type monetConn struct {
	buf       buffer
	netConn   net.Conn
	rawConn   net.Conn // underlying connection when netConn is TLS-wrapped
	cfg       *Target
	connector *Connector
	log       *zap.Logger
	reply     *replyStream

	// for context support
	watching bool
	watcher  chan<- context.Context
	finished chan<- struct{}
	canceled atomicError
	closech  chan struct{}
	closed   atomic.Bool
}

// cancel is called when the driver detects the connection is broken or the
// caller's context expired.
func (mc *monetConn) cancel(err error) {
	mc.canceled.Set(err)
	mc.cleanup()
}

func (mc *monetConn) startWatcher() {
	watcher := make(chan context.Context, 1)
	mc.watcher = watcher
	finished := make(chan struct{})
	mc.finished = finished
	go func() {
		for {
			var ctx context.Context
			select {
			case ctx = <-watcher:
			case <-mc.closech:
				return
			}

			select {
			case <-ctx.Done():
				mc.cancel(ctx.Err())
			case <-finished:
			case <-mc.closech:
				return
			}
		}
	}()
}

func (mc *monetConn) watchCancel(ctx context.Context) error {
	if mc.watching {
		// Reach here if canceled, the connection is already invalid
		mc.cleanup()
		return nil
	}
	// When ctx is already cancelled, don't watch it.
	if err := ctx.Err(); err != nil {
		return err
	}
	// When ctx is not cancellable, don't watch it.
	if ctx.Done() == nil {
		return nil
	}
	if mc.watcher == nil {
		return nil
	}

	mc.watching = true
	mc.watcher <- ctx
	return nil
}

func (mc *monetConn) finish() {
	if !mc.watching || mc.finished == nil {
		return
	}
	select {
	case mc.finished <- struct{}{}:
		mc.watching = false
	case <-mc.closech:
	}
}

// cleanup tears the connection down without the protocol goodbye. Safe to
// call multiple times; in-flight reads and writes unblock with a
// connection-closed error.
func (mc *monetConn) cleanup() {
	if mc.closed.Swap(true) {
		return
	}
	close(mc.closech)
	if mc.netConn != nil {
		if err := mc.netConn.Close(); err != nil {
			mc.log.Debug("close failed", zap.Error(err))
		}
	}
	mc.reply = nil
}

func (mc *monetConn) error() error {
	if mc.closed.Load() {
		if err := mc.canceled.Value(); err != nil {
			return err
		}
		return driver.ErrBadConn
	}
	return nil
}

// Close implements driver.Conn.
func (mc *monetConn) Close() error {
	mc.finish()
	mc.cleanup()
	return nil
}

// IsValid implements driver.Validator.
func (mc *monetConn) IsValid() bool {
	return !mc.closed.Load()
}

// applySessionOptions pushes the Target's session-level settings to the
// freshly authenticated server.
func (mc *monetConn) applySessionOptions() error {
	if mc.cfg.Language != "sql" {
		return nil
	}
	if mc.cfg.ReplySize != 0 && mc.cfg.ReplySize != defaultReplySize {
		if err := mc.xcommand("Xreply_size " + strconv.Itoa(mc.cfg.ReplySize)); err != nil {
			return err
		}
	}
	auto := "0"
	if mc.cfg.Autocommit {
		auto = "1"
	}
	if err := mc.xcommand("Xauto_commit " + auto); err != nil {
		return err
	}
	if mc.cfg.Schema != "" {
		if _, err := mc.execSimple(fmt.Sprintf("SET SCHEMA %q", mc.cfg.Schema)); err != nil {
			return err
		}
	}
	if mc.cfg.TimeZone != 0 {
		tz := mc.cfg.TimeZone
		sign := "+"
		if tz < 0 {
			sign = "-"
			tz = -tz
		}
		stmt := fmt.Sprintf("SET TIME ZONE INTERVAL '%s%02d:%02d' HOUR TO MINUTE", sign, tz/60, tz%60)
		if _, err := mc.execSimple(stmt); err != nil {
			return err
		}
	}
	return nil
}

// xcommand runs one of the out-of-band X commands; their reply is empty on
// success.
func (mc *monetConn) xcommand(command string) error {
	rs, err := mc.cmd(command)
	if err != nil {
		return err
	}
	return drainReply(rs)
}

// sqlCommand wraps a statement in the "s...;" form the sql language expects.
func sqlCommand(query string) string {
	query = strings.TrimRight(query, " \t\n")
	if !strings.HasSuffix(query, ";") {
		query += ";"
	}
	return "s" + query
}

// execSimple runs a statement and reduces the reply to an update count.
func (mc *monetConn) execSimple(query string) (driver.Result, error) {
	rs, err := mc.cmd(sqlCommand(query))
	if err != nil {
		return nil, err
	}
	res := &monetResult{affectedRows: -1, lastInsertID: -1}
	for {
		line, err := rs.next()
		if err == io.EOF {
			return res, nil
		}
		if err != nil {
			return nil, err
		}
		switch {
		case len(line) == 0 || line[0] == msgInfo:
			// ignore
		case line[0] == msgError:
			rs.close()
			return nil, parseServerError(line)
		case line[0] == msgQuery && len(line) > 1 && line[1] == qUpdate:
			fields := strings.Fields(line[2:])
			if len(fields) >= 1 {
				res.affectedRows, _ = strconv.ParseInt(fields[0], 10, 64)
			}
			if len(fields) >= 2 {
				res.lastInsertID, _ = strconv.ParseInt(fields[1], 10, 64)
			}
		default:
			// result headers, tuples of a SELECT run through Exec,
			// transaction status lines: nothing to report
		}
	}
}

// Prepare implements driver.Conn. Statements are executed client-side;
// parameter binding is not supported by this driver.
func (mc *monetConn) Prepare(query string) (driver.Stmt, error) {
	if err := mc.error(); err != nil {
		return nil, err
	}
	return &monetStmt{mc: mc, query: query}, nil
}

// Begin implements driver.Conn.
func (mc *monetConn) Begin() (driver.Tx, error) {
	return mc.BeginTx(context.Background(), driver.TxOptions{})
}

// BeginTx implements driver.ConnBeginTx.
func (mc *monetConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if err := mc.error(); err != nil {
		return nil, err
	}
	if opts.ReadOnly {
		return nil, &ConfigurationError{Message: "read-only transactions are not supported"}
	}
	if err := mc.watchCancel(ctx); err != nil {
		return nil, err
	}
	defer mc.finish()

	if _, err := mc.execSimple("START TRANSACTION"); err != nil {
		return nil, err
	}
	return &monetTx{mc: mc}, nil
}

// Exec implements driver.Execer.
func (mc *monetConn) Exec(query string, args []driver.Value) (driver.Result, error) {
	if err := mc.error(); err != nil {
		return nil, err
	}
	if len(args) > 0 {
		return nil, &ConfigurationError{Message: "parameter binding is not supported"}
	}
	return mc.execSimple(query)
}

// ExecContext implements driver.ExecerContext.
func (mc *monetConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	if len(args) > 0 {
		return nil, &ConfigurationError{Message: "parameter binding is not supported"}
	}
	if err := mc.watchCancel(ctx); err != nil {
		return nil, err
	}
	defer mc.finish()
	return mc.Exec(query, nil)
}

// Query implements driver.Queryer.
func (mc *monetConn) Query(query string, args []driver.Value) (driver.Rows, error) {
	if err := mc.error(); err != nil {
		return nil, err
	}
	if len(args) > 0 {
		return nil, &ConfigurationError{Message: "parameter binding is not supported"}
	}
	rs, err := mc.cmd(sqlCommand(query))
	if err != nil {
		return nil, err
	}
	return newRows(mc, rs)
}

// QueryContext implements driver.QueryerContext.
func (mc *monetConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	if len(args) > 0 {
		return nil, &ConfigurationError{Message: "parameter binding is not supported"}
	}
	if err := mc.watchCancel(ctx); err != nil {
		return nil, err
	}
	defer mc.finish()
	return mc.Query(query, nil)
}

type monetTx struct {
	mc *monetConn
}

func (tx *monetTx) Commit() error {
	if err := tx.mc.error(); err != nil {
		return err
	}
	_, err := tx.mc.execSimple("COMMIT")
	return err
}

func (tx *monetTx) Rollback() error {
	if err := tx.mc.error(); err != nil {
		return err
	}
	_, err := tx.mc.execSimple("ROLLBACK")
	return err
}

package monetdriver

import (
	"database/sql/driver"
	"io"
	"strconv"
	"strings"
)

// monetRows walks the tuples of one query reply. Large results arrive in
// pages of replysize rows; the remainder is pulled with Xexport commands of
// fetchsize rows each as the caller iterates.
type monetRows struct {
	mc        *monetConn
	rs        *replyStream
	queryID   int64
	totalRows int64
	served    int64
	cols      []string
	types     []string
	closed    bool
}

func newRows(mc *monetConn, rs *replyStream) (driver.Rows, error) {
	rows := &monetRows{mc: mc, rs: rs, queryID: -1}
	for {
		line, ok := rs.peek()
		if !ok {
			// Rowless reply; release the session right away.
			rs.close()
			return rows, nil
		}
		switch {
		case line == "" || line[0] == msgInfo:
			rs.next()
		case line[0] == msgError:
			rs.close()
			return nil, parseServerError(line)
		case line[0] == msgQuery:
			if len(line) < 2 {
				rs.close()
				return nil, protocolErrorf("malformed reply header %q", line)
			}
			if line[1] == qTable {
				if err := rows.parseTableHeader(line); err != nil {
					rs.close()
					return nil, err
				}
			}
			// Update counts, DDL and transaction acknowledgements yield a
			// rowless result.
			rs.next()
		case line[0] == msgHeader:
			rs.next()
			rows.parseColumnHeader(line)
		case line[0] == msgTuple || line[0] == msgRaw:
			return rows, nil
		default:
			rs.close()
			return nil, protocolErrorf("unexpected reply line %q", line)
		}
	}
}

// parseTableHeader reads "&1 <id> <rowcount> <columns> <returned>".
func (rows *monetRows) parseTableHeader(line string) error {
	fields := strings.Fields(line[2:])
	if len(fields) < 4 {
		return protocolErrorf("malformed result header %q", line)
	}
	var err error
	if rows.queryID, err = strconv.ParseInt(fields[0], 10, 64); err != nil {
		return protocolErrorf("malformed result header %q", line)
	}
	if rows.totalRows, err = strconv.ParseInt(fields[1], 10, 64); err != nil {
		return protocolErrorf("malformed result header %q", line)
	}
	return nil
}

// parseColumnHeader reads one "% a,\tb,\tc # tag" metadata line.
func (rows *monetRows) parseColumnHeader(line string) {
	body, tag, ok := strings.Cut(line[2:], " # ")
	if !ok {
		return
	}
	values := strings.Split(body, ",\t")
	switch tag {
	case "name":
		rows.cols = values
	case "type":
		rows.types = values
	}
}

func (rows *monetRows) Columns() []string {
	return rows.cols
}

// ColumnTypeDatabaseTypeName implements driver.RowsColumnTypeDatabaseTypeName.
func (rows *monetRows) ColumnTypeDatabaseTypeName(index int) string {
	if index < len(rows.types) {
		return strings.ToUpper(rows.types[index])
	}
	return ""
}

func (rows *monetRows) Close() error {
	if rows.closed {
		return nil
	}
	rows.closed = true
	if rows.rs != nil {
		rows.rs.close()
	}
	if rows.mc == nil || rows.mc.closed.Load() {
		return nil
	}
	if rows.queryID >= 0 && rows.served < rows.totalRows {
		// Free the server-side result early.
		return rows.mc.xcommand("Xclose " + strconv.FormatInt(rows.queryID, 10))
	}
	return nil
}

func (rows *monetRows) Next(dest []driver.Value) error {
	if rows.closed || rows.cols == nil {
		return io.EOF
	}
	for {
		line, err := rows.rs.next()
		if err == io.EOF {
			if rows.served < rows.totalRows && rows.queryID >= 0 {
				if err := rows.fetchMore(); err != nil {
					return err
				}
				continue
			}
			return io.EOF
		}
		if err != nil {
			return err
		}
		switch {
		case len(line) == 0 || line[0] == msgInfo || line[0] == msgHeader || line[0] == msgQuery:
			// headers of a continuation page
		case line[0] == msgError:
			rows.rs.close()
			return parseServerError(line)
		case line[0] == msgTuple:
			rows.served++
			return parseTupleValues(line, dest)
		case line[0] == msgRaw:
			rows.served++
			dest[0] = line[1:]
			return nil
		default:
			rows.rs.close()
			return protocolErrorf("unexpected tuple line %q", line)
		}
	}
}

// fetchMore asks the server for the next page of the open result set.
func (rows *monetRows) fetchMore() error {
	count := rows.totalRows - rows.served
	if fetch := int64(rows.mc.cfg.FetchSize); fetch > 0 && count > fetch {
		count = fetch
	}
	rs, err := rows.mc.cmd("Xexport " +
		strconv.FormatInt(rows.queryID, 10) + " " +
		strconv.FormatInt(rows.served, 10) + " " +
		strconv.FormatInt(count, 10))
	if err != nil {
		return err
	}
	rows.rs = rs
	return nil
}

// parseTupleValues splits a "[ v,\tv,\tv\t]" line into one value per
// column: nil for NULL, the unescaped text for quoted strings, the raw
// token for everything else.
func parseTupleValues(line string, dest []driver.Value) error {
	if !strings.HasPrefix(line, "[ ") || !strings.HasSuffix(line, "\t]") {
		return protocolErrorf("malformed tuple %q", line)
	}
	body := line[2 : len(line)-2]

	pos := 0
	for i := range dest {
		if pos > len(body) {
			return protocolErrorf("tuple %q has fewer than %d fields", line, len(dest))
		}
		var value driver.Value
		var err error
		if pos < len(body) && body[pos] == '"' {
			value, pos, err = parseQuotedField(body, pos)
			if err != nil {
				return err
			}
		} else {
			end := strings.Index(body[pos:], ",\t")
			if end < 0 {
				end = len(body)
			} else {
				end += pos
			}
			raw := body[pos:end]
			pos = end
			if raw != "NULL" {
				value = raw
			}
		}
		dest[i] = value

		if i < len(dest)-1 {
			if !strings.HasPrefix(body[pos:], ",\t") {
				return protocolErrorf("tuple %q has fewer than %d fields", line, len(dest))
			}
			pos += 2
		}
	}
	return nil
}

// parseQuotedField unescapes one double-quoted field, returning the value
// and the position just past the closing quote.
func parseQuotedField(body string, pos int) (string, int, error) {
	var sb strings.Builder
	i := pos + 1
	for i < len(body) {
		c := body[i]
		switch c {
		case '"':
			return sb.String(), i + 1, nil
		case '\\':
			i++
			if i >= len(body) {
				return "", 0, protocolErrorf("dangling escape in tuple field %q", body[pos:])
			}
			switch body[i] {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			case 'f':
				sb.WriteByte('\f')
			case '0':
				sb.WriteByte(0)
			default:
				sb.WriteByte(body[i])
			}
			i++
		default:
			sb.WriteByte(c)
			i++
		}
	}
	return "", 0, protocolErrorf("unterminated string in tuple field %q", body[pos:])
}

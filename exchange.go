package monetdriver

import (
	"bytes"
	"errors"
	"io"
	"strings"
)

// errBusyReply is a programming error: a new command was started while the
// previous reply stream had not been consumed. The protocol is strictly
// half-duplex per session, so interleaving is never silently allowed.
var errBusyReply = errors.New("mapi: previous reply stream not consumed")

// replyStream is a single-pass, non-restartable view over the lines of one
// server reply. The session cannot issue the next command until the stream
// has been consumed or closed.
type replyStream struct {
	mc    *monetConn
	lines []string
	pos   int
	done  bool
}

// next returns the next reply line. io.EOF marks the end of the reply.
func (r *replyStream) next() (string, error) {
	if r.pos >= len(r.lines) {
		r.finish()
		return "", io.EOF
	}
	line := r.lines[r.pos]
	r.pos++
	return line, nil
}

// peek returns the next line without consuming it.
func (r *replyStream) peek() (string, bool) {
	if r.pos >= len(r.lines) {
		return "", false
	}
	return r.lines[r.pos], true
}

// close discards the remainder of the reply and releases the session for
// the next command.
func (r *replyStream) close() {
	r.pos = len(r.lines)
	r.finish()
}

func (r *replyStream) finish() {
	if r.done {
		return
	}
	r.done = true
	if r.mc != nil && r.mc.reply == r {
		r.mc.reply = nil
	}
}

// cmd sends one raw MAPI command and returns the reply stream. File
// transfer requests arriving mid-reply are dispatched to the registered
// handlers before the final reply is surfaced.
func (mc *monetConn) cmd(command string) (*replyStream, error) {
	if mc.closed.Load() {
		return nil, &ConnectError{Message: "connection lost", Err: errors.New("connection is closed")}
	}
	if mc.reply != nil && !mc.reply.done {
		return nil, errBusyReply
	}

	if err := mc.writeMessage([]byte(command)); err != nil {
		return nil, err
	}

	for {
		msg, err := mc.readMessage()
		if err != nil {
			return nil, err
		}

		switch {
		case bytes.HasPrefix(msg, promptFile):
			// Server-initiated file transfer; one request per prompt.
			req := strings.TrimSuffix(string(msg[len(promptFile):]), "\n")
			if err := mc.handleTransfer(req); err != nil {
				return nil, err
			}
			// The continuation of the reply follows in its own message.

		case bytes.Equal(msg, promptMore):
			// The query text was incomplete; this driver always sends full
			// statements, so treat it as a framing problem.
			mc.cleanup()
			return nil, protocolErrorf("server asked for more input")

		default:
			reply := &replyStream{mc: mc, lines: splitReply(msg)}
			mc.reply = reply
			return reply, nil
		}
	}
}

// splitReply cuts a reply into its lines, dropping the trailing newline the
// server ends every non-empty reply with.
func splitReply(msg []byte) []string {
	if len(msg) == 0 {
		return nil
	}
	text := strings.TrimSuffix(string(msg), "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

// drainReply consumes a reply stream, returning the first error line seen.
// Used for commands whose reply carries no payload (Xreply_size, SET ...).
func drainReply(rs *replyStream) error {
	var first error
	for {
		line, err := rs.next()
		if err == io.EOF {
			return first
		}
		if err != nil {
			return err
		}
		if len(line) > 0 && line[0] == msgError && first == nil {
			first = parseServerError(line)
		}
	}
}

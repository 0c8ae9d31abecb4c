package monetdriver

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCmdReply(t *testing.T) {
	mc, peer := pipeConn(t, nil)
	go func() {
		frameRead(peer)
		frameWrite(peer, "&2 5 0\n")
	}()

	rs, err := mc.cmd("sUPDATE t SET x = 1;")
	require.NoError(t, err)

	line, err := rs.next()
	require.NoError(t, err)
	assert.Equal(t, "&2 5 0", line)
	_, err = rs.next()
	assert.Equal(t, io.EOF, err)
}

// A second command while the previous reply is unconsumed is a programming
// error and must not touch the wire.
func TestCmdBusyReply(t *testing.T) {
	mc, peer := pipeConn(t, nil)
	go func() {
		frameRead(peer)
		frameWrite(peer, "&2 5 0\n")
	}()

	rs, err := mc.cmd("sUPDATE t SET x = 1;")
	require.NoError(t, err)

	_, err = mc.cmd("sSELECT 1;")
	assert.ErrorIs(t, err, errBusyReply)

	// Consuming the reply releases the session again.
	rs.close()
	go func() {
		frameRead(peer)
		frameWrite(peer, "&2 1 0\n")
	}()
	rs, err = mc.cmd("sSELECT 1;")
	require.NoError(t, err)
	rs.close()
}

func TestCmdAfterClose(t *testing.T) {
	mc, _ := pipeConn(t, nil)
	mc.cleanup()

	_, err := mc.cmd("sSELECT 1;")
	require.Error(t, err)
	var cerr *ConnectError
	assert.ErrorAs(t, err, &cerr)
}

// The driver only ever sends complete statements, so a continuation prompt
// means the two sides disagree about framing.
func TestCmdMorePrompt(t *testing.T) {
	mc, peer := pipeConn(t, nil)
	go func() {
		frameRead(peer)
		frameWrite(peer, string(promptMore))
	}()

	_, err := mc.cmd("sSELECT 1;")
	require.Error(t, err)
	var perr *ProtocolError
	assert.ErrorAs(t, err, &perr)
	assert.False(t, mc.IsValid())
}

func TestSplitReply(t *testing.T) {
	assert.Nil(t, splitReply(nil))
	assert.Nil(t, splitReply([]byte("")))
	assert.Nil(t, splitReply([]byte("\n")))
	assert.Equal(t, []string{"one"}, splitReply([]byte("one")))
	assert.Equal(t, []string{"a", "b"}, splitReply([]byte("a\nb\n")))
}

func TestDrainReply(t *testing.T) {
	rs := &replyStream{lines: []string{"#info", "!42000!syntax error", "!second"}}
	err := drainReply(rs)
	var serr *ServerError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "42000", serr.Code)
	assert.Equal(t, "syntax error", serr.Message)

	assert.NoError(t, drainReply(&replyStream{lines: []string{"#ok"}}))
}

func TestParseServerError(t *testing.T) {
	serr := parseServerError("!22003!overflow in addition")
	assert.Equal(t, "22003", serr.Code)
	assert.Equal(t, "overflow in addition", serr.Message)

	serr = parseServerError("!something went wrong")
	assert.Equal(t, "", serr.Code)
	assert.Equal(t, "something went wrong", serr.Message)
}

func TestSQLCommand(t *testing.T) {
	assert.Equal(t, "sSELECT 1;", sqlCommand("SELECT 1"))
	assert.Equal(t, "sSELECT 1;", sqlCommand("SELECT 1;"))
	assert.Equal(t, "sSELECT 1;", sqlCommand("SELECT 1  \n"))
}

package monetdriver

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Server-side half of the block protocol, so tests can script a MonetDB
// server without the driver's own code under test.

func frameWrite(w io.Writer, msg string) error {
	b := []byte(msg)
	for {
		chunk := b
		last := uint16(1)
		if len(chunk) > maxBlockSize {
			chunk = b[:maxBlockSize]
			last = 0
		}
		b = b[len(chunk):]

		var head [2]byte
		binary.LittleEndian.PutUint16(head[:], uint16(len(chunk))<<1|last)
		if _, err := w.Write(head[:]); err != nil {
			return err
		}
		if len(chunk) > 0 {
			if _, err := w.Write(chunk); err != nil {
				return err
			}
		}
		if last == 1 {
			return nil
		}
	}
}

func frameRead(r io.Reader) (string, error) {
	var msg []byte
	for {
		var head [2]byte
		if _, err := io.ReadFull(r, head[:]); err != nil {
			return "", err
		}
		f := binary.LittleEndian.Uint16(head[:])
		data := make([]byte, f>>1)
		if _, err := io.ReadFull(r, data); err != nil {
			return "", err
		}
		msg = append(msg, data...)
		if f&1 == 1 {
			return string(msg), nil
		}
	}
}

const testChallenge = "vc9GdDpaXWQn:mserver:9:RIPEMD160,SHA512,SHA384,SHA256,SHA224,SHA1:LIT:SHA512:"

// serveLogin plays the server side of a successful handshake and returns
// the client's response fields.
func serveLogin(c net.Conn) ([]string, error) {
	if err := frameWrite(c, testChallenge); err != nil {
		return nil, err
	}
	resp, err := frameRead(c)
	if err != nil {
		return nil, err
	}
	if err := frameWrite(c, ""); err != nil {
		return nil, err
	}
	return splitResponse(resp), nil
}

func splitResponse(resp string) []string {
	var fields []string
	start := 0
	for i := 0; i < len(resp); i++ {
		if resp[i] == ':' {
			fields = append(fields, resp[start:i])
			start = i + 1
		}
	}
	return append(fields, resp[start:])
}

type testServer struct {
	t  *testing.T
	ln net.Listener
	wg sync.WaitGroup
}

// newTestServer accepts connections on a loopback port and runs handler on
// each. The handler's connection is closed when it returns.
func newTestServer(t *testing.T, handler func(c net.Conn)) *testServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return serveListener(t, ln, handler)
}

func serveListener(t *testing.T, ln net.Listener, handler func(c net.Conn)) *testServer {
	t.Helper()
	ts := &testServer{t: t, ln: ln}
	ts.wg.Add(1)
	go func() {
		defer ts.wg.Done()
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			ts.wg.Add(1)
			go func() {
				defer ts.wg.Done()
				defer c.Close()
				handler(c)
			}()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		ts.wg.Wait()
	})
	return ts
}

func (ts *testServer) port() string {
	_, port, _ := net.SplitHostPort(ts.ln.Addr().String())
	return port
}

func mustTarget(t *testing.T, overlays ...Properties) *Target {
	t.Helper()
	target, err := Resolve(overlays...)
	require.NoError(t, err)
	return target
}

func (ts *testServer) properties(extra Properties) Properties {
	props := Properties{
		"host":     "127.0.0.1",
		"port":     ts.port(),
		"database": "testdb",
		"user":     "monetdb",
		"password": "monetdb",
	}
	for k, v := range extra {
		props[k] = v
	}
	return props
}

// dialTestConn opens an authenticated session against the test server.
func dialTestConn(t *testing.T, ts *testServer, extra Properties) (*monetConn, *Connector) {
	t.Helper()
	target := mustTarget(t, ts.properties(extra))
	conn, err := newConnector(target)
	require.NoError(t, err)
	dc, err := conn.Connect(context.Background())
	require.NoError(t, err)
	mc := dc.(*monetConn)
	t.Cleanup(func() { mc.Close() })
	return mc, conn
}

// pipeConn builds a monetConn over an in-process pipe, for tests that
// script the peer byte by byte.
func pipeConn(t *testing.T, extra Properties) (*monetConn, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	props := Properties{"user": "monetdb", "password": "monetdb"}
	for k, v := range extra {
		props[k] = v
	}
	mc := &monetConn{
		netConn: client,
		rawConn: client,
		cfg:     mustTarget(t, props),
		log:     zap.NewNop(),
		closech: make(chan struct{}),
	}
	mc.buf = newBuffer()
	t.Cleanup(func() {
		mc.cleanup()
		server.Close()
	})
	return mc, server
}

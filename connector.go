package monetdriver

import (
	"context"
	"database/sql/driver"
	"net"

	"go.uber.org/zap"
)

// Connector resolves its target once and hands out authenticated sessions.
// It is safe for concurrent use; every Connect yields an independent
// session.
type Connector struct {
	target *Target
	log    *zap.Logger

	uploadHandler   UploadHandler
	downloadHandler DownloadHandler
}

// NewConnector resolves a connection URL, layered over the user's
// preferences file and the built-in defaults.
func NewConnector(dsn string, overlays ...Properties) (*Connector, error) {
	urlProps, err := ParseURL(dsn)
	if err != nil {
		return nil, err
	}
	prefs, err := defaultPreferences()
	if err != nil {
		return nil, err
	}
	merged := append([]Properties{prefs, urlProps}, overlays...)
	target, err := Resolve(merged...)
	if err != nil {
		return nil, err
	}
	return newConnector(target)
}

func newConnector(target *Target) (*Connector, error) {
	log, err := newLogger(target)
	if err != nil {
		return nil, err
	}
	return &Connector{target: target, log: log}, nil
}

// SetUploadHandler installs the callback consulted when the server requests
// a file upload ("COPY INTO ... ON CLIENT"). Without one, requests are
// refused and the session stays usable.
func (c *Connector) SetUploadHandler(h UploadHandler) {
	c.uploadHandler = h
}

// SetDownloadHandler installs the callback consulted when the server wants
// to send a file to the client.
func (c *Connector) SetDownloadHandler(h DownloadHandler) {
	c.downloadHandler = h
}

// dialTarget opens and, when configured, TLS-wraps the raw connection.
func dialTarget(t *Target) (net.Conn, error) {
	return dialTargetContext(context.Background(), t)
}

func dialTargetContext(ctx context.Context, t *Target) (net.Conn, error) {
	network, addr := "tcp", t.Addr()
	if t.UseSock() {
		network, addr = "unix", t.SockPath()
	}

	var nc net.Conn
	var err error
	dialsLock.RLock()
	dial, ok := dials[network]
	dialsLock.RUnlock()
	if ok {
		nc, err = dial(ctx, addr)
	} else {
		nd := net.Dialer{Timeout: t.ConnectTimeout}
		nc, err = nd.DialContext(ctx, network, addr)
	}
	if err != nil {
		return nil, &ConnectError{Message: "cannot reach " + network + " endpoint " + addr, Err: err}
	}

	if tc, ok := nc.(*net.TCPConn); ok {
		if err := tc.SetKeepAlive(true); err != nil {
			nc.Close()
			return nil, &ConnectError{Message: "cannot enable keepalive", Err: err}
		}
	}

	if network == "unix" {
		// A single '0' announces "no file descriptor passing" to mserver5.
		if _, err := nc.Write([]byte{'0'}); err != nil {
			nc.Close()
			return nil, &ConnectError{Message: "connection lost", Err: err}
		}
	}

	if t.TLS {
		return wrapTLS(nc, t)
	}
	return nc, nil
}

// Connect implements driver.Connector: dial, negotiate TLS, run the
// handshake and apply the session options from the target.
func (c *Connector) Connect(ctx context.Context) (driver.Conn, error) {
	cfg := *c.target // redirects may rewrite host/port/database

	nc, err := dialTargetContext(ctx, &cfg)
	if err != nil {
		return nil, err
	}

	mc := &monetConn{
		netConn:   nc,
		rawConn:   nc,
		cfg:       &cfg,
		connector: c,
		log:       c.log,
		closech:   make(chan struct{}),
	}
	mc.buf = newBuffer()

	mc.startWatcher()
	if err := mc.watchCancel(ctx); err != nil {
		mc.cleanup()
		return nil, err
	}
	defer mc.finish()

	if err := mc.login(); err != nil {
		mc.cleanup()
		return nil, err
	}
	if err := mc.applySessionOptions(); err != nil {
		mc.cleanup()
		return nil, err
	}
	return mc, nil
}

// Driver implements driver.Connector.
func (c *Connector) Driver() driver.Driver {
	return &MonetDriver{}
}

package monetdriver

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"net"
	"sync"
)

// MonetDriver is the exported driver. Use it through database/sql:
//
//	db, err := sql.Open("monetdb", "monetdb://localhost:50000/demo")
type MonetDriver struct{}

// DialContextFunc replaces the dialer for one network ("tcp" or "unix").
type DialContextFunc func(ctx context.Context, addr string) (net.Conn, error)

var (
	dialsLock sync.RWMutex
	dials     map[string]DialContextFunc
)

// RegisterDialContext installs a custom dialer for a network. Mainly useful
// for tunnels and tests.
func RegisterDialContext(network string, dial DialContextFunc) {
	dialsLock.Lock()
	defer dialsLock.Unlock()
	if dials == nil {
		dials = make(map[string]DialContextFunc)
	}
	dials[network] = dial
}

// Open implements driver.Driver.
func (d MonetDriver) Open(dsn string) (driver.Conn, error) {
	c, err := d.OpenConnector(dsn)
	if err != nil {
		return nil, err
	}
	return c.(*Connector).Connect(context.Background())
}

// OpenConnector implements driver.DriverContext.
func (d MonetDriver) OpenConnector(dsn string) (driver.Connector, error) {
	return NewConnector(dsn)
}

func init() {
	sql.Register("monetdb", &MonetDriver{})
}

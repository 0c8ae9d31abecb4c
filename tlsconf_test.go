package monetdriver

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCA struct {
	cert    *x509.Certificate
	key     *ecdsa.PrivateKey
	pemPath string
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "monetdriver test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(path,
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	return &testCA{cert: cert, key: key, pemPath: path}
}

// issueCert signs tmpl with the CA, or self-signs when ca is nil. The serial
// and key material are generated here; callers only describe the identity.
func issueCert(t *testing.T, ca *testCA, tmpl *x509.Certificate) (tls.Certificate, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl.SerialNumber, err = rand.Int(rand.Reader, big.NewInt(1<<62))
	require.NoError(t, err)
	tmpl.KeyUsage = x509.KeyUsageDigitalSignature

	parent, parentKey := tmpl, key
	if ca != nil {
		parent, parentKey = ca.cert, ca.key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, parentKey)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, der
}

func serverTemplate() *x509.Certificate {
	return &x509.Certificate{
		Subject:     pkix.Name{CommonName: "mserver"},
		IPAddresses: []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().Add(time.Hour),
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
}

func newTLSServer(t *testing.T, conf *tls.Config, handler func(c net.Conn)) *testServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return serveListener(t, tls.NewListener(ln, conf), handler)
}

func serverConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{mapiALPN},
	}
}

// tlsConnect attempts a full authenticated session against ts.
func tlsConnect(t *testing.T, ts *testServer, extra Properties) error {
	t.Helper()
	target := mustTarget(t, ts.properties(extra))
	conn, err := newConnector(target)
	require.NoError(t, err)
	dc, err := conn.Connect(context.Background())
	if err != nil {
		return err
	}
	t.Cleanup(func() { dc.(*monetConn).Close() })
	return nil
}

func TestTLSConnectPinnedCA(t *testing.T) {
	ca := newTestCA(t)
	cert, _ := issueCert(t, ca, serverTemplate())
	ts := newTLSServer(t, serverConfig(cert), func(c net.Conn) {
		serveSession(c)
	})

	err := tlsConnect(t, ts, Properties{"tls": "true", "cert": ca.pemPath})
	require.NoError(t, err)
}

func TestTLSUntrustedChain(t *testing.T) {
	cert, _ := issueCert(t, nil, serverTemplate())
	ts := newTLSServer(t, serverConfig(cert), func(c net.Conn) {
		serveSession(c)
	})

	// System trust store; the self-signed server cannot pass.
	err := tlsConnect(t, ts, Properties{"tls": "true"})
	require.Error(t, err)
	var terr *TLSError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, TLSUntrustedChain, terr.Category)
}

func TestTLSHostnameMismatch(t *testing.T) {
	ca := newTestCA(t)
	tmpl := serverTemplate()
	tmpl.IPAddresses = nil
	tmpl.DNSNames = []string{"somewhere-else.example.com"}
	cert, _ := issueCert(t, ca, tmpl)
	ts := newTLSServer(t, serverConfig(cert), func(c net.Conn) {
		serveSession(c)
	})

	err := tlsConnect(t, ts, Properties{"tls": "true", "cert": ca.pemPath})
	require.Error(t, err)
	var terr *TLSError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, TLSHostnameMismatch, terr.Category)
}

func TestTLSCertExpired(t *testing.T) {
	ca := newTestCA(t)
	tmpl := serverTemplate()
	tmpl.NotBefore = time.Now().Add(-2 * time.Hour)
	tmpl.NotAfter = time.Now().Add(-time.Hour)
	cert, _ := issueCert(t, ca, tmpl)
	ts := newTLSServer(t, serverConfig(cert), func(c net.Conn) {
		serveSession(c)
	})

	err := tlsConnect(t, ts, Properties{"tls": "true", "cert": ca.pemPath})
	require.Error(t, err)
	var terr *TLSError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, TLSCertExpired, terr.Category)
}

func TestTLSCertHashPin(t *testing.T) {
	cert, der := issueCert(t, nil, serverTemplate())
	sum := sha256.Sum256(der)
	digest := hex.EncodeToString(sum[:])
	ts := newTLSServer(t, serverConfig(cert), func(c net.Conn) {
		serveSession(c)
	})

	t.Run("matching prefix", func(t *testing.T) {
		err := tlsConnect(t, ts, Properties{"tls": "true", "certhash": "sha256:" + digest[:16]})
		require.NoError(t, err)
	})

	t.Run("wrong digest", func(t *testing.T) {
		wrong := "sha256:" + "0123456789abcdef"
		if digest[:16] == wrong[len("sha256:"):] {
			t.Skip("improbable digest collision")
		}
		err := tlsConnect(t, ts, Properties{"tls": "true", "certhash": wrong})
		require.Error(t, err)
		var terr *TLSError
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, TLSUntrustedChain, terr.Category)
	})
}

func TestTLSALPNMismatch(t *testing.T) {
	ca := newTestCA(t)
	cert, _ := issueCert(t, ca, serverTemplate())
	conf := serverConfig(cert)
	conf.NextProtos = nil // server never agrees to mapi/9
	ts := newTLSServer(t, conf, func(c net.Conn) {
		serveSession(c)
	})

	err := tlsConnect(t, ts, Properties{"tls": "true", "cert": ca.pemPath})
	require.Error(t, err)
	var terr *TLSError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, TLSALPNMismatch, terr.Category)
}

func TestTLSVersionRefused(t *testing.T) {
	ca := newTestCA(t)
	cert, _ := issueCert(t, ca, serverTemplate())
	conf := serverConfig(cert)
	conf.MinVersion = tls.VersionTLS10
	conf.MaxVersion = tls.VersionTLS10
	ts := newTLSServer(t, conf, func(c net.Conn) {
		serveSession(c)
	})

	err := tlsConnect(t, ts, Properties{"tls": "true", "cert": ca.pemPath})
	require.Error(t, err)
	var terr *TLSError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, TLSVersionRefused, terr.Category)
}

func TestTLSClientCertificate(t *testing.T) {
	ca := newTestCA(t)
	serverCert, _ := issueCert(t, ca, serverTemplate())

	clientTmpl := &x509.Certificate{
		Subject:     pkix.Name{CommonName: "monetdb client"},
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().Add(time.Hour),
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	clientCert, clientDER := issueCert(t, ca, clientTmpl)

	dir := t.TempDir()
	certPath := filepath.Join(dir, "client-cert.pem")
	keyPath := filepath.Join(dir, "client-key.pem")
	require.NoError(t, os.WriteFile(certPath,
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: clientDER}), 0o600))
	keyDER, err := x509.MarshalECPrivateKey(clientCert.PrivateKey.(*ecdsa.PrivateKey))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(keyPath,
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))

	pool := x509.NewCertPool()
	pool.AddCert(ca.cert)
	conf := serverConfig(serverCert)
	conf.ClientCAs = pool
	conf.ClientAuth = tls.RequireAndVerifyClientCert
	ts := newTLSServer(t, conf, func(c net.Conn) {
		serveSession(c)
	})

	err = tlsConnect(t, ts, Properties{
		"tls": "true", "cert": ca.pemPath,
		"clientcert": certPath, "clientkey": keyPath,
	})
	require.NoError(t, err)
}

func TestClassifyTLSError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"alpn", errors.New("tls: ALPN protocol not agreed on"), TLSALPNMismatch},
		{"version", errors.New("remote error: tls: protocol version not supported"), TLSVersionRefused},
		{"expired", errors.New("x509: certificate has expired or is not yet valid"), TLSCertExpired},
		{"chain", errors.New("tls: failed to verify certificate chain"), TLSUntrustedChain},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classifyTLSError(tc.err)
			var terr *TLSError
			require.ErrorAs(t, err, &terr)
			assert.Equal(t, tc.want, terr.Category)
		})
	}

	// Anything unrecognized is a plain connection failure.
	err := classifyTLSError(errors.New("broken pipe"))
	var cerr *ConnectError
	assert.ErrorAs(t, err, &cerr)
}

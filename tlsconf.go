package monetdriver

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"net"
	"os"
	"strings"
	"time"
)

// newTLSConfig builds the tls.Config for a Target. Trust material follows
// the resolved verification mode: a pinned certificate file, a pinned leaf
// digest, or the system trust store. The config always requests the MAPI
// ALPN id; whether the server agreed is checked after the handshake.
func newTLSConfig(t *Target) (*tls.Config, error) {
	conf := &tls.Config{
		ServerName: t.Host,
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{mapiALPN},
	}

	switch t.Verify {
	case verifyCert:
		pem, err := os.ReadFile(t.Cert)
		if err != nil {
			return nil, configErrorf("cert", "cannot read %s: %v", t.Cert, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, configErrorf("cert", "no certificates found in %s", t.Cert)
		}
		conf.RootCAs = pool

	case verifyHash:
		// Chain validation is replaced by a digest comparison on the leaf,
		// but hostname and expiry are still our responsibility.
		conf.InsecureSkipVerify = true
		want := strings.TrimPrefix(t.CertHash, "sha256:")
		conf.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return verifyCertHash(rawCerts, want, t.Host)
		}

	case verifyNone:
		conf.InsecureSkipVerify = true

	case verifySystem:
		// crypto/tls defaults to the platform store.
	}

	if t.ClientCert != "" {
		pair, err := tls.LoadX509KeyPair(t.ClientCert, t.ClientKey)
		if err != nil {
			return nil, configErrorf("clientcert", "cannot load key pair: %v", err)
		}
		conf.Certificates = []tls.Certificate{pair}
	}
	return conf, nil
}

// verifyCertHash implements the certhash mode: the sha256 digest of the
// leaf certificate in DER form must start with the pinned hex prefix.
func verifyCertHash(rawCerts [][]byte, want, host string) error {
	if len(rawCerts) == 0 {
		return &TLSError{Category: TLSUntrustedChain, Err: errors.New("server sent no certificate")}
	}
	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return &TLSError{Category: TLSUntrustedChain, Err: err}
	}
	sum := sha256.Sum256(rawCerts[0])
	digest := hex.EncodeToString(sum[:])
	if !strings.HasPrefix(digest, want) {
		return &TLSError{
			Category: TLSUntrustedChain,
			Err:      errors.New("certificate sha256 " + digest + " does not match pinned " + want),
		}
	}
	if err := leaf.VerifyHostname(host); err != nil {
		return &TLSError{Category: TLSHostnameMismatch, Err: err}
	}
	now := time.Now()
	if now.After(leaf.NotAfter) {
		return &TLSError{Category: TLSCertExpired, Err: errors.New("not valid after " + leaf.NotAfter.String())}
	}
	if now.Before(leaf.NotBefore) {
		return &TLSError{Category: TLSCertExpired, Err: errors.New("not valid before " + leaf.NotBefore.String())}
	}
	return nil
}

// wrapTLS runs the TLS handshake over the raw connection and confirms the
// server selected the MAPI ALPN id. It fails closed: no protocol byte is
// exchanged unless trust, hostname and protocol version all check out.
func wrapTLS(raw net.Conn, t *Target) (net.Conn, error) {
	conf, err := newTLSConfig(t)
	if err != nil {
		raw.Close()
		return nil, err
	}

	tc := tls.Client(raw, conf)
	if t.SoTimeout > 0 {
		tc.SetDeadline(time.Now().Add(t.SoTimeout))
	}
	if err := tc.Handshake(); err != nil {
		raw.Close()
		return nil, classifyTLSError(err)
	}
	if t.SoTimeout > 0 {
		tc.SetDeadline(time.Time{})
	}

	if proto := tc.ConnectionState().NegotiatedProtocol; proto != mapiALPN {
		raw.Close()
		return nil, &TLSError{
			Category: TLSALPNMismatch,
			Err:      errors.New("server selected " + quoteProto(proto) + ", want " + mapiALPN),
		}
	}
	return tc, nil
}

func quoteProto(s string) string {
	if s == "" {
		return "none"
	}
	return "\"" + s + "\""
}

// classifyTLSError maps crypto/tls handshake failures onto the stable
// category set callers can grep for.
func classifyTLSError(err error) error {
	var terr *TLSError
	if errors.As(err, &terr) {
		return terr // raised by our own VerifyPeerCertificate
	}

	var hostErr x509.HostnameError
	if errors.As(err, &hostErr) {
		return &TLSError{Category: TLSHostnameMismatch, Err: err}
	}
	var invErr x509.CertificateInvalidError
	if errors.As(err, &invErr) {
		if invErr.Reason == x509.Expired {
			return &TLSError{Category: TLSCertExpired, Err: err}
		}
		return &TLSError{Category: TLSUntrustedChain, Err: err}
	}
	var authErr x509.UnknownAuthorityError
	if errors.As(err, &authErr) {
		return &TLSError{Category: TLSUntrustedChain, Err: err}
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "ALPN"):
		return &TLSError{Category: TLSALPNMismatch, Err: err}
	case strings.Contains(msg, "protocol version"):
		return &TLSError{Category: TLSVersionRefused, Err: err}
	case strings.Contains(msg, "certificate has expired"):
		return &TLSError{Category: TLSCertExpired, Err: err}
	case strings.Contains(msg, "certificate"):
		return &TLSError{Category: TLSUntrustedChain, Err: err}
	}
	return &ConnectError{Message: "tls handshake failed", Err: err}
}

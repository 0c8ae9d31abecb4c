package monetdriver

import "fmt"

// Error categories carry a stable message fragment so that callers and tests
// can match on substrings without depending on the concrete type.

// ConfigurationError reports an invalid URL or parameter. It is raised
// before any network I/O happens.
type ConfigurationError struct {
	Param   string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("invalid configuration: %s: %s", e.Param, e.Message)
	}
	return "invalid configuration: " + e.Message
}

func configErrorf(param, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Param: param, Message: fmt.Sprintf(format, args...)}
}

// ConnectError reports an endpoint that could not be reached, or a
// connection that was lost mid-protocol (including read/write timeouts).
type ConnectError struct {
	Message string
	Err     error
}

func (e *ConnectError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TLS error categories. Exactly one is attached to every TLSError.
const (
	TLSUntrustedChain   = "untrusted certificate chain"
	TLSHostnameMismatch = "hostname mismatch"
	TLSCertExpired      = "certificate expired"
	TLSVersionRefused   = "protocol version refused"
	TLSALPNMismatch     = "ALPN negotiation failed"
)

// TLSError reports a failed TLS negotiation, classified into one of the
// category constants above.
type TLSError struct {
	Category string
	Err      error
}

func (e *TLSError) Error() string {
	if e.Err != nil {
		return "tls: " + e.Category + ": " + e.Err.Error()
	}
	return "tls: " + e.Category
}

func (e *TLSError) Unwrap() error { return e.Err }

// AuthenticationError reports a rejected handshake. Message is the server's
// literal rejection text.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string {
	return "authentication rejected: " + e.Message
}

// ProtocolError reports a malformed block, desynchronized framing or an
// unexpected message. The session is unusable afterwards.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string { return "mapi protocol error: " + e.Message }

func protocolErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Message: fmt.Sprintf(format, args...)}
}

// TransferError reports a failed file upload or download.
type TransferError struct {
	Message string
	Err     error
}

func (e *TransferError) Error() string {
	if e.Err != nil {
		return "file transfer: " + e.Message + ": " + e.Err.Error()
	}
	return "file transfer: " + e.Message
}

func (e *TransferError) Unwrap() error { return e.Err }

// errPeerStopped is returned from upload writes once the server has cut the
// transfer short, e.g. after COPY n RECORDS was satisfied. It is not a
// session-fatal condition.
var errPeerStopped = &TransferError{Message: "peer stopped reading"}

// ServerError is an error reply to a query, e.g. a syntax error. The session
// stays usable. Code is the SQLSTATE the server prefixed, if any.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	if e.Code != "" {
		return "monetdb: " + e.Code + " " + e.Message
	}
	return "monetdb: " + e.Message
}

// parseServerError splits an "!" reply line into SQLSTATE and text. MonetDB
// formats them as "!22003!overflow ..." or just "!message".
func parseServerError(line string) *ServerError {
	line = line[1:]
	if len(line) > 6 && line[5] == '!' {
		return &ServerError{Code: line[:5], Message: line[6:]}
	}
	return &ServerError{Message: line}
}

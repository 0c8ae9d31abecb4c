package monetdriver

import (
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type paramKind int

const (
	kindBool paramKind = iota
	kindInt
	kindString
	kindPath
)

// parameter is one named connection setting. The set is closed; an unknown
// key anywhere (URL, preferences file, overlay) is a configuration error.
type parameter struct {
	name string
	kind paramKind
	def  string
}

var parameters = []parameter{
	{"host", kindString, "localhost"},
	{"port", kindInt, "50000"},
	{"database", kindString, ""},
	{"sock", kindPath, ""},
	{"sockdir", kindPath, defaultSockDir},
	{"tls", kindBool, "false"},
	{"insecure", kindBool, "false"},
	{"cert", kindPath, ""},
	{"certhash", kindString, ""},
	{"clientkey", kindPath, ""},
	{"clientcert", kindPath, ""},
	{"user", kindString, ""},
	{"password", kindString, ""},
	{"language", kindString, defaultLanguage},
	{"autocommit", kindBool, "true"},
	{"schema", kindString, ""},
	{"timezone", kindInt, "0"}, // minutes east of UTC
	{"binary", kindInt, "0"},
	{"replysize", kindInt, "100"},
	{"fetchsize", kindInt, "250"},
	{"hash", kindString, ""},
	{"sotimeout", kindInt, "0"},        // milliseconds, 0 = none
	{"connect_timeout", kindInt, "0"},  // milliseconds, 0 = OS default
	{"debug", kindBool, "false"},
	{"logfile", kindPath, ""},
}

var parameterIndex = func() map[string]parameter {
	m := make(map[string]parameter, len(parameters))
	for _, p := range parameters {
		m[p.name] = p
	}
	return m
}()

// Properties is one overlay of raw (still unvalidated) parameter settings.
type Properties map[string]string

// Set records a single key. Unknown keys are rejected here rather than at
// resolve time so the caller learns which overlay was at fault.
func (p Properties) Set(key, value string) error {
	if _, ok := parameterIndex[key]; !ok {
		return configErrorf(key, "unknown parameter")
	}
	p[key] = value
	return nil
}

// tlsVerify is the active TLS verification mode of a resolved Target.
// Exactly one mode is active whenever TLS is on.
type tlsVerify int

const (
	verifyNone tlsVerify = iota // TLS off, or explicitly disabled verification
	verifySystem
	verifyCert
	verifyHash
)

func (v tlsVerify) String() string {
	switch v {
	case verifySystem:
		return "system"
	case verifyCert:
		return "cert"
	case verifyHash:
		return "certhash"
	}
	return "none"
}

// Target is the fully validated connection configuration. It is constructed
// once per connection attempt by Resolve and read-only afterwards.
type Target struct {
	Host           string
	Port           int
	Database       string
	Sock           string
	SockDir        string
	TLS            bool
	Insecure       bool
	Verify         tlsVerify
	Cert           string
	CertHash       string
	ClientKey      string
	ClientCert     string
	User           string
	Password       string
	Language       string
	Autocommit     bool
	Schema         string
	TimeZone       int // minutes east of UTC
	Binary         int
	ReplySize      int
	FetchSize      int
	Hash           string
	SoTimeout      time.Duration
	ConnectTimeout time.Duration
	Debug          bool
	Logfile        string
}

// UseSock reports whether the connection goes over a Unix domain socket.
// An explicit socket path wins over host/port only while TLS is off; TLS
// always forces TCP.
func (t *Target) UseSock() bool {
	return t.Sock != "" && !t.TLS
}

// SockPath is the effective Unix socket path.
func (t *Target) SockPath() string {
	if t.Sock != "" {
		return t.Sock
	}
	return filepath.Join(t.SockDir, sockPrefix+strconv.Itoa(t.Port))
}

// Addr is the TCP endpoint in host:port form.
func (t *Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// ParseURL parses a connection URL into a Properties overlay.
//
// Recognized forms:
//
//	monetdb://host[:port]/database?key=value&...
//	monetdbs://host[:port]/database?...   (TLS enabled)
//	mapi:monetdb://host[:port]/database   (classic prefix)
//	monetdb:///path/to/socket?...         (Unix domain socket)
func ParseURL(rawurl string) (Properties, error) {
	rawurl = strings.TrimPrefix(rawurl, "mapi:")

	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, configErrorf("", "invalid url %q: %v", rawurl, err)
	}

	props := Properties{}
	switch u.Scheme {
	case "monetdb":
	case "monetdbs":
		props["tls"] = "true"
	case "":
		return nil, configErrorf("", "url %q has no scheme", rawurl)
	default:
		return nil, configErrorf("", "unsupported scheme %q", u.Scheme)
	}

	if u.User != nil {
		props["user"] = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			props["password"] = pw
		}
	}

	if u.Host == "" && strings.HasPrefix(u.Path, "/") && strings.Count(u.Path, "/") > 1 {
		// No authority and a multi-segment path: the Unix socket form.
		props["sock"] = u.Path
	} else {
		if host := u.Hostname(); host != "" {
			props["host"] = host
		}
		if port := u.Port(); port != "" {
			props["port"] = port
		}
		if db := strings.TrimPrefix(u.Path, "/"); db != "" {
			if strings.Contains(db, "/") {
				return nil, configErrorf("database", "invalid database name %q", db)
			}
			props["database"] = db
		}
	}

	q, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return nil, configErrorf("", "invalid query string: %v", err)
	}
	for key, values := range q {
		if err := props.Set(key, values[len(values)-1]); err != nil {
			return nil, err
		}
	}
	return props, nil
}

// Resolve merges the given overlays over the built-in defaults, in order,
// last writer wins per key, and validates the result into a Target. It is a
// pure function: resolving the same overlays twice yields equal Targets.
func Resolve(overlays ...Properties) (*Target, error) {
	merged := make(map[string]string, len(parameters))
	for _, p := range parameters {
		merged[p.name] = p.def
	}
	for _, overlay := range overlays {
		for key, value := range overlay {
			if _, ok := parameterIndex[key]; !ok {
				return nil, configErrorf(key, "unknown parameter")
			}
			merged[key] = value
		}
	}

	t := &Target{}
	var err error
	getInt := func(key string) int {
		if err != nil {
			return 0
		}
		n, perr := strconv.Atoi(merged[key])
		if perr != nil {
			err = configErrorf(key, "not an integer: %q", merged[key])
		}
		return n
	}
	getBool := func(key string) bool {
		if err != nil {
			return false
		}
		b, ok := readBool(merged[key])
		if !ok {
			err = configErrorf(key, "not a boolean: %q", merged[key])
		}
		return b
	}

	t.Host = merged["host"]
	t.Port = getInt("port")
	t.Database = merged["database"]
	t.Sock = merged["sock"]
	t.SockDir = merged["sockdir"]
	t.TLS = getBool("tls")
	t.Insecure = getBool("insecure")
	t.Cert = merged["cert"]
	t.CertHash = merged["certhash"]
	t.ClientKey = merged["clientkey"]
	t.ClientCert = merged["clientcert"]
	t.User = merged["user"]
	t.Password = merged["password"]
	t.Language = merged["language"]
	t.Autocommit = getBool("autocommit")
	t.Schema = merged["schema"]
	t.TimeZone = getInt("timezone")
	t.Binary = getInt("binary")
	t.ReplySize = getInt("replysize")
	t.FetchSize = getInt("fetchsize")
	t.Hash = merged["hash"]
	t.SoTimeout = time.Duration(getInt("sotimeout")) * time.Millisecond
	t.ConnectTimeout = time.Duration(getInt("connect_timeout")) * time.Millisecond
	t.Debug = getBool("debug")
	t.Logfile = merged["logfile"]
	if err != nil {
		return nil, err
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Target) validate() error {
	if t.Port < 1 || t.Port > 65535 {
		return configErrorf("port", "out of range: %d", t.Port)
	}
	if t.Host == "" && t.Sock == "" {
		return configErrorf("host", "neither a host nor a socket path is set")
	}
	if t.TimeZone < -24*60 || t.TimeZone > 24*60 {
		return configErrorf("timezone", "offset out of range: %d minutes", t.TimeZone)
	}

	// Client certificate: a combined key+cert file (clientcert only), or a
	// separate pair (both set). A key without a certificate is unusable.
	if t.ClientKey != "" && t.ClientCert == "" {
		return configErrorf("clientkey", "clientkey is set but clientcert is not")
	}
	if t.ClientCert != "" && t.ClientKey == "" {
		t.ClientKey = t.ClientCert // combined PEM file
	}

	if !t.TLS {
		t.Verify = verifyNone
		if t.Cert != "" || t.CertHash != "" {
			return configErrorf("tls", "cert/certhash are set but tls is disabled")
		}
		if t.ClientCert != "" {
			return configErrorf("tls", "client certificate is set but tls is disabled")
		}
		return nil
	}

	// TLS on: pick exactly one verification mode.
	switch {
	case t.Insecure:
		if t.Cert != "" || t.CertHash != "" {
			return configErrorf("insecure", "cert/certhash are set but verification is disabled")
		}
		t.Verify = verifyNone
	case t.Cert != "" && t.CertHash != "":
		return configErrorf("certhash", "cert and certhash are mutually exclusive")
	case t.Cert != "":
		t.Verify = verifyCert
	case t.CertHash != "":
		hash := strings.ToLower(t.CertHash)
		if !strings.HasPrefix(hash, "sha256:") {
			return configErrorf("certhash", "must start with \"sha256:\"")
		}
		digest := strings.ReplaceAll(hash[len("sha256:"):], ":", "")
		if digest == "" {
			return configErrorf("certhash", "empty digest")
		}
		for _, c := range digest {
			if !strings.ContainsRune("0123456789abcdef", c) {
				return configErrorf("certhash", "invalid hex digit %q", c)
			}
		}
		t.CertHash = "sha256:" + digest
		t.Verify = verifyHash
	default:
		t.Verify = verifySystem
	}
	return nil
}

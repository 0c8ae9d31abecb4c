package monetdriver

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"net"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/ripemd160"
)

// The digest algorithm set is protocol-fixed, so it is a closed enum with a
// constructor per case rather than anything pluggable at runtime.
type digestAlgo int

const (
	digestSHA512 digestAlgo = iota
	digestSHA384
	digestSHA256
	digestSHA224
	digestSHA1
	digestRIPEMD160
	digestMD5
)

// digestPreference is the order in which a mutually supported algorithm is
// picked from the server's offer. Strongest first; never "first offered".
var digestPreference = [...]digestAlgo{
	digestSHA512, digestSHA384, digestSHA256, digestSHA224,
	digestSHA1, digestRIPEMD160, digestMD5,
}

func (a digestAlgo) String() string {
	switch a {
	case digestSHA512:
		return "SHA512"
	case digestSHA384:
		return "SHA384"
	case digestSHA256:
		return "SHA256"
	case digestSHA224:
		return "SHA224"
	case digestSHA1:
		return "SHA1"
	case digestRIPEMD160:
		return "RIPEMD160"
	case digestMD5:
		return "MD5"
	}
	return "unknown"
}

func (a digestAlgo) new() hash.Hash {
	switch a {
	case digestSHA512:
		return sha512.New()
	case digestSHA384:
		return sha512.New384()
	case digestSHA256:
		return sha256.New()
	case digestSHA224:
		return sha256.New224()
	case digestSHA1:
		return sha1.New()
	case digestRIPEMD160:
		return ripemd160.New()
	case digestMD5:
		return md5.New()
	}
	return nil
}

func digestByName(name string) (digestAlgo, bool) {
	for _, a := range digestPreference {
		if a.String() == name {
			return a, true
		}
	}
	return 0, false
}

// hexDigest returns the lowercase hex digest of the concatenated inputs.
func hexDigest(a digestAlgo, parts ...string) string {
	h := a.new()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// challenge is the first message of a handshake:
//
//	salt:identity:version:algolist:endianness:pwhash[:option...]:
type challenge struct {
	salt     string
	identity string
	version  int
	algos    []string
	endian   string
	pwhash   string
}

func parseChallenge(msg []byte) (*challenge, error) {
	fields := strings.Split(string(msg), ":")
	if len(fields) < 6 {
		return nil, protocolErrorf("challenge has %d fields, expected at least 6", len(fields))
	}
	version, err := strconv.Atoi(fields[2])
	if err != nil {
		return nil, protocolErrorf("challenge version %q is not a number", fields[2])
	}
	return &challenge{
		salt:     fields[0],
		identity: fields[1],
		version:  version,
		algos:    strings.Split(fields[3], ","),
		endian:   fields[4],
		pwhash:   fields[5],
	}, nil
}

// chooseDigest picks the strongest mutually supported response algorithm.
// A non-empty pin restricts the choice to that one algorithm.
func chooseDigest(offered []string, pin string) (digestAlgo, error) {
	offer := make(map[string]bool, len(offered))
	for _, name := range offered {
		offer[name] = true
	}
	if pin != "" {
		a, ok := digestByName(strings.ToUpper(pin))
		if !ok {
			return 0, configErrorf("hash", "unknown digest algorithm %q", pin)
		}
		if !offer[a.String()] {
			return 0, protocolErrorf("no supported digest algorithm: server does not offer pinned %s", a)
		}
		return a, nil
	}
	for _, a := range digestPreference {
		if offer[a.String()] {
			return a, nil
		}
	}
	return 0, protocolErrorf("no supported digest algorithm among %s", strings.Join(offered, ","))
}

// credentialDigest computes the {ALGO}hexsum field of the login response:
// the password is first hashed with the server-announced password hash, and
// that hex digest is then salted and hashed with the chosen algorithm.
func credentialDigest(ch *challenge, password string, pin string) (string, error) {
	pwAlgo, ok := digestByName(ch.pwhash)
	if !ok {
		return "", protocolErrorf("no supported digest algorithm: unknown password hash %q", ch.pwhash)
	}
	respAlgo, err := chooseDigest(ch.algos, pin)
	if err != nil {
		return "", err
	}
	pw := hexDigest(pwAlgo, password)
	return "{" + respAlgo.String() + "}" + hexDigest(respAlgo, pw, ch.salt), nil
}

// login drives the handshake state machine until the server accepts,
// rejects, or the redirect budget runs out. On a merovingian redirect the
// handshake restarts on the same connection (the proxy splices us through);
// on a monetdb:// redirect we reconnect to the named endpoint.
func (mc *monetConn) login() error {
	for hop := 0; hop <= maxRedirects; hop++ {
		chMsg, err := mc.readMessage()
		if err != nil {
			return err
		}
		ch, err := parseChallenge(chMsg)
		if err != nil {
			mc.cleanup()
			return err
		}
		if ch.version != mapiVersion {
			mc.cleanup()
			return protocolErrorf("unsupported mapi version %d, expected %d", ch.version, mapiVersion)
		}

		cred, err := credentialDigest(ch, mc.cfg.Password, mc.cfg.Hash)
		if err != nil {
			mc.cleanup()
			return err
		}

		// The FILETRANS capability announces that this client understands
		// server-initiated file transfer requests.
		response := strings.Join([]string{
			"BIG", mc.cfg.User, cred, mc.cfg.Language, mc.cfg.Database, "FILETRANS", "",
		}, ":")
		if err := mc.writeMessage([]byte(response)); err != nil {
			return err
		}

		verdict, err := mc.readMessage()
		if err != nil {
			return err
		}
		redirect, err := mc.loginVerdict(verdict)
		if err != nil {
			return err
		}
		if redirect == "" {
			mc.log.Debug("handshake accepted",
				zap.String("server", ch.identity),
				zap.String("database", mc.cfg.Database))
			return nil
		}
		if err := mc.followRedirect(redirect); err != nil {
			return err
		}
	}
	mc.cleanup()
	return protocolErrorf("handshake exceeded %d redirects", maxRedirects)
}

// loginVerdict classifies the server's answer to the credentials: accepted
// (empty or informational), rejected, or a redirect to follow.
func (mc *monetConn) loginVerdict(msg []byte) (redirect string, err error) {
	for _, line := range splitReply(msg) {
		switch {
		case line == "":
		case line[0] == msgInfo:
			mc.log.Debug("server info", zap.String("line", line[1:]))
		case line[0] == msgError:
			mc.cleanup()
			return "", &AuthenticationError{Message: strings.TrimPrefix(line[1:], "InvalidCredentialsException:")}
		case line[0] == msgRedirect:
			if redirect == "" {
				redirect = line[1:]
			}
		default:
			mc.cleanup()
			return "", protocolErrorf("unexpected login reply %q", line)
		}
	}
	return redirect, nil
}

// followRedirect prepares the connection for the next handshake round.
func (mc *monetConn) followRedirect(redirect string) error {
	target := strings.TrimPrefix(redirect, "mapi:")

	if strings.HasPrefix(target, "merovingian://") {
		// The broker proxies us to the real server over the same socket;
		// just run the handshake again.
		return nil
	}

	u, err := url.Parse(target)
	if err != nil || u.Scheme != "monetdb" {
		mc.cleanup()
		return protocolErrorf("unparseable redirect %q", redirect)
	}
	mc.log.Debug("redirected", zap.String("to", target))

	host := u.Hostname()
	if host == "" {
		host = mc.cfg.Host
	}
	port := mc.cfg.Port
	if p := u.Port(); p != "" {
		if port, err = strconv.Atoi(p); err != nil {
			mc.cleanup()
			return protocolErrorf("redirect port %q is not a number", p)
		}
	}
	if db := strings.TrimPrefix(u.Path, "/"); db != "" {
		mc.cfg.Database = db
	}

	// Swap in a fresh connection to the new endpoint.
	mc.cleanup()
	fresh := *mc.cfg
	fresh.Host = host
	fresh.Port = port
	fresh.Sock = ""
	nc, err := dialTarget(&fresh)
	if err != nil {
		return err
	}
	mc.cfg = &fresh
	mc.resetConn(nc)
	return nil
}

// resetConn rebinds the connection to a new socket, keeping the session
// bookkeeping. Used when a redirect moves us to another endpoint.
func (mc *monetConn) resetConn(nc net.Conn) {
	mc.netConn = nc
	mc.rawConn = nc
	mc.buf = newBuffer()
	mc.closed.Store(false)
	mc.closech = make(chan struct{})
	// The previous watcher exited when cleanup closed its closech; any
	// context registered with it is forgotten here.
	mc.watching = false
	mc.startWatcher()
}

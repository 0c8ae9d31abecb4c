package monetdriver

const (
	// A block carries at most 8 KiB minus the two header bytes. The low bit
	// of the little-endian block header is the "last block of this message"
	// flag, the remaining 15 bits are the payload length.
	maxBlockSize = 8*1024 - 2

	// MAPI protocol version understood by this driver.
	mapiVersion = 9

	// ALPN protocol id offered during the TLS handshake.
	mapiALPN = "mapi/9"

	defaultPort      = 50000
	defaultLanguage  = "sql"
	defaultReplySize = 100
	defaultFetchSize = 250
	defaultSockDir   = "/tmp"

	// Name of the Unix domain socket mserver5 listens on, per port.
	sockPrefix = ".s.monetdb."
)

// Reply line prefixes. Every line of a server reply starts with one of
// these; anything else is a framing error.
const (
	msgQuery    = '&'
	msgHeader   = '%'
	msgTuple    = '['
	msgRaw      = '='
	msgError    = '!'
	msgInfo     = '#'
	msgRedirect = '^'
	msgPromptCh = '\x01'
)

// Query reply subtypes, the digit following '&'.
const (
	qTable   = '1' // result set header
	qUpdate  = '2' // update count
	qSchema  = '3' // DDL succeeded
	qTrans   = '4' // transaction status change
	qPrepare = '5'
	qBlock   = '6' // continuation of a paged result set
)

// Server prompts arriving as a message of their own.
var (
	promptMore = []byte("\x01\x02\n") // server wants more query input
	promptFile = []byte("\x01\x03\n") // file transfer request follows
)

// maxRedirects bounds the handshake redirect loop. The value matches the
// classic clients; tests lower it.
var maxRedirects = 10

const defaultUploadChunkSize = 128 * 1024

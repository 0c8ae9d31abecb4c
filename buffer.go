package monetdriver

import (
	"errors"
	"io"
)

const defaultBufSize = 4096
const maxCachedBufSize = 256 * 1024

type readerFunc func([]byte) (int, error)

// buffer owns the read-side scratch space of one connection. Blocks are
// reassembled out of it; it is never shared between connections.
type buffer struct {
	buf       []byte // unconsumed bytes, a slice of cachedBuf
	cachedBuf []byte
}

func newBuffer() buffer {
	return buffer{
		cachedBuf: make([]byte, defaultBufSize),
	}
}

func (b *buffer) busy() bool {
	return len(b.buf) > 0
}

// fill reads into the buffer until at least need bytes are available.
func (b *buffer) fill(need int, r readerFunc) error {
	dest := b.cachedBuf

	// grow buffer if needed
	if need > len(dest) {
		dest = make([]byte, ((need/defaultBufSize)+1)*defaultBufSize)

		// cache the buffer if it's small enough
		if len(dest) <= maxCachedBufSize {
			b.cachedBuf = dest
		}
	}

	n := len(b.buf)
	copy(dest[:n], b.buf)

	for {
		nn, err := r(dest[n:])
		n += nn
		switch err {
		case nil:
			if n < need {
				continue
			}
			b.buf = dest[:n]
			return nil
		case io.EOF:
			b.buf = dest[:n]
			if n < need {
				return io.ErrUnexpectedEOF
			}
			return nil
		default:
			b.buf = dest[:n]
			return err
		}
	}
}

// readNext returns the next need bytes, filling from r as required. The
// returned slice is only valid until the next buffer call.
func (b *buffer) readNext(need int, r readerFunc) ([]byte, error) {
	if len(b.buf) < need {
		if err := b.fill(need, r); err != nil {
			return nil, err
		}
	}
	data := b.buf[:need]
	b.buf = b.buf[need:]
	return data, nil
}

// poll performs a single read and appends whatever arrived to the buffered
// bytes. Used with a zero read deadline to probe for data the server sent
// ahead of us; a deadline error means nothing was pending.
func (b *buffer) poll(r readerFunc) int {
	var tmp [defaultBufSize]byte
	n, _ := r(tmp[:])
	if n > 0 {
		b.buf = append(b.buf, tmp[:n]...)
	}
	return n
}

// takeBuffer returns a write scratch buffer of the given length. It shares
// storage with the read side, so it must not be used while reassembly of an
// incoming message is in progress.
func (b *buffer) takeBuffer(length int) ([]byte, error) {
	if b.busy() {
		return nil, errors.New("busy buffer")
	}
	if length <= len(b.cachedBuf) {
		return b.cachedBuf[:length], nil
	}
	if length < maxCachedBufSize {
		b.cachedBuf = make([]byte, length)
		return b.cachedBuf, nil
	}
	return make([]byte, length), nil
}

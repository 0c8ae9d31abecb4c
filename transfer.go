package monetdriver

import (
	"bytes"
	"errors"
	"io"
	"runtime"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Server-initiated file transfer ("COPY ... ON CLIENT"). Mid-reply the
// server may ask the client to stream a named file up or down. The request
// exists for one reply cycle only; the handlers below are consulted and the
// normal reply processing resumes afterwards.

// UploadHandler produces the data for a server-requested upload. skipLines
// is the number of leading lines the server has already consumed on an
// earlier attempt and wants skipped this time. Returning a non-nil error
// after bytes have been written closes the session.
type UploadHandler interface {
	HandleUpload(up *Upload, name string, text bool, skipLines int) error
}

// DownloadHandler consumes the data of a server-requested download.
// Returning a non-nil error after bytes have been read closes the session.
type DownloadHandler interface {
	HandleDownload(dl *Download, name string, text bool) error
}

func (mc *monetConn) handleTransfer(req string) error {
	mc.log.Debug("file transfer request", zap.String("request", req))
	switch {
	case strings.HasPrefix(req, "r "):
		rest := req[len("r "):]
		idx := strings.IndexByte(rest, ' ')
		if idx < 0 {
			break
		}
		skip, err := strconv.Atoi(rest[:idx])
		if err != nil {
			break
		}
		return mc.runUpload(rest[idx+1:], true, skip)
	case strings.HasPrefix(req, "rb "):
		return mc.runUpload(req[len("rb "):], false, 0)
	case strings.HasPrefix(req, "w "):
		return mc.runDownload(req[len("w "):], true)
	case strings.HasPrefix(req, "wb "):
		return mc.runDownload(req[len("wb "):], false)
	}
	mc.cleanup()
	return protocolErrorf("unknown file transfer request %q", req)
}

// refuseTransfer answers a transfer request with an error line, leaving the
// session in sync and reusable.
func (mc *monetConn) refuseTransfer(reason string) error {
	return mc.writeMessage([]byte("!" + reason + "\n"))
}

// peerPending reports whether the server has sent bytes we have not asked
// for yet. During an upload that means it stopped reading our data.
func (mc *monetConn) peerPending() bool {
	if mc.buf.busy() {
		return true
	}
	mc.netConn.SetReadDeadline(time.Now())
	n := mc.buf.poll(mc.netConn.Read)
	mc.netConn.SetReadDeadline(time.Time{})
	return n > 0
}

// Upload is the handle an UploadHandler writes through.
type Upload struct {
	mc         *monetConn
	chunkSize  int
	started    bool // ack sent, data may follow
	refused    bool
	stopped    bool // server stopped reading
	cancelHook func()
	wbuf       []byte
	pendingCR  bool
	werr       error
}

// SetChunkSize adjusts how much data is buffered before a message goes out.
func (up *Upload) SetChunkSize(n int) {
	if n > 0 {
		up.chunkSize = n
	}
}

// OnServerCancel registers a hook invoked exactly once if the server stops
// reading before the upload is complete.
func (up *Upload) OnServerCancel(f func()) {
	up.cancelHook = f
}

// Refuse aborts the transfer before any data has been sent. The session
// stays usable; the server reports the reason to the query issuer.
func (up *Upload) Refuse(reason string) error {
	if up.started {
		return &TransferError{Message: "cannot refuse, upload already started"}
	}
	if up.refused {
		return nil
	}
	up.refused = true
	return up.mc.refuseTransfer(reason)
}

// Writer returns the raw byte sink for this upload.
func (up *Upload) Writer() io.Writer {
	return uploadWriter{up}
}

// TextWriter returns a sink that normalizes CRLF (and lone CR) line endings
// to the single "\n" convention of the wire format. The normalization state
// survives chunk boundaries, including a CR split exactly at one.
func (up *Upload) TextWriter() io.Writer {
	return textUploadWriter{up}
}

func (up *Upload) write(p []byte) error {
	if up.werr != nil {
		return up.werr
	}
	if up.refused {
		return &TransferError{Message: "write after refuse"}
	}
	if !up.started {
		// The server may have answered the query already, e.g. when a COPY n
		// RECORDS was satisfied by an earlier attempt.
		if up.mc.peerPending() {
			up.serverStopped()
			return up.werr
		}
		// Empty first message acknowledges the request.
		if err := up.mc.writeMessage(nil); err != nil {
			up.werr = err
			return err
		}
		up.started = true
	}
	up.wbuf = append(up.wbuf, p...)
	if len(up.wbuf) >= up.chunkSize {
		return up.flush()
	}
	return nil
}

func (up *Upload) flush() error {
	if up.werr != nil {
		return up.werr
	}
	if len(up.wbuf) == 0 {
		return nil
	}
	if up.mc.peerPending() {
		up.serverStopped()
		return up.werr
	}
	err := up.mc.writeMessage(up.wbuf)
	up.wbuf = up.wbuf[:0]
	if err != nil {
		up.werr = err
	}
	return err
}

func (up *Upload) serverStopped() {
	up.stopped = true
	up.werr = errPeerStopped
	up.wbuf = nil
	if up.cancelHook != nil {
		up.cancelHook()
		up.cancelHook = nil
	}
}

type uploadWriter struct{ up *Upload }

func (w uploadWriter) Write(p []byte) (int, error) {
	if err := w.up.write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

type textUploadWriter struct{ up *Upload }

func (w textUploadWriter) Write(p []byte) (int, error) {
	up := w.up
	total := len(p)
	for len(p) > 0 {
		if up.pendingCR {
			up.pendingCR = false
			if p[0] == '\n' {
				// CRLF split across writes collapses to one newline.
				if err := up.write(p[:1]); err != nil {
					return total - len(p), err
				}
				p = p[1:]
				continue
			}
			// Lone CR is a line ending of its own.
			if err := up.write([]byte{'\n'}); err != nil {
				return total - len(p), err
			}
			continue
		}

		i := bytes.IndexByte(p, '\r')
		if i < 0 {
			if err := up.write(p); err != nil {
				return total - len(p), err
			}
			p = nil
			break
		}
		if err := up.write(p[:i]); err != nil {
			return total - len(p), err
		}
		p = p[i+1:]
		up.pendingCR = true
	}
	return total, nil
}

// finishText resolves a CR left hanging at the very end of the data.
func (up *Upload) finishText() error {
	if !up.pendingCR {
		return nil
	}
	up.pendingCR = false
	return up.write([]byte{'\n'})
}

func (mc *monetConn) runUpload(name string, text bool, skip int) error {
	var h UploadHandler
	if mc.connector != nil {
		h = mc.connector.uploadHandler
	}
	if h == nil {
		return mc.refuseTransfer("no upload handler registered")
	}

	up := &Upload{mc: mc, chunkSize: defaultUploadChunkSize}
	err := h.HandleUpload(up, name, text, skip)

	switch {
	case up.refused:
		return nil
	case err != nil && errors.Is(err, errPeerStopped):
		// Clean early termination; the server's reply is already queued.
		return nil
	case err != nil && !up.started:
		// Nothing sent yet, the refusal path is still open.
		return mc.refuseTransfer(err.Error())
	case err != nil:
		// No way to signal a mid-file client error without desynchronizing
		// the stream, so the session goes down with it.
		mc.cleanup()
		return &TransferError{Message: "upload of " + name + " failed", Err: err}
	}

	if err := up.finishText(); err != nil {
		if errors.Is(err, errPeerStopped) {
			return nil
		}
		return err
	}
	if err := up.flush(); err != nil {
		if errors.Is(err, errPeerStopped) {
			return nil
		}
		return err
	}
	if up.stopped {
		return nil
	}
	if !up.started {
		// Nothing was written: still acknowledge, then immediately finish.
		if err := mc.writeMessage(nil); err != nil {
			return err
		}
	}
	// Empty message terminates the data stream.
	return mc.writeMessage(nil)
}

// Download is the handle a DownloadHandler reads through.
type Download struct {
	mc      *monetConn
	lineSep []byte
	started bool
	refused bool
	done    bool
	cur     []byte
	pending []byte
	rerr    error
}

// SetLineEnding overrides the line ending TextReader delivers. The default
// is the platform convention.
func (dl *Download) SetLineEnding(sep string) {
	dl.lineSep = []byte(sep)
}

// Refuse aborts the transfer before any data has been read. The session
// stays usable.
func (dl *Download) Refuse(reason string) error {
	if dl.started {
		return &TransferError{Message: "cannot refuse, download already started"}
	}
	if dl.refused {
		return nil
	}
	dl.refused = true
	return dl.mc.refuseTransfer(reason)
}

// Reader returns the raw byte source for this download.
func (dl *Download) Reader() io.Reader {
	return downloadReader{dl}
}

// TextReader returns a source that rewrites the wire's "\n" line endings to
// the configured convention, correct even when reads split the replacement
// sequence.
func (dl *Download) TextReader() io.Reader {
	return textDownloadReader{dl}
}

func (dl *Download) fill() error {
	if dl.rerr != nil {
		return dl.rerr
	}
	if dl.refused {
		dl.rerr = &TransferError{Message: "read after refuse"}
		return dl.rerr
	}
	if !dl.started {
		if err := dl.mc.writeMessage(nil); err != nil {
			dl.rerr = err
			return err
		}
		dl.started = true
	}
	for len(dl.cur) == 0 {
		if dl.done {
			dl.rerr = io.EOF
			return io.EOF
		}
		msg, err := dl.mc.readMessage()
		if err != nil {
			dl.rerr = err
			return err
		}
		if len(msg) == 0 {
			dl.done = true
			dl.rerr = io.EOF
			return io.EOF
		}
		dl.cur = msg
	}
	return nil
}

type downloadReader struct{ dl *Download }

func (r downloadReader) Read(p []byte) (int, error) {
	dl := r.dl
	if err := dl.fill(); err != nil {
		return 0, err
	}
	n := copy(p, dl.cur)
	dl.cur = dl.cur[n:]
	return n, nil
}

type textDownloadReader struct{ dl *Download }

func (r textDownloadReader) Read(p []byte) (int, error) {
	dl := r.dl
	if len(dl.pending) == 0 {
		if err := dl.fill(); err != nil {
			return 0, err
		}
		take := len(dl.cur)
		if take > len(p) {
			take = len(p)
		}
		raw := dl.cur[:take]
		dl.cur = dl.cur[take:]
		if bytes.Equal(dl.lineSep, []byte("\n")) {
			dl.pending = append(dl.pending, raw...)
		} else {
			dl.pending = append(dl.pending, bytes.ReplaceAll(raw, []byte("\n"), dl.lineSep)...)
		}
	}
	n := copy(p, dl.pending)
	dl.pending = dl.pending[n:]
	return n, nil
}

// drain discards whatever part of the download the handler did not read, so
// the session ends the reply cycle in sync.
func (dl *Download) drain() error {
	if dl.refused || dl.rerr == io.EOF {
		return nil
	}
	if !dl.started {
		if err := dl.mc.writeMessage(nil); err != nil {
			return err
		}
		dl.started = true
	}
	for !dl.done {
		msg, err := dl.mc.readMessage()
		if err != nil {
			return err
		}
		if len(msg) == 0 {
			dl.done = true
		}
	}
	return nil
}

func (mc *monetConn) runDownload(name string, text bool) error {
	var h DownloadHandler
	if mc.connector != nil {
		h = mc.connector.downloadHandler
	}
	if h == nil {
		return mc.refuseTransfer("no download handler registered")
	}

	dl := &Download{mc: mc, lineSep: []byte(platformLineEnding())}
	err := h.HandleDownload(dl, name, text)

	switch {
	case dl.refused:
		return nil
	case err != nil && !dl.started:
		// Nothing consumed yet, the refusal path is still open.
		return mc.refuseTransfer(err.Error())
	case err != nil:
		mc.cleanup()
		return &TransferError{Message: "download of " + name + " failed", Err: err}
	}
	if dl.rerr != nil && dl.rerr != io.EOF {
		mc.cleanup()
		return &TransferError{Message: "download of " + name + " failed", Err: dl.rerr}
	}
	return dl.drain()
}

func platformLineEnding() string {
	if runtime.GOOS == "windows" {
		return "\r\n"
	}
	return "\n"
}

package monetdriver

import (
	"encoding/binary"
	"time"

	"go.uber.org/zap"
)

// The MAPI block channel. Every logical message travels as one or more
// blocks, each prefixed with a two byte little-endian header holding
// length<<1 | last. Reassembly happens here; callers above only ever see
// complete messages.

func (mc *monetConn) readWithTimeout(b []byte) (int, error) {
	if mc.cfg.SoTimeout > 0 {
		if err := mc.netConn.SetReadDeadline(time.Now().Add(mc.cfg.SoTimeout)); err != nil {
			return 0, err
		}
	}
	return mc.netConn.Read(b)
}

func (mc *monetConn) writeWithTimeout(b []byte) (int, error) {
	if mc.cfg.SoTimeout > 0 {
		if err := mc.netConn.SetWriteDeadline(time.Now().Add(mc.cfg.SoTimeout)); err != nil {
			return 0, err
		}
	}
	return mc.netConn.Write(b)
}

// readMessage reassembles one logical message. Multiple messages packed
// into a single network read and messages spanning many reads both come out
// the same way.
func (mc *monetConn) readMessage() ([]byte, error) {
	var msg []byte
	for {
		head, err := mc.buf.readNext(2, mc.readWithTimeout)
		if err != nil {
			return nil, mc.lost(err)
		}
		frame := binary.LittleEndian.Uint16(head)
		length := int(frame >> 1)
		last := frame&1 == 1

		if length > maxBlockSize {
			mc.cleanup()
			return nil, protocolErrorf("block of %d bytes exceeds the %d byte limit", length, maxBlockSize)
		}
		if length > 0 {
			data, err := mc.buf.readNext(length, mc.readWithTimeout)
			if err != nil {
				return nil, mc.lost(err)
			}
			msg = append(msg, data...)
		}
		if last {
			mc.log.Debug("mapi recv", zap.Int("bytes", len(msg)))
			return msg, nil
		}
	}
}

// writeMessage chunks the payload into blocks, marking only the final one,
// and flushes it to the wire. An empty payload still produces one (empty,
// final) block.
func (mc *monetConn) writeMessage(msg []byte) error {
	mc.log.Debug("mapi send", zap.Int("bytes", len(msg)))
	for {
		chunk := msg
		last := uint16(1)
		if len(chunk) > maxBlockSize {
			chunk = msg[:maxBlockSize]
			last = 0
		}
		msg = msg[len(chunk):]

		block, err := mc.buf.takeBuffer(2 + len(chunk))
		if err != nil {
			mc.cleanup()
			return protocolErrorf("write while a reply is pending: %v", err)
		}
		binary.LittleEndian.PutUint16(block, uint16(len(chunk))<<1|last)
		copy(block[2:], chunk)

		if _, err := mc.writeWithTimeout(block); err != nil {
			return mc.lost(err)
		}
		if last == 1 {
			return nil
		}
	}
}

// lost closes the connection and converts a transport error into the
// connection-lost category. A watcher-cancelled context takes precedence.
func (mc *monetConn) lost(err error) error {
	mc.cleanup()
	if cerr := mc.canceled.Value(); cerr != nil {
		return cerr
	}
	return &ConnectError{Message: "connection lost", Err: err}
}

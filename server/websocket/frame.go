package websocket

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrProtocol is returned for frames that violate RFC 6455.
	ErrProtocol = errors.New("websocket: protocol error")
	// ErrNotMasked is returned for a client frame without a mask.
	ErrNotMasked = fmt.Errorf("%w: client frame not masked", ErrProtocol)
	// ErrFrameTooLarge is returned when a frame or message exceeds the limit.
	ErrFrameTooLarge = errors.New("websocket: message too large")
	// ErrCloseSent is returned by writes after a close frame went out.
	ErrCloseSent = errors.New("websocket: close frame already sent")
)

// Opcode identifies the frame type.
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// IsControl reports whether o is a close, ping or pong opcode.
func (o Opcode) IsControl() bool {
	return o&0x8 != 0
}

func (o Opcode) valid() bool {
	switch o {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	}
	return false
}

// Close status codes used by the bridge.
const (
	CloseNormal         uint16 = 1000
	CloseGoingAway      uint16 = 1001
	CloseProtocolError  uint16 = 1002
	CloseNoStatus       uint16 = 1005
	CloseMessageTooBig  uint16 = 1009
	CloseInternalError  uint16 = 1011
	maxControlPayload          = 125
)

// Frame is a single decoded frame. Payload is always unmasked.
type Frame struct {
	Fin     bool
	Opcode  Opcode
	Masked  bool
	MaskKey [4]byte
	Payload []byte
}

func maskBytes(key [4]byte, b []byte) {
	for i := range b {
		b[i] ^= key[i%4]
	}
}

// EncodeFrame serializes f with the shortest length encoding. The payload
// is masked with f.MaskKey when f.Masked is set; f.Payload is not modified.
func EncodeFrame(f Frame) []byte {
	n := len(f.Payload)
	buf := make([]byte, 0, 14+n)

	b0 := byte(f.Opcode) & 0x0f
	if f.Fin {
		b0 |= 0x80
	}
	var maskBit byte
	if f.Masked {
		maskBit = 0x80
	}

	buf = append(buf, b0)
	switch {
	case n <= 125:
		buf = append(buf, maskBit|byte(n))
	case n <= 0xffff:
		buf = append(buf, maskBit|126)
		buf = binary.BigEndian.AppendUint16(buf, uint16(n))
	default:
		buf = append(buf, maskBit|127)
		buf = binary.BigEndian.AppendUint64(buf, uint64(n))
	}

	if f.Masked {
		buf = append(buf, f.MaskKey[:]...)
		start := len(buf)
		buf = append(buf, f.Payload...)
		maskBytes(f.MaskKey, buf[start:])
		return buf
	}
	return append(buf, f.Payload...)
}

// DecodeFrame reads one frame from r. A frame longer than maxPayload is
// rejected with ErrFrameTooLarge before its payload is read; maxPayload <= 0
// disables the check. RSV bits are ignored.
func DecodeFrame(r io.Reader, maxPayload int64) (Frame, error) {
	var f Frame
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:2]); err != nil {
		return f, err
	}

	f.Fin = hdr[0]&0x80 != 0
	f.Opcode = Opcode(hdr[0] & 0x0f)
	f.Masked = hdr[1]&0x80 != 0
	length := uint64(hdr[1] & 0x7f)

	if !f.Opcode.valid() {
		return f, fmt.Errorf("%w: reserved opcode %#x", ErrProtocol, byte(f.Opcode))
	}

	switch length {
	case 126:
		if _, err := io.ReadFull(r, hdr[:2]); err != nil {
			return f, unexpected(err)
		}
		length = uint64(binary.BigEndian.Uint16(hdr[:2]))
	case 127:
		if _, err := io.ReadFull(r, hdr[:8]); err != nil {
			return f, unexpected(err)
		}
		length = binary.BigEndian.Uint64(hdr[:8])
		if length&(1<<63) != 0 {
			return f, fmt.Errorf("%w: payload length has most significant bit set", ErrProtocol)
		}
	}

	if f.Opcode.IsControl() {
		if !f.Fin {
			return f, fmt.Errorf("%w: fragmented control frame", ErrProtocol)
		}
		if length > maxControlPayload {
			return f, fmt.Errorf("%w: control frame payload of %d bytes", ErrProtocol, length)
		}
	}
	if maxPayload > 0 && length > uint64(maxPayload) {
		return f, fmt.Errorf("%w: frame of %d bytes exceeds %d", ErrFrameTooLarge, length, maxPayload)
	}

	if f.Masked {
		if _, err := io.ReadFull(r, f.MaskKey[:]); err != nil {
			return f, unexpected(err)
		}
	}

	f.Payload = make([]byte, length)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return f, unexpected(err)
	}
	if f.Masked {
		maskBytes(f.MaskKey, f.Payload)
	}
	return f, nil
}

// unexpected turns a clean EOF in the middle of a frame into ErrUnexpectedEOF.
func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// CloseError is the status a peer sent in its close frame. It matches
// io.EOF so callers can treat a close handshake as a normal end of stream.
type CloseError struct {
	Code   uint16
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("websocket: closed by peer (%d)", e.Code)
	}
	return fmt.Sprintf("websocket: closed by peer (%d %s)", e.Code, e.Reason)
}

func (e *CloseError) Is(target error) bool {
	return target == io.EOF
}

func closePayload(code uint16, reason string) []byte {
	if code == CloseNoStatus {
		return nil
	}
	if len(reason) > maxControlPayload-2 {
		reason = reason[:maxControlPayload-2]
	}
	b := binary.BigEndian.AppendUint16(make([]byte, 0, 2+len(reason)), code)
	return append(b, reason...)
}

func parseClosePayload(p []byte) (*CloseError, error) {
	switch len(p) {
	case 0:
		return &CloseError{Code: CloseNoStatus}, nil
	case 1:
		return nil, fmt.Errorf("%w: close frame with one byte payload", ErrProtocol)
	}
	return &CloseError{Code: binary.BigEndian.Uint16(p), Reason: string(p[2:])}, nil
}

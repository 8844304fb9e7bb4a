package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

const (
	// FrameVersion is the current framing version.
	FrameVersion = 1

	// DefaultMaxMessageLen bounds the payload a decoder will accept.
	DefaultMaxMessageLen = 64 << 20

	maxReservedLen = 256
)

var (
	ErrProtocolViolation = errors.New("protocol violation")
	ErrChecksumMismatch  = errors.New("frame checksum mismatch")
	ErrPeerClosed        = errors.New("peer closed connection")
)

// Frame layout:
//
//	version     uint32 BE
//	reservedLen uint32 BE
//	reserved    reservedLen bytes
//	messageLen  uint32 BE
//	payload     messageLen bytes (field-tagged Message)
//	checksum    uint32 BE, CRC32-IEEE over payload
//
// The codec is stateless per call; use one Encoder and one Decoder per
// direction of a connection.

// Encoder writes frames to a stream.
type Encoder struct {
	w        io.Writer
	reserved []byte
	written  int64
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// SetReserved sets the reserved header bytes emitted with every frame.
func (e *Encoder) SetReserved(b []byte) {
	e.reserved = b
}

// Encode frames and writes one message.
func (e *Encoder) Encode(m *Message) error {
	payload := MarshalPayload(m)

	buf := make([]byte, 0, 12+len(e.reserved)+len(payload)+4)
	buf = binary.BigEndian.AppendUint32(buf, FrameVersion)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.reserved)))
	buf = append(buf, e.reserved...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	buf = binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(payload))

	n, err := e.w.Write(buf)
	e.written += int64(n)
	return err
}

// BytesWritten reports the cumulative frame bytes emitted.
func (e *Encoder) BytesWritten() int64 {
	return e.written
}

// Decoder reads frames from a stream.
type Decoder struct {
	r      io.Reader
	maxLen uint32
	read   int64
}

// BytesRead reports the cumulative frame bytes consumed.
func (d *Decoder) BytesRead() int64 {
	return d.read
}

// NewDecoder returns a decoder reading from r with the default message
// length ceiling.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, maxLen: DefaultMaxMessageLen}
}

// SetMaxMessageLen overrides the payload ceiling.
func (d *Decoder) SetMaxMessageLen(n uint32) {
	d.maxLen = n
}

// Decode blocks until a whole frame has been read, verifies its checksum and
// parses the payload. It returns ErrPeerClosed when the stream ends cleanly
// between frames, ErrProtocolViolation on framing faults (the caller should
// drop the connection) and ErrChecksumMismatch on payload corruption (the
// caller may keep the connection and drop the frame).
func (d *Decoder) Decode() (*Message, error) {
	var head [8]byte
	if n, err := io.ReadFull(d.r, head[:]); err != nil {
		d.read += int64(n)
		return nil, mapReadErr(err, true)
	}
	d.read += 8
	version := binary.BigEndian.Uint32(head[0:4])
	if version != FrameVersion {
		return nil, fmt.Errorf("%w: frame version %d", ErrProtocolViolation, version)
	}
	reservedLen := binary.BigEndian.Uint32(head[4:8])
	if reservedLen > maxReservedLen {
		return nil, fmt.Errorf("%w: reserved length %d", ErrProtocolViolation, reservedLen)
	}
	if reservedLen > 0 {
		reserved := make([]byte, reservedLen)
		n, err := io.ReadFull(d.r, reserved)
		d.read += int64(n)
		if err != nil {
			return nil, mapReadErr(err, false)
		}
	}

	var lenBuf [4]byte
	if n, err := io.ReadFull(d.r, lenBuf[:]); err != nil {
		d.read += int64(n)
		return nil, mapReadErr(err, false)
	}
	d.read += 4
	msgLen := binary.BigEndian.Uint32(lenBuf[:])
	if msgLen > d.maxLen {
		return nil, fmt.Errorf("%w: message length %d exceeds ceiling %d", ErrProtocolViolation, msgLen, d.maxLen)
	}

	payload := make([]byte, msgLen)
	n, err := io.ReadFull(d.r, payload)
	d.read += int64(n)
	if err != nil {
		return nil, mapReadErr(err, false)
	}

	var sumBuf [4]byte
	if n, err := io.ReadFull(d.r, sumBuf[:]); err != nil {
		d.read += int64(n)
		return nil, mapReadErr(err, false)
	}
	d.read += 4
	if binary.BigEndian.Uint32(sumBuf[:]) != crc32.ChecksumIEEE(payload) {
		return nil, ErrChecksumMismatch
	}

	return UnmarshalPayload(payload)
}

// mapReadErr turns stream errors into protocol errors. EOF on a frame
// boundary is a clean close; EOF inside a frame is a truncated peer.
func mapReadErr(err error, atBoundary bool) error {
	if errors.Is(err, io.EOF) {
		if atBoundary {
			return ErrPeerClosed
		}
		return fmt.Errorf("%w: truncated frame", ErrPeerClosed)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: truncated frame", ErrPeerClosed)
	}
	return err
}

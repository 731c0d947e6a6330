// Package frame implements the framing of the internal protocol spoken
// between two endpoints.
//
// Every frame is a 4-byte big-endian length followed by its payload. The
// first frame sent by each side is an [Init] frame, every following frame
// carries a [Data] payload.
package frame

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
)

// DefaultMaxLength is the largest payload accepted when none is configured.
const DefaultMaxLength = 4 << 20

const (
	prefixLength = 4

	// IDLength is the size of a connection ID, a key, or an interface UID.
	IDLength = 16

	// InitLength is the exact size of an Init payload.
	InitLength = 2 * IDLength

	// MaxMsgIDLength is bounded by the single length byte of the message ID.
	MaxMsgIDLength = 255
)

var (
	ErrTooLarge     = errors.New("frame: payload exceeds maximum length")
	ErrInvalidInit  = errors.New("frame: init payload must be exactly 32 bytes")
	ErrInvalidData  = errors.New("frame: malformed data payload")
	ErrMsgIDTooLong = errors.New("frame: message ID longer than 255 bytes")
)

// ConnID identifies a pending connection between two endpoints.
type ConnID [IDLength]byte

// Key is the secret an endpoint presents to authenticate a connection.
type Key [IDLength]byte

func (id ConnID) String() string {
	return fmt.Sprintf("%x", id[:])
}

// Init is the payload of the first frame exchanged on a connection.
type Init struct {
	ConnID ConnID
	Key    Key
}

func (in Init) Marshal() []byte {
	buf := make([]byte, InitLength)
	copy(buf, in.ConnID[:])
	copy(buf[IDLength:], in.Key[:])
	return buf
}

func UnmarshalInit(buf []byte) (in Init, err error) {
	if len(buf) != InitLength {
		return in, fmt.Errorf("%w: got %d bytes", ErrInvalidInit, len(buf))
	}
	copy(in.ConnID[:], buf[:IDLength])
	copy(in.Key[:], buf[IDLength:])
	return in, nil
}

// Data is a message sent by the interface SrcID. When DestID is set, the
// message is only delivered to the interface with that UID.
type Data struct {
	DestID *uuid.UUID
	SrcID  uuid.UUID
	MsgID  string
	Body   []byte
}

func (d Data) Marshal() ([]byte, error) {
	if len(d.MsgID) > MaxMsgIDLength {
		return nil, ErrMsgIDTooLong
	}

	size := 1 + IDLength + 1 + len(d.MsgID) + len(d.Body)
	if d.DestID != nil {
		size += IDLength
	}

	buf := make([]byte, 0, size)
	if d.DestID != nil {
		buf = append(buf, 1)
		buf = append(buf, d.DestID[:]...)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, d.SrcID[:]...)
	buf = append(buf, byte(len(d.MsgID)))
	buf = append(buf, d.MsgID...)
	buf = append(buf, d.Body...)
	return buf, nil
}

func UnmarshalData(buf []byte) (d Data, err error) {
	if len(buf) < 1 {
		return d, ErrInvalidData
	}
	hasDest := buf[0] != 0
	buf = buf[1:]

	if hasDest {
		if len(buf) < IDLength {
			return d, fmt.Errorf("%w: truncated destination", ErrInvalidData)
		}
		var dest uuid.UUID
		copy(dest[:], buf[:IDLength])
		d.DestID = &dest
		buf = buf[IDLength:]
	}

	if len(buf) < IDLength+1 {
		return d, fmt.Errorf("%w: truncated source", ErrInvalidData)
	}
	copy(d.SrcID[:], buf[:IDLength])
	buf = buf[IDLength:]

	idLen := int(buf[0])
	buf = buf[1:]
	if len(buf) < idLen {
		return d, fmt.Errorf("%w: truncated message ID", ErrInvalidData)
	}
	d.MsgID = string(buf[:idLen])
	d.Body = buf[idLen:]
	return d, nil
}

// Reader reads length-prefixed frames. It MUST NOT be used concurrently.
type Reader struct {
	r         *bufio.Reader
	maxLength int
}

func NewReader(r io.Reader, maxLength int) *Reader {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &Reader{
		r:         bufio.NewReader(r),
		maxLength: maxLength,
	}
}

// ReadFrame returns the next payload. The returned slice is owned by
// the caller.
func (fr *Reader) ReadFrame() ([]byte, error) {
	var prefix [prefixLength]byte
	if _, err := io.ReadFull(fr.r, prefix[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if int64(length) > int64(fr.maxLength) {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(fr.r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// Writer writes length-prefixed frames, it is safe for concurrent use.
type Writer struct {
	lk        sync.Mutex
	w         io.Writer
	maxLength int
}

func NewWriter(w io.Writer, maxLength int) *Writer {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &Writer{
		w:         w,
		maxLength: maxLength,
	}
}

func (fw *Writer) WriteFrame(payload []byte) error {
	if len(payload) > fw.maxLength {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(payload))
	}

	buf := make([]byte, prefixLength+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[prefixLength:], payload)

	fw.lk.Lock()
	defer fw.lk.Unlock()
	_, err := fw.w.Write(buf)
	return err
}

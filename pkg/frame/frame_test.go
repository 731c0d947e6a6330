package frame

import (
	"bytes"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestInit_Layout(t *testing.T) {
	in := Init{}
	for i := range in.ConnID {
		in.ConnID[i] = byte(i)
		in.Key[i] = byte(0xF0 + i)
	}

	buf := in.Marshal()
	require.Len(t, buf, 32)
	require.Equal(t, in.ConnID[:], buf[:16], "connection ID comes first")
	require.Equal(t, in.Key[:], buf[16:], "key comes second")

	decoded, err := UnmarshalInit(buf)
	require.NoError(t, err)
	require.Equal(t, in, decoded)

	_, err = UnmarshalInit(buf[:31])
	require.ErrorIs(t, err, ErrInvalidInit)
}

func TestData_LayoutWithoutDestination(t *testing.T) {
	src := uuid.New()
	d := Data{SrcID: src, MsgID: "id1", Body: []byte("hello")}

	buf, err := d.Marshal()
	require.NoError(t, err)
	require.Equal(t, byte(0), buf[0])
	require.Equal(t, src[:], buf[1:17])
	require.Equal(t, byte(3), buf[17])
	require.Equal(t, "id1", string(buf[18:21]))
	require.Equal(t, "hello", string(buf[21:]))

	decoded, err := UnmarshalData(buf)
	require.NoError(t, err)
	require.Nil(t, decoded.DestID)
	require.Equal(t, src, decoded.SrcID)
	require.Equal(t, "id1", decoded.MsgID)
	require.Equal(t, []byte("hello"), decoded.Body)
}

func TestData_LayoutWithDestination(t *testing.T) {
	src, dest := uuid.New(), uuid.New()
	d := Data{DestID: &dest, SrcID: src, MsgID: "", Body: nil}

	buf, err := d.Marshal()
	require.NoError(t, err)
	require.Len(t, buf, 1+16+16+1)
	require.Equal(t, byte(1), buf[0])
	require.Equal(t, dest[:], buf[1:17])
	require.Equal(t, src[:], buf[17:33])

	decoded, err := UnmarshalData(buf)
	require.NoError(t, err)
	require.NotNil(t, decoded.DestID)
	require.Equal(t, dest, *decoded.DestID)
	require.Empty(t, decoded.Body)
}

func TestData_Malformed(t *testing.T) {
	_, err := UnmarshalData(nil)
	require.ErrorIs(t, err, ErrInvalidData)

	_, err = UnmarshalData([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrInvalidData)

	src := uuid.New()
	buf := append([]byte{0}, src[:]...)
	buf = append(buf, 10, 'a')
	_, err = UnmarshalData(buf)
	require.ErrorIs(t, err, ErrInvalidData, "message ID length larger than payload")

	_, err = Data{MsgID: string(make([]byte, 256))}.Marshal()
	require.ErrorIs(t, err, ErrMsgIDTooLong)
}

func TestReaderWriter(t *testing.T) {
	var stream bytes.Buffer
	w := NewWriter(&stream, 16)

	require.NoError(t, w.WriteFrame([]byte("first")))
	require.NoError(t, w.WriteFrame(nil))
	require.ErrorIs(t, w.WriteFrame(make([]byte, 17)), ErrTooLarge)
	require.Equal(t, []byte{0, 0, 0, 5}, stream.Bytes()[:4], "big-endian length prefix")

	r := NewReader(&stream, 16)
	got, err := r.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, "first", string(got))

	got, err = r.ReadFrame()
	require.NoError(t, err)
	require.Empty(t, got)

	_, err = r.ReadFrame()
	require.ErrorIs(t, err, io.EOF)
}

func TestReader_RejectsOversizedFrame(t *testing.T) {
	stream := bytes.NewReader([]byte{0, 0, 1, 0})
	_, err := NewReader(stream, 255).ReadFrame()
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestReader_Truncated(t *testing.T) {
	stream := bytes.NewReader([]byte{0, 0, 0, 4, 'a'})
	_, err := NewReader(stream, 0).ReadFrame()
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

package frame

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteRead(t *testing.T) {
	var buf bytes.Buffer
	frames := []Frame{
		{ChannelID: 1, Kind: Open, Payload: []byte("channel.send(1+1)")},
		{ChannelID: 1, Kind: Data, Payload: []byte{0x02}},
		{ChannelID: 4, Kind: New},
		{ChannelID: 1, Kind: Close},
		{ChannelID: 3, Kind: Error, Payload: []byte("boom")},
		{Kind: Terminate},
	}
	for _, f := range frames {
		require.NoError(t, Write(&buf, f))
	}
	for _, exp := range frames {
		f, err := Read(&buf)
		require.NoError(t, err)
		assert.Equal(t, exp.ChannelID, f.ChannelID)
		assert.Equal(t, exp.Kind, f.Kind)
		assert.Equal(t, len(exp.Payload), len(f.Payload))
		if len(exp.Payload) > 0 {
			assert.Equal(t, exp.Payload, f.Payload)
		}
	}
	_, err := Read(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestHeaderLayout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, Frame{ChannelID: 0x01020304, Kind: Data, Payload: []byte("ab")}))
	assert.Equal(t, []byte{1, 2, 3, 4, byte(Data), 0, 0, 0, 2, 'a', 'b'}, buf.Bytes())
}

func TestReadUnknownKind(t *testing.T) {
	r := bytes.NewReader([]byte{0, 0, 0, 1, 99, 0, 0, 0, 0})
	_, err := Read(r)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestWriteUnknownKind(t *testing.T) {
	err := Write(io.Discard, Frame{Kind: Kind(0)})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestReadTruncatedPayload(t *testing.T) {
	r := bytes.NewReader([]byte{0, 0, 0, 1, byte(Data), 0, 0, 0, 5, 'a'})
	_, err := Read(r)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadPayloadTooLarge(t *testing.T) {
	r := bytes.NewReader([]byte{0, 0, 0, 1, byte(Data), 0xff, 0xff, 0xff, 0xff})
	_, err := Read(r)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

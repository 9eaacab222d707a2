package warp

import (
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeFrame(t *testing.T, eventType string, extraHeaders map[string]string, payload []byte) []byte {
	t.Helper()

	var headers []byte
	writeHeader := func(name, value string) {
		headers = append(headers, byte(len(name)))
		headers = append(headers, []byte(name)...)
		valLen := make([]byte, 2)
		binary.BigEndian.PutUint16(valLen, uint16(len(value)))
		headers = append(headers, valLen...)
		headers = append(headers, []byte(value)...)
	}
	writeHeader(":event-type", eventType)
	for k, v := range extraHeaders {
		writeHeader(k, v)
	}

	totalLength := uint32(preludeSize + len(headers) + len(payload) + 4)
	msg := make([]byte, 0, totalLength)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, totalLength)
	msg = append(msg, lenBuf...)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(headers)))
	msg = append(msg, lenBuf...)
	preludeCRC := crc32.ChecksumIEEE(msg[0:8])
	binary.BigEndian.PutUint32(lenBuf, preludeCRC)
	msg = append(msg, lenBuf...)
	msg = append(msg, headers...)
	msg = append(msg, payload...)
	msgCRC := crc32.ChecksumIEEE(msg)
	binary.BigEndian.PutUint32(lenBuf, msgCRC)
	msg = append(msg, lenBuf...)

	require.Len(t, msg, int(totalLength))
	return msg
}

func TestCodecDecodesSingleTextFrame(t *testing.T) {
	c := newCodec()
	raw := encodeFrame(t, "text", nil, []byte("hello"))

	frames, err := c.feed(raw)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	ev := toEvent(frames[0])
	assert.Equal(t, EventText, ev.Kind)
	assert.Equal(t, "hello", ev.Text)
}

func TestCodecBuffersPartialFrame(t *testing.T) {
	c := newCodec()
	raw := encodeFrame(t, "text", nil, []byte("partial-data-here"))

	frames, err := c.feed(raw[:5])
	require.NoError(t, err)
	assert.Empty(t, frames)

	frames, err = c.feed(raw[5:])
	require.NoError(t, err)
	require.Len(t, frames, 1)
}

func TestCodecDecodesMultipleFramesInOneFeed(t *testing.T) {
	c := newCodec()
	raw := append(encodeFrame(t, "text", nil, []byte("a")), encodeFrame(t, "end", nil, nil)...)

	frames, err := c.feed(raw)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, EventEnd, toEvent(frames[1]).Kind)
}

func TestCodecRejectsCorruptedPreludeCRC(t *testing.T) {
	c := newCodec()
	raw := encodeFrame(t, "text", nil, []byte("x"))
	raw[9] ^= 0xFF // corrupt prelude CRC byte

	_, err := c.feed(raw)
	assert.ErrorIs(t, err, ErrInvalidPreludeCRC)
}

func TestCodecRejectsCorruptedMessageCRC(t *testing.T) {
	c := newCodec()
	raw := encodeFrame(t, "text", nil, []byte("x"))
	raw[len(raw)-1] ^= 0xFF // corrupt message CRC byte

	_, err := c.feed(raw)
	assert.ErrorIs(t, err, ErrInvalidMessageCRC)
}

func TestToEventErrorCarriesPayload(t *testing.T) {
	frames, err := newCodec().feed(encodeFrame(t, "error", nil, []byte("boom")))
	require.NoError(t, err)
	ev := toEvent(frames[0])
	assert.Equal(t, EventError, ev.Kind)
	require.Error(t, ev.Err)
	assert.Equal(t, "boom", ev.Err.Error())
}

func TestToEventMetaFallsBackForUnknownType(t *testing.T) {
	frames, err := newCodec().feed(encodeFrame(t, "custom", map[string]string{"k": "v"}, nil))
	require.NoError(t, err)
	ev := toEvent(frames[0])
	assert.Equal(t, EventMeta, ev.Kind)
	assert.Equal(t, "v", ev.Meta["k"])
}

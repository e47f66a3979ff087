package base

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame_RoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	payload := []byte("0;1;bob;hello")
	go func() {
		_ = writeFrame(client, 2, 42, payload)
		_ = writeFrame(client, 1, 43, nil)
	}()

	route, requestID, data, err := readFrame(server, make([]byte, 8))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), route)
	assert.Equal(t, uint64(42), requestID)
	assert.Equal(t, payload, data)

	route, requestID, data, err = readFrame(server, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), route)
	assert.Equal(t, uint64(43), requestID)
	assert.Empty(t, data)
}

func TestFrame_RejectsOversizedPayload(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		header := make([]byte, frameHeaderSize)
		binary.BigEndian.PutUint64(header[:8], 1)
		binary.BigEndian.PutUint64(header[8:16], 7)
		binary.BigEndian.PutUint32(header[16:20], maxFrameSize+1)
		_, _ = client.Write(header)
	}()

	_, _, _, err := readFrame(server, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds limit")
}

func TestFrame_TruncatedPayload(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	go func() {
		header := make([]byte, frameHeaderSize)
		binary.BigEndian.PutUint32(header[16:20], 10)
		_, _ = client.Write(header)
		_, _ = client.Write([]byte("abc"))
		_ = client.Close()
	}()

	_, _, _, err := readFrame(server, nil)
	require.Error(t, err)
}

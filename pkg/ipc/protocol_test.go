package ipc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapabilityRecords(t *testing.T) {
	records := []CodecCapability{
		{SEID: 1, Transport: TransportA2DP, Type: CodecSBC, Data: []byte{1, 2, 3, 4, 5, 6, 7}},
		{SEID: 2, Transport: TransportA2DP, Type: CodecMPEG12, Configured: true, Lock: LockWrite, Data: []byte{9, 9}},
	}

	data := MarshalCapabilities(records)
	assert.Len(t, data, 13+8)
	assert.Equal(t, byte(13), data[3], "длина записи включает заголовок")

	parsed, err := ParseCapabilities(data)
	require.NoError(t, err)
	assert.Equal(t, records, parsed)
}

func TestParseCapabilitiesMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "обрезанный заголовок", data: []byte{1, 0, 0}},
		{name: "длина меньше заголовка", data: []byte{1, 0, 0, 3, 0, 0}},
		{name: "длина больше данных", data: []byte{1, 0, 0, 20, 0, 0, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCapabilities(tt.data)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestEndpointPayloads(t *testing.T) {
	req := CapabilitiesRequest("00:11:22:33:44:55")
	assert.Len(t, req, endpointSize+2)

	dst, rest, err := ParseEndpoint(req)
	require.NoError(t, err)
	assert.Equal(t, "00:11:22:33:44:55", dst)
	assert.Equal(t, []byte{TransportA2DP, FlagAutoconnect}, rest)

	dst, seid, lock, err := ParseOpenRequest(OpenRequest("AA:BB:CC:DD:EE:FF", 3, LockWrite))
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", dst)
	assert.Equal(t, uint8(3), seid)
	assert.Equal(t, LockWrite, lock)

	_, _, err = ParseEndpoint([]byte{1, 2})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestMarshalMessage(t *testing.T) {
	data, err := marshalMessage(TypeRequest, OpStartStream, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, byte(OpStartStream), 4, 0}, data)

	_, err = marshalMessage(TypeRequest, OpOpen, make([]byte, MaxMessageSize))
	assert.ErrorIs(t, err, ErrMalformed)
}

package hostlink

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboundRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.NoError(t, enc.GatewayInfo(0x0102030405060708, 7, 6))
	require.NoError(t, enc.NodeJoined(0xAA))
	require.NoError(t, enc.Keepalive(0xAA))
	require.NoError(t, enc.Data([]byte{0xDE, 0xAD}))
	require.NoError(t, enc.NodeLeft(0xAA))

	dec := NewDecoder(&buf)

	rec, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, uint8(TypeGatewayInfo), rec.Type)
	assert.Equal(t, uint64(0x0102030405060708), rec.DeviceID)
	assert.Equal(t, uint16(7), rec.NetworkID)
	assert.Equal(t, uint8(6), rec.ScheduleID)

	rec, err = dec.Next()
	require.NoError(t, err)
	assert.Equal(t, uint8(TypeNodeJoined), rec.Type)
	assert.Equal(t, uint64(0xAA), rec.NodeID)

	rec, err = dec.Next()
	require.NoError(t, err)
	assert.Equal(t, uint8(TypeKeepalive), rec.Type)

	rec, err = dec.Next()
	require.NoError(t, err)
	assert.Equal(t, uint8(TypeData), rec.Type)
	assert.Equal(t, []byte{0xDE, 0xAD}, rec.Frame)

	rec, err = dec.Next()
	require.NoError(t, err)
	assert.Equal(t, uint8(TypeNodeLeft), rec.Type)
}

func TestInboundPolicyOnlyData(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.NoError(t, enc.NodeJoined(0xAA)) // host must not send this
	require.NoError(t, enc.Data([]byte{1, 2, 3}))

	dec := NewDecoder(&buf)
	_, err := dec.NextInbound()
	assert.True(t, errors.Is(err, ErrUnsupported), "non-data inbound must be rejected, got %v", err)

	// the stream stays in sync: the data record still decodes
	rec, err := dec.NextInbound()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, rec.Frame)
}

func TestDataLengthBounds(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	assert.Error(t, enc.Data(nil))
	assert.Error(t, enc.Data(make([]byte, MaxDataLen+1)))
	assert.NoError(t, enc.Data(make([]byte, MaxDataLen)))
}

func TestDecoderRejectsUnknownType(t *testing.T) {
	dec := NewDecoder(bytes.NewReader([]byte{0x7F}))
	_, err := dec.Next()
	assert.True(t, errors.Is(err, ErrUnsupported))
}

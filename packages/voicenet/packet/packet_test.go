package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytesRoundTrip(t *testing.T) {
	pkt := New(TypeBind, 12345, []byte("participant"))
	pkt.Sequence = 7
	pkt.Key = 42

	decoded, err := FromBytes(pkt.Bytes())
	require.NoError(t, err)

	assert.Equal(t, TypeBind, decoded.Type)
	assert.True(t, decoded.Reliable)
	assert.Equal(t, uint32(7), decoded.Sequence)
	assert.Equal(t, int64(12345), decoded.ID)
	assert.Equal(t, int16(42), decoded.Key)
	assert.Equal(t, []byte("participant"), decoded.Payload)
}

func TestSentinelsRoundTrip(t *testing.T) {
	decoded, err := FromBytes(NewLogin(NoID, NoKey).Bytes())
	require.NoError(t, err)

	assert.Equal(t, NoID, decoded.ID)
	assert.Equal(t, NoKey, decoded.Key)
}

func TestKindReliability(t *testing.T) {
	assert.True(t, NewLogin(1, 2).Reliable)
	assert.True(t, NewAccept(1, 2).Reliable)
	assert.False(t, NewDeny(1).Reliable)
	assert.False(t, NewAck(1, 0).Reliable)
	assert.False(t, New(TypeAudio, 1, nil).Reliable)
	assert.False(t, New(TypePing, 1, nil).Reliable)
	assert.True(t, New(TypeUpdate, 1, nil).Reliable)
}

func TestAckCarriesSequence(t *testing.T) {
	decoded, err := FromBytes(NewAck(99, 1337).Bytes())
	require.NoError(t, err)

	assert.Equal(t, TypeAck, decoded.Type)
	assert.Equal(t, uint32(1337), decoded.Sequence)
	assert.Equal(t, int64(99), decoded.ID)
}

func TestFromBytesErrors(t *testing.T) {
	valid := New(TypeAudio, 1, []byte("pcm")).Bytes()

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated header", valid[:3]},
		{"truncated payload", valid[:len(valid)-1]},
		{"trailing bytes", append(append([]byte{}, valid...), 0xff)},
		{"unsupported type", append([]byte{0xee}, valid[1:]...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromBytes(tt.data)
			assert.ErrorIs(t, err, ErrInvalidPacket)
		})
	}
}

func TestPayloadSizeLimit(t *testing.T) {
	pkt := New(TypeAudio, 1, make([]byte, MaxPayloadSize))
	_, err := FromBytes(pkt.Bytes())
	assert.NoError(t, err)
}

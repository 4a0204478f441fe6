package tdma

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeader_RoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		header  Header
		payload []byte
	}{
		{"normal with payload", Header{Type: Normal, RegisteredNodes: 3, SenderSlot: 2, Source: 101, Destination: 102, Info: InfoAbsent}, []byte("hello")},
		{"ack carries slot", Header{Type: Ack, RegisteredNodes: 2, SenderSlot: 1, Source: 101, Destination: 102, Info: 0}, nil},
		{"nack carries slot", Header{Type: Nack, RegisteredNodes: 4, SenderSlot: 3, Source: 7, Destination: 9, Info: 2}, nil},
		{"join request", Header{Type: JoinRequest, RegisteredNodes: 1, SenderSlot: 1, Source: 9, Destination: 7, Info: InfoAbsent}, nil},
		{"heartbeat", Header{Type: Heartbeat, RegisteredNodes: 1, Source: 7, Info: InfoAbsent}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := EncodeFrame(tt.header, tt.payload)
			require.Len(t, frame, HeaderSize+len(tt.payload))

			got, payload, err := DecodeHeader(frame)
			require.NoError(t, err)
			assert.Equal(t, tt.header, got)
			assert.Equal(t, len(tt.payload), len(payload))
			if len(tt.payload) > 0 {
				assert.Equal(t, tt.payload, payload)
			}
		})
	}
}

func TestHeader_WireLayout(t *testing.T) {
	t.Parallel()

	h := Header{Type: Heartbeat, RegisteredNodes: 2, SenderSlot: 1, Source: 101, Destination: 0, Info: InfoAbsent}
	assert.Equal(t, []byte{4, 2, 1, 101, 0, 255}, h.Encode())
	assert.False(t, h.HasInfo())
}

func TestDecodeHeader_TooShort(t *testing.T) {
	t.Parallel()

	for n := 0; n < HeaderSize; n++ {
		_, _, err := DecodeHeader(make([]byte, n))
		require.Error(t, err, "size %d", n)

		var fe *FormatError
		require.True(t, errors.As(err, &fe), "size %d: %T", n, err)
		assert.Equal(t, n, fe.Size)
		assert.ErrorIs(t, err, ErrFrameTooShort)
	}
}

func TestDecodeHeader_UnknownType(t *testing.T) {
	t.Parallel()

	_, _, err := DecodeHeader([]byte{9, 0, 0, 1, 2, 255})
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestPacketType_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "JOINREQUEST", JoinRequest.String())
	assert.Equal(t, "PacketType(7)", PacketType(7).String())
	assert.Equal(t, "JOIN_REQUEST_RESPONSE", PhaseJoinRequestResponse.String())
	assert.Equal(t, "RECEIVE", ModeReceive.String())
}

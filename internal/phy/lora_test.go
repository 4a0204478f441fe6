package phy

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoRaAirtime(t *testing.T) {
	t.Parallel()

	p := DefaultLoRaParams()
	tests := []struct {
		name    string
		payload int
		want    time.Duration
	}{
		{"bare header", 6, 31744 * time.Microsecond},
		{"ten bytes", 10, 36864 * time.Microsecond},
		{"max payload plus header", 86, 149504 * time.Microsecond},
		{"empty", 0, 21504 * time.Microsecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Airtime(tt.payload); got != tt.want {
				t.Errorf("Airtime(%d) = %v, want %v", tt.payload, got, tt.want)
			}
		})
	}
}

func TestLoRaAirtime_Monotonic(t *testing.T) {
	t.Parallel()

	p := DefaultLoRaParams()
	p.SpreadingFactor = 12
	p.LowDataRateOpt = true
	prev := p.Airtime(0)
	for n := 1; n <= 255; n++ {
		got := p.Airtime(n)
		require.GreaterOrEqual(t, got, prev, "airtime shrank at %d bytes", n)
		prev = got
	}
}

func TestLoRaAirtime_ClampsNegativeSymbols(t *testing.T) {
	t.Parallel()

	p := DefaultLoRaParams()
	p.SpreadingFactor = 12
	p.CRC = false
	p.ImplicitHeader = true
	// (-48 + 28 - 20) / 40 is negative, so only the 8 fixed symbols remain.
	want := time.Duration(float64(time.Second) * 4096 / 125e3 * float64(8+8))
	assert.Equal(t, want, p.Airtime(0))
}

func TestLoRaParams_Validate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, DefaultLoRaParams().Validate())

	bad := DefaultLoRaParams()
	bad.SpreadingFactor = 13
	assert.Error(t, bad.Validate())

	bad = DefaultLoRaParams()
	bad.CodingRate = 0
	assert.Error(t, bad.Validate())

	bad = DefaultLoRaParams()
	bad.BandwidthHz = 0
	assert.Error(t, bad.Validate())
}

func TestInfo_SuccessRatio(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0.0, Info{}.SuccessRatio())
	assert.Equal(t, 0.75, Info{Sent: 3, TxErrors: 1}.SuccessRatio())
}

func TestMockLayer(t *testing.T) {
	t.Parallel()

	m := NewMockLayer()
	at := time.Unix(100, 0)
	m.Inject([]byte{1, 2, 3}, at)

	frame, arrival, ok := m.ReadPacket()
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, frame)
	assert.Equal(t, at, arrival)

	_, _, ok = m.ReadPacket()
	assert.False(t, ok)

	assert.Equal(t, 2, m.SendPacket([]byte{9, 9}))
	m.FailSends = true
	assert.Equal(t, 0, m.SendPacket([]byte{9}))
	assert.Equal(t, [][]byte{{9, 9}}, m.Sent())
	assert.Equal(t, 1, m.Info().TxErrors)

	m.SetupErr = errors.New("no radio")
	assert.Error(t, m.Setup())
}

// Package phy defines the physical-layer contract consumed by the data links
// and provides the LoRa airtime model, a serial modem driver and a mock.
package phy

import (
	"errors"
	"time"
)

// ErrSetup is returned (wrapped) when a physical layer fails to come up.
var ErrSetup = errors.New("physical layer setup failed")

// Layer is the narrow radio contract. Send and read never block: SendPacket
// returns the number of bytes accepted (0 on failure) and ReadPacket reports
// ok=false when nothing is pending.
type Layer interface {
	Setup() error
	SetChannel(id int)
	SendPacket(frame []byte) int
	ReadPacket() (frame []byte, arrival time.Time, ok bool)
	CalculateAirtime(payloadSize int) time.Duration
	IsBusy() bool
	Restart()
	Info() Info
}

// Info is the physical-layer counter snapshot.
type Info struct {
	MTU          int
	TxErrors     int
	RxErrors     int
	Sent         int
	Received     int
	LastReceived time.Time
}

// SuccessRatio is the share of send attempts that were accepted.
func (i Info) SuccessRatio() float64 {
	total := i.Sent + i.TxErrors
	if total == 0 {
		return 0
	}
	return float64(i.Sent) / float64(total)
}

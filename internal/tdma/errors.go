package tdma

import (
	"errors"
	"fmt"
)

var (
	// ErrFrameTooShort means a received frame cannot hold a TDMA header.
	ErrFrameTooShort = errors.New("frame shorter than tdma header")
	// ErrUnknownType means the header type byte is not a known PacketType.
	ErrUnknownType = errors.New("unknown tdma packet type")

	// ErrAlreadyRegistered is returned when adding an address that already
	// owns a slot.
	ErrAlreadyRegistered = errors.New("address already registered")
	// ErrSlotOccupied is returned when placing an address into a slot owned
	// by a different address.
	ErrSlotOccupied = errors.New("slot already owned by another address")
	// ErrInvalidAddress is returned for the reserved placeholder address.
	ErrInvalidAddress = errors.New("invalid node address")

	// ErrExceedsMTU means an outbound packet is larger than the interface MTU.
	ErrExceedsMTU = errors.New("packet exceeds interface MTU")
	// ErrSendBufferOverflow means queueing the packet would exceed the send
	// buffer limit.
	ErrSendBufferOverflow = errors.New("send buffer overflow")
)

// FormatError reports a frame that could not be decoded.
type FormatError struct {
	Size int
	Err  error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("tdma header decode (%d bytes): %v", e.Size, e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// Package network bridges a data link to UDP: received payloads are
// forwarded to an upstream address and datagrams arriving on a local socket
// are queued for transmission over the air.
package network

import (
	"errors"
	"fmt"

	"github.com/banshee-data/radio.mesh/internal/datalink"
)

// DatagramHeaderSize prefixes every datagram: interface id, source and
// destination address.
const DatagramHeaderSize = 3

var ErrShortDatagram = errors.New("datagram shorter than header")

// EncodeDatagram lays p out as [iface, source, destination, payload...].
func EncodeDatagram(p datalink.Packet) []byte {
	b := make([]byte, DatagramHeaderSize, DatagramHeaderSize+len(p.Payload))
	b[0], b[1], b[2] = p.Iface, p.Source, p.Destination
	return append(b, p.Payload...)
}

// DecodeDatagram is the inverse of EncodeDatagram. The payload is copied.
func DecodeDatagram(b []byte) (datalink.Packet, error) {
	if len(b) < DatagramHeaderSize {
		return datalink.Packet{}, fmt.Errorf("%w: %d bytes", ErrShortDatagram, len(b))
	}
	return datalink.Packet{
		Iface:       b[0],
		Source:      b[1],
		Destination: b[2],
		Payload:     append([]byte(nil), b[DatagramHeaderSize:]...),
	}, nil
}

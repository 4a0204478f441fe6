package tdma

import "fmt"

// HeaderSize is the fixed size of the control header on every frame.
const HeaderSize = 6

// InfoAbsent is the info byte value meaning "no info".
const InfoAbsent uint8 = 255

// PacketType is the first header byte.
type PacketType uint8

const (
	Normal PacketType = iota
	Ack
	Nack
	JoinRequest
	Heartbeat
)

var packetTypeNames = [...]string{"NORMAL", "ACK", "NACK", "JOINREQUEST", "HEARTBEAT"}

func (t PacketType) String() string {
	if int(t) < len(packetTypeNames) {
		return packetTypeNames[t]
	}
	return fmt.Sprintf("PacketType(%d)", uint8(t))
}

// Valid reports whether t is one of the defined types.
func (t PacketType) Valid() bool {
	return t <= Heartbeat
}

// Header is the decoded control header.
//
//	byte 0  type
//	byte 1  registered node count of the sender
//	byte 2  sender's current slot
//	byte 3  source address
//	byte 4  destination address
//	byte 5  info (255 = absent)
type Header struct {
	Type            PacketType
	RegisteredNodes uint8
	SenderSlot      uint8
	Source          uint8
	Destination     uint8
	Info            uint8
}

// HasInfo reports whether the info byte carries a value.
func (h Header) HasInfo() bool {
	return h.Info != InfoAbsent
}

// AppendTo appends the encoded header to dst.
func (h Header) AppendTo(dst []byte) []byte {
	return append(dst, byte(h.Type), h.RegisteredNodes, h.SenderSlot, h.Source, h.Destination, h.Info)
}

// Encode returns the 6 byte wire form.
func (h Header) Encode() []byte {
	return h.AppendTo(make([]byte, 0, HeaderSize))
}

// EncodeFrame prepends the header to payload.
func EncodeFrame(h Header, payload []byte) []byte {
	frame := make([]byte, 0, HeaderSize+len(payload))
	frame = h.AppendTo(frame)
	return append(frame, payload...)
}

// DecodeHeader splits a frame into its header and payload. The returned
// payload aliases frame.
func DecodeHeader(frame []byte) (Header, []byte, error) {
	if len(frame) < HeaderSize {
		return Header{}, nil, &FormatError{Size: len(frame), Err: ErrFrameTooShort}
	}
	h := Header{
		Type:            PacketType(frame[0]),
		RegisteredNodes: frame[1],
		SenderSlot:      frame[2],
		Source:          frame[3],
		Destination:     frame[4],
		Info:            frame[5],
	}
	if !h.Type.Valid() {
		return Header{}, nil, &FormatError{Size: len(frame), Err: ErrUnknownType}
	}
	return h, frame[HeaderSize:], nil
}

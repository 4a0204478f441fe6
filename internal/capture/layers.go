// Package capture records frames put on the simulated air to pcap files and
// decodes them again with gopacket.
package capture

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/banshee-data/radio.mesh/internal/tdma"
)

// Link types for capture files. USER0 and USER1 are reserved by tcpdump for
// private encapsulations.
const (
	LinkTypeTDMA        layers.LinkType = 147
	LinkTypeTurnTimeout layers.LinkType = 148
)

// addrPrefixSize is the source and destination prefix of turn-timeout frames.
const addrPrefixSize = 2

var (
	LayerTypeTDMA = gopacket.RegisterLayerType(2001, gopacket.LayerTypeMetadata{
		Name:    "TDMA",
		Decoder: gopacket.DecodeFunc(decodeTDMA),
	})
	LayerTypeTurnFrame = gopacket.RegisterLayerType(2002, gopacket.LayerTypeMetadata{
		Name:    "TurnFrame",
		Decoder: gopacket.DecodeFunc(decodeTurnFrame),
	})
)

func init() {
	layers.LinkTypeMetadata[LinkTypeTDMA] = layers.EnumMetadata{
		DecodeWith: LayerTypeTDMA,
		Name:       "TDMA",
		LayerType:  LayerTypeTDMA,
	}
	layers.LinkTypeMetadata[LinkTypeTurnTimeout] = layers.EnumMetadata{
		DecodeWith: LayerTypeTurnFrame,
		Name:       "TurnFrame",
		LayerType:  LayerTypeTurnFrame,
	}
}

// TDMA is the decoded 6 byte control header of a TDMA frame.
type TDMA struct {
	layers.BaseLayer
	tdma.Header
}

func (t *TDMA) LayerType() gopacket.LayerType     { return LayerTypeTDMA }
func (t *TDMA) CanDecode() gopacket.LayerClass    { return LayerTypeTDMA }
func (t *TDMA) NextLayerType() gopacket.LayerType { return gopacket.LayerTypePayload }

// DecodeFromBytes decodes the header. Unknown packet types and short frames
// are errors.
func (t *TDMA) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	h, payload, err := tdma.DecodeHeader(data)
	if err != nil {
		df.SetTruncated()
		return err
	}
	t.Header = h
	t.BaseLayer = layers.BaseLayer{Contents: data[:tdma.HeaderSize], Payload: payload}
	return nil
}

// SerializeTo writes the header in front of whatever b already holds.
func (t *TDMA) SerializeTo(b gopacket.SerializeBuffer, _ gopacket.SerializeOptions) error {
	bytes, err := b.PrependBytes(tdma.HeaderSize)
	if err != nil {
		return err
	}
	copy(bytes, t.Header.Encode())
	return nil
}

func decodeTDMA(data []byte, p gopacket.PacketBuilder) error {
	t := &TDMA{}
	if err := t.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(t)
	if len(t.Payload) == 0 {
		return nil
	}
	return p.NextDecoder(gopacket.LayerTypePayload)
}

// TurnFrame is the address prefix of a turn-timeout frame.
type TurnFrame struct {
	layers.BaseLayer
	Source      uint8
	Destination uint8
}

func (f *TurnFrame) LayerType() gopacket.LayerType     { return LayerTypeTurnFrame }
func (f *TurnFrame) CanDecode() gopacket.LayerClass    { return LayerTypeTurnFrame }
func (f *TurnFrame) NextLayerType() gopacket.LayerType { return gopacket.LayerTypePayload }

func (f *TurnFrame) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < addrPrefixSize {
		df.SetTruncated()
		return fmt.Errorf("turn frame too short: %d bytes", len(data))
	}
	f.Source = data[0]
	f.Destination = data[1]
	f.BaseLayer = layers.BaseLayer{Contents: data[:addrPrefixSize], Payload: data[addrPrefixSize:]}
	return nil
}

func decodeTurnFrame(data []byte, p gopacket.PacketBuilder) error {
	f := &TurnFrame{}
	if err := f.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(f)
	if len(f.Payload) == 0 {
		return nil
	}
	return p.NextDecoder(gopacket.LayerTypePayload)
}

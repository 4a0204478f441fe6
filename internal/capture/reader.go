package capture

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcapgo"
)

// Summary is what a capture file contains.
type Summary struct {
	Frames    int            `json:"frames"`
	Bytes     int            `json:"bytes"`
	Malformed int            `json:"malformed"`
	ByType    map[string]int `json:"by_type"`
	BySource  map[uint8]int  `json:"by_source"`
	First     time.Time      `json:"first"`
	Last      time.Time      `json:"last"`
}

// Span is the time between the first and last frame.
func (s Summary) Span() time.Duration {
	if s.Frames == 0 {
		return 0
	}
	return s.Last.Sub(s.First)
}

// Sources returns the sending addresses in ascending order.
func (s Summary) Sources() []uint8 {
	out := make([]uint8, 0, len(s.BySource))
	for a := range s.BySource {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Summarize reads a capture produced by Writer. Frames that fail to decode
// are counted as malformed.
func Summarize(r io.Reader) (Summary, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to read pcap header: %w", err)
	}
	s := Summary{ByType: make(map[string]int), BySource: make(map[uint8]int)}
	opts := gopacket.DecodeOptions{NoCopy: true}

	for {
		data, ci, err := pr.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return s, nil
		}
		if err != nil {
			return s, fmt.Errorf("failed to read frame %d: %w", s.Frames+1, err)
		}
		if s.Frames == 0 {
			s.First = ci.Timestamp
		}
		s.Last = ci.Timestamp
		s.Frames++
		s.Bytes += len(data)

		pkt := gopacket.NewPacket(data, pr.LinkType(), opts)
		switch {
		case pkt.ErrorLayer() != nil:
			s.Malformed++
		case pkt.Layer(LayerTypeTDMA) != nil:
			h := pkt.Layer(LayerTypeTDMA).(*TDMA)
			s.ByType[h.Type.String()]++
			s.BySource[h.Source]++
		case pkt.Layer(LayerTypeTurnFrame) != nil:
			f := pkt.Layer(LayerTypeTurnFrame).(*TurnFrame)
			s.ByType["TURN"]++
			s.BySource[f.Source]++
		default:
			s.Malformed++
		}
	}
}

// SummarizeFile opens path and summarizes it.
func SummarizeFile(path string) (Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return Summary{}, err
	}
	defer f.Close()
	return Summarize(f)
}

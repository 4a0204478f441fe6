package capture

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/radio.mesh/internal/sim"
)

// snapLen covers the largest LoRa frame.
const snapLen = 256

// Writer appends transmissions to a pcap stream. It is safe for concurrent
// use, so Record can be passed straight to sim.Medium.Observe.
type Writer struct {
	mu       sync.Mutex
	pw       *pcapgo.Writer
	buf      *bufio.Writer
	closer   io.Closer
	frames   int
	collided int
	err      error
}

// NewWriter writes a pcap file header for linkType to w.
func NewWriter(w io.Writer, linkType layers.LinkType) (*Writer, error) {
	buf := bufio.NewWriter(w)
	pw := pcapgo.NewWriter(buf)
	if err := pw.WriteFileHeader(snapLen, linkType); err != nil {
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}
	return &Writer{pw: pw, buf: buf}, nil
}

// Create opens path for writing and returns a Writer that closes it.
func Create(path string, linkType layers.LinkType) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture file: %w", err)
	}
	w, err := NewWriter(f, linkType)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.closer = f
	return w, nil
}

// Record writes one transmission stamped with its start time. Collided
// frames are written too since they were on air. The first write error is
// kept and returned by Close.
func (w *Writer) Record(t sim.Transmission) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     t.Start,
		CaptureLength: len(t.Frame),
		Length:        len(t.Frame),
	}
	if err := w.pw.WritePacket(ci, t.Frame); err != nil {
		w.err = fmt.Errorf("failed to write frame: %w", err)
		return
	}
	w.frames++
	if t.Collided {
		w.collided++
	}
}

// Counts returns how many frames were written and how many of those collided.
func (w *Writer) Counts() (frames, collided int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames, w.collided
}

// Close flushes buffered frames and closes the underlying file if Create
// opened it.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.err
	if ferr := w.buf.Flush(); err == nil && ferr != nil {
		err = fmt.Errorf("failed to flush capture: %w", ferr)
	}
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil && cerr != nil {
			err = cerr
		}
		w.closer = nil
	}
	return err
}

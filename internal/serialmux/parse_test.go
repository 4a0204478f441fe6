package serialmux

import (
	"bytes"
	"errors"
	"testing"

	"go.bug.st/serial"
)

func TestClassifyLine(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"+RCV=1,2,ABCD,-40,8", EventTypeReceive},
		{"+OK", EventTypeOK},
		{"+ERR=4", EventTypeError},
		{"+READY", EventTypeReady},
		{"+RESET", EventTypeReady},
		{"+ADDRESS=101", EventTypeReply},
		{"hello", EventTypeUnknown},
		{"", EventTypeUnknown},
	}
	for _, tt := range tests {
		if got := ClassifyLine(tt.line); got != tt.want {
			t.Errorf("ClassifyLine(%q) = %q, want %q", tt.line, got, tt.want)
		}
	}
}

func TestParseReception(t *testing.T) {
	rx, err := ParseReception("+RCV=102,3,0165FF,-72,-4")
	if err != nil {
		t.Fatal(err)
	}
	if rx.Address != 102 || rx.RSSI != -72 || rx.SNR != -4 {
		t.Errorf("unexpected reception %+v", rx)
	}
	if !bytes.Equal(rx.Data, []byte{0x01, 0x65, 0xff}) {
		t.Errorf("data = %x", rx.Data)
	}

	bad := []string{
		"+OK",
		"+RCV=1,2,ABCD,-40",
		"+RCV=x,2,ABCD,-40,8",
		"+RCV=1,3,ABCD,-40,8",
		"+RCV=1,2,ZZZZ,-40,8",
		"+RCV=1,2,ABCD,loud,8",
		"+RCV=1,2,ABCD,-40,",
		"+RCV=70000,2,ABCD,-40,8",
	}
	for _, line := range bad {
		if _, err := ParseReception(line); !errors.Is(err, ErrMalformedLine) {
			t.Errorf("ParseReception(%q) error = %v, want ErrMalformedLine", line, err)
		}
	}
}

func TestParseError(t *testing.T) {
	code, err := ParseError("+ERR=12")
	if err != nil || code != 12 {
		t.Errorf("ParseError = %d, %v", code, err)
	}
	if _, err := ParseError("+ERR=x"); !errors.Is(err, ErrMalformedLine) {
		t.Errorf("want ErrMalformedLine, got %v", err)
	}
}

func TestFormatSend(t *testing.T) {
	if got := FormatSend([]byte{0, 0xab, 7}); got != "AT+SEND=0,3,00AB07" {
		t.Errorf("FormatSend = %q", got)
	}
}

func TestHandleLine(t *testing.T) {
	var (
		received []Reception
		oks      int
		codes    []int
		ready    int
		state    DeviceState
	)
	h := Handlers{
		OnReceive: func(r Reception) { received = append(received, r) },
		OnOK:      func() { oks++ },
		OnError:   func(c int) { codes = append(codes, c) },
		OnReady:   func() { ready++ },
		OnReply:   state.Set,
	}
	for _, line := range []string{"+OK", "+ERR=2", "+READY", "+RCV=5,1,01,-1,1", "+BAND=868000000", "noise"} {
		if err := HandleLine(line, h); err != nil {
			t.Errorf("HandleLine(%q): %v", line, err)
		}
	}
	if oks != 1 || ready != 1 || len(codes) != 1 || codes[0] != 2 || len(received) != 1 {
		t.Errorf("oks=%d ready=%d codes=%v received=%v", oks, ready, codes, received)
	}
	if got := state.Snapshot()["BAND"]; got != "868000000" {
		t.Errorf("BAND = %q", got)
	}

	if err := HandleLine("+RCV=bad", h); err == nil {
		t.Error("expected error for malformed reception")
	}
	if err := HandleLine("+OK", Handlers{}); err != nil {
		t.Errorf("nil handlers: %v", err)
	}
}

func TestPortOptions(t *testing.T) {
	opts, err := PortOptions{}.Normalize()
	if err != nil {
		t.Fatal(err)
	}
	if opts.BaudRate != DefaultBaudRate || opts.DataBits != 8 || opts.StopBits != 1 || opts.Parity != "N" {
		t.Errorf("defaults = %+v", opts)
	}

	mode, err := PortOptions{BaudRate: 9600, Parity: "even", StopBits: 2}.SerialMode()
	if err != nil {
		t.Fatal(err)
	}
	if mode.BaudRate != 9600 || mode.Parity != serial.EvenParity || mode.StopBits != serial.TwoStopBits {
		t.Errorf("mode = %+v", mode)
	}

	for _, bad := range []PortOptions{{DataBits: 9}, {StopBits: 3}, {Parity: "mark"}, {BaudRate: 14400}} {
		if _, err := bad.Normalize(); err == nil {
			t.Errorf("Normalize(%+v) should fail", bad)
		}
	}
}

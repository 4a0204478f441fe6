package serialmux

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Line types reported by RYLR896-class AT modems.
const (
	EventTypeReceive = "receive"
	EventTypeOK      = "ok"
	EventTypeError   = "error"
	EventTypeReady   = "ready"
	EventTypeReply   = "reply"
	EventTypeUnknown = "unknown"
)

// ErrMalformedLine is returned (wrapped) when a modem line cannot be parsed.
var ErrMalformedLine = errors.New("malformed modem line")

// ClassifyLine returns the event type of one line read from the modem.
func ClassifyLine(line string) string {
	switch {
	case strings.HasPrefix(line, "+RCV="):
		return EventTypeReceive
	case line == "+OK":
		return EventTypeOK
	case strings.HasPrefix(line, "+ERR="):
		return EventTypeError
	case line == "+READY" || line == "+RESET":
		return EventTypeReady
	case strings.HasPrefix(line, "+"):
		// Query replies such as +ADDRESS=101.
		return EventTypeReply
	}
	return EventTypeUnknown
}

// Reception is a decoded +RCV line.
type Reception struct {
	Address uint16
	Data    []byte
	RSSI    int
	SNR     int
}

// ParseReception decodes "+RCV=<addr>,<len>,<hex>,<rssi>,<snr>". The data
// field is hex so that binary frames survive the text protocol.
func ParseReception(line string) (Reception, error) {
	body, ok := strings.CutPrefix(line, "+RCV=")
	if !ok {
		return Reception{}, fmt.Errorf("%w: not a reception: %q", ErrMalformedLine, line)
	}
	fields := strings.Split(body, ",")
	if len(fields) != 5 {
		return Reception{}, fmt.Errorf("%w: want 5 fields, got %d", ErrMalformedLine, len(fields))
	}
	addr, err := strconv.ParseUint(fields[0], 10, 16)
	if err != nil {
		return Reception{}, fmt.Errorf("%w: address: %v", ErrMalformedLine, err)
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil || n < 0 {
		return Reception{}, fmt.Errorf("%w: length %q", ErrMalformedLine, fields[1])
	}
	if len(fields[2]) != 2*n {
		return Reception{}, fmt.Errorf("%w: length %d does not match %d hex digits", ErrMalformedLine, n, len(fields[2]))
	}
	data, err := hex.DecodeString(fields[2])
	if err != nil {
		return Reception{}, fmt.Errorf("%w: data: %v", ErrMalformedLine, err)
	}
	rssi, err := strconv.Atoi(fields[3])
	if err != nil {
		return Reception{}, fmt.Errorf("%w: rssi: %v", ErrMalformedLine, err)
	}
	snr, err := strconv.Atoi(fields[4])
	if err != nil {
		return Reception{}, fmt.Errorf("%w: snr: %v", ErrMalformedLine, err)
	}
	return Reception{Address: uint16(addr), Data: data, RSSI: rssi, SNR: snr}, nil
}

// ParseError returns the code of a "+ERR=<code>" line.
func ParseError(line string) (int, error) {
	body, ok := strings.CutPrefix(line, "+ERR=")
	if !ok {
		return 0, fmt.Errorf("%w: not an error: %q", ErrMalformedLine, line)
	}
	code, err := strconv.Atoi(strings.TrimSpace(body))
	if err != nil {
		return 0, fmt.Errorf("%w: error code %q", ErrMalformedLine, body)
	}
	return code, nil
}

// FormatSend formats a transmission of frame to address 0, which every
// modem on the network id receives.
func FormatSend(frame []byte) string {
	return fmt.Sprintf("AT+SEND=0,%d,%s", len(frame), strings.ToUpper(hex.EncodeToString(frame)))
}

package serialmux

import (
	"fmt"
	"slices"
	"strings"

	"go.bug.st/serial"
)

// DefaultBaudRate is the factory UART speed of RYLR896-class modems.
const DefaultBaudRate = 115200

// ModemBaudRates are the speeds AT+IPR accepts.
var ModemBaudRates = []int{300, 1200, 4800, 9600, 19200, 28800, 38400, 57600, 115200}

// PortOptions are the UART settings for a real port. Zero values take the
// modem defaults of 115200 8N1.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

var parities = map[string]serial.Parity{
	"N": serial.NoParity,
	"E": serial.EvenParity,
	"O": serial.OddParity,
}

var parityNames = map[string]string{"": "N", "NONE": "N", "EVEN": "E", "ODD": "O"}

// parityCode maps "none", "even", "odd" and their initials to N, E or O.
func parityCode(s string) (string, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if _, ok := parities[s]; ok {
		return s, true
	}
	code, ok := parityNames[s]
	return code, ok
}

var stopBits = map[int]serial.StopBits{1: serial.OneStopBit, 2: serial.TwoStopBits}

// Normalize fills in defaults and rejects settings the modem cannot use.
func (o PortOptions) Normalize() (PortOptions, error) {
	if o.BaudRate <= 0 {
		o.BaudRate = DefaultBaudRate
	}
	if !slices.Contains(ModemBaudRates, o.BaudRate) {
		return o, fmt.Errorf("unsupported baud rate %d: expected one of %v", o.BaudRate, ModemBaudRates)
	}
	if o.DataBits == 0 {
		o.DataBits = 8
	}
	if o.DataBits < 5 || o.DataBits > 8 {
		return o, fmt.Errorf("invalid data bits %d: must be between 5 and 8", o.DataBits)
	}
	if o.StopBits == 0 {
		o.StopBits = 1
	}
	if o.StopBits != 1 && o.StopBits != 2 {
		return o, fmt.Errorf("invalid stop bits %d: must be 1 or 2", o.StopBits)
	}
	code, ok := parityCode(o.Parity)
	if !ok {
		return o, fmt.Errorf("unsupported parity %q: expected N, E or O", o.Parity)
	}
	o.Parity = code
	return o, nil
}

// SerialMode returns the go.bug.st/serial mode for the normalized options.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	n, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	return &serial.Mode{
		BaudRate: n.BaudRate,
		DataBits: n.DataBits,
		StopBits: stopBits[n.StopBits],
		Parity:   parities[n.Parity],
	}, nil
}

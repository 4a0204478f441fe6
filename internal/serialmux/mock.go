package serialmux

import (
	"bytes"
	"errors"
	"strings"
	"sync"
)

var errPortClosed = errors.New("serial port closed")

// TestableSerialPort is an in-memory SerialPorter. Bytes queued with
// AddReadData come back from Read and everything written is captured.
//
// When Respond is set, each complete line written to the port is passed to
// it and a non-empty reply is queued for reading, which is enough to script
// an AT modem.
type TestableSerialPort struct {
	mu   sync.Mutex
	cond *sync.Cond
	rx   bytes.Buffer
	tx   bytes.Buffer
	line []byte

	// BlockReads makes Read wait for data instead of returning io.EOF.
	BlockReads bool
	// ReadError and WriteError fail the next call once.
	ReadError  error
	WriteError error
	CloseError error
	Respond    func(line string) string

	Closed bool
}

// NewTestableSerialPort returns an empty, open port.
func NewTestableSerialPort() *TestableSerialPort {
	p := &TestableSerialPort{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *TestableSerialPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ReadError; err != nil {
		p.ReadError = nil
		return 0, err
	}
	for p.BlockReads && !p.Closed && p.rx.Len() == 0 {
		p.cond.Wait()
	}
	if p.Closed {
		return 0, errPortClosed
	}
	return p.rx.Read(b)
}

func (p *TestableSerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Closed {
		return 0, errPortClosed
	}
	if err := p.WriteError; err != nil {
		p.WriteError = nil
		return 0, err
	}
	p.tx.Write(b)
	if p.Respond != nil {
		p.respondLocked(b)
	}
	return len(b), nil
}

// respondLocked feeds complete lines in b to Respond.
func (p *TestableSerialPort) respondLocked(b []byte) {
	p.line = append(p.line, b...)
	for {
		i := bytes.IndexByte(p.line, '\n')
		if i < 0 {
			return
		}
		cmd := strings.TrimRight(string(p.line[:i]), "\r")
		p.line = p.line[i+1:]
		if reply := p.Respond(cmd); reply != "" {
			p.rx.WriteString(reply + "\r\n")
			p.cond.Broadcast()
		}
	}
}

func (p *TestableSerialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	p.cond.Broadcast()
	return p.CloseError
}

// AddReadData queues data for Read.
func (p *TestableSerialPort) AddReadData(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rx.Write(data)
	p.cond.Broadcast()
}

// GetWrittenData returns a copy of everything written so far.
func (p *TestableSerialPort) GetWrittenData() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.tx.Bytes())
}

// MockSerialPortFactory hands out Port and records each Open.
type MockSerialPortFactory struct {
	mu    sync.Mutex
	calls []MockOpenCall

	Port  SerialPorter
	Error error
}

// MockOpenCall is one recorded Open.
type MockOpenCall struct {
	Path    string
	Options PortOptions
}

func NewMockSerialPortFactory(port SerialPorter) *MockSerialPortFactory {
	return &MockSerialPortFactory{Port: port}
}

func (f *MockSerialPortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, MockOpenCall{Path: path, Options: opts})
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Port, nil
}

// LastCall returns the most recent Open, or nil before the first.
func (f *MockSerialPortFactory) LastCall() *MockOpenCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	c := f.calls[len(f.calls)-1]
	return &c
}

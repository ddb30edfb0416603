package serialmux

import (
	"bytes"
	"errors"
	"strings"
	"sync"
)

// TestableSerialPort implements SerialPorter with configurable behaviour for
// testing. Reads block until data is fed or the port is closed, so a Monitor
// running over it behaves like one attached to a quiet UART.
type TestableSerialPort struct {
	mu sync.Mutex

	readBuffer  *bytes.Buffer
	writeBuffer *bytes.Buffer

	// WriteError is returned by every Write call while set.
	WriteError error

	// CloseError is returned by Close if set
	CloseError error

	closed     bool
	writeCalls int

	// OnWrite, if set, is called (without the port lock held) with each
	// chunk successfully written. Tests use it to play the controller side.
	OnWrite func(p []byte)

	readCond *sync.Cond
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		readBuffer:  bytes.NewBuffer(nil),
		writeBuffer: bytes.NewBuffer(nil),
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

// Read blocks until data is available or the port is closed.
func (t *TestableSerialPort) Read(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for !t.closed && t.readBuffer.Len() == 0 {
		t.readCond.Wait()
	}
	if t.readBuffer.Len() == 0 {
		return 0, errors.New("serial port closed")
	}
	return t.readBuffer.Read(p)
}

// Write records p, or fails with WriteError.
func (t *TestableSerialPort) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	t.writeCalls++
	if t.closed {
		t.mu.Unlock()
		return 0, errors.New("serial port closed")
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.mu.Unlock()
		return 0, err
	}
	n, err = t.writeBuffer.Write(p)
	hook := t.OnWrite
	t.mu.Unlock()

	if hook != nil {
		hook(append([]byte(nil), p...))
	}
	return n, err
}

// Close marks the port as closed and wakes any blocked reader.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	t.readCond.Broadcast()
	return t.CloseError
}

// Closed reports whether Close was called.
func (t *TestableSerialPort) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// SetWriteError makes subsequent writes fail with err (nil clears it).
func (t *TestableSerialPort) SetWriteError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.WriteError = err
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.readBuffer.Write(data)
	t.readCond.Broadcast()
}

// FeedLine queues one newline-terminated line for the reader.
func (t *TestableSerialPort) FeedLine(line string) {
	t.AddReadData([]byte(strings.TrimRight(line, "\n") + "\n"))
}

// GetWrittenData returns all data written to the port.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]byte(nil), t.writeBuffer.Bytes()...)
}

// WrittenLines returns the written data split into lines, without the
// terminators.
func (t *TestableSerialPort) WrittenLines() []string {
	data := strings.TrimRight(string(t.GetWrittenData()), "\n")
	if data == "" {
		return nil
	}
	return strings.Split(data, "\n")
}

// WriteCalls returns the number of Write calls so far.
func (t *TestableSerialPort) WriteCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeCalls
}

package transport

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tarm/serial"
	goserial "go.bug.st/serial"
	"golang.org/x/sys/unix"
)

// serialStream wraps a *serial.Port the way the teacher's USOCK wraps
// one, serializing writes behind a mutex since a link shared between
// the connection engine's send path and the handshake's own writes
// must never interleave two partial frames.
type serialStream struct {
	port *serial.Port
	mu   sync.Mutex
}

func (s *serialStream) Read(buf []byte) (int, error) {
	return s.port.Read(buf)
}

func (s *serialStream) Write(buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port.Write(buf)
}

func (s *serialStream) Close() error { return s.port.Close() }
func (s *serialStream) Serial() bool { return true }

// Flush discards whatever the OS driver currently holds in its input
// and output queues, matching the serial handshake's need to
// resynchronize on a fresh Init1 (§4.8).
func (s *serialStream) Flush() error {
	return s.port.Flush()
}

// SerialDialer opens a serial port at a fixed baud rate. Unlike
// TCP/TLS there is no remote address to dial: addr passed to Dial is
// the device path (e.g. "/dev/ttyUSB0"), and Baud governs the line
// rate for every port this dialer opens.
type SerialDialer struct {
	Baud int
}

func (d SerialDialer) Dial(ctx context.Context, addr string) (Stream, error) {
	if err := clearLineAttributes(addr); err != nil {
		return nil, fmt.Errorf("clear line attributes: %w", err)
	}
	cfg := &serial.Config{
		Name:        addr,
		Baud:        d.Baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 0,
	}
	port, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", addr, err)
	}
	return &serialStream{port: port}, nil
}

// SerialListener hands out the one configured serial port as a Stream.
// A serial link is point to point, so "accepting" simply means
// reopening the port after the previous Stream was closed -- there is
// no queue of pending connections the way a socket listener has.
type SerialListener struct {
	path string
	baud int
}

// ListenSerial configures (but does not yet open) a serial port for
// accepting the single peer at the other end of the wire.
func ListenSerial(path string, baud int) *SerialListener {
	return &SerialListener{path: path, baud: baud}
}

func (l *SerialListener) Accept(ctx context.Context) (Stream, error) {
	d := SerialDialer{Baud: l.baud}
	return d.Dial(ctx, l.path)
}

func (l *SerialListener) Close() error { return nil }
func (l *SerialListener) Addr() string { return l.path }

// ListPorts enumerates serial devices available on this host, used by
// operator tooling to populate a device-path prompt (§2).
func ListPorts() ([]string, error) {
	ports, err := goserial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	return ports, nil
}

// clearLineAttributes flushes the kernel tty driver's input and output
// queues for path before the port is handed to the tarm/serial layer,
// the same precaution the teacher's clearUARTAttributes took by
// opening and immediately closing the port. Here it is done directly
// with a TCFLSH ioctl rather than an open/close round trip, since the
// ioctl does not require changing the line's current baud rate first.
func clearLineAttributes(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_NOCTTY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := unix.IoctlSetInt(int(f.Fd()), unix.TCFLSH, unix.TCIOFLUSH); err != nil {
		return fmt.Errorf("tcflsh: %w", err)
	}
	// Let the driver settle before the caller reopens the port with
	// its real line discipline, matching the teacher's fixed delay.
	time.Sleep(100 * time.Millisecond)
	return nil
}

package serialtcp

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"github.com/fornellas/slogxt/log"
	"go.bug.st/serial"
)

var ErrNotSupported = errors.New("serialtcp: not supported over TCP")

// TcpPort implements serial.Port over a TCP connection, for controllers exposing their serial
// stream through a network bridge (FluidNC telnet, ser2net, ESP3D).
type TcpPort struct {
	conn        net.Conn
	readTimeout time.Duration
}

var _ serial.Port = (*TcpPort)(nil)

func TcpPortDial(ctx context.Context, address string, timeout time.Duration) (*TcpPort, error) {
	logger := log.MustLogger(ctx)
	logger.Info("Dialing TCP port", "address", address, "timeout", timeout)
	dialer := &net.Dialer{
		Timeout: timeout,
	}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return NewTcpPort(conn), nil
}

// NewTcpPort wraps an established connection.
func NewTcpPort(conn net.Conn) *TcpPort {
	return &TcpPort{conn: conn, readTimeout: serial.NoTimeout}
}

func (tp *TcpPort) SetMode(mode *serial.Mode) error {
	return nil
}

// Read behaves as serial.Port: when the read timeout expires without data, it returns 0 bytes and
// no error.
func (tp *TcpPort) Read(p []byte) (n int, err error) {
	deadline := time.Time{}
	if tp.readTimeout != serial.NoTimeout {
		deadline = time.Now().Add(tp.readTimeout)
	}
	if err := tp.conn.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	n, err = tp.conn.Read(p)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}
	return n, err
}

func (tp *TcpPort) Write(p []byte) (n int, err error) {
	return tp.conn.Write(p)
}

func (tp *TcpPort) Drain() error {
	return nil
}

// ResetInputBuffer discards whatever is already readable.
func (tp *TcpPort) ResetInputBuffer() error {
	buf := make([]byte, 1024)
	for {
		if err := tp.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
			return err
		}
		n, err := tp.conn.Read(buf)
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

func (tp *TcpPort) ResetOutputBuffer() error {
	return nil
}

func (tp *TcpPort) SetDTR(dtr bool) error {
	return ErrNotSupported
}

func (tp *TcpPort) SetRTS(rts bool) error {
	return ErrNotSupported
}

func (tp *TcpPort) GetModemStatusBits() (*serial.ModemStatusBits, error) {
	return nil, ErrNotSupported
}

func (tp *TcpPort) SetReadTimeout(t time.Duration) error {
	tp.readTimeout = t
	return nil
}

func (tp *TcpPort) Close() error {
	return tp.conn.Close()
}

func (tp *TcpPort) Break(time.Duration) error {
	return ErrNotSupported
}

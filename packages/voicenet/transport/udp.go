package transport

import (
	"net"
	"sync"

	"github.com/pkg/errors"
)

// UDP is a Transport on top of a net.UDPConn.
type UDP struct {
	conn *net.UDPConn

	closeOnce sync.Once
}

// ListenUDP creates a transport listening on the given local address.
func ListenUDP(address string) (*UDP, error) {
	laddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, errors.Wrap(err, "invalid bind address")
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, errors.Wrap(err, "listen failed")
	}

	return &UDP{conn: conn}, nil
}

// ReadFrom implements the Transport interface.
func (t *UDP) ReadFrom() ([]byte, string, error) {
	b := make([]byte, MaxPacketSize)
	for {
		n, addr, err := t.conn.ReadFromUDP(b)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Temporary() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil, "", ErrClosed
			}
			return nil, "", err
		}
		return append([]byte(nil), b[:n]...), addr.String(), nil
	}
}

// WriteTo implements the Transport interface.
func (t *UDP) WriteTo(data []byte, toAddr string) error {
	if len(data) > MaxPacketSize {
		return errors.Errorf("datagram size %d exceeds maximum", len(data))
	}
	raddr, err := net.ResolveUDPAddr("udp", toAddr)
	if err != nil {
		return errors.Wrap(err, "invalid address")
	}
	if _, err := t.conn.WriteToUDP(data, raddr); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// LocalAddr implements the Transport interface.
func (t *UDP) LocalAddr() string {
	return t.conn.LocalAddr().String()
}

// Close implements the Transport interface.
func (t *UDP) Close() {
	t.closeOnce.Do(func() {
		_ = t.conn.Close()
	})
}

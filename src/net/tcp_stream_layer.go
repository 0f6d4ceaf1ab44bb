package net

import (
	"net"
	"time"
)

// TCPStreamLayer implements the StreamLayer interface for plain TCP.
type TCPStreamLayer struct {
	listener *net.TCPListener
}

// NewTCPStreamLayer binds a TCP listener on bindAddr.
func NewTCPStreamLayer(bindAddr string) (*TCPStreamLayer, error) {
	list, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}
	return &TCPStreamLayer{listener: list.(*net.TCPListener)}, nil
}

// Dial implements the StreamLayer interface.
func (t *TCPStreamLayer) Dial(address string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", address, timeout)
}

// Accept implements the net.Listener interface.
func (t *TCPStreamLayer) Accept() (c net.Conn, err error) {
	return t.listener.Accept()
}

// Close implements the net.Listener interface.
func (t *TCPStreamLayer) Close() (err error) {
	return t.listener.Close()
}

// Addr implements the net.Listener interface.
func (t *TCPStreamLayer) Addr() net.Addr {
	return t.listener.Addr()
}

package network

import (
	"fmt"
	"net"
)

// UDPTransport is the straightforward "OS UDP" backend: one socket bound
// to Port, sending and receiving RDMA frames directly as UDP payloads.
type UDPTransport struct {
	conn *net.UDPConn
}

// NewUDPTransportFactory returns a Factory that binds to param.IP:Port.
func NewUDPTransportFactory() Factory {
	return func(param NetParameter) (Transport, error) {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: param.IP, Port: Port})
		if err != nil {
			return nil, fmt.Errorf("network: listen udp on %s:%d: %w", param.IP, Port, err)
		}
		return &UDPTransport{conn: conn}, nil
	}
}

func (t *UDPTransport) SendTo(buf []byte, dst net.IP) (int, error) {
	n, err := t.conn.WriteToUDP(buf, &net.UDPAddr{IP: dst, Port: Port})
	if err != nil {
		return n, fmt.Errorf("network: send to %s: %w", dst, err)
	}
	return n, nil
}

func (t *UDPTransport) RecvFrom(buf []byte) (int, net.IP, error) {
	n, addr, err := t.conn.ReadFromUDP(buf)
	if err != nil {
		return n, nil, fmt.Errorf("network: recv: %w", err)
	}
	return n, addr.IP, nil
}

func (t *UDPTransport) Close() error { return t.conn.Close() }

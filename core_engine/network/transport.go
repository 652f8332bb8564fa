// Package network implements the three Transport backends the device root
// can be configured with: a real OS UDP socket, a Linux TUN device, and an
// in-process loopback transport used by integration tests and the
// simulator CLI.
package network

import "net"

// Port is the fixed UDP port RoCEv2 traffic uses on both ends (§6).
const Port = 4791

// NetParameter is delivered once to a Factory when SetNetworkParam arrives
// on the command-request ring (§4.2, §6).
type NetParameter struct {
	IP         net.IP
	Gateway    net.IP
	SubnetMask net.IP
	Mac        net.HardwareAddr
}

// Transport is the datagram interface the core consumes; it knows nothing
// about sockets, TUN devices or process boundaries (§6).
type Transport interface {
	// SendTo sends buf to dst, returning the number of bytes sent.
	SendTo(buf []byte, dst net.IP) (int, error)
	// RecvFrom blocks until a datagram arrives, returning its length and
	// source IP.
	RecvFrom(buf []byte) (int, net.IP, error)
	Close() error
}

// Factory builds a Transport once NetParameter is known. The device root
// invokes it exactly once (§6's "factory invoked once when SetNetworkParam
// arrives").
type Factory func(NetParameter) (Transport, error)

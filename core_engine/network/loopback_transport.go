package network

import (
	"fmt"
	"net"
	"sync"
)

// loopbackRegistry is the process-wide directory of loopback transports,
// keyed by IP string, grounded on the Rust source's simulator RPC model
// (original_source/blue-rdma-device/src/simulator) where peers address
// each other by IP without a real socket in between.
var loopbackRegistry sync.Map // string -> *LoopbackTransport

type loopbackDatagram struct {
	payload []byte
	src     net.IP
}

// LoopbackTransport is an in-process Transport keyed by IP, used by
// integration tests that run two Devices against each other without a
// real NIC or TUN device and without root privilege.
type LoopbackTransport struct {
	ip     net.IP
	inbox  chan loopbackDatagram
	closed chan struct{}
}

// NewLoopbackTransportFactory returns a Factory that registers a
// LoopbackTransport under param.IP.
func NewLoopbackTransportFactory() Factory {
	return func(param NetParameter) (Transport, error) {
		key := param.IP.String()
		if _, exists := loopbackRegistry.Load(key); exists {
			return nil, fmt.Errorf("network: loopback transport already registered for %s", key)
		}
		t := &LoopbackTransport{
			ip:     param.IP,
			inbox:  make(chan loopbackDatagram, 64),
			closed: make(chan struct{}),
		}
		loopbackRegistry.Store(key, t)
		return t, nil
	}
}

func (t *LoopbackTransport) SendTo(buf []byte, dst net.IP) (int, error) {
	v, ok := loopbackRegistry.Load(dst.String())
	if !ok {
		return 0, fmt.Errorf("network: no loopback peer registered for %s", dst)
	}
	peer := v.(*LoopbackTransport)
	cp := append([]byte(nil), buf...)
	select {
	case peer.inbox <- loopbackDatagram{payload: cp, src: t.ip}:
		return len(buf), nil
	case <-peer.closed:
		return 0, fmt.Errorf("network: loopback peer %s is closed", dst)
	}
}

func (t *LoopbackTransport) RecvFrom(buf []byte) (int, net.IP, error) {
	select {
	case dg := <-t.inbox:
		return copy(buf, dg.payload), dg.src, nil
	case <-t.closed:
		return 0, nil, fmt.Errorf("network: loopback transport %s closed", t.ip)
	}
}

func (t *LoopbackTransport) Close() error {
	loopbackRegistry.Delete(t.ip.String())
	close(t.closed)
	return nil
}

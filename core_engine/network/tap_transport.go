package network

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

const ethHeaderLen = 14
const ipv4HeaderLen = 20
const udpHeaderLen = 8
const ethTypeIPv4 = 0x0800
const ipProtoUDP = 17

// TunTransport implements Transport over a Linux TUN/TAP device, building
// and parsing the Ethernet/IPv4/UDP frame by hand since a TAP interface
// hands the core raw link-layer frames, not UDP payloads. The device-open
// and ioctl sequence is unchanged from the teacher's TapDevice
// (core_engine/devices/net_iface.go's sibling in the original tree):
// open /dev/net/tun, TUNSETIFF with IFF_TAP|IFF_NO_PI.
type TunTransport struct {
	fd      int
	name    string
	srcMac  net.HardwareAddr
	srcIP   net.IP
}

// NewTunTransportFactory returns a Factory that opens ifName as a TAP
// device and uses param's IP/MAC for outgoing frames.
func NewTunTransportFactory(ifName string) Factory {
	return func(param NetParameter) (Transport, error) {
		fd, err := syscall.Open("/dev/net/tun", syscall.O_RDWR, 0)
		if err != nil {
			return nil, fmt.Errorf("network: open /dev/net/tun: %w", err)
		}

		var ifr struct {
			Name  [16]byte
			Flags uint16
			_     [2]byte
		}
		copy(ifr.Name[:], ifName)
		ifr.Flags = unix.IFF_TAP | unix.IFF_NO_PI

		if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&ifr))); errno != 0 {
			syscall.Close(fd)
			return nil, fmt.Errorf("network: TUNSETIFF ioctl on %s: %w", ifName, errno)
		}

		slog.Info("tun transport attached", "name", ifName, "fd", fd, "ip", param.IP)
		return &TunTransport{fd: fd, name: ifName, srcMac: param.Mac, srcIP: param.IP}, nil
	}
}

func (t *TunTransport) SendTo(buf []byte, dst net.IP) (int, error) {
	frame := make([]byte, ethHeaderLen+ipv4HeaderLen+udpHeaderLen+len(buf))

	// Ethernet: broadcast destination, since this harness has no ARP table.
	for i := 0; i < 6; i++ {
		frame[i] = 0xFF
	}
	copy(frame[6:12], t.srcMac)
	binary.BigEndian.PutUint16(frame[12:14], ethTypeIPv4)

	ip := frame[ethHeaderLen : ethHeaderLen+ipv4HeaderLen]
	totalLen := ipv4HeaderLen + udpHeaderLen + len(buf)
	ip[0] = 0x45
	ip[1] = 0
	binary.BigEndian.PutUint16(ip[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(ip[4:6], 0)
	binary.BigEndian.PutUint16(ip[6:8], 0)
	ip[8] = 64
	ip[9] = ipProtoUDP
	binary.BigEndian.PutUint16(ip[10:12], 0)
	copy(ip[12:16], t.srcIP.To4())
	copy(ip[16:20], dst.To4())
	binary.BigEndian.PutUint16(ip[10:12], ipv4Checksum(ip))

	udp := frame[ethHeaderLen+ipv4HeaderLen : ethHeaderLen+ipv4HeaderLen+udpHeaderLen]
	binary.BigEndian.PutUint16(udp[0:2], Port)
	binary.BigEndian.PutUint16(udp[2:4], Port)
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpHeaderLen+len(buf)))
	binary.BigEndian.PutUint16(udp[6:8], 0) // checksum optional over IPv4

	copy(frame[ethHeaderLen+ipv4HeaderLen+udpHeaderLen:], buf)

	n, err := syscall.Write(t.fd, frame)
	if err != nil {
		return 0, fmt.Errorf("network: write to tap %s: %w", t.name, err)
	}
	return n - (ethHeaderLen + ipv4HeaderLen + udpHeaderLen), nil
}

func (t *TunTransport) RecvFrom(buf []byte) (int, net.IP, error) {
	frame := make([]byte, 2048)
	n, err := syscall.Read(t.fd, frame)
	if err != nil {
		if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
			return 0, nil, nil
		}
		return 0, nil, fmt.Errorf("network: read from tap %s: %w", t.name, err)
	}
	frame = frame[:n]

	if len(frame) < ethHeaderLen+ipv4HeaderLen+udpHeaderLen {
		return 0, nil, nil
	}
	if binary.BigEndian.Uint16(frame[12:14]) != ethTypeIPv4 {
		return 0, nil, nil
	}
	ip := frame[ethHeaderLen:]
	if ip[9] != ipProtoUDP {
		return 0, nil, nil
	}
	srcIP := net.IP(append([]byte(nil), ip[12:16]...))
	ihl := int(ip[0]&0x0F) * 4
	udp := ip[ihl:]
	payload := udp[udpHeaderLen:]

	copied := copy(buf, payload)
	return copied, srcIP, nil
}

func (t *TunTransport) Close() error {
	slog.Info("closing tun transport", "name", t.name)
	return syscall.Close(t.fd)
}

// ipv4Checksum computes the standard one's-complement checksum over an
// IPv4 header with its checksum field zeroed.
func ipv4Checksum(header []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(header); i += 2 {
		sum += uint32(header[i])<<8 | uint32(header[i+1])
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

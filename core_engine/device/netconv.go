package device

import "net"

func ipv4(b [4]byte) net.IP { return net.IPv4(b[0], b[1], b[2], b[3]) }

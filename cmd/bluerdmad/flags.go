package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bluerdma/bluerdmad/core_engine/rdma"
)

var accessFlagsByName = map[string]rdma.AccessFlag{
	"local-write":   rdma.AccessLocalWrite,
	"remote-write":  rdma.AccessRemoteWrite,
	"remote-read":   rdma.AccessRemoteRead,
	"remote-atomic": rdma.AccessRemoteAtomic,
	"mw-bind":       rdma.AccessMwBind,
	"zero-based":    rdma.AccessZeroBased,
	"on-demand":     rdma.AccessOnDemand,
	"hugetlb":       rdma.AccessHugetlb,
}

// parseAccessFlags turns a comma-separated flag value like
// "local-write,remote-write" into the corresponding bitset.
func parseAccessFlags(s string) (rdma.AccessFlag, error) {
	var flags rdma.AccessFlag
	if s == "" {
		return 0, nil
	}
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		bit, ok := accessFlagsByName[name]
		if !ok {
			return 0, fmt.Errorf("bluerdmad: unknown access flag %q", name)
		}
		flags |= bit
	}
	return flags, nil
}

var pmtuByName = map[string]rdma.Pmtu{
	"256":  rdma.Pmtu256,
	"512":  rdma.Pmtu512,
	"1024": rdma.Pmtu1024,
	"2048": rdma.Pmtu2048,
	"4096": rdma.Pmtu4096,
}

func parsePmtu(s string) (rdma.Pmtu, error) {
	p, ok := pmtuByName[s]
	if !ok {
		return 0, fmt.Errorf("bluerdmad: unsupported --pmtu %q (want one of 256, 512, 1024, 2048, 4096)", s)
	}
	return p, nil
}

// parseHexList splits a comma-separated list of hex-or-decimal uint64
// literals, used for --page-table entries.
func parseHexList(s string) ([]uint64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]uint64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 0, 64)
		if err != nil {
			return nil, fmt.Errorf("bluerdmad: invalid page-table entry %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func parseIPv4Bytes(s string) ([4]byte, error) {
	var out [4]byte
	var a, b, c, d int
	if _, err := fmt.Sscanf(s, "%d.%d.%d.%d", &a, &b, &c, &d); err != nil {
		return out, fmt.Errorf("bluerdmad: invalid IPv4 address %q", s)
	}
	out = [4]byte{byte(a), byte(b), byte(c), byte(d)}
	return out, nil
}

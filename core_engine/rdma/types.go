// Package rdma implements the wire packet engine: BTH/AETH/RETH parsing and
// emission, iCRC, and the small value types (PSN, QPN, PMTU, access flags)
// shared by the send pipeline, the inbound message handler and the tables.
package rdma

import (
	"fmt"
	"strings"
)

// psnMask keeps PacketSequenceNumber and QueuePairNumber inside their 24-bit
// wire width; every constructor and arithmetic op funnels through it so a
// value can never silently escape the field it is serialized into.
const psnMask = 1<<24 - 1

// Psn is a 24-bit wrap-around packet sequence number. Comparisons use
// modular ordering with a window of 2**23, matching RC PSN semantics.
type Psn uint32

// NewPsn masks v down to 24 bits.
func NewPsn(v uint32) Psn { return Psn(v & psnMask) }

// WrappingAdd returns p+k mod 2**24.
func (p Psn) WrappingAdd(k uint32) Psn { return Psn((uint32(p) + k) & psnMask) }

// WrappingSub returns p-other mod 2**24.
func (p Psn) WrappingSub(other Psn) Psn { return Psn((uint32(p) - uint32(other)) & psnMask) }

// WrappingAbs returns the modular distance between p and q, always in
// [0, 2**24-1], taking the shorter of the two directions around the wheel.
func (p Psn) WrappingAbs(q Psn) uint32 {
	d := (uint32(p) - uint32(q)) & psnMask
	if d > psnMask-d {
		return (psnMask + 1) - d
	}
	return d
}

// LargerInPsn reports whether p is ahead of q in modular PSN order, i.e. q
// would need to advance forward (not backward) to reach p within one
// half-window.
func (p Psn) LargerInPsn(q Psn) bool {
	d := (uint32(p) - uint32(q)) & psnMask
	return d != 0 && d <= (psnMask+1)/2
}

func (p Psn) String() string { return fmt.Sprintf("psn:%d", uint32(p)) }

// Qpn is a 24-bit queue pair number.
type Qpn uint32

// NewQpn masks v down to 24 bits.
func NewQpn(v uint32) Qpn { return Qpn(v & psnMask) }

func (q Qpn) String() string { return fmt.Sprintf("qpn:%d", uint32(q)) }

// Msn is a 16-bit monotonic per-QP message sequence number. The wire BTH
// reuses its 16-bit partition-key field to carry this value; AETH's wider
// 24-bit MSN slot holds it zero-extended.
type Msn uint16

func (m Msn) String() string { return fmt.Sprintf("msn:%d", uint16(m)) }

// Pmtu is the path MTU in bytes, one of a fixed enumeration.
type Pmtu uint16

const (
	Pmtu256  Pmtu = 256
	Pmtu512  Pmtu = 512
	Pmtu1024 Pmtu = 1024
	Pmtu2048 Pmtu = 2048
	Pmtu4096 Pmtu = 4096
)

// ParsePmtu validates that v is one of the fixed PMTU sizes, returning
// ErrInvalidPmtu otherwise (a descriptor-parse error, never fatal).
func ParsePmtu(v uint16) (Pmtu, error) {
	switch Pmtu(v) {
	case Pmtu256, Pmtu512, Pmtu1024, Pmtu2048, Pmtu4096:
		return Pmtu(v), nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrInvalidPmtu, v)
	}
}

func (p Pmtu) String() string { return fmt.Sprintf("pmtu%d", uint16(p)) }

// QpType enumerates the transport types a queue pair can be created with.
// Only RC is fully implemented by the inbound handler and send pipeline;
// the others are accepted by QpManagement and otherwise inert.
type QpType uint8

const (
	QpTypeRC QpType = iota
	QpTypeUC
	QpTypeUD
	QpTypeRawPacket
	QpTypeXrcSend
	QpTypeXrcRecv
)

var qpTypeNames = map[QpType]string{
	QpTypeRC:        "RC",
	QpTypeUC:        "UC",
	QpTypeUD:        "UD",
	QpTypeRawPacket: "RawPacket",
	QpTypeXrcSend:   "XrcSend",
	QpTypeXrcRecv:   "XrcRecv",
}

func ParseQpType(v uint8) (QpType, error) {
	if _, ok := qpTypeNames[QpType(v)]; !ok {
		return 0, fmt.Errorf("%w: %d", ErrInvalidQpType, v)
	}
	return QpType(v), nil
}

func (t QpType) String() string {
	if name, ok := qpTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("QpType(%d)", uint8(t))
}

// AccessFlag is a bitset of memory access permissions, mirrored on MR
// contexts and on remote access requested by a QP.
type AccessFlag uint8

const (
	AccessLocalWrite AccessFlag = 1 << iota
	AccessRemoteWrite
	AccessRemoteRead
	AccessRemoteAtomic
	AccessMwBind
	AccessZeroBased
	AccessOnDemand
	AccessHugetlb
)

var accessFlagNames = [...]struct {
	bit  AccessFlag
	name string
}{
	{AccessLocalWrite, "LocalWrite"},
	{AccessRemoteWrite, "RemoteWrite"},
	{AccessRemoteRead, "RemoteRead"},
	{AccessRemoteAtomic, "RemoteAtomic"},
	{AccessMwBind, "MwBind"},
	{AccessZeroBased, "ZeroBased"},
	{AccessOnDemand, "OnDemand"},
	{AccessHugetlb, "Hugetlb"},
}

// Subset reports whether every bit set in f is also set in superset, the
// exact check the MR-query permission step (4.5) performs.
func (f AccessFlag) Subset(superset AccessFlag) bool { return f&superset == f }

func (f AccessFlag) String() string {
	if f == 0 {
		return "none"
	}
	var names []string
	for _, e := range accessFlagNames {
		if f&e.bit != 0 {
			names = append(names, e.name)
		}
	}
	return strings.Join(names, "|")
}

// SendFlag is a bitset carried in a send work request's Seg1 descriptor.
type SendFlag uint8

const (
	SendFlagSignaled SendFlag = 1 << iota
	SendFlagInline
	SendFlagFence
)

func (f SendFlag) Signaled() bool { return f&SendFlagSignaled != 0 }

func (f SendFlag) String() string {
	var names []string
	if f&SendFlagSignaled != 0 {
		names = append(names, "Signaled")
	}
	if f&SendFlagInline != 0 {
		names = append(names, "Inline")
	}
	if f&SendFlagFence != 0 {
		names = append(names, "Fence")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// AethCode is the two-bit syndrome class carried in an AETH.
type AethCode uint8

const (
	AethCodeAck AethCode = iota
	AethCodeRnr
	AethCodeNak
	AethCodeReserved
)

func (c AethCode) String() string {
	switch c {
	case AethCodeAck:
		return "Ack"
	case AethCodeRnr:
		return "Rnr"
	case AethCodeNak:
		return "Nak"
	default:
		return "Reserved"
	}
}

// AckValue is the AETH value field sent for a plain ACK: 0x1F, "no credit
// information conveyed" in IBTA terms, the only value this core ever emits
// since it implements no RNR/credit scheme.
const AckValue uint8 = 0x1F

// Status is surfaced in a meta-report's req_status and models the driver
// completion outcome of an inbound message.
type Status uint8

const (
	StatusNormal Status = iota
	StatusError
)

func (s Status) String() string {
	if s == StatusError {
		return "Error"
	}
	return "Normal"
}

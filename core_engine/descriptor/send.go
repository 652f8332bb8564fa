package descriptor

import (
	"encoding/binary"

	"github.com/bluerdma/bluerdmad/core_engine/address"
	"github.com/bluerdma/bluerdmad/core_engine/rdma"
)

// SendSeg0 is the first of three 32-byte descriptors a send work request
// occupies: {header, remote VA, remote key, destination IP, partition-key
// reused as MSN} (§4.3).
type SendSeg0 struct {
	Header      Header
	RemoteVA    address.VirtualAddress
	RemoteKey   uint32
	DestIP      [4]byte
	Msn         uint16
}

func (d SendSeg0) Marshal(dst []byte) {
	d.Header.Marshal(dst[0:8])
	binary.LittleEndian.PutUint64(dst[8:16], uint64(d.RemoteVA))
	binary.LittleEndian.PutUint32(dst[16:20], d.RemoteKey)
	copy(dst[20:24], d.DestIP[:])
	binary.LittleEndian.PutUint16(dst[24:26], d.Msn)
}

func UnmarshalSendSeg0(src []byte) SendSeg0 {
	var d SendSeg0
	d.Header = UnmarshalHeader(src[0:8])
	d.RemoteVA = address.VirtualAddress(binary.LittleEndian.Uint64(src[8:16]))
	d.RemoteKey = binary.LittleEndian.Uint32(src[16:20])
	copy(d.DestIP[:], src[20:24])
	d.Msn = binary.LittleEndian.Uint16(src[24:26])
	return d
}

// SendSeg1 is the second descriptor: {pmtu, send-flags, qp-type, sge-count,
// PSN, destination MAC, destination QPN, immediate data}.
type SendSeg1 struct {
	Pmtu        uint16
	SendFlags   rdma.SendFlag
	QpType      uint8
	SgeCount    uint8
	Psn         rdma.Psn
	DestMac     [6]byte
	DestQpn     rdma.Qpn
	Immediate   uint32
}

func (d SendSeg1) Marshal(dst []byte) {
	binary.LittleEndian.PutUint16(dst[0:2], d.Pmtu)
	dst[2] = byte(d.SendFlags)
	dst[3] = d.QpType
	dst[4] = d.SgeCount
	putU24(dst[5:8], uint32(d.Psn))
	copy(dst[8:14], d.DestMac[:])
	putU24(dst[14:17], uint32(d.DestQpn))
	binary.LittleEndian.PutUint32(dst[17:21], d.Immediate)
}

func UnmarshalSendSeg1(src []byte) SendSeg1 {
	var d SendSeg1
	d.Pmtu = binary.LittleEndian.Uint16(src[0:2])
	d.SendFlags = rdma.SendFlag(src[2])
	d.QpType = src[3]
	d.SgeCount = src[4]
	d.Psn = rdma.NewPsn(getU24(src[5:8]))
	copy(d.DestMac[:], src[8:14])
	d.DestQpn = rdma.NewQpn(getU24(src[14:17]))
	d.Immediate = binary.LittleEndian.Uint32(src[17:21])
	return d
}

// SendSge is the third descriptor: two scatter/gather entries. sge2 must
// be zero (single-SGE non-goal); UnmarshalSendSge does not itself enforce
// that, leaving the check to the send pipeline where it produces a proper
// descriptor-parse error.
type SendSge struct {
	Sge1 rdma.Sge
	Sge2 rdma.Sge
}

func (d SendSge) Marshal(dst []byte) {
	marshalSge(dst[0:16], d.Sge1)
	marshalSge(dst[16:32], d.Sge2)
}

func UnmarshalSendSge(src []byte) SendSge {
	return SendSge{
		Sge1: unmarshalSge(src[0:16]),
		Sge2: unmarshalSge(src[16:32]),
	}
}

func marshalSge(dst []byte, s rdma.Sge) {
	binary.LittleEndian.PutUint64(dst[0:8], uint64(s.VA))
	binary.LittleEndian.PutUint32(dst[8:12], s.Len)
	binary.LittleEndian.PutUint32(dst[12:16], s.LKey)
}

func unmarshalSge(src []byte) rdma.Sge {
	return rdma.Sge{
		VA:   address.VirtualAddress(binary.LittleEndian.Uint64(src[0:8])),
		Len:  binary.LittleEndian.Uint32(src[8:12]),
		LKey: binary.LittleEndian.Uint32(src[12:16]),
	}
}

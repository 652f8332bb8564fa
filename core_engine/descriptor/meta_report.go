package descriptor

import (
	"encoding/binary"

	"github.com/bluerdma/bluerdmad/core_engine/address"
	"github.com/bluerdma/bluerdmad/core_engine/rdma"
)

// MetaReportVariant tags which of the four 32-byte meta-report shapes a
// descriptor carries (§3, §4.4).
type MetaReportVariant uint8

const (
	MetaReportBthReth MetaReportVariant = iota
	MetaReportBthAeth
	MetaReportImmDt
	MetaReportSecondaryReth
)

// common is the first 12 bytes shared by every meta-report variant:
// expected-psn/req-status, then the received packet's opcode/qpn/psn. Kept
// unexported because every variant embeds it identically.
type common struct {
	ExpectedPsn rdma.Psn
	ReqStatus   rdma.Status
	Opcode      uint8
	Qpn         rdma.Qpn
	Psn         rdma.Psn
}

func (c common) marshalTo(dst []byte) {
	putU24(dst[0:3], uint32(c.ExpectedPsn))
	dst[3] = uint8(c.ReqStatus)
	dst[4] = c.Opcode
	putU24(dst[5:8], uint32(c.Qpn))
	putU24(dst[8:11], uint32(c.Psn))
	dst[11] = 0
}

func parseCommon(src []byte) common {
	return common{
		ExpectedPsn: rdma.NewPsn(getU24(src[0:3])),
		ReqStatus:   rdma.Status(src[3]),
		Opcode:      src[4],
		Qpn:         rdma.NewQpn(getU24(src[5:8])),
		Psn:         rdma.NewPsn(getU24(src[8:11])),
	}
}

// BthReth reports an inbound Write or ReadResponse: the packet's BTH
// summary plus its RETH, the QP's MSN and whether an ACK was auto-sent.
type BthReth struct {
	ExpectedPsn rdma.Psn
	ReqStatus   rdma.Status
	Opcode      uint8
	Qpn         rdma.Qpn
	Psn         rdma.Psn
	Reth        rdma.RETH
	Msn         uint32
	CanAutoAck  bool
}

func (d BthReth) Marshal(dst []byte) {
	c := common{d.ExpectedPsn, d.ReqStatus, d.Opcode, d.Qpn, d.Psn}
	c.marshalTo(dst[0:12])
	binary.LittleEndian.PutUint64(dst[12:20], uint64(d.Reth.VA))
	binary.LittleEndian.PutUint32(dst[20:24], d.Reth.RKey)
	binary.LittleEndian.PutUint32(dst[24:28], d.Reth.Len)
	putU24(dst[28:31], d.Msn)
	dst[31] = boolBit(d.CanAutoAck, 0)
}

func UnmarshalBthReth(src []byte) BthReth {
	c := parseCommon(src[0:12])
	return BthReth{
		ExpectedPsn: c.ExpectedPsn,
		ReqStatus:   c.ReqStatus,
		Opcode:      c.Opcode,
		Qpn:         c.Qpn,
		Psn:         c.Psn,
		Reth: rdma.RETH{
			VA:   address.VirtualAddress(binary.LittleEndian.Uint64(src[12:20])),
			RKey: binary.LittleEndian.Uint32(src[20:24]),
			Len:  binary.LittleEndian.Uint32(src[24:28]),
		},
		Msn:        getU24(src[28:31]),
		CanAutoAck: src[31]&0x01 != 0,
	}
}

// BthAeth reports an inbound Acknowledge.
type BthAeth struct {
	ExpectedPsn rdma.Psn
	ReqStatus   rdma.Status
	Opcode      uint8
	Qpn         rdma.Qpn
	Psn         rdma.Psn
	Aeth        rdma.AETH
}

func (d BthAeth) Marshal(dst []byte) {
	c := common{d.ExpectedPsn, d.ReqStatus, d.Opcode, d.Qpn, d.Psn}
	c.marshalTo(dst[0:12])
	dst[12] = (uint8(d.Aeth.Code)&0x3)<<6 | (d.Aeth.Value & 0x1F)
	putU24(dst[13:16], d.Aeth.Msn)
	for i := 16; i < Size; i++ {
		dst[i] = 0
	}
}

func UnmarshalBthAeth(src []byte) BthAeth {
	c := parseCommon(src[0:12])
	return BthAeth{
		ExpectedPsn: c.ExpectedPsn,
		ReqStatus:   c.ReqStatus,
		Opcode:      c.Opcode,
		Qpn:         c.Qpn,
		Psn:         c.Psn,
		Aeth: rdma.AETH{
			Code:  rdma.AethCode(src[12] >> 6),
			Value: src[12] & 0x1F,
			Msn:   getU24(src[13:16]),
		},
	}
}

// ImmDt is the trailing descriptor pushed after a BthReth for a message
// that carried immediate data (Open Question (c): two meta-reports per
// imm-bearing message).
type ImmDt struct {
	ExpectedPsn rdma.Psn
	ReqStatus   rdma.Status
	Opcode      uint8
	Qpn         rdma.Qpn
	Psn         rdma.Psn
	Immediate   uint32
}

func (d ImmDt) Marshal(dst []byte) {
	c := common{d.ExpectedPsn, d.ReqStatus, d.Opcode, d.Qpn, d.Psn}
	c.marshalTo(dst[0:12])
	binary.LittleEndian.PutUint32(dst[12:16], d.Immediate)
	for i := 16; i < Size; i++ {
		dst[i] = 0
	}
}

func UnmarshalImmDt(src []byte) ImmDt {
	c := parseCommon(src[0:12])
	return ImmDt{
		ExpectedPsn: c.ExpectedPsn,
		ReqStatus:   c.ReqStatus,
		Opcode:      c.Opcode,
		Qpn:         c.Qpn,
		Psn:         c.Psn,
		Immediate:   binary.LittleEndian.Uint32(src[12:16]),
	}
}

// SecondaryReth carries the local sink address for a RdmaReadRequest's
// second meta-report (§4.4).
type SecondaryReth struct {
	ExpectedPsn rdma.Psn
	ReqStatus   rdma.Status
	Opcode      uint8
	Qpn         rdma.Qpn
	Psn         rdma.Psn
	Reth        rdma.RETH
}

func (d SecondaryReth) Marshal(dst []byte) {
	c := common{d.ExpectedPsn, d.ReqStatus, d.Opcode, d.Qpn, d.Psn}
	c.marshalTo(dst[0:12])
	binary.LittleEndian.PutUint64(dst[12:20], uint64(d.Reth.VA))
	binary.LittleEndian.PutUint32(dst[20:24], d.Reth.RKey)
	binary.LittleEndian.PutUint32(dst[24:28], d.Reth.Len)
	for i := 28; i < Size; i++ {
		dst[i] = 0
	}
}

func UnmarshalSecondaryReth(src []byte) SecondaryReth {
	c := parseCommon(src[0:12])
	return SecondaryReth{
		ExpectedPsn: c.ExpectedPsn,
		ReqStatus:   c.ReqStatus,
		Opcode:      c.Opcode,
		Qpn:         c.Qpn,
		Psn:         c.Psn,
		Reth: rdma.RETH{
			VA:   address.VirtualAddress(binary.LittleEndian.Uint64(src[12:20])),
			RKey: binary.LittleEndian.Uint32(src[20:24]),
			Len:  binary.LittleEndian.Uint32(src[24:28]),
		},
	}
}

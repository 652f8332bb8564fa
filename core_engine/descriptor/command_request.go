package descriptor

import (
	"encoding/binary"

	"github.com/bluerdma/bluerdmad/core_engine/address"
	"github.com/bluerdma/bluerdmad/core_engine/rdma"
)

// UpdateMrTable spans two 32-byte segments (header.ExtraSegmentCount == 1):
// the key/pd/access/page-table-offset fit the first segment's 24-byte
// payload, base-VA and length need the second segment in full.
type UpdateMrTable struct {
	Header          Header
	Key             uint32
	PdHandle        uint32
	Access          rdma.AccessFlag
	PageTableOffset uint32
	BaseVA          address.VirtualAddress
	Len             uint64
}

// Marshal writes the descriptor into a 64-byte buffer (two segments).
func (d UpdateMrTable) Marshal(dst []byte) {
	d.Header.Marshal(dst[0:8])
	binary.LittleEndian.PutUint32(dst[8:12], d.Key)
	binary.LittleEndian.PutUint32(dst[12:16], d.PdHandle)
	dst[16] = byte(d.Access)
	binary.LittleEndian.PutUint32(dst[20:24], d.PageTableOffset)
	binary.LittleEndian.PutUint64(dst[32:40], uint64(d.BaseVA))
	binary.LittleEndian.PutUint64(dst[40:48], d.Len)
}

// UnmarshalUpdateMrTable parses a 64-byte two-segment descriptor.
func UnmarshalUpdateMrTable(src []byte) UpdateMrTable {
	return UpdateMrTable{
		Header:          UnmarshalHeader(src[0:8]),
		Key:             binary.LittleEndian.Uint32(src[8:12]),
		PdHandle:        binary.LittleEndian.Uint32(src[12:16]),
		Access:          rdma.AccessFlag(src[16]),
		PageTableOffset: binary.LittleEndian.Uint32(src[20:24]),
		BaseVA:          address.VirtualAddress(binary.LittleEndian.Uint64(src[32:40])),
		Len:             binary.LittleEndian.Uint64(src[40:48]),
	}
}

// UpdatePageTable fits a single 32-byte descriptor.
type UpdatePageTable struct {
	Header         Header
	DmaAddr        address.DmaAddress
	StartIndex     uint32
	DmaReadLength  uint32 // bytes; entry count = DmaReadLength/8
}

func (d UpdatePageTable) Marshal(dst []byte) {
	d.Header.Marshal(dst[0:8])
	binary.LittleEndian.PutUint64(dst[8:16], uint64(d.DmaAddr))
	binary.LittleEndian.PutUint32(dst[16:20], d.StartIndex)
	binary.LittleEndian.PutUint32(dst[20:24], d.DmaReadLength)
}

func UnmarshalUpdatePageTable(src []byte) UpdatePageTable {
	return UpdatePageTable{
		Header:        UnmarshalHeader(src[0:8]),
		DmaAddr:       address.DmaAddress(binary.LittleEndian.Uint64(src[8:16])),
		StartIndex:    binary.LittleEndian.Uint32(src[16:20]),
		DmaReadLength: binary.LittleEndian.Uint32(src[20:24]),
	}
}

// QueuePairManagement fits a single 32-byte descriptor.
type QueuePairManagement struct {
	Header       Header
	Valid        bool
	Error        bool
	Qpn          rdma.Qpn
	PdHandle     uint32
	QpType       uint8 // raw; validated by the caller via rdma.ParseQpType
	AccessFlags  uint8
	Pmtu         uint16 // raw; validated by the caller via rdma.ParsePmtu
	PeerQpn      rdma.Qpn
}

func (d QueuePairManagement) Marshal(dst []byte) {
	d.Header.Marshal(dst[0:8])
	dst[8] = boolBit(d.Valid, 0) | boolBit(d.Error, 1)
	putU24(dst[9:12], uint32(d.Qpn))
	binary.LittleEndian.PutUint32(dst[12:16], d.PdHandle)
	dst[16] = d.QpType
	dst[17] = d.AccessFlags
	binary.LittleEndian.PutUint16(dst[18:20], d.Pmtu)
	putU24(dst[20:23], uint32(d.PeerQpn))
}

func UnmarshalQueuePairManagement(src []byte) QueuePairManagement {
	return QueuePairManagement{
		Header:      UnmarshalHeader(src[0:8]),
		Valid:       src[8]&0x01 != 0,
		Error:       src[8]&0x02 != 0,
		Qpn:         rdma.NewQpn(getU24(src[9:12])),
		PdHandle:    binary.LittleEndian.Uint32(src[12:16]),
		QpType:      src[16],
		AccessFlags: src[17],
		Pmtu:        binary.LittleEndian.Uint16(src[18:20]),
		PeerQpn:     rdma.NewQpn(getU24(src[20:23])),
	}
}

// SetNetworkParameter fits a single 32-byte descriptor.
type SetNetworkParameter struct {
	Header     Header
	IP         [4]byte
	Gateway    [4]byte
	SubnetMask [4]byte
	Mac        [6]byte
}

func (d SetNetworkParameter) Marshal(dst []byte) {
	d.Header.Marshal(dst[0:8])
	copy(dst[8:12], d.IP[:])
	copy(dst[12:16], d.Gateway[:])
	copy(dst[16:20], d.SubnetMask[:])
	copy(dst[20:26], d.Mac[:])
}

func UnmarshalSetNetworkParameter(src []byte) SetNetworkParameter {
	var d SetNetworkParameter
	d.Header = UnmarshalHeader(src[0:8])
	copy(d.IP[:], src[8:12])
	copy(d.Gateway[:], src[12:16])
	copy(d.SubnetMask[:], src[16:20])
	copy(d.Mac[:], src[20:26])
	return d
}

// UpdateErrPsnRecoverPoint fits a single 32-byte descriptor.
type UpdateErrPsnRecoverPoint struct {
	Header Header
	Qpn    rdma.Qpn
	Psn    rdma.Psn
}

func (d UpdateErrPsnRecoverPoint) Marshal(dst []byte) {
	d.Header.Marshal(dst[0:8])
	putU24(dst[8:11], uint32(d.Qpn))
	putU24(dst[11:14], uint32(d.Psn))
}

func UnmarshalUpdateErrPsnRecoverPoint(src []byte) UpdateErrPsnRecoverPoint {
	return UpdateErrPsnRecoverPoint{
		Header: UnmarshalHeader(src[0:8]),
		Qpn:    rdma.NewQpn(getU24(src[8:11])),
		Psn:    rdma.NewPsn(getU24(src[11:14])),
	}
}

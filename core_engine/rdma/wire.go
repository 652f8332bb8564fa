package rdma

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/cloudwego/gopkg/bufiox"

	"github.com/bluerdma/bluerdmad/core_engine/address"
)

// Opcode is the base transport opcode carried in BTH byte 0's low five bits.
// Values match the real RoCEv2 wire encoding so a captured frame from this
// device looks like one from real hardware.
type Opcode uint8

const (
	OpRdmaWriteFirst        Opcode = 0x06
	OpRdmaWriteMiddle       Opcode = 0x07
	OpRdmaWriteLast         Opcode = 0x08
	OpRdmaWriteLastWithImm  Opcode = 0x09
	OpRdmaWriteOnly         Opcode = 0x0A
	OpRdmaWriteOnlyWithImm  Opcode = 0x0B
	OpRdmaReadRequest       Opcode = 0x0C
	OpRdmaReadResponseFirst Opcode = 0x0D
	OpRdmaReadResponseMiddle Opcode = 0x0E
	OpRdmaReadResponseLast  Opcode = 0x0F
	OpRdmaReadResponseOnly  Opcode = 0x10
	OpAcknowledge           Opcode = 0x11
)

func (o Opcode) String() string {
	switch o {
	case OpRdmaWriteFirst:
		return "RdmaWriteFirst"
	case OpRdmaWriteMiddle:
		return "RdmaWriteMiddle"
	case OpRdmaWriteLast:
		return "RdmaWriteLast"
	case OpRdmaWriteLastWithImm:
		return "RdmaWriteLastWithImm"
	case OpRdmaWriteOnly:
		return "RdmaWriteOnly"
	case OpRdmaWriteOnlyWithImm:
		return "RdmaWriteOnlyWithImm"
	case OpRdmaReadRequest:
		return "RdmaReadRequest"
	case OpRdmaReadResponseFirst:
		return "RdmaReadResponseFirst"
	case OpRdmaReadResponseMiddle:
		return "RdmaReadResponseMiddle"
	case OpRdmaReadResponseLast:
		return "RdmaReadResponseLast"
	case OpRdmaReadResponseOnly:
		return "RdmaReadResponseOnly"
	case OpAcknowledge:
		return "Acknowledge"
	default:
		return fmt.Sprintf("Opcode(0x%02x)", uint8(o))
	}
}

// IsWrite reports whether o is one of the RdmaWrite* family (with or
// without immediate data).
func (o Opcode) IsWrite() bool {
	switch o {
	case OpRdmaWriteFirst, OpRdmaWriteMiddle, OpRdmaWriteLast, OpRdmaWriteLastWithImm, OpRdmaWriteOnly, OpRdmaWriteOnlyWithImm:
		return true
	default:
		return false
	}
}

// IsReadResponse reports whether o is one of the RdmaReadResponse* family.
func (o Opcode) IsReadResponse() bool {
	switch o {
	case OpRdmaReadResponseFirst, OpRdmaReadResponseMiddle, OpRdmaReadResponseLast, OpRdmaReadResponseOnly:
		return true
	default:
		return false
	}
}

// CarriesImmediate reports whether the terminal packet of this opcode
// carries an ImmDt trailer.
func (o Opcode) CarriesImmediate() bool {
	return o == OpRdmaWriteLastWithImm || o == OpRdmaWriteOnlyWithImm
}

// bthSize, rethSize, aethSize, icrcSize are the fixed header/trailer sizes
// on the wire, per §4.6 and §6 of the external interface contract.
const (
	bthSize  = 12
	rethSize = 16
	aethSize = 4
	icrcSize = 4
)

// BTH is the Base Transport Header, present on every packet.
type BTH struct {
	TransType  uint8 // 3 bits, always 0 (RC) in this implementation
	Opcode     Opcode
	Solicited  bool
	PadCount   uint8 // 0..3
	PKeyOrMsn  uint16
	DestQpn    Qpn
	AckReq     bool
	Psn        Psn
}

func (b BTH) marshalTo(dst []byte) {
	dst[0] = (b.TransType&0x7)<<5 | uint8(b.Opcode)&0x1F
	flags := uint8(0)
	if b.Solicited {
		flags |= 1 << 7
	}
	flags |= (b.PadCount & 0x3) << 4
	dst[1] = flags
	binary.BigEndian.PutUint16(dst[2:4], b.PKeyOrMsn)
	dst[4] = 0
	qpn := uint32(b.DestQpn)
	dst[5] = byte(qpn >> 16)
	dst[6] = byte(qpn >> 8)
	dst[7] = byte(qpn)
	ackByte := uint8(0)
	if b.AckReq {
		ackByte |= 1 << 7
	}
	dst[8] = ackByte
	psn := uint32(b.Psn)
	dst[9] = byte(psn >> 16)
	dst[10] = byte(psn >> 8)
	dst[11] = byte(psn)
}

func parseBTH(src []byte) BTH {
	var b BTH
	b.TransType = src[0] >> 5
	b.Opcode = Opcode(src[0] & 0x1F)
	b.Solicited = src[1]&(1<<7) != 0
	b.PadCount = (src[1] >> 4) & 0x3
	b.PKeyOrMsn = binary.BigEndian.Uint16(src[2:4])
	b.DestQpn = NewQpn(uint32(src[5])<<16 | uint32(src[6])<<8 | uint32(src[7]))
	b.AckReq = src[8]&(1<<7) != 0
	b.Psn = NewPsn(uint32(src[9])<<16 | uint32(src[10])<<8 | uint32(src[11]))
	return b
}

// RETH is the RDMA Extended Transport Header, carried on Write/Read requests.
type RETH struct {
	VA   address.VirtualAddress
	RKey uint32
	Len  uint32
}

func (r RETH) marshalTo(dst []byte) {
	binary.BigEndian.PutUint64(dst[0:8], uint64(r.VA))
	binary.BigEndian.PutUint32(dst[8:12], r.RKey)
	binary.BigEndian.PutUint32(dst[12:16], r.Len)
}

func parseRETH(src []byte) RETH {
	return RETH{
		VA:   address.VirtualAddress(binary.BigEndian.Uint64(src[0:8])),
		RKey: binary.BigEndian.Uint32(src[8:12]),
		Len:  binary.BigEndian.Uint32(src[12:16]),
	}
}

// AETH is the ACK Extended Transport Header, carried on Acknowledge packets.
type AETH struct {
	Code  AethCode
	Value uint8 // 5 bits
	Msn   uint32 // 24 bits
}

func (a AETH) marshalTo(dst []byte) {
	dst[0] = (uint8(a.Code)&0x3)<<6 | (a.Value & 0x1F)
	dst[1] = byte(a.Msn >> 16)
	dst[2] = byte(a.Msn >> 8)
	dst[3] = byte(a.Msn)
}

func parseAETH(src []byte) AETH {
	return AETH{
		Code:  AethCode(src[0] >> 6),
		Value: src[0] & 0x1F,
		Msn:   uint32(src[1])<<16 | uint32(src[2])<<8 | uint32(src[3]),
	}
}

// Sge is one scatter/gather element: a local virtual address, length and
// lkey. This implementation supports exactly one per work request.
type Sge struct {
	VA   address.VirtualAddress
	Len  uint32
	LKey uint32
}

// Metadata discriminates the two message shapes the engine understands:
// a general (Write/Read/ReadResponse) message carrying an optional RETH,
// and an Acknowledge carrying an AETH.
type Metadata struct {
	General    *GeneralMeta
	Acknowledge *AcknowledgeMeta
}

// GeneralMeta describes a Write/Read/ReadResponse packet.
type GeneralMeta struct {
	Opcode    Opcode
	Qpn       Qpn
	Psn       Psn
	Msn       uint16
	AckReq    bool
	Solicited bool
	Reth      *RETH // present on First/Only Write, on ReadRequest, and on ReadResponseFirst/Only
	Imm       uint32
	HasImm    bool
}

// AcknowledgeMeta describes an Acknowledge packet. Msn carries the BTH
// pkey/MSN field: on an inbound ack it is whatever the peer sent, and on an
// outbound ack it must be the pkey echoed back from the packet being acked
// (§4.4), not a value the ack generator invents.
type AcknowledgeMeta struct {
	Qpn  Qpn
	Psn  Psn
	Msn  uint16
	Aeth AETH
}

// PayloadInfo wraps the zero-copy payload slice and the pad count that was
// stripped from it (the pad bytes exist only to keep the iCRC word-aligned).
type PayloadInfo struct {
	Payload  []byte
	PadCount uint8
}

// RdmaMessage is the engine's parsed representation of one wire packet.
type RdmaMessage struct {
	Meta    Metadata
	Payload PayloadInfo
}

func icrc(frameWithoutCRC []byte) uint32 {
	return crc32.ChecksumIEEE(frameWithoutCRC)
}

// ToRdmaMessage validates the iCRC trailer and parses a wire frame (BTH plus
// RETH/AETH/immediate plus payload plus iCRC) into an RdmaMessage. The
// payload slice aliases buf; callers must not mutate buf while the message
// is in use.
func ToRdmaMessage(buf []byte) (*RdmaMessage, error) {
	if len(buf) < bthSize+icrcSize {
		return nil, ErrShortPacket
	}
	body := buf[:len(buf)-icrcSize]
	trailer := buf[len(buf)-icrcSize:]
	want := icrc(body)
	got := binary.BigEndian.Uint32(trailer)
	if want != got {
		return nil, ErrBadICRC
	}

	bth := parseBTH(body)
	rest := body[bthSize:]

	if bth.Opcode == OpAcknowledge {
		if len(rest) < aethSize {
			return nil, ErrShortPacket
		}
		aeth := parseAETH(rest[:aethSize])
		return &RdmaMessage{
			Meta: Metadata{Acknowledge: &AcknowledgeMeta{
				Qpn:  bth.DestQpn,
				Psn:  bth.Psn,
				Msn:  bth.PKeyOrMsn,
				Aeth: aeth,
			}},
		}, nil
	}

	meta := &GeneralMeta{
		Opcode:    bth.Opcode,
		Qpn:       bth.DestQpn,
		Psn:       bth.Psn,
		Msn:       bth.PKeyOrMsn,
		AckReq:    bth.AckReq,
		Solicited: bth.Solicited,
	}

	hasReth := bth.Opcode == OpRdmaWriteFirst || bth.Opcode == OpRdmaWriteOnly ||
		bth.Opcode == OpRdmaWriteOnlyWithImm || bth.Opcode == OpRdmaReadRequest ||
		bth.Opcode == OpRdmaReadResponseFirst || bth.Opcode == OpRdmaReadResponseOnly

	if hasReth {
		if len(rest) < rethSize {
			return nil, ErrShortPacket
		}
		reth := parseRETH(rest[:rethSize])
		meta.Reth = &reth
		rest = rest[rethSize:]
	}

	if bth.Opcode.CarriesImmediate() {
		if len(rest) < 4 {
			return nil, ErrShortPacket
		}
		meta.Imm = binary.BigEndian.Uint32(rest[:4])
		meta.HasImm = true
		rest = rest[4:]
	}

	payloadLen := len(rest) - int(bth.PadCount)
	if payloadLen < 0 {
		return nil, ErrShortPacket
	}

	return &RdmaMessage{
		Meta:    Metadata{General: meta},
		Payload: PayloadInfo{Payload: rest[:payloadLen], PadCount: bth.PadCount},
	}, nil
}

// FromRdmaMessage builds the wire frame (BTH..iCRC) for msg. It takes no
// src/dst IP or port arguments and emits no IPv4/UDP headers: IP/UDP
// encapsulation is the transport's job (§6), not the packet engine's.
func FromRdmaMessage(msg *RdmaMessage) ([]byte, error) {
	var buf []byte
	w := bufiox.NewBytesWriter(&buf)

	switch {
	case msg.Meta.General != nil:
		g := msg.Meta.General
		padCount := uint8((4 - len(msg.Payload.Payload)%4) % 4)
		bth := BTH{
			Opcode:    g.Opcode,
			Solicited: g.Solicited,
			PadCount:  padCount,
			PKeyOrMsn: g.Msn,
			DestQpn:   g.Qpn,
			AckReq:    g.AckReq,
			Psn:       g.Psn,
		}
		hdr, err := w.Malloc(bthSize)
		if err != nil {
			return nil, err
		}
		bth.marshalTo(hdr)

		if g.Reth != nil {
			reth, err := w.Malloc(rethSize)
			if err != nil {
				return nil, err
			}
			g.Reth.marshalTo(reth)
		}

		if g.HasImm {
			imm, err := w.Malloc(4)
			if err != nil {
				return nil, err
			}
			binary.BigEndian.PutUint32(imm, g.Imm)
		}

		if len(msg.Payload.Payload) > 0 {
			if _, err := w.WriteBinary(msg.Payload.Payload); err != nil {
				return nil, err
			}
		}
		if padCount > 0 {
			pad, err := w.Malloc(int(padCount))
			if err != nil {
				return nil, err
			}
			for i := range pad {
				pad[i] = 0
			}
		}

	case msg.Meta.Acknowledge != nil:
		a := msg.Meta.Acknowledge
		bth := BTH{
			Opcode:    OpAcknowledge,
			DestQpn:   a.Qpn,
			Psn:       a.Psn,
			PKeyOrMsn: a.Msn,
		}
		hdr, err := w.Malloc(bthSize)
		if err != nil {
			return nil, err
		}
		bth.marshalTo(hdr)

		aeth := a.Aeth
		aeth.Msn = uint32(a.Msn)
		aethBuf, err := w.Malloc(aethSize)
		if err != nil {
			return nil, err
		}
		aeth.marshalTo(aethBuf)

	default:
		return nil, fmt.Errorf("rdma: message has neither General nor Acknowledge metadata")
	}

	if err := w.Flush(); err != nil {
		return nil, err
	}

	crc := icrc(buf)
	trailer := make([]byte, icrcSize)
	binary.BigEndian.PutUint32(trailer, crc)
	return append(buf, trailer...), nil
}

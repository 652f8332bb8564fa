package device

import (
	"net"

	"github.com/bluerdma/bluerdmad/core_engine/address"
	"github.com/bluerdma/bluerdmad/core_engine/descriptor"
	"github.com/bluerdma/bluerdmad/core_engine/network"
	"github.com/bluerdma/bluerdmad/core_engine/rdma"
)

// drainSendRequests pops the three descriptors of every pending send work
// request and transmits the resulting wire packets (§4.3).
func (d *Device) drainSendRequests() {
	for !d.sendRing.IsEmpty() {
		seg0Buf, err := d.sendRing.ReadSegment(0)
		if err != nil {
			d.log.Error("send ring read failed", "error", err)
			return
		}
		seg1Buf, err := d.sendRing.ReadSegment(1)
		if err != nil {
			d.log.Error("send ring read failed", "error", err)
			return
		}
		sgeBuf, err := d.sendRing.ReadSegment(2)
		if err != nil {
			d.log.Error("send ring read failed", "error", err)
			return
		}

		seg0 := descriptor.UnmarshalSendSeg0(seg0Buf)
		seg1 := descriptor.UnmarshalSendSeg1(seg1Buf)
		sge := descriptor.UnmarshalSendSge(sgeBuf)

		d.dispatchSend(seg0, seg1, sge)
		d.sendRing.CommitPop(3)
	}
}

func (d *Device) dispatchSend(seg0 descriptor.SendSeg0, seg1 descriptor.SendSeg1, sge descriptor.SendSge) {
	if sge.Sge2 != (rdma.Sge{}) {
		// Single-SGE non-goal: a nonzero second entry is a descriptor-parse
		// error, recovered by dropping the work request.
		d.log.Debug("send work request uses more than one sge, dropping")
		return
	}
	tp := d.transport.Load()
	if tp == nil {
		d.log.Debug("send work request before network is configured, dropping")
		return
	}
	t := *tp

	destIP := net.IPv4(seg0.DestIP[0], seg0.DestIP[1], seg0.DestIP[2], seg0.DestIP[3])
	pmtu, err := rdma.ParsePmtu(seg1.Pmtu)
	if err != nil {
		d.log.Debug("send work request has invalid pmtu", "error", err)
		return
	}

	switch descriptor.SendOpcode(seg0.Header.Opcode) {
	case descriptor.SendOpWrite, descriptor.SendOpWriteWithImm:
		d.emitWrite(t, seg0, seg1, sge, pmtu, destIP, descriptor.SendOpcode(seg0.Header.Opcode) == descriptor.SendOpWriteWithImm)
	case descriptor.SendOpRead:
		d.emitReadRequest(t, seg0, seg1, sge, destIP)
	case descriptor.SendOpReadResp:
		d.emitReadResponse(t, seg0, seg1, sge, pmtu, destIP)
	default:
		d.log.Debug("unknown send opcode", "opcode", seg0.Header.Opcode)
	}
}

// segmentPlan names which Opcode to emit for the first, middle, last and
// sole packet of a segmented message.
type segmentPlan struct {
	First, Middle, Last, Only rdma.Opcode
	WithImm                   bool
	Imm                       uint32
}

func (p segmentPlan) pick(i, count int) rdma.Opcode {
	switch {
	case count == 1:
		return p.Only
	case i == 0:
		return p.First
	case i == count-1:
		return p.Last
	default:
		return p.Middle
	}
}

// sendSegmented implements the PMTU segmentation math of §4.3: the first
// packet is sized to land the remaining packets on a PMTU-aligned remote
// address, every following packet (save the last) carries exactly pmtu
// bytes. readPayload supplies the bytes for the packet starting at byte
// offset off into the message.
func (d *Device) sendSegmented(t network.Transport, plan segmentPlan, qpn rdma.Qpn, startPsn rdma.Psn, msn uint16, remoteVA address.VirtualAddress, remoteKey uint32, totalLen uint32, ackReqOnLast bool, pmtu rdma.Pmtu, destIP net.IP, readPayload func(off uint64, buf []byte) error) error {
	pmtuN := uint32(pmtu)
	raddr := uint64(remoteVA)

	firstLen := totalLen
	if rem := pmtuN - uint32(raddr%uint64(pmtuN)); totalLen > rem {
		firstLen = rem
	}

	packetCount := 1
	if totalLen > firstLen {
		remaining := totalLen - firstLen
		packetCount = 1 + int((remaining+pmtuN-1)/pmtuN)
	}

	psn := startPsn
	remoteCursor := remoteVA
	remaining := totalLen
	var offset uint64

	for i := 0; i < packetCount; i++ {
		chunk := firstLen
		if i > 0 {
			chunk = min(pmtuN, remaining)
		}

		payload := make([]byte, chunk)
		if chunk > 0 {
			if err := readPayload(offset, payload); err != nil {
				return err
			}
		}

		opcode := plan.pick(i, packetCount)
		meta := &rdma.GeneralMeta{
			Opcode: opcode,
			Qpn:    qpn,
			Psn:    psn,
			Msn:    msn,
		}
		if i == 0 {
			reth := rdma.RETH{VA: remoteCursor, RKey: remoteKey, Len: totalLen}
			meta.Reth = &reth
		}
		if i == packetCount-1 {
			meta.AckReq = ackReqOnLast
			if plan.WithImm {
				meta.Imm = plan.Imm
				meta.HasImm = true
			}
		}

		msg := &rdma.RdmaMessage{Meta: rdma.Metadata{General: meta}, Payload: rdma.PayloadInfo{Payload: payload}}
		frame, err := rdma.FromRdmaMessage(msg)
		if err != nil {
			return err
		}
		if _, err := t.SendTo(frame, destIP); err != nil {
			return err
		}

		offset += uint64(chunk)
		remoteCursor = remoteCursor.Add(uint64(chunk))
		remaining -= chunk
		psn = psn.WrappingAdd(1)
	}
	return nil
}

func (d *Device) emitWrite(t network.Transport, seg0 descriptor.SendSeg0, seg1 descriptor.SendSeg1, sge descriptor.SendSge, pmtu rdma.Pmtu, destIP net.IP, withImm bool) {
	plan := segmentPlan{
		First:  rdma.OpRdmaWriteFirst,
		Middle: rdma.OpRdmaWriteMiddle,
		Last:   rdma.OpRdmaWriteLast,
		Only:   rdma.OpRdmaWriteOnly,
	}
	if withImm {
		plan.Last = rdma.OpRdmaWriteLastWithImm
		plan.Only = rdma.OpRdmaWriteOnlyWithImm
		plan.WithImm = true
		plan.Imm = seg1.Immediate
	}

	localSge := sge.Sge1
	err := d.sendSegmented(t, plan, seg1.DestQpn, seg1.Psn, seg0.Msn, seg0.RemoteVA, seg0.RemoteKey, localSge.Len, seg1.SendFlags.Signaled(), pmtu, destIP,
		func(off uint64, buf []byte) error {
			dmaAddr, err := d.mrTable.Query(localSge.LKey, localSge.VA.Add(off), 0)
			if err != nil {
				return err
			}
			return d.dma.Pointer(dmaAddr).Read(buf)
		})
	if err != nil {
		d.log.Error("rdma write send failed", "error", err)
	}
}

func (d *Device) emitReadRequest(t network.Transport, seg0 descriptor.SendSeg0, seg1 descriptor.SendSeg1, sge descriptor.SendSge, destIP net.IP) {
	d.setReadRespCursor(seg1.DestQpn, sge.Sge1.VA, sge.Sge1.LKey)

	meta := &rdma.GeneralMeta{
		Opcode: rdma.OpRdmaReadRequest,
		Qpn:    seg1.DestQpn,
		Psn:    seg1.Psn,
		Msn:    seg0.Msn,
		AckReq: true,
		Reth:   &rdma.RETH{VA: seg0.RemoteVA, RKey: seg0.RemoteKey, Len: sge.Sge1.Len},
	}
	msg := &rdma.RdmaMessage{Meta: rdma.Metadata{General: meta}}
	frame, err := rdma.FromRdmaMessage(msg)
	if err != nil {
		d.log.Error("read request marshal failed", "error", err)
		return
	}
	if _, err := t.SendTo(frame, destIP); err != nil {
		d.log.Error("read request send failed", "error", err)
	}
}

// emitReadResponse is issued by the driver in response to a meta-report it
// received for an inbound RdmaReadRequest: seg0's RemoteVA/RemoteKey are the
// requester's sink address echoed back from that report, sge names the
// local data to read and send.
func (d *Device) emitReadResponse(t network.Transport, seg0 descriptor.SendSeg0, seg1 descriptor.SendSeg1, sge descriptor.SendSge, pmtu rdma.Pmtu, destIP net.IP) {
	plan := segmentPlan{
		First:  rdma.OpRdmaReadResponseFirst,
		Middle: rdma.OpRdmaReadResponseMiddle,
		Last:   rdma.OpRdmaReadResponseLast,
		Only:   rdma.OpRdmaReadResponseOnly,
	}

	localSge := sge.Sge1
	err := d.sendSegmented(t, plan, seg1.DestQpn, seg1.Psn, seg0.Msn, seg0.RemoteVA, seg0.RemoteKey, localSge.Len, false, pmtu, destIP,
		func(off uint64, buf []byte) error {
			dmaAddr, err := d.mrTable.Query(localSge.LKey, localSge.VA.Add(off), 0)
			if err != nil {
				return err
			}
			return d.dma.Pointer(dmaAddr).Read(buf)
		})
	if err != nil {
		d.log.Error("read response send failed", "error", err)
	}
}

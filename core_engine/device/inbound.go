package device

import (
	"net"

	"github.com/bluerdma/bluerdmad/core_engine/address"
	"github.com/bluerdma/bluerdmad/core_engine/descriptor"
	"github.com/bluerdma/bluerdmad/core_engine/qptable"
	"github.com/bluerdma/bluerdmad/core_engine/rdma"
)

// handleInbound parses a received datagram and dispatches it by opcode
// family, per §4.4. Parse failures are descriptor/wire-parse errors: logged
// and dropped, never fatal (§7 item 1).
func (d *Device) handleInbound(buf []byte, src net.IP) {
	msg, err := rdma.ToRdmaMessage(buf)
	if err != nil {
		d.log.Debug("dropping unparsable inbound packet", "error", err)
		return
	}

	if msg.Meta.Acknowledge != nil {
		d.handleInboundAck(msg.Meta.Acknowledge)
		return
	}

	g := msg.Meta.General
	switch {
	case g.Opcode.IsWrite():
		d.handleInboundWrite(g, msg.Payload, src)
	case g.Opcode.IsReadResponse():
		d.handleInboundReadResponse(g, msg.Payload)
	case g.Opcode == rdma.OpRdmaReadRequest:
		d.handleInboundReadRequest(g)
	default:
		d.log.Debug("dropping inbound packet with unhandled opcode", "opcode", g.Opcode)
	}
}

func (d *Device) handleInboundAck(ack *rdma.AcknowledgeMeta) {
	expected := rdma.NewPsn(0)
	if ctx, ok := d.qpTable.Get(ack.Qpn); ok {
		expected = ctx.ExpectedPsn
	}
	d.pushMetaReport(descriptor.BthAeth{
		ExpectedPsn: expected,
		ReqStatus:   rdma.StatusNormal,
		Opcode:      uint8(rdma.OpAcknowledge),
		Qpn:         ack.Qpn,
		Psn:         ack.Psn,
		Aeth:        ack.Aeth,
	})
}

// handleInboundWrite advances the QP's receive sequencing, writes the
// payload through the MR table, auto-acks when the sequencing state allows
// it, and reports the message up to the driver unless the sequencing state
// says the report can be skipped (§4.4).
func (d *Device) handleInboundWrite(g *rdma.GeneralMeta, payload rdma.PayloadInfo, src net.IP) {
	preCtx, preFound := d.qpTable.Get(g.Qpn)
	result, found := d.qpTable.Advance(g.Qpn, g.Psn)
	status := rdma.StatusNormal
	if !found {
		status = rdma.StatusError
	}

	var destVA = address.VirtualAddress(0)
	var destKey uint32
	if g.Reth != nil {
		destVA, destKey = g.Reth.VA, g.Reth.RKey
		d.setWriteCursor(g.Qpn, destVA, destKey)
	} else if va, key, ok := d.getWriteCursor(g.Qpn); ok {
		destVA, destKey = va, key
	} else if status == rdma.StatusNormal {
		d.log.Debug("middle/last write with no open cursor", "qpn", g.Qpn)
		status = rdma.StatusError
	}

	if status == rdma.StatusNormal && len(payload.Payload) > 0 {
		dmaAddr, err := d.mrTable.Query(destKey, destVA, rdma.AccessRemoteWrite)
		if err != nil {
			d.log.Debug("inbound write mr query failed", "error", err)
			status = rdma.StatusError
		} else if err := d.dma.Pointer(dmaAddr).Write(payload.Payload); err != nil {
			d.log.Error("inbound write dma failed", "error", err)
			status = rdma.StatusError
		} else {
			d.advanceWriteCursor(g.Qpn, uint64(len(payload.Payload)))
		}
	}

	// A validation failure (MR lookup, bounds, cursor) collapses onto the
	// same row as a missing QP: no ack, no skipped report, expected_psn_out
	// reported as zero, and the state update Advance already applied is
	// undone so the QP's sequencing reflects "none" rather than the PSN
	// ordering alone (§4.4).
	if status == rdma.StatusError {
		result = qptable.AdvanceResult{}
		if preFound {
			d.qpTable.Insert(preCtx)
		}
	}

	if found && result.CanAutoAck {
		d.sendAck(g.Qpn, g.Msn, result.ExpectedPsnOut, src)
	}

	d.reportGeneral(g, status, result, found)
}

func (d *Device) handleInboundReadResponse(g *rdma.GeneralMeta, payload rdma.PayloadInfo) {
	preCtx, preFound := d.qpTable.Get(g.Qpn)
	result, found := d.qpTable.Advance(g.Qpn, g.Psn)
	status := rdma.StatusNormal
	if !found {
		status = rdma.StatusError
	}

	var destVA = address.VirtualAddress(0)
	var destKey uint32
	if g.Reth != nil {
		destVA, destKey = g.Reth.VA, g.Reth.RKey
		d.setReadRespCursor(g.Qpn, destVA, destKey)
	} else if va, key, ok := d.getReadRespCursor(g.Qpn); ok {
		destVA, destKey = va, key
	} else if status == rdma.StatusNormal {
		d.log.Debug("middle/last read response with no open cursor", "qpn", g.Qpn)
		status = rdma.StatusError
	}

	if status == rdma.StatusNormal && len(payload.Payload) > 0 {
		dmaAddr, err := d.mrTable.Query(destKey, destVA, 0)
		if err != nil {
			d.log.Debug("inbound read response mr query failed", "error", err)
			status = rdma.StatusError
		} else if err := d.dma.Pointer(dmaAddr).Write(payload.Payload); err != nil {
			d.log.Error("inbound read response dma failed", "error", err)
			status = rdma.StatusError
		} else {
			d.advanceReadRespCursor(g.Qpn, uint64(len(payload.Payload)))
		}
	}

	// See handleInboundWrite: validation failure collapses onto the
	// missing-QP row, undoing Advance's state update as well.
	if status == rdma.StatusError {
		result = qptable.AdvanceResult{}
		if preFound {
			d.qpTable.Insert(preCtx)
		}
	}

	d.reportGeneral(g, status, result, found)
}

// handleInboundReadRequest never touches local memory itself: it surfaces
// the request (BthReth plus a SecondaryReth carrying the same RETH, §4.4)
// so the driver can issue the matching SendOpReadResp
// work request.
func (d *Device) handleInboundReadRequest(g *rdma.GeneralMeta) {
	result, found := d.qpTable.Advance(g.Qpn, g.Psn)
	status := rdma.StatusNormal
	if !found {
		status = rdma.StatusError
	}

	var reth rdma.RETH
	if g.Reth != nil {
		reth = *g.Reth
	}

	d.pushMetaReport(descriptor.BthReth{
		ExpectedPsn: result.ExpectedPsnOut,
		ReqStatus:   status,
		Opcode:      uint8(g.Opcode),
		Qpn:         g.Qpn,
		Psn:         g.Psn,
		Reth:        reth,
		Msn:         uint32(g.Msn),
		CanAutoAck:  false,
	})
	d.pushMetaReport(descriptor.SecondaryReth{
		ExpectedPsn: result.ExpectedPsnOut,
		ReqStatus:   status,
		Opcode:      uint8(g.Opcode),
		Qpn:         g.Qpn,
		Psn:         g.Psn,
		Reth:        reth,
	})
}

// reportGeneral pushes the BthReth (and, for immediate-bearing messages, a
// trailing ImmDt) meta-report unless the sequencing state says it can be
// skipped. An immediate payload or a missing QP always forces the report
// through regardless of the skip flag (Open Question (c)).
func (d *Device) reportGeneral(g *rdma.GeneralMeta, status rdma.Status, result qptable.AdvanceResult, found bool) {
	if result.CanSkipReportHeader && found && !g.HasImm {
		return
	}

	var reth rdma.RETH
	if g.Reth != nil {
		reth = *g.Reth
	}

	d.pushMetaReport(descriptor.BthReth{
		ExpectedPsn: result.ExpectedPsnOut,
		ReqStatus:   status,
		Opcode:      uint8(g.Opcode),
		Qpn:         g.Qpn,
		Psn:         g.Psn,
		Reth:        reth,
		Msn:         uint32(g.Msn),
		CanAutoAck:  result.CanAutoAck,
	})

	if g.HasImm {
		d.pushMetaReport(descriptor.ImmDt{
			ExpectedPsn: result.ExpectedPsnOut,
			ReqStatus:   status,
			Opcode:      uint8(g.Opcode),
			Qpn:         g.Qpn,
			Psn:         g.Psn,
			Immediate:   g.Imm,
		})
	}
}

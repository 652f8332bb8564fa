package device

import (
	"net"

	"github.com/bluerdma/bluerdmad/core_engine/address"
	"github.com/bluerdma/bluerdmad/core_engine/descriptor"
	"github.com/bluerdma/bluerdmad/core_engine/mrtable"
	"github.com/bluerdma/bluerdmad/core_engine/network"
	"github.com/bluerdma/bluerdmad/core_engine/qptable"
	"github.com/bluerdma/bluerdmad/core_engine/rdma"
)

// drainCommandRequests pops descriptors from the command-request ring
// until empty, dispatches each, and pushes one response descriptor per
// request (§4.2).
func (d *Device) drainCommandRequests() {
	for !d.commandRequestRing.IsEmpty() {
		seg0, err := d.commandRequestRing.ReadSegment(0)
		if err != nil {
			d.log.Error("command-request ring read failed", "error", err)
			return
		}
		header := descriptor.UnmarshalHeader(seg0[:8])
		total := uint32(1 + header.ExtraSegmentCount)

		buf := make([]byte, 0, int(total)*descriptor.Size)
		buf = append(buf, seg0...)
		for i := uint32(1); i < total; i++ {
			seg, err := d.commandRequestRing.ReadSegment(i)
			if err != nil {
				d.log.Error("command-request ring read failed", "error", err)
				return
			}
			buf = append(buf, seg...)
		}

		resp := d.handleCommandRequest(descriptor.RequestOpcode(header.Opcode), header, buf)
		respBuf := make([]byte, descriptor.Size)
		resp.Marshal(respBuf)
		if err := d.commandResponseRing.Push(respBuf); err != nil {
			d.log.Error("command-response push failed", "error", err)
		}

		d.commandRequestRing.CommitPop(total)
	}
}

func (d *Device) handleCommandRequest(opcode descriptor.RequestOpcode, header descriptor.Header, buf []byte) descriptor.CommandResponse {
	switch opcode {
	case descriptor.OpUpdateMrTable:
		return d.handleUpdateMrTable(header, buf)
	case descriptor.OpUpdatePageTable:
		return d.handleUpdatePageTable(header, buf)
	case descriptor.OpQpManagement:
		return d.handleQpManagement(header, buf)
	case descriptor.OpSetNetworkParam:
		return d.handleSetNetworkParam(header, buf)
	case descriptor.OpSetRawPacketReceiveMeta:
		// Unimplemented by this core (§4.2, Open Question (b)). Driver
		// input is untrusted, so this is treated as an ordinary
		// unsuccessful completion rather than a fatal programming error.
		d.log.Debug("SetRawPacketReceiveMeta is not implemented")
		return descriptor.CommandResponse{Opcode: opcode, Success: false, UserData: header.UserData}
	case descriptor.OpUpdateErrPsnRecoverPoint:
		return d.handleUpdateErrPsnRecoverPoint(header, buf)
	default:
		d.log.Debug("unknown command-request opcode", "opcode", header.Opcode)
		return descriptor.CommandResponse{Opcode: opcode, Success: false, UserData: header.UserData}
	}
}

func (d *Device) handleUpdateMrTable(header descriptor.Header, buf []byte) descriptor.CommandResponse {
	req := descriptor.UnmarshalUpdateMrTable(buf)
	d.mrTable.UpsertMemoryRegion(mrtable.Context{
		Key:             req.Key,
		Base:            req.BaseVA,
		Len:             req.Len,
		PdHandle:        req.PdHandle,
		Access:          req.Access,
		PageTableOffset: req.PageTableOffset,
	})
	return descriptor.CommandResponse{Opcode: descriptor.OpUpdateMrTable, Success: true, UserData: header.UserData}
}

func (d *Device) handleUpdatePageTable(header descriptor.Header, buf []byte) descriptor.CommandResponse {
	req := descriptor.UnmarshalUpdatePageTable(buf)
	count := int(req.DmaReadLength / 8)
	entries := make([]address.DmaAddress, count)
	ptr := d.dma.Pointer(req.DmaAddr)
	for i := range entries {
		v, err := ptr.Add(uint64(i) * 8).ReadUint64()
		if err != nil {
			d.log.Error("update-page-table dma read failed", "error", err)
			return descriptor.CommandResponse{Opcode: descriptor.OpUpdatePageTable, Success: false, UserData: header.UserData}
		}
		entries[i] = address.DmaAddress(v)
	}
	if err := d.mrTable.InstallPageTable(req.StartIndex, entries); err != nil {
		// Internal invariant violation (re-insertion): fatal per §7 item 6.
		panic(err)
	}
	return descriptor.CommandResponse{Opcode: descriptor.OpUpdatePageTable, Success: true, UserData: header.UserData}
}

func (d *Device) handleQpManagement(header descriptor.Header, buf []byte) descriptor.CommandResponse {
	req := descriptor.UnmarshalQueuePairManagement(buf)

	if req.Valid {
		qpType, err := rdma.ParseQpType(req.QpType)
		if err != nil {
			d.log.Debug("qp-management: invalid qp type", "error", err)
			return descriptor.CommandResponse{Opcode: descriptor.OpQpManagement, Success: false, UserData: header.UserData}
		}
		pmtu, err := rdma.ParsePmtu(req.Pmtu)
		if err != nil {
			d.log.Debug("qp-management: invalid pmtu", "error", err)
			return descriptor.CommandResponse{Opcode: descriptor.OpQpManagement, Success: false, UserData: header.UserData}
		}
		d.qpTable.Insert(qptable.Context{
			Qpn:         req.Qpn,
			PeerQpn:     req.PeerQpn,
			PdHandle:    req.PdHandle,
			Type:        qpType,
			Access:      rdma.AccessFlag(req.AccessFlags),
			Pmtu:        pmtu,
			ExpectedPsn: rdma.NewPsn(0),
			State:       qptable.StateNormal,
		})
		return descriptor.CommandResponse{Opcode: descriptor.OpQpManagement, Success: true, UserData: header.UserData}
	}

	success := d.qpTable.Remove(req.Qpn)
	return descriptor.CommandResponse{Opcode: descriptor.OpQpManagement, Success: success, UserData: header.UserData}
}

func (d *Device) handleSetNetworkParam(header descriptor.Header, buf []byte) descriptor.CommandResponse {
	req := descriptor.UnmarshalSetNetworkParameter(buf)
	param := network.NetParameter{
		IP:         ipv4(req.IP),
		Gateway:    ipv4(req.Gateway),
		SubnetMask: ipv4(req.SubnetMask),
		Mac:        net.HardwareAddr(req.Mac[:]),
	}

	if d.transport.Load() == nil {
		transport, err := d.cfg.TransportFactory(param)
		if err != nil {
			d.log.Error("transport factory failed", "error", err)
			return descriptor.CommandResponse{Opcode: descriptor.OpSetNetworkParam, Success: false, UserData: header.UserData}
		}
		if !d.transport.CompareAndSwap(nil, &transport) {
			// Lost the race to another concurrent SetNetworkParam; the
			// winner's transport stands, ours is simply discarded.
			_ = transport.Close()
		} else {
			d.log.Info("network configured", "ip", param.IP, "mac", param.Mac)
		}
	}

	return descriptor.CommandResponse{Opcode: descriptor.OpSetNetworkParam, Success: true, UserData: header.UserData}
}

func (d *Device) handleUpdateErrPsnRecoverPoint(header descriptor.Header, buf []byte) descriptor.CommandResponse {
	req := descriptor.UnmarshalUpdateErrPsnRecoverPoint(buf)
	success := d.qpTable.TryRecover(req.Qpn, req.Psn)
	return descriptor.CommandResponse{Opcode: descriptor.OpUpdateErrPsnRecoverPoint, Success: success, UserData: header.UserData}
}

package device

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bluerdma/bluerdmad/core_engine/address"
	"github.com/bluerdma/bluerdmad/core_engine/csr"
	"github.com/bluerdma/bluerdmad/core_engine/descriptor"
	"github.com/bluerdma/bluerdmad/core_engine/dma"
	"github.com/bluerdma/bluerdmad/core_engine/mrtable"
	"github.com/bluerdma/bluerdmad/core_engine/network"
	"github.com/bluerdma/bluerdmad/core_engine/qptable"
	"github.com/bluerdma/bluerdmad/core_engine/rdma"
)

// recordingTransport is a network.Transport that records every datagram
// handed to SendTo, standing in for the loopback/UDP transports in tests
// that only care what the device emits.
type recordingTransport struct {
	mu   sync.Mutex
	sent [][]byte
	dst  []net.IP
}

func (t *recordingTransport) SendTo(buf []byte, dst net.IP) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, append([]byte(nil), buf...))
	t.dst = append(t.dst, dst)
	return len(buf), nil
}

func (t *recordingTransport) RecvFrom(buf []byte) (int, net.IP, error) {
	select {}
}

func (t *recordingTransport) Close() error { return nil }

func newTestDevice(t *testing.T, bufSize int) (*Device, []byte) {
	t.Helper()
	buf := make([]byte, bufSize)
	client := dma.NewBufferClient(buf)
	d, err := New(Config{
		DMAClient:        client,
		TransportFactory: network.NewLoopbackTransportFactory(),
	})
	require.NoError(t, err)
	return d, buf
}

func ringAddr(base uint64, slot uint32) address.DmaAddress {
	return address.DmaAddress(base + uint64(slot%csr.RingDepth)*csr.ElementSize)
}

const (
	commandRequestBase  uint64 = 0x1_0000
	commandResponseBase uint64 = 0x2_0000
	sendRingBase        uint64 = 0x3_0000
	metaReportBase      uint64 = 0x4_0000
)

func setupRings(d *Device) {
	d.csr.CommandRequest.SetBaseAddress(commandRequestBase)
	d.csr.CommandResponse.SetBaseAddress(commandResponseBase)
	d.csr.Send.SetBaseAddress(sendRingBase)
	d.csr.MetaReport.SetBaseAddress(metaReportBase)
}

func writeRingSlot(t *testing.T, d *Device, base uint64, slot uint32, payload []byte) {
	t.Helper()
	require.NoError(t, d.dma.Pointer(ringAddr(base, slot)).Write(payload))
}

func readRingSlot(t *testing.T, d *Device, base uint64, slot uint32) []byte {
	t.Helper()
	out := make([]byte, descriptor.Size)
	require.NoError(t, d.dma.Pointer(ringAddr(base, slot)).Read(out))
	return out
}

// Scenario 1: UpdatePageTable followed by UpdateMrTable, both happy path.
func TestScenario1UpdateMrAndPageTableHappyPath(t *testing.T) {
	d, buf := newTestDevice(t, 1<<20)
	setupRings(d)

	// Eight page-table entries, read from a DMA region the driver has
	// already populated.
	entriesAddr := uint64(0x9_0000)
	for i := 0; i < 8; i++ {
		require.NoError(t, d.dma.Pointer(address.DmaAddress(entriesAddr+uint64(i)*8)).WriteUint64(uint64(i) * mrtable.PageSize))
	}

	pageTableReq := descriptor.UpdatePageTable{
		Header:        descriptor.Header{Valid: true, Opcode: uint8(descriptor.OpUpdatePageTable), UserData: 1},
		DmaAddr:       address.DmaAddress(entriesAddr),
		StartIndex:    0,
		DmaReadLength: 64,
	}
	pageTableBuf := make([]byte, descriptor.Size)
	pageTableReq.Marshal(pageTableBuf)
	writeRingSlot(t, d, commandRequestBase, 0, pageTableBuf)

	mrReq := descriptor.UpdateMrTable{
		Header:          descriptor.Header{Valid: true, Opcode: uint8(descriptor.OpUpdateMrTable), ExtraSegmentCount: 1, UserData: 2},
		Key:             0x1234_0001,
		PdHandle:        1,
		Access:          rdma.AccessLocalWrite | rdma.AccessRemoteWrite,
		PageTableOffset: 0,
		BaseVA:          address.VirtualAddress(0x1000),
		Len:             0x0010_0000,
	}
	mrBuf := make([]byte, 64)
	mrReq.Marshal(mrBuf)
	writeRingSlot(t, d, commandRequestBase, 1, mrBuf[0:32])
	writeRingSlot(t, d, commandRequestBase, 2, mrBuf[32:64])

	d.csr.CommandRequest.SetHead(3)
	d.drainCommandRequests()

	resp0 := descriptor.UnmarshalCommandResponse(readRingSlot(t, d, commandResponseBase, 0))
	require.True(t, resp0.Success)
	require.Equal(t, uint32(1), resp0.UserData)
	require.Equal(t, descriptor.OpUpdatePageTable, resp0.Opcode)

	resp1 := descriptor.UnmarshalCommandResponse(readRingSlot(t, d, commandResponseBase, 1))
	require.True(t, resp1.Success)
	require.Equal(t, uint32(2), resp1.UserData)
	require.Equal(t, descriptor.OpUpdateMrTable, resp1.Opcode)

	ctx, ok := d.mrTable.Lookup(0x1234_0001)
	require.True(t, ok)
	require.Equal(t, address.VirtualAddress(0x1000), ctx.Base)

	dmaAddr, err := d.mrTable.Query(0x1234_0001, address.VirtualAddress(0x1000), rdma.AccessRemoteWrite)
	require.NoError(t, err)
	require.Equal(t, address.DmaAddress(0), dmaAddr)

	_ = buf
}

func installQp(d *Device, qpn, peerQpn uint32, expectedPsn uint32) {
	d.qpTable.Insert(qptable.Context{
		Qpn:         rdma.NewQpn(qpn),
		PeerQpn:     rdma.NewQpn(peerQpn),
		Type:        rdma.QpTypeRC,
		Access:      rdma.AccessRemoteWrite,
		Pmtu:        rdma.Pmtu1024,
		ExpectedPsn: rdma.NewPsn(expectedPsn),
		State:       qptable.StateNormal,
	})
}

func installMr(d *Device, key uint32, dmaBase address.DmaAddress) {
	d.mrTable.UpsertMemoryRegion(mrtable.Context{
		Key:             key,
		Base:            address.VirtualAddress(0x1000),
		Len:             0x0010_0000,
		Access:          rdma.AccessLocalWrite | rdma.AccessRemoteWrite,
		PageTableOffset: 0,
	})
	_ = d.mrTable.InstallPageTable(0, []address.DmaAddress{dmaBase})
}

// Scenario 2: RdmaWriteOnly happy path.
func TestScenario2RdmaWriteOnlyHappyPath(t *testing.T) {
	d, buf := newTestDevice(t, 1<<20)
	installMr(d, 0x1234_0001, address.DmaAddress(0x5000))
	installQp(d, 7, 8, 42)

	tp := &recordingTransport{}
	var asTransport network.Transport = tp
	d.transport.Store(&asTransport)

	payload := make([]byte, 128)
	for i := range payload {
		payload[i] = byte(i)
	}
	msg := &rdma.RdmaMessage{
		Meta: rdma.Metadata{General: &rdma.GeneralMeta{
			Opcode: rdma.OpRdmaWriteOnly,
			Qpn:    rdma.NewQpn(7),
			Psn:    rdma.NewPsn(42),
			Msn:    1,
			AckReq: true,
			Reth:   &rdma.RETH{VA: address.VirtualAddress(0x1000), RKey: 0x1234_0001, Len: 128},
		}},
		Payload: rdma.PayloadInfo{Payload: payload},
	}
	frame, err := rdma.FromRdmaMessage(msg)
	require.NoError(t, err)

	d.handleInbound(frame, net.IPv4(10, 0, 0, 1))

	require.Equal(t, payload, buf[0x5000:0x5000+128])

	ctx, ok := d.qpTable.Get(rdma.NewQpn(7))
	require.True(t, ok)
	require.Equal(t, rdma.NewPsn(43), ctx.ExpectedPsn)

	require.Len(t, tp.sent, 1)
	ackMsg, err := rdma.ToRdmaMessage(tp.sent[0])
	require.NoError(t, err)
	require.NotNil(t, ackMsg.Meta.Acknowledge)
	require.Equal(t, rdma.NewPsn(43), ackMsg.Meta.Acknowledge.Psn)
	require.Equal(t, rdma.NewQpn(8), ackMsg.Meta.Acknowledge.Qpn)

	require.True(t, d.metaReportRing.IsEmpty())
}

// Scenario 3: a PSN gap still performs the DMA write but forces a
// meta-report and withholds the ACK.
func TestScenario3PsnGap(t *testing.T) {
	d, buf := newTestDevice(t, 1<<20)
	setupRings(d)
	installMr(d, 0x1234_0001, address.DmaAddress(0x5000))
	installQp(d, 7, 8, 42)

	tp := &recordingTransport{}
	var asTransport network.Transport = tp
	d.transport.Store(&asTransport)

	payload := make([]byte, 128)
	for i := range payload {
		payload[i] = 0xCD
	}
	msg := &rdma.RdmaMessage{
		Meta: rdma.Metadata{General: &rdma.GeneralMeta{
			Opcode: rdma.OpRdmaWriteOnly,
			Qpn:    rdma.NewQpn(7),
			Psn:    rdma.NewPsn(45),
			Msn:    1,
			AckReq: true,
			Reth:   &rdma.RETH{VA: address.VirtualAddress(0x1000), RKey: 0x1234_0001, Len: 128},
		}},
		Payload: rdma.PayloadInfo{Payload: payload},
	}
	frame, err := rdma.FromRdmaMessage(msg)
	require.NoError(t, err)

	d.handleInbound(frame, net.IPv4(10, 0, 0, 1))

	require.Equal(t, payload, buf[0x5000:0x5000+128])

	ctx, ok := d.qpTable.Get(rdma.NewQpn(7))
	require.True(t, ok)
	require.Equal(t, rdma.NewPsn(46), ctx.ExpectedPsn)
	require.Equal(t, rdma.NewPsn(45), ctx.ErrorPsn)

	require.Empty(t, tp.sent)

	require.False(t, d.metaReportRing.IsEmpty())
	report := descriptor.UnmarshalBthReth(readRingSlot(t, d, metaReportBase, 0))
	require.False(t, report.CanAutoAck)
	require.Equal(t, rdma.NewPsn(42), report.ExpectedPsn)
}

// An in-order write to an unregistered rkey must collapse onto the same
// outcome as a missing QP: no ack, no skipped report, expected_psn left at
// zero in the report, and the QP's own sequencing must not advance.
func TestScenario3bInOrderWriteBadRkeyGatesAckAndReport(t *testing.T) {
	d, buf := newTestDevice(t, 1<<20)
	setupRings(d)
	installQp(d, 7, 8, 42)
	_ = buf

	tp := &recordingTransport{}
	var asTransport network.Transport = tp
	d.transport.Store(&asTransport)

	payload := make([]byte, 128)
	msg := &rdma.RdmaMessage{
		Meta: rdma.Metadata{General: &rdma.GeneralMeta{
			Opcode: rdma.OpRdmaWriteOnly,
			Qpn:    rdma.NewQpn(7),
			Psn:    rdma.NewPsn(42),
			Msn:    1,
			AckReq: true,
			Reth:   &rdma.RETH{VA: address.VirtualAddress(0x1000), RKey: 0xDEAD_BEEF, Len: 128},
		}},
		Payload: rdma.PayloadInfo{Payload: payload},
	}
	frame, err := rdma.FromRdmaMessage(msg)
	require.NoError(t, err)

	d.handleInbound(frame, net.IPv4(10, 0, 0, 1))

	ctx, ok := d.qpTable.Get(rdma.NewQpn(7))
	require.True(t, ok)
	require.Equal(t, rdma.NewPsn(42), ctx.ExpectedPsn)

	require.Empty(t, tp.sent)

	require.False(t, d.metaReportRing.IsEmpty())
	report := descriptor.UnmarshalBthReth(readRingSlot(t, d, metaReportBase, 0))
	require.False(t, report.CanAutoAck)
	require.Equal(t, rdma.NewPsn(0), report.ExpectedPsn)
	require.Equal(t, rdma.StatusError, report.ReqStatus)
}

// Scenario 4: a duplicate (behind-expected) PSN mutates nothing and reports
// the QP's unchanged expected-psn.
func TestScenario4Duplicate(t *testing.T) {
	d, buf := newTestDevice(t, 1<<20)
	setupRings(d)
	installMr(d, 0x1234_0001, address.DmaAddress(0x5000))
	installQp(d, 7, 8, 46)
	_ = buf

	tp := &recordingTransport{}
	var asTransport network.Transport = tp
	d.transport.Store(&asTransport)

	payload := make([]byte, 128)
	msg := &rdma.RdmaMessage{
		Meta: rdma.Metadata{General: &rdma.GeneralMeta{
			Opcode: rdma.OpRdmaWriteOnly,
			Qpn:    rdma.NewQpn(7),
			Psn:    rdma.NewPsn(43),
			Msn:    1,
			AckReq: true,
			Reth:   &rdma.RETH{VA: address.VirtualAddress(0x1000), RKey: 0x1234_0001, Len: 128},
		}},
		Payload: rdma.PayloadInfo{Payload: payload},
	}
	frame, err := rdma.FromRdmaMessage(msg)
	require.NoError(t, err)

	d.handleInbound(frame, net.IPv4(10, 0, 0, 1))

	ctx, ok := d.qpTable.Get(rdma.NewQpn(7))
	require.True(t, ok)
	require.Equal(t, rdma.NewPsn(46), ctx.ExpectedPsn)

	require.Empty(t, tp.sent)

	require.False(t, d.metaReportRing.IsEmpty())
	report := descriptor.UnmarshalBthReth(readRingSlot(t, d, metaReportBase, 0))
	require.Equal(t, rdma.NewPsn(46), report.ExpectedPsn)
}

// Scenario 5: the send pipeline segments a 2048-byte write into exactly
// three packets, sized and PSN-numbered per the PMTU math of §4.3.
func TestScenario5SendPipelineSegmentation(t *testing.T) {
	d, buf := newTestDevice(t, 1<<20)
	setupRings(d)

	localData := make([]byte, 2048)
	for i := range localData {
		localData[i] = byte(i)
	}
	const localVA = 0x6000
	copy(buf[localVA:localVA+len(localData)], localData)

	d.mrTable.UpsertMemoryRegion(mrtable.Context{
		Key:    0xAAAA,
		Base:   address.VirtualAddress(0),
		Len:    1 << 30,
		Access: rdma.AccessLocalWrite | rdma.AccessRemoteWrite,
	})
	require.NoError(t, d.mrTable.InstallPageTable(0, []address.DmaAddress{0}))

	tp := &recordingTransport{}
	var asTransport network.Transport = tp
	d.transport.Store(&asTransport)

	seg0 := descriptor.SendSeg0{
		Header:    descriptor.Header{Valid: true, Opcode: uint8(descriptor.SendOpWrite)},
		RemoteVA:  address.VirtualAddress(0x2_0200),
		RemoteKey: 0xBEEF,
		DestIP:    [4]byte{10, 0, 0, 2},
		Msn:       1,
	}
	seg1 := descriptor.SendSeg1{
		Pmtu:      1024,
		SendFlags: rdma.SendFlagSignaled,
		QpType:    uint8(rdma.QpTypeRC),
		SgeCount:  1,
		Psn:       rdma.NewPsn(100),
		DestQpn:   rdma.NewQpn(8),
	}
	sge := descriptor.SendSge{Sge1: rdma.Sge{VA: address.VirtualAddress(localVA), Len: 2048, LKey: 0xAAAA}}

	d.dispatchSend(seg0, seg1, sge)

	require.Len(t, tp.sent, 3)

	type expect struct {
		opcode rdma.Opcode
		psn    rdma.Psn
		length int
	}
	wants := []expect{
		{rdma.OpRdmaWriteFirst, rdma.NewPsn(100), 512},
		{rdma.OpRdmaWriteMiddle, rdma.NewPsn(101), 1024},
		{rdma.OpRdmaWriteLast, rdma.NewPsn(102), 512},
	}
	offset := 0
	for i, w := range wants {
		parsed, err := rdma.ToRdmaMessage(tp.sent[i])
		require.NoError(t, err)
		require.NotNil(t, parsed.Meta.General)
		require.Equal(t, w.opcode, parsed.Meta.General.Opcode)
		require.Equal(t, w.psn, parsed.Meta.General.Psn)
		require.Len(t, parsed.Payload.Payload, w.length)
		require.Equal(t, localData[offset:offset+w.length], parsed.Payload.Payload)
		offset += w.length
	}
}

// Scenario 6: writing 1 to the soft-reset register zeroes all four queue
// register blocks.
func TestScenario6SoftReset(t *testing.T) {
	d, _ := newTestDevice(t, 1<<20)
	setupRings(d)

	require.NoError(t, d.csr.Write(csr.BaseCommandRequest+csr.OffsetHead, 5))
	require.NoError(t, d.csr.Write(csr.BaseSend+csr.OffsetAddrLow, 0x1234))
	require.NoError(t, d.csr.Write(csr.BaseMetaReport+csr.OffsetHead, 3))

	require.NoError(t, d.csr.Write(csr.BaseSoftReset, 1))

	for _, addr := range []uint64{
		csr.BaseCommandRequest + csr.OffsetHead,
		csr.BaseCommandRequest + csr.OffsetAddrLow,
		csr.BaseSend + csr.OffsetAddrLow,
		csr.BaseSend + csr.OffsetHead,
		csr.BaseMetaReport + csr.OffsetHead,
		csr.BaseCommandResponse + csr.OffsetHead,
	} {
		v, err := d.csr.Read(addr)
		require.NoError(t, err)
		require.Zero(t, v)
	}
}

// SetRawPacketReceiveMeta is unimplemented; the core treats it as an
// ordinary unsuccessful completion rather than a programming error.
func TestSetRawPacketReceiveMetaIsUnsuccessful(t *testing.T) {
	d, _ := newTestDevice(t, 1<<20)
	header := descriptor.Header{Valid: true, Opcode: uint8(descriptor.OpSetRawPacketReceiveMeta), UserData: 9}
	resp := d.handleCommandRequest(descriptor.OpSetRawPacketReceiveMeta, header, make([]byte, descriptor.Size))
	require.False(t, resp.Success)
	require.Equal(t, uint32(9), resp.UserData)
}

// A page-table reinsertion at an already-installed offset is an internal
// invariant violation and is fatal (§7 item 6).
func TestUpdatePageTableReinsertPanics(t *testing.T) {
	d, _ := newTestDevice(t, 1<<20)
	require.NoError(t, d.mrTable.InstallPageTable(0, []address.DmaAddress{0}))

	req := descriptor.UpdatePageTable{
		Header:        descriptor.Header{Valid: true, Opcode: uint8(descriptor.OpUpdatePageTable)},
		DmaAddr:       address.DmaAddress(0x9_0000),
		StartIndex:    0,
		DmaReadLength: 8,
	}
	buf := make([]byte, descriptor.Size)
	req.Marshal(buf)

	require.Panics(t, func() {
		d.handleCommandRequest(descriptor.OpUpdatePageTable, req.Header, buf)
	})
}

// An immediate-bearing write always forces a report even when the
// sequencing state would otherwise allow a skip (Open Question (c)).
func TestImmediateDataAlwaysReports(t *testing.T) {
	d, _ := newTestDevice(t, 1<<20)
	setupRings(d)
	installMr(d, 0x1234_0001, address.DmaAddress(0x5000))
	installQp(d, 7, 8, 42)

	tp := &recordingTransport{}
	var asTransport network.Transport = tp
	d.transport.Store(&asTransport)

	msg := &rdma.RdmaMessage{
		Meta: rdma.Metadata{General: &rdma.GeneralMeta{
			Opcode: rdma.OpRdmaWriteOnlyWithImm,
			Qpn:    rdma.NewQpn(7),
			Psn:    rdma.NewPsn(42),
			Msn:    1,
			AckReq: true,
			Reth:   &rdma.RETH{VA: address.VirtualAddress(0x1000), RKey: 0x1234_0001, Len: 0},
			Imm:    0xAABBCCDD,
			HasImm: true,
		}},
	}
	frame, err := rdma.FromRdmaMessage(msg)
	require.NoError(t, err)

	d.handleInbound(frame, net.IPv4(10, 0, 0, 1))

	require.False(t, d.metaReportRing.IsEmpty())
	bthReth := descriptor.UnmarshalBthReth(readRingSlot(t, d, metaReportBase, 0))
	require.True(t, bthReth.CanAutoAck)
	immDt := descriptor.UnmarshalImmDt(readRingSlot(t, d, metaReportBase, 1))
	require.Equal(t, uint32(0xAABBCCDD), immDt.Immediate)
}

// An inbound RdmaReadRequest never touches local memory: it surfaces two
// meta-reports for the driver to issue the matching SendOpReadResp.
func TestInboundReadRequestPushesTwoReports(t *testing.T) {
	d, _ := newTestDevice(t, 1<<20)
	setupRings(d)
	installQp(d, 7, 8, 42)

	msg := &rdma.RdmaMessage{
		Meta: rdma.Metadata{General: &rdma.GeneralMeta{
			Opcode: rdma.OpRdmaReadRequest,
			Qpn:    rdma.NewQpn(7),
			Psn:    rdma.NewPsn(42),
			Msn:    1,
			AckReq: true,
			Reth:   &rdma.RETH{VA: address.VirtualAddress(0x1000), RKey: 0x1234_0001, Len: 128},
		}},
	}
	frame, err := rdma.FromRdmaMessage(msg)
	require.NoError(t, err)

	d.handleInbound(frame, net.IPv4(10, 0, 0, 1))

	bthReth := descriptor.UnmarshalBthReth(readRingSlot(t, d, metaReportBase, 0))
	require.False(t, bthReth.CanAutoAck)
	require.Equal(t, uint32(0x1234_0001), bthReth.Reth.RKey)

	secondary := descriptor.UnmarshalSecondaryReth(readRingSlot(t, d, metaReportBase, 1))
	require.Equal(t, bthReth.Reth, secondary.Reth)
}

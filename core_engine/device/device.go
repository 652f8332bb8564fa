// Package device is the orchestration root: it owns every table, ring and
// the transport, and spawns the four long-lived workers described in §5.
// Mirrors the teacher's single-root-struct style (core_engine/virtual_machine.go's
// VirtualMachine owning every device and the IOBus) generalized from a KVM
// guest to an RDMA device: one struct, constructed once, shared by
// reference across workers, no module-scope singletons (§9).
package device

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudwego/gopkg/concurrency/gopool"

	"github.com/bluerdma/bluerdmad/core_engine/address"
	"github.com/bluerdma/bluerdmad/core_engine/csr"
	"github.com/bluerdma/bluerdmad/core_engine/descriptor"
	"github.com/bluerdma/bluerdmad/core_engine/dma"
	"github.com/bluerdma/bluerdmad/core_engine/mrtable"
	"github.com/bluerdma/bluerdmad/core_engine/network"
	"github.com/bluerdma/bluerdmad/core_engine/qptable"
	"github.com/bluerdma/bluerdmad/core_engine/rdma"
)

// writeCursor is the remembered remote-side destination (RDMA Write) or
// local-side sink (RDMA Read response) for the Middle/Last packets of a
// segmented message, which carry no RETH of their own (§4.4).
type writeCursor struct {
	va  address.VirtualAddress
	key uint32
}

// Config configures a Device at construction. The core library itself
// takes this struct directly; only cmd/bluerdmad turns command-line flags
// into one (§4.7's ambient-stack configuration note).
type Config struct {
	// DMAClient backs every descriptor read/write and MR translation. Tests
	// typically pass dma.NewBufferClient over a plain byte slice standing
	// in for driver-owned host memory.
	DMAClient dma.Client
	// TransportFactory builds the network.Transport once SetNetworkParam
	// arrives. Required.
	TransportFactory network.Factory
	// Logger receives structured lifecycle and debug-level wire traces. A
	// nil Logger defaults to slog.Default().
	Logger *slog.Logger
}

type recvItem struct {
	buf []byte
	src net.IP
}

// Device is the device root.
type Device struct {
	cfg Config
	log *slog.Logger

	csr       *csr.Space
	dma       dma.Client
	mrTable   *mrtable.Table
	qpTable   *qptable.Table

	commandRequestRing  *csr.Ring
	commandResponseRing *csr.Ring
	sendRing            *csr.Ring
	metaReportRing      *csr.Ring

	commandRequestDoorbell doorbell
	sendDoorbell           doorbell

	recvQueue *unboundedChan[recvItem]

	transport atomic.Pointer[network.Transport]

	writeMu         sync.Mutex
	writeCursors    map[rdma.Qpn]writeCursor
	readRespCursors map[rdma.Qpn]writeCursor

	stop   atomic.Bool
	stopCh chan struct{}

	pool *gopool.GoPool
}

// New constructs a Device with empty tables and a fresh CSR space. Call
// Start to spawn the four workers.
func New(cfg Config) (*Device, error) {
	if cfg.TransportFactory == nil {
		return nil, fmt.Errorf("device: Config.TransportFactory is required")
	}
	if cfg.DMAClient == nil {
		return nil, fmt.Errorf("device: Config.DMAClient is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	space := csr.NewSpace()
	d := &Device{
		cfg:     cfg,
		log:     logger,
		csr:     space,
		dma:     cfg.DMAClient,
		mrTable: mrtable.New(),
		qpTable: qptable.New(),

		commandRequestRing:  csr.NewRing(&space.CommandRequest, cfg.DMAClient),
		commandResponseRing: csr.NewRing(&space.CommandResponse, cfg.DMAClient),
		sendRing:            csr.NewRing(&space.Send, cfg.DMAClient),
		metaReportRing:      csr.NewRing(&space.MetaReport, cfg.DMAClient),

		commandRequestDoorbell: newDoorbell(),
		sendDoorbell:           newDoorbell(),
		recvQueue:              newUnboundedChan[recvItem](),

		writeCursors:    make(map[rdma.Qpn]writeCursor),
		readRespCursors: make(map[rdma.Qpn]writeCursor),

		stopCh: make(chan struct{}),

		pool: gopool.NewGoPool("bluerdmad-device", gopool.DefaultOption()),
	}

	space.CommandRequest.SetDoorbell(func(uint32) { d.commandRequestDoorbell.ring() })
	space.Send.SetDoorbell(func(uint32) { d.sendDoorbell.ring() })
	space.SetResetHook(func() { d.log.Info("soft reset") })

	d.pool.SetPanicHandler(func(ctx interface{}, r interface{}) {
		d.log.Error("worker panic recovered", "panic", r)
	})

	return d, nil
}

// CSR exposes the register space so a driver-side harness (or
// cmd/bluerdmad) can issue reads/writes against it directly.
func (d *Device) CSR() *csr.Space { return d.csr }

// Start spawns the four long-lived workers (§5): receive, packet,
// command-request and send. Each runs inside the gopool so a panic in one
// is recovered and logged rather than crashing the process (§4.7/§5).
func (d *Device) Start() {
	d.pool.Go(d.receiveLoop)
	d.pool.Go(d.packetLoop)
	d.pool.Go(d.commandRequestLoop)
	d.pool.Go(d.sendLoop)
}

// Stop sets the atomic stop flag and closes stopCh; per §5 the receive
// worker exits on its next transport recv or loop check, the others exit
// when they next observe the closed channel.
func (d *Device) Stop() {
	if !d.stop.CompareAndSwap(false, true) {
		return
	}
	close(d.stopCh)
	d.recvQueue.Close()
	if t := d.transport.Load(); t != nil {
		_ = (*t).Close()
	}
}

func (d *Device) commandRequestLoop() {
	for {
		select {
		case <-d.stopCh:
			return
		case <-d.commandRequestDoorbell:
			d.drainCommandRequests()
		}
	}
}

func (d *Device) sendLoop() {
	for {
		select {
		case <-d.stopCh:
			return
		case <-d.sendDoorbell:
			d.drainSendRequests()
		}
	}
}

func (d *Device) receiveLoop() {
	for {
		if d.stop.Load() {
			return
		}
		tp := d.transport.Load()
		if tp == nil {
			// Network not configured yet; wait for SetNetworkParam or stop
			// rather than spinning on the atomic load.
			select {
			case <-d.stopCh:
				return
			case <-time.After(10 * time.Millisecond):
				continue
			}
		}
		t := *tp
		buf := make([]byte, 4096)
		n, src, err := t.RecvFrom(buf)
		if err != nil {
			d.log.Error("transport recv failed, stopping receive worker", "error", err)
			d.Stop()
			return
		}
		if n == 0 {
			continue
		}
		d.recvQueue.Send(recvItem{buf: buf[:n], src: src})
	}
}

func (d *Device) packetLoop() {
	for {
		item, ok := d.recvQueue.Recv()
		if !ok {
			return
		}
		d.handleInbound(item.buf, item.src)
	}
}

func (d *Device) setWriteCursor(qpn rdma.Qpn, va address.VirtualAddress, key uint32) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	d.writeCursors[qpn] = writeCursor{va: va, key: key}
}

func (d *Device) getWriteCursor(qpn rdma.Qpn) (address.VirtualAddress, uint32, bool) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	c, ok := d.writeCursors[qpn]
	return c.va, c.key, ok
}

func (d *Device) advanceWriteCursor(qpn rdma.Qpn, n uint64) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	c, ok := d.writeCursors[qpn]
	if !ok {
		return
	}
	c.va = c.va.Add(n)
	d.writeCursors[qpn] = c
}

func (d *Device) setReadRespCursor(qpn rdma.Qpn, va address.VirtualAddress, key uint32) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	d.readRespCursors[qpn] = writeCursor{va: va, key: key}
}

func (d *Device) getReadRespCursor(qpn rdma.Qpn) (address.VirtualAddress, uint32, bool) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	c, ok := d.readRespCursors[qpn]
	return c.va, c.key, ok
}

func (d *Device) advanceReadRespCursor(qpn rdma.Qpn, n uint64) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	c, ok := d.readRespCursors[qpn]
	if !ok {
		return
	}
	c.va = c.va.Add(n)
	d.readRespCursors[qpn] = c
}

// metaReportMarshaler is satisfied by every meta-report descriptor variant.
type metaReportMarshaler interface {
	Marshal(dst []byte)
}

func (d *Device) pushMetaReport(v metaReportMarshaler) {
	buf := make([]byte, descriptor.Size)
	v.Marshal(buf)
	if err := d.metaReportRing.Push(buf); err != nil {
		d.log.Error("meta-report push failed", "error", err)
	}
}

// sendAck transmits a plain ACK (no RNR/NAK support, §4.4) covering psn to
// qpn's peer. msn is the pkey/MSN off the packet being acked, reused
// verbatim rather than generated (§4.4).
func (d *Device) sendAck(qpn rdma.Qpn, msn uint16, psn rdma.Psn, destIP net.IP) {
	tp := d.transport.Load()
	if tp == nil {
		return
	}
	ctx, ok := d.qpTable.Get(qpn)
	if !ok {
		return
	}
	msg := &rdma.RdmaMessage{Meta: rdma.Metadata{Acknowledge: &rdma.AcknowledgeMeta{
		Qpn: ctx.PeerQpn,
		Psn: psn,
		Msn: msn,
		Aeth: rdma.AETH{
			Code:  rdma.AethCodeAck,
			Value: rdma.AckValue,
		},
	}}}
	frame, err := rdma.FromRdmaMessage(msg)
	if err != nil {
		d.log.Error("ack marshal failed", "error", err)
		return
	}
	if _, err := (*tp).SendTo(frame, destIP); err != nil {
		d.log.Error("ack send failed", "error", err)
	}
}

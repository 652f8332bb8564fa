// Command bluerdmad is a thin driver-side CLI for manual smoke-testing of
// core_engine: it runs a Device in-process and pokes its CSR space and
// ring buffers the way a real driver would, instead of exercising the
// library through Go function calls directly.
package main

import (
	"fmt"
	"net"
	"time"

	"github.com/bluerdma/bluerdmad/core_engine/address"
	"github.com/bluerdma/bluerdmad/core_engine/csr"
	"github.com/bluerdma/bluerdmad/core_engine/descriptor"
	"github.com/bluerdma/bluerdmad/core_engine/device"
	"github.com/bluerdma/bluerdmad/core_engine/dma"
	"github.com/bluerdma/bluerdmad/core_engine/network"
)

// Ring base addresses within the shared backing buffer. A real driver and
// the hardware agree on these through the base-address registers (§4.1);
// this simulator picks one fixed layout instead of negotiating it, and
// reserves everything below hostMemoryBase for ring storage.
const (
	commandRequestBase  uint64 = 0x10_0000
	commandResponseBase uint64 = 0x20_0000
	sendBase            uint64 = 0x30_0000
	metaReportBase      uint64 = 0x40_0000
	hostMemoryBase      uint64 = 0x100_0000

	defaultMemSize = 64 << 20
	pollInterval   = time.Millisecond
	pollTimeout    = 2 * time.Second
)

// harness is the driver side of the simulator: it owns the same backing
// buffer the Device reads and writes through, and drives the Device's CSR
// space directly the way a PCIe BAR would.
type harness struct {
	dev *device.Device
	cli dma.Client
}

func newHarness(transport, localIP, tapIf string) (*harness, error) {
	buf := make([]byte, defaultMemSize)
	cli := dma.NewBufferClient(buf)

	var factory network.Factory
	switch transport {
	case "loopback":
		factory = network.NewLoopbackTransportFactory()
	case "udp":
		factory = network.NewUDPTransportFactory()
	case "tap":
		if tapIf == "" {
			return nil, fmt.Errorf("bluerdmad: --tap-if is required for transport=tap")
		}
		factory = network.NewTunTransportFactory(tapIf)
	default:
		return nil, fmt.Errorf("bluerdmad: unknown transport %q (want loopback, udp or tap)", transport)
	}

	dev, err := device.New(device.Config{DMAClient: cli, TransportFactory: factory})
	if err != nil {
		return nil, err
	}

	dev.CSR().CommandRequest.SetBaseAddress(commandRequestBase)
	dev.CSR().CommandResponse.SetBaseAddress(commandResponseBase)
	dev.CSR().Send.SetBaseAddress(sendBase)
	dev.CSR().MetaReport.SetBaseAddress(metaReportBase)

	h := &harness{dev: dev, cli: cli}
	h.dev.Start()

	if localIP != "" {
		if err := h.configureNetwork(localIP); err != nil {
			h.dev.Stop()
			return nil, err
		}
	}
	return h, nil
}

func (h *harness) close() { h.dev.Stop() }

// configureNetwork posts a SetNetworkParam command-request so the device
// binds its transport before any other traffic flows.
func (h *harness) configureNetwork(localIP string) error {
	ip := net.ParseIP(localIP)
	if ip == nil {
		return fmt.Errorf("bluerdmad: invalid --local-ip %q", localIP)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return fmt.Errorf("bluerdmad: --local-ip %q is not IPv4", localIP)
	}

	req := descriptor.SetNetworkParameter{
		Header: descriptor.Header{Valid: true, Opcode: uint8(descriptor.OpSetNetworkParam)},
		IP:     [4]byte{ip4[0], ip4[1], ip4[2], ip4[3]},
	}
	buf := make([]byte, descriptor.Size)
	req.Marshal(buf)

	resp, err := h.postCommandRequest(buf)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("bluerdmad: SetNetworkParam rejected by device")
	}
	return nil
}

// ringSlotAddress mirrors core_engine/csr.Ring's own slot math; the CLI
// needs its own copy because it is the ring producer, not the consumer,
// for the command-request and send rings.
func ringSlotAddress(base uint64, index uint32) address.DmaAddress {
	return address.DmaAddress(base + uint64(index%csr.RingDepth)*csr.ElementSize)
}

// postCommandRequest writes buf (one or more descriptor.Size segments,
// with the header's extra-segment-count already set accordingly) onto the
// command-request ring, rings the head-register doorbell, and blocks for
// the matching response descriptor.
func (h *harness) postCommandRequest(buf []byte) (descriptor.CommandResponse, error) {
	segments := uint32(len(buf) / descriptor.Size)
	bank := &h.dev.CSR().CommandRequest
	head := bank.Head()

	for i := uint32(0); i < segments; i++ {
		seg := buf[i*descriptor.Size : (i+1)*descriptor.Size]
		if err := h.cli.Pointer(ringSlotAddress(commandRequestBase, head+i)).Write(seg); err != nil {
			return descriptor.CommandResponse{}, err
		}
	}
	if err := bank.WriteRegister(csr.OffsetHead, head+segments); err != nil {
		return descriptor.CommandResponse{}, err
	}

	respBank := &h.dev.CSR().CommandResponse
	tail := respBank.Tail()
	if err := h.awaitHead(respBank, tail, pollTimeout); err != nil {
		return descriptor.CommandResponse{}, err
	}

	out := make([]byte, descriptor.Size)
	if err := h.cli.Pointer(ringSlotAddress(commandResponseBase, tail)).Read(out); err != nil {
		return descriptor.CommandResponse{}, err
	}
	respBank.SetTail(tail + 1)
	return descriptor.UnmarshalCommandResponse(out), nil
}

// postSend writes the three descriptors of a send work request onto the
// send ring and rings its doorbell. Sends are fire-and-forget from the
// driver's perspective; completion, if any, arrives later as a
// meta-report, not synchronously here.
func (h *harness) postSend(seg0 descriptor.SendSeg0, seg1 descriptor.SendSeg1, sge descriptor.SendSge) error {
	bank := &h.dev.CSR().Send
	head := bank.Head()

	bufs := [3][]byte{make([]byte, descriptor.Size), make([]byte, descriptor.Size), make([]byte, descriptor.Size)}
	seg0.Marshal(bufs[0])
	seg1.Marshal(bufs[1])
	sge.Marshal(bufs[2])

	for i, buf := range bufs {
		if err := h.cli.Pointer(ringSlotAddress(sendBase, head+uint32(i))).Write(buf); err != nil {
			return err
		}
	}
	return bank.WriteRegister(csr.OffsetHead, head+3)
}

// awaitHead polls bank's head register until it advances past prevTail,
// i.e. until the device has produced at least one new element.
func (h *harness) awaitHead(bank *csr.QueueBank, prevTail uint32, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for bank.Head() == prevTail {
		if time.Now().After(deadline) {
			return fmt.Errorf("bluerdmad: timed out waiting for device response")
		}
		time.Sleep(pollInterval)
	}
	return nil
}

package csr

import (
	"github.com/bluerdma/bluerdmad/core_engine/address"
	"github.com/bluerdma/bluerdmad/core_engine/dma"
	"github.com/bluerdma/bluerdmad/core_engine/descriptor"
)

// Ring binds a QueueBank's head/tail indices to a DMA client, reading and
// writing fixed-size elements in the ring's backing host memory (§3, §4.1).
// A Ring does not know whether it is driver-produced or device-produced;
// callers pick the Read*/Push* methods matching the role of the queue they
// are driving.
type Ring struct {
	bank   *QueueBank
	client dma.Client
}

// NewRing binds bank to client.
func NewRing(bank *QueueBank, client dma.Client) *Ring {
	return &Ring{bank: bank, client: client}
}

// IsEmpty reports head == tail, the ring-empty invariant (§3, §4.1).
func (r *Ring) IsEmpty() bool { return r.bank.Head() == r.bank.Tail() }

func (r *Ring) elementAddress(index uint32) address.DmaAddress {
	slot := index % RingDepth
	return address.DmaAddress(r.bank.BaseAddress() + uint64(slot)*ElementSize)
}

// ReadSegment reads the descriptor-sized element at tail+offset (mod
// RingDepth) without advancing the consumer tail, used to peek at extra
// segments of a multi-descriptor command before committing to the whole
// thing.
func (r *Ring) ReadSegment(offset uint32) ([]byte, error) {
	buf := make([]byte, descriptor.Size)
	idx := r.bank.Tail() + offset
	if err := r.client.Pointer(r.elementAddress(idx)).Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// CommitPop advances the consumer tail by n elements, making them available
// for the driver to reuse.
func (r *Ring) CommitPop(n uint32) {
	r.bank.SetTail(r.bank.Tail() + n)
}

// Push writes buf at the current producer head and advances head by one
// element, for device-produced queues (command-response, meta-report).
func (r *Ring) Push(buf []byte) error {
	if err := r.client.Pointer(r.elementAddress(r.bank.Head())).Write(buf); err != nil {
		return err
	}
	r.bank.SetHead(r.bank.Head() + 1)
	return nil
}

// Package dma provides the typed-pointer abstraction the core uses for all
// host-memory access. No code outside this package performs raw pointer
// arithmetic on a DmaAddress; everything goes through a Client.
package dma

import (
	"encoding/binary"
	"fmt"

	"github.com/bluerdma/bluerdmad/core_engine/address"
)

// Client is the DMA capability the core is given at construction. A real
// deployment backs it with process memory mapped from the driver (mmap'd
// hugepages, typically); tests back it with a plain byte slice, the same way
// ne2000.go backs its whole address space with a fixed-size RAM array.
type Client interface {
	// Pointer returns a handle for reading/writing starting at dma.
	Pointer(dma address.DmaAddress) Pointer
}

// Pointer is a cursor into DMA-addressable memory. All bounds checking
// happens here; a Pointer never lets a caller read or write outside the
// backing buffer.
type Pointer interface {
	// Read copies len(p) bytes starting at the pointer's address into p.
	Read(p []byte) error
	// Write copies p into the backing buffer starting at the pointer's address.
	Write(p []byte) error
	// CopyFromNonoverlapping reads n bytes into dst; dst must not alias the
	// backing buffer.
	CopyFromNonoverlapping(dst []byte, n int) error
	// CopyToNonoverlapping writes src into the backing buffer; src must not
	// alias it.
	CopyToNonoverlapping(src []byte) error
	// Add returns a new pointer offset by n bytes.
	Add(n uint64) Pointer
	// ReadUint64 and WriteUint64 are conveniences for the page-table rows
	// (arrays of little-endian DmaAddress) that UpdatePageTable installs.
	ReadUint64() (uint64, error)
	WriteUint64(v uint64) error
}

// ErrOutOfRange reports that a computed DMA address range fell outside the
// backing buffer. The callers in core_engine/device log it and fail the
// request at hand (an unsuccessful command response, an error-status
// meta-report, or a dropped send); none of them abort the process.
type ErrOutOfRange struct {
	Addr address.DmaAddress
	Len  int
	Size int
}

func (e *ErrOutOfRange) Error() string {
	return fmt.Sprintf("dma: access [0x%x, 0x%x) exceeds backing buffer of size 0x%x", uint64(e.Addr), uint64(e.Addr)+uint64(e.Len), e.Size)
}

// BufferClient is a Client backed by a single contiguous byte slice, the
// same RAM-array model ne2000.go uses for its emulated address space. The
// zero offset of the buffer corresponds to DmaAddress(0).
type BufferClient struct {
	buf []byte
}

// NewBufferClient wraps buf as a DMA-addressable region. buf is retained, not
// copied, so writes through the returned Client are visible to the caller.
func NewBufferClient(buf []byte) *BufferClient {
	return &BufferClient{buf: buf}
}

func (c *BufferClient) Pointer(dma address.DmaAddress) Pointer {
	return &bufferPointer{buf: c.buf, off: uint64(dma)}
}

type bufferPointer struct {
	buf []byte
	off uint64
}

func (p *bufferPointer) bounds(n int) error {
	if n < 0 || p.off+uint64(n) > uint64(len(p.buf)) {
		return &ErrOutOfRange{Addr: address.DmaAddress(p.off), Len: n, Size: len(p.buf)}
	}
	return nil
}

func (p *bufferPointer) Read(dst []byte) error {
	if err := p.bounds(len(dst)); err != nil {
		return err
	}
	copy(dst, p.buf[p.off:p.off+uint64(len(dst))])
	return nil
}

func (p *bufferPointer) Write(src []byte) error {
	if err := p.bounds(len(src)); err != nil {
		return err
	}
	copy(p.buf[p.off:p.off+uint64(len(src))], src)
	return nil
}

func (p *bufferPointer) CopyFromNonoverlapping(dst []byte, n int) error {
	if len(dst) < n {
		return fmt.Errorf("dma: destination slice shorter than copy length %d", n)
	}
	return p.Read(dst[:n])
}

func (p *bufferPointer) CopyToNonoverlapping(src []byte) error {
	return p.Write(src)
}

func (p *bufferPointer) Add(n uint64) Pointer {
	return &bufferPointer{buf: p.buf, off: p.off + n}
}

func (p *bufferPointer) ReadUint64() (uint64, error) {
	if err := p.bounds(8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(p.buf[p.off : p.off+8]), nil
}

func (p *bufferPointer) WriteUint64(v uint64) error {
	if err := p.bounds(8); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(p.buf[p.off:p.off+8], v)
	return nil
}

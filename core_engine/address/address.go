// Package address gives VirtualAddress and DmaAddress distinct types so the
// two views of memory (driver/host vs device/bus) never get mixed up by
// accident the way a bare uint64 would allow.
package address

import "fmt"

// VirtualAddress is the driver/host view of a buffer, as it appears on the
// wire in a RETH and in send/receive descriptors.
type VirtualAddress uint64

func (v VirtualAddress) String() string { return fmt.Sprintf("va:0x%016x", uint64(v)) }

// Add returns v+n. Overflow is the caller's problem; this type does not wrap.
func (v VirtualAddress) Add(n uint64) VirtualAddress { return v + VirtualAddress(n) }

// Sub returns the byte distance from base to v. Callers must ensure v >= base.
func (v VirtualAddress) Sub(base VirtualAddress) uint64 { return uint64(v - base) }

// DmaAddress is the device/bus view of memory. Code outside core_engine/dma
// must never dereference a DmaAddress directly; it only exists to hand to
// dma.Client.
type DmaAddress uint64

func (d DmaAddress) String() string { return fmt.Sprintf("dma:0x%016x", uint64(d)) }

// Add returns d+n, used when striding across a multi-entry page-table row or
// advancing through a page by an offset.
func (d DmaAddress) Add(n uint64) DmaAddress { return d + DmaAddress(n) }

// Package mrtable implements the memory-region table and the page table it
// translates through: key -> {base, len, access, page-table offset} and
// offset -> ordered DMA addresses, per §4.5.
package mrtable

import (
	"fmt"
	"sync"

	"github.com/bluerdma/bluerdmad/core_engine/address"
	"github.com/bluerdma/bluerdmad/core_engine/rdma"
)

// PageSize is the fixed page granularity page-table rows are expressed in.
const PageSize = 2 << 20 // 2 MiB

// Context is an installed memory region: the bounds and permissions a
// query is checked against, and the page-table row it translates through.
type Context struct {
	Key             uint32
	Base            address.VirtualAddress
	Len             uint64
	PdHandle        uint32
	Access          rdma.AccessFlag
	PageTableOffset uint32
}

// KeyNotFoundError, PermissionDeniedError and OutOfBoundError are the three
// MR lookup failures (error taxonomy item 2): always recovered by the
// caller via the inbound-packet error pathway, never fatal.
type KeyNotFoundError struct{ Key uint32 }

func (e *KeyNotFoundError) Error() string { return fmt.Sprintf("mrtable: key 0x%08x not found", e.Key) }

type PermissionDeniedError struct {
	Given, Permitted rdma.AccessFlag
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("mrtable: access %s not covered by permitted %s", e.Given, e.Permitted)
}

type OutOfBoundError struct {
	VA         address.VirtualAddress
	Base       address.VirtualAddress
	Len        uint64
}

func (e *OutOfBoundError) Error() string {
	return fmt.Sprintf("mrtable: va %s out of bound [%s, %s)", e.VA, e.Base, e.Base.Add(e.Len))
}

// PageTableReinsertError is an internal invariant violation (taxonomy item
// 6): installing page-table entries at an offset that already holds a row.
// Per §3's lifecycle, page-table rows are append-only.
type PageTableReinsertError struct{ Offset uint32 }

func (e *PageTableReinsertError) Error() string {
	return fmt.Sprintf("mrtable: page table offset %d already installed", e.Offset)
}

// Table owns the MR contexts and the page table they reference. Reads
// dominate writes, so both maps are guarded by a single RWMutex rather than
// anything more elaborate — matching the "lock-free or fine-grained
// locking" latitude in §5 without reaching for an external library the
// retrieval pack never exercises for this kind of table.
type Table struct {
	mu         sync.RWMutex
	contexts   map[uint32]Context
	pageTable  map[uint32][]address.DmaAddress
}

// New returns an empty table.
func New() *Table {
	return &Table{
		contexts:  make(map[uint32]Context),
		pageTable: make(map[uint32][]address.DmaAddress),
	}
}

// UpsertMemoryRegion installs or replaces the MR context for key, per
// UpdateMrTable (§4.2): always succeeds.
func (t *Table) UpsertMemoryRegion(ctx Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.contexts[ctx.Key] = ctx
}

// InstallPageTable installs entries at offset. It is an internal invariant
// violation to reinstall at an offset that is already present.
func (t *Table) InstallPageTable(offset uint32, entries []address.DmaAddress) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.pageTable[offset]; exists {
		return &PageTableReinsertError{Offset: offset}
	}
	t.pageTable[offset] = entries
	return nil
}

// Query translates (rkey, va) to a DmaAddress, checking access and bounds
// per the five-step algorithm in §4.5.
func (t *Table) Query(key uint32, va address.VirtualAddress, access rdma.AccessFlag) (address.DmaAddress, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ctx, ok := t.contexts[key]
	if !ok {
		return 0, &KeyNotFoundError{Key: key}
	}
	if !access.Subset(ctx.Access) {
		return 0, &PermissionDeniedError{Given: access, Permitted: ctx.Access}
	}
	if va < ctx.Base || uint64(va) >= uint64(ctx.Base)+ctx.Len {
		return 0, &OutOfBoundError{VA: va, Base: ctx.Base, Len: ctx.Len}
	}

	offsetFromBase := va.Sub(ctx.Base)
	pageIndex := offsetFromBase >> 21
	pageOffset := offsetFromBase & (PageSize - 1)

	entries, ok := t.pageTable[ctx.PageTableOffset]
	if !ok || pageIndex >= uint64(len(entries)) {
		return 0, &OutOfBoundError{VA: va, Base: ctx.Base, Len: ctx.Len}
	}
	return entries[pageIndex].Add(pageOffset), nil
}

// Lookup returns the installed context for key, for callers (such as
// tests) that need the raw context rather than a translated address.
func (t *Table) Lookup(key uint32) (Context, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ctx, ok := t.contexts[key]
	return ctx, ok
}

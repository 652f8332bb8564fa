// Package qptable implements the queue-pair table and the inbound PSN/QP
// state machine described in §4.4.
package qptable

import (
	"fmt"
	"sync"

	"github.com/bluerdma/bluerdmad/core_engine/rdma"
)

// State is the queue pair's lifecycle state; only Normal and Error exist.
type State uint8

const (
	StateNormal State = iota
	StateError
)

func (s State) String() string {
	if s == StateError {
		return "Error"
	}
	return "Normal"
}

// Context is a queue pair's bookkeeping record. At most one Context exists
// per Qpn at any time (enforced by Table).
type Context struct {
	Qpn         rdma.Qpn
	PeerQpn     rdma.Qpn
	PdHandle    uint32
	Type        rdma.QpType
	Access      rdma.AccessFlag
	Pmtu        rdma.Pmtu
	ExpectedPsn rdma.Psn
	ErrorPsn    rdma.Psn
	State       State
}

// NotFoundError reports a lookup against a qpn with no installed context —
// always recovered via the error pathway, never fatal.
type NotFoundError struct{ Qpn rdma.Qpn }

func (e *NotFoundError) Error() string { return fmt.Sprintf("qptable: %s not found", e.Qpn) }

// Table owns all queue-pair contexts.
type Table struct {
	mu  sync.RWMutex
	qps map[rdma.Qpn]*Context
}

// New returns an empty table.
func New() *Table {
	return &Table{qps: make(map[rdma.Qpn]*Context)}
}

// Insert installs ctx, replacing whatever context (if any) previously
// existed under the same Qpn, per QpManagement{valid=true} (§4.2).
func (t *Table) Insert(ctx Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := ctx
	t.qps[ctx.Qpn] = &c
}

// Remove deletes the context for qpn, per QpManagement{valid=false}. It
// reports whether an entry existed.
func (t *Table) Remove(qpn rdma.Qpn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.qps[qpn]; !ok {
		return false
	}
	delete(t.qps, qpn)
	return true
}

// Get returns a snapshot of the context for qpn.
func (t *Table) Get(qpn rdma.Qpn) (Context, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.qps[qpn]
	if !ok {
		return Context{}, false
	}
	return *c, true
}

// TryRecover attempts an Error -> Normal transition at the given recovery
// PSN, per UpdateErrPsnRecoverPoint (§4.2). It reports whether the
// transition happened: the QP must exist and be in Error state.
func (t *Table) TryRecover(qpn rdma.Qpn, psn rdma.Psn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.qps[qpn]
	if !ok || c.State != StateError {
		return false
	}
	c.State = StateNormal
	c.ExpectedPsn = psn
	return true
}

// AdvanceResult is the outcome of applying an inbound packet's PSN to a
// queue pair's sequencing state, per the table in §4.4.
type AdvanceResult struct {
	CanAutoAck           bool
	CanSkipReportHeader  bool
	ExpectedPsnOut       rdma.Psn
}

// Advance applies an inbound packet with sequence number p against qpn's
// current state, mutating ExpectedPsn/ErrorPsn as the table in §4.4
// dictates. It reports found=false if qpn has no installed context, in
// which case the caller is responsible for the "QP missing" row of the
// table (no state to mutate, can_auto_ack=false, can_skip_report_header=
// false, expected_psn_out=0).
func (t *Table) Advance(qpn rdma.Qpn, p rdma.Psn) (result AdvanceResult, found bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.qps[qpn]
	if !ok {
		return AdvanceResult{}, false
	}

	inError := c.State == StateError

	switch {
	case p == c.ExpectedPsn:
		// In-order. Error-state QPs never auto-ack, and per the
		// implementation-defined reading of the open question on
		// can_skip_report_header, an in-error QP always still reports so
		// the driver sees the QP is not healthy.
		e := c.ExpectedPsn
		c.ExpectedPsn = p.WrappingAdd(1)
		if inError {
			return AdvanceResult{CanAutoAck: false, CanSkipReportHeader: false, ExpectedPsnOut: c.ExpectedPsn}, true
		}
		return AdvanceResult{CanAutoAck: true, CanSkipReportHeader: true, ExpectedPsnOut: e.WrappingAdd(1)}, true

	case p.LargerInPsn(c.ExpectedPsn):
		// Gap: a packet arrived ahead of what was expected.
		preUpdate := c.ExpectedPsn
		c.ErrorPsn = p
		c.ExpectedPsn = p.WrappingAdd(1)
		return AdvanceResult{CanAutoAck: false, CanSkipReportHeader: false, ExpectedPsnOut: preUpdate}, true

	default:
		// Duplicate: p is behind expected. No state mutation.
		return AdvanceResult{CanAutoAck: false, CanSkipReportHeader: false, ExpectedPsnOut: c.ExpectedPsn}, true
	}
}

// MarkError forces qpn into Error state without removing it, and reports
// whether qpn has an installed context.
func (t *Table) MarkError(qpn rdma.Qpn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.qps[qpn]
	if !ok {
		return false
	}
	c.State = StateError
	return true
}

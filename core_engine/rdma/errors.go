package rdma

import "errors"

// Descriptor/wire parse errors (error taxonomy item 1 and 4): always
// recovered locally, never fatal.
var (
	ErrInvalidPmtu      = errors.New("rdma: invalid pmtu")
	ErrInvalidQpType    = errors.New("rdma: invalid qp type")
	ErrUnknownOpcode    = errors.New("rdma: unknown base transport opcode")
	ErrShortPacket      = errors.New("rdma: packet shorter than minimum header size")
	ErrBadICRC          = errors.New("rdma: icrc mismatch")
	ErrUnsupportedEmbed = errors.New("rdma: second sge must be zero, multi-sge unsupported")
)

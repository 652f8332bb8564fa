package rdma

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bluerdma/bluerdmad/core_engine/address"
)

func TestRoundTripWriteOnly(t *testing.T) {
	reth := RETH{VA: 0x1000, RKey: 0x1234_0001, Len: 128}
	payload := make([]byte, 128)
	for i := range payload {
		payload[i] = byte(i)
	}
	msg := &RdmaMessage{
		Meta: Metadata{General: &GeneralMeta{
			Opcode: OpRdmaWriteOnly,
			Qpn:    NewQpn(7),
			Psn:    NewPsn(42),
			Msn:    1,
			AckReq: true,
			Reth:   &reth,
		}},
		Payload: PayloadInfo{Payload: payload},
	}

	frame, err := FromRdmaMessage(msg)
	require.NoError(t, err)

	parsed, err := ToRdmaMessage(frame)
	require.NoError(t, err)
	require.NotNil(t, parsed.Meta.General)
	require.Equal(t, OpRdmaWriteOnly, parsed.Meta.General.Opcode)
	require.Equal(t, NewQpn(7), parsed.Meta.General.Qpn)
	require.Equal(t, NewPsn(42), parsed.Meta.General.Psn)
	require.True(t, parsed.Meta.General.AckReq)
	require.Equal(t, reth, *parsed.Meta.General.Reth)
	require.Equal(t, payload, parsed.Payload.Payload)
}

func TestRoundTripAcknowledge(t *testing.T) {
	msg := &RdmaMessage{
		Meta: Metadata{Acknowledge: &AcknowledgeMeta{
			Qpn: NewQpn(8),
			Psn: NewPsn(43),
			Msn: 99,
			Aeth: AETH{
				Code:  AethCodeAck,
				Value: AckValue,
			},
		}},
	}

	frame, err := FromRdmaMessage(msg)
	require.NoError(t, err)

	parsed, err := ToRdmaMessage(frame)
	require.NoError(t, err)
	require.NotNil(t, parsed.Meta.Acknowledge)
	require.Equal(t, NewQpn(8), parsed.Meta.Acknowledge.Qpn)
	require.Equal(t, NewPsn(43), parsed.Meta.Acknowledge.Psn)
	require.Equal(t, uint16(99), parsed.Meta.Acknowledge.Msn)
	require.Equal(t, AethCodeAck, parsed.Meta.Acknowledge.Aeth.Code)
	require.Equal(t, AckValue, parsed.Meta.Acknowledge.Aeth.Value)
	require.Equal(t, uint32(99), parsed.Meta.Acknowledge.Aeth.Msn)
}

func TestToRdmaMessageRejectsBadICRC(t *testing.T) {
	msg := &RdmaMessage{
		Meta: Metadata{Acknowledge: &AcknowledgeMeta{Qpn: NewQpn(1), Psn: NewPsn(1)}},
	}
	frame, err := FromRdmaMessage(msg)
	require.NoError(t, err)
	frame[len(frame)-1] ^= 0xFF

	_, err = ToRdmaMessage(frame)
	require.ErrorIs(t, err, ErrBadICRC)
}

func TestPsnWrapping(t *testing.T) {
	a := NewPsn(16_000_000)
	for _, k := range []uint32{1, 100, 1 << 23} {
		got := a.WrappingSub(a.WrappingAdd(k))
		want := NewPsn((psnMask + 1 - k) % (psnMask + 1))
		require.Equal(t, want, got)
	}
}

func TestWrappingAbsInRange(t *testing.T) {
	a, b := NewPsn(5), NewPsn(16_000_000)
	abs := a.WrappingAbs(b)
	require.GreaterOrEqual(t, abs, uint32(0))
	require.LessOrEqual(t, abs, uint32(psnMask))
}

func TestAccessFlagSubset(t *testing.T) {
	granted := AccessLocalWrite | AccessRemoteWrite
	require.True(t, AccessFlag(0).Subset(granted))
	require.True(t, AccessLocalWrite.Subset(granted))
	require.False(t, AccessRemoteRead.Subset(granted))
}

func TestParsePmtuRejectsInvalid(t *testing.T) {
	_, err := ParsePmtu(123)
	require.ErrorIs(t, err, ErrInvalidPmtu)

	p, err := ParsePmtu(1024)
	require.NoError(t, err)
	require.Equal(t, Pmtu1024, p)
}

func TestRethMarshalRoundTrip(t *testing.T) {
	r := RETH{VA: address.VirtualAddress(0x2_0200), RKey: 99, Len: 2048}
	buf := make([]byte, rethSize)
	r.marshalTo(buf)
	require.Equal(t, r, parseRETH(buf))
}

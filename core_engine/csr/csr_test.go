package csr

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bluerdma/bluerdmad/core_engine/dma"
)

func TestHardwareVersionIsReadOnly(t *testing.T) {
	s := NewSpace()
	v, err := s.Read(BaseHardwareVersion)
	require.NoError(t, err)
	require.Equal(t, HardwareVersion, v)

	err = s.Write(BaseHardwareVersion, 0)
	require.Error(t, err)
}

func TestDoorbellFiresOnHeadWrite(t *testing.T) {
	s := NewSpace()
	fired := false
	s.CommandRequest.SetDoorbell(func(uint32) { fired = true })

	require.NoError(t, s.Write(BaseCommandRequest+OffsetHead, 1))
	require.True(t, fired)
}

func TestDoorbellDoesNotFireOnTailWrite(t *testing.T) {
	s := NewSpace()
	fired := false
	s.Send.SetDoorbell(func(uint32) { fired = true })

	require.NoError(t, s.Write(BaseSend+OffsetTail, 1))
	require.False(t, fired)
}

func TestSoftResetZeroesAllQueueRegisters(t *testing.T) {
	s := NewSpace()
	require.NoError(t, s.Write(BaseSend+OffsetHead, 5))
	require.NoError(t, s.Write(BaseCommandRequest+OffsetAddrLow, 0x1000))
	require.NoError(t, s.Write(BaseMetaReport+OffsetHead, 3))

	resetCalled := false
	s.SetResetHook(func() { resetCalled = true })
	require.NoError(t, s.Write(BaseSoftReset, 1))
	require.True(t, resetCalled)

	for _, addr := range []uint64{
		BaseSend + OffsetHead,
		BaseCommandRequest + OffsetAddrLow,
		BaseMetaReport + OffsetHead,
	} {
		v, err := s.Read(addr)
		require.NoError(t, err)
		require.Zero(t, v)
	}
}

func TestRingEmptyAfterEqualPushesAndPops(t *testing.T) {
	bank := &QueueBank{}
	bank.SetBaseAddress(0)
	client := dma.NewBufferClient(make([]byte, 4096))
	ring := NewRing(bank, client)

	for i := 0; i < 5; i++ {
		require.True(t, ring.IsEmpty())
		require.NoError(t, ring.Push(make([]byte, ElementSize)))
		require.False(t, ring.IsEmpty())
		ring.CommitPop(1)
		require.True(t, ring.IsEmpty())
	}
}

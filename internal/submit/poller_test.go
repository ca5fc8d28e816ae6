package submit

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/dsaq/internal/desc"
	"github.com/ehrlich-b/dsaq/internal/pool"
)

func TestProcessCompletionsDrainsInFIFOOrderAndStopsAtFirstPending(t *testing.T) {
	g, dev := newTestGate(t, 4, 1, 4)
	dev.failStatus = false

	var completed []int
	ops := make([]*pool.Operation, 0, 3)
	for i := 0; i < 3; i++ {
		idx := i
		op, err := g.Ops.PrepareSingle(func(arg any, s pool.Status) { completed = append(completed, idx) }, nil, 0)
		require.NoError(t, err)
		op.Descriptor.Opcode = desc.OpMemFill
		require.NoError(t, g.submitToHW(op))
		ops = append(ops, op)
	}

	// fakeDevice.WriteDescriptor already marked every completion done;
	// force the newest one back to pending to exercise FIFO-order draining.
	ops[2].Completion.Status = desc.StatusInFlight

	n, err := g.ProcessCompletions(10)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []int{0, 1}, completed)
	require.Equal(t, 1, g.FIFO.Len(), "the still-pending operation stays at the head")
}

func TestProcessCompletionsReportsDeviceError(t *testing.T) {
	g, _ := newTestGate(t, 4, 1, 4)

	var status pool.Status
	op, err := g.Ops.PrepareSingle(func(arg any, s pool.Status) { status = s }, nil, 0)
	require.NoError(t, err)
	op.Descriptor.Opcode = desc.OpMemFill
	op.Completion.MarkFailed()
	g.FIFO.Push(op)

	n, err := g.ProcessCompletions(10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, pool.StatusDeviceError, status)
}

func TestProcessCompletionsReportsIntegrityError(t *testing.T) {
	g, _ := newTestGate(t, 4, 1, 4)

	var status pool.Status
	op, err := g.Ops.PrepareSingle(func(arg any, s pool.Status) { status = s }, nil, 0)
	require.NoError(t, err)
	op.Descriptor.Opcode = desc.OpDIFCheck
	op.Completion.MarkDIFError()
	g.FIFO.Push(op)

	_, err = g.ProcessCompletions(10)
	require.NoError(t, err)
	require.Equal(t, pool.StatusIntegrityError, status)
}

func TestExtractResultInvertsCRC(t *testing.T) {
	g, _ := newTestGate(t, 4, 1, 4)

	var crc uint32
	op, err := g.Ops.PrepareSingle(nil, nil, 0)
	require.NoError(t, err)
	op.Descriptor.Opcode = desc.OpCRCGenerate
	op.CRCDst = &crc
	op.Completion.CRC32C = 0x0000ffff
	op.Completion.MarkDone()
	g.FIFO.Push(op)

	_, err = g.ProcessCompletions(10)
	require.NoError(t, err)
	require.Equal(t, ^uint32(0x0000ffff), crc)
}

func TestExtractResultCopiesCompareAndCompressFields(t *testing.T) {
	g, _ := newTestGate(t, 4, 1, 4)

	var result uint8
	op, err := g.Ops.PrepareSingle(nil, nil, 0)
	require.NoError(t, err)
	op.Descriptor.Opcode = desc.OpCompare
	op.CompareResult = &result
	op.Completion.Result = 1
	op.Completion.MarkDone()
	g.FIFO.Push(op)

	_, err = g.ProcessCompletions(10)
	require.NoError(t, err)
	require.Equal(t, uint8(1), result)

	g2, _ := newTestGate(t, 4, 1, 4)
	var outSize uint32
	op2, err := g2.Ops.PrepareSingle(nil, nil, 0)
	require.NoError(t, err)
	op2.Descriptor.Opcode = desc.OpCompress
	op2.CompressOutSize = &outSize
	op2.Completion.OutputSize = 42
	op2.Completion.MarkDone()
	g2.FIFO.Push(op2)

	_, err = g2.ProcessCompletions(10)
	require.NoError(t, err)
	require.Equal(t, uint32(42), outSize)
}

func TestReleaseFansInToParentOnlyWhenCountReachesZero(t *testing.T) {
	g, _ := newTestGate(t, 4, 1, 4)

	var finalStatus pool.Status
	var calls int
	parent, err := g.Ops.PrepareSingle(func(arg any, s pool.Status) { calls++; finalStatus = s }, nil, 0)
	require.NoError(t, err)
	parent.Count = 2

	childA, err := g.Ops.PrepareSingle(nil, nil, 0)
	require.NoError(t, err)
	childA.Parent = parent
	childA.CBFn = nil
	childA.Completion.MarkDone()

	childB, err := g.Ops.PrepareSingle(nil, nil, 0)
	require.NoError(t, err)
	childB.Parent = parent
	childB.Completion.MarkFailed()

	g.release(childA, pool.StatusOK)
	require.Equal(t, 0, calls, "parent callback must not fire until every child has released")

	g.release(childB, pool.StatusDeviceError)
	require.Equal(t, 1, calls)
	require.Equal(t, pool.StatusDeviceError, finalStatus, "worst status among children wins")
}

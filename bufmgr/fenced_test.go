package bufmgr_test

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/pipebuffer/bufmgr"
	"github.com/vkngwrapper/pipebuffer/fence"
	"github.com/vkngwrapper/pipebuffer/pb"
	mock_pb "github.com/vkngwrapper/pipebuffer/pb/mocks"
	"go.uber.org/mock/gomock"
)

func readyFenced(t *testing.T, provider pb.Manager, options bufmgr.FencedOptions) (*bufmgr.FencedManager, *fence.SeqnoOps) {
	ops := fence.NewSeqnoOps(testLogger())
	mgr, err := bufmgr.NewFencedManager(testLogger(), provider, ops, options)
	require.NoError(t, err)
	return mgr, ops
}

// submit validates bufs for a GPU submission and fences them with a newly emitted fence
func submit(t *testing.T, ops *fence.SeqnoOps, flags pb.Usage, bufs ...pb.Buffer) *fence.SeqnoFence {
	vl := pb.NewValidateList()
	for _, buf := range bufs {
		require.NoError(t, vl.AddBuffer(buf, flags))
	}
	require.NoError(t, vl.Validate())

	f := ops.Emit()
	vl.Fence(f)

	var emitted pb.Fence = f
	ops.Reference(&emitted, nil)
	return f
}

func TestFencedManagerDefersDestruction(t *testing.T) {
	provider := readyMalloc(0)
	mgr, ops := readyFenced(t, provider, bufmgr.FencedOptions{})
	list := mgr.List()

	buf, err := mgr.CreateBuffer(64, pb.Desc{Usage: pb.UsageCPUReadWrite | pb.UsageGPUReadWrite})
	require.NoError(t, err)
	require.Equal(t, 1, list.NumUnfenced())

	f := submit(t, ops, pb.UsageGPUWrite, buf)
	require.Equal(t, 1, list.NumDelayed())
	require.Zero(t, list.NumUnfenced())
	require.Equal(t, 1, ops.Live())
	require.NoError(t, list.Validate())

	pb.Release(buf)
	require.Equal(t, 1, provider.LiveBuffers())

	list.CheckFree(false)
	require.Equal(t, 1, list.NumDelayed())

	ops.Signal(f.Seqno())
	list.CheckFree(false)
	require.Zero(t, list.NumDelayed())
	require.Zero(t, list.NumUnfenced())
	require.Zero(t, provider.LiveBuffers())
	require.Zero(t, ops.Live())

	mgr.Destroy()
}

func TestFencedBufferDestroyAfterSignalReleasesImmediately(t *testing.T) {
	provider := readyMalloc(0)
	mgr, ops := readyFenced(t, provider, bufmgr.FencedOptions{})
	defer mgr.Destroy()

	older, err := mgr.CreateBuffer(64, pb.Desc{})
	require.NoError(t, err)
	newer, err := mgr.CreateBuffer(64, pb.Desc{})
	require.NoError(t, err)

	submit(t, ops, pb.UsageGPURead, older)
	f := submit(t, ops, pb.UsageGPURead, newer)
	ops.Signal(f.Seqno())

	// Destroying the newer buffer also sweeps the signalled buffer in front of it
	pb.Release(newer)
	require.Zero(t, mgr.List().NumDelayed())
	require.Equal(t, 1, mgr.List().NumUnfenced())
	require.Equal(t, 1, provider.LiveBuffers())

	pb.Release(older)
	require.Zero(t, provider.LiveBuffers())
}

func TestFencedBufferListFreesInFenceOrder(t *testing.T) {
	provider := readyMalloc(0)
	mgr, ops := readyFenced(t, provider, bufmgr.FencedOptions{})
	defer mgr.Destroy()

	var bufs []pb.Buffer
	for i := 0; i < 3; i++ {
		buf, err := mgr.CreateBuffer(64, pb.Desc{})
		require.NoError(t, err)
		bufs = append(bufs, buf)
	}

	first := submit(t, ops, pb.UsageGPURead, bufs[0], bufs[1])
	second := submit(t, ops, pb.UsageGPURead, bufs[2])
	for _, buf := range bufs {
		pb.Release(buf)
	}
	require.Equal(t, 3, mgr.List().NumDelayed())

	ops.Signal(first.Seqno())
	mgr.List().CheckFree(false)
	require.Equal(t, 1, mgr.List().NumDelayed())
	require.Equal(t, 1, provider.LiveBuffers())

	ops.Signal(second.Seqno())
	mgr.Flush()
	require.Zero(t, mgr.List().NumDelayed())
	require.Zero(t, provider.LiveBuffers())
}

func TestFencedBufferMapHazards(t *testing.T) {
	mgr, ops := readyFenced(t, readyMalloc(0), bufmgr.FencedOptions{})
	defer mgr.Destroy()

	read, err := mgr.CreateBuffer(64, pb.Desc{})
	require.NoError(t, err)
	defer pb.Release(read)
	written, err := mgr.CreateBuffer(64, pb.Desc{})
	require.NoError(t, err)
	defer pb.Release(written)

	submit(t, ops, pb.UsageGPURead, read)
	f := submit(t, ops, pb.UsageGPUWrite, written)

	// Reading a buffer the GPU only reads never waits
	data, err := read.Map(pb.UsageCPURead | pb.UsageDontBlock)
	require.NoError(t, err)
	require.Len(t, data, 64)
	read.Unmap()

	_, err = read.Map(pb.UsageCPUWrite | pb.UsageDontBlock)
	require.ErrorIs(t, err, pb.ErrRetry)

	_, err = written.Map(pb.UsageCPURead | pb.UsageDontBlock)
	require.ErrorIs(t, err, pb.ErrRetry)
	require.Equal(t, pb.ErrorRetry, pb.ErrorCode(err))

	go func() {
		time.Sleep(10 * time.Millisecond)
		ops.Signal(f.Seqno())
	}()

	// Blocks until the GPU is done writing
	data, err = written.Map(pb.UsageCPURead)
	require.NoError(t, err)
	require.Len(t, data, 64)
	written.Unmap()

	require.Equal(t, 1, mgr.List().NumDelayed())
}

func TestFencedBufferWarnsOnConcurrentCPUWrites(t *testing.T) {
	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&out, nil))

	mgr, err := bufmgr.NewFencedManager(logger, readyMalloc(0), fence.NewSeqnoOps(testLogger()), bufmgr.FencedOptions{})
	require.NoError(t, err)
	defer mgr.Destroy()

	buf, err := mgr.CreateBuffer(64, pb.Desc{Usage: pb.UsageCPUReadWrite})
	require.NoError(t, err)
	defer pb.Release(buf)

	// Overlapping reads are fine
	mapBytes(t, buf, pb.UsageCPURead)
	mapBytes(t, buf, pb.UsageCPURead)
	require.NotContains(t, out.String(), "concurrent CPU writes")
	buf.Unmap()
	buf.Unmap()

	mapBytes(t, buf, pb.UsageCPUWrite)
	require.NotContains(t, out.String(), "concurrent CPU writes")
	mapBytes(t, buf, pb.UsageCPUWrite)
	require.Contains(t, out.String(), "concurrent CPU writes to a mapped buffer")
	require.Contains(t, out.String(), "mapCount=1")
	buf.Unmap()
	buf.Unmap()
}

func TestFencedBufferMapTimesOut(t *testing.T) {
	mgr, ops := readyFenced(t, readyMalloc(0), bufmgr.FencedOptions{FinishTimeout: 5 * time.Millisecond})

	buf, err := mgr.CreateBuffer(64, pb.Desc{})
	require.NoError(t, err)

	f := submit(t, ops, pb.UsageGPUWrite, buf)

	_, err = buf.Map(pb.UsageCPUWrite)
	require.ErrorIs(t, err, pb.ErrRetry)
	require.Equal(t, 1, mgr.List().NumDelayed())

	ops.Signal(f.Seqno())
	pb.Release(buf)
	mgr.Destroy()
	require.Zero(t, ops.Live())
}

func TestFencedBufferValidateAgainstTwoLists(t *testing.T) {
	mgr, ops := readyFenced(t, readyMalloc(0), bufmgr.FencedOptions{})
	defer mgr.Destroy()

	buf, err := mgr.CreateBuffer(64, pb.Desc{})
	require.NoError(t, err)
	defer pb.Release(buf)

	first := pb.NewValidateList()
	second := pb.NewValidateList()
	require.NoError(t, buf.Validate(first, pb.UsageGPURead))
	require.NoError(t, buf.Validate(first, pb.UsageGPURead))

	err = buf.Validate(second, pb.UsageGPURead)
	require.ErrorIs(t, err, pb.ErrRetry)

	require.NoError(t, buf.Validate(nil, 0))
	require.NoError(t, buf.Validate(second, pb.UsageGPUWrite))

	f := ops.Emit()
	buf.Fence(f)
	require.Equal(t, 1, mgr.List().NumDelayed())

	// Fencing with the same fence again changes nothing
	buf.Fence(f)
	require.Equal(t, 1, mgr.List().NumDelayed())

	var emitted pb.Fence = f
	ops.Reference(&emitted, nil)
	ops.Signal(f.Seqno())
}

func TestFencedManagerWaitsForMemory(t *testing.T) {
	provider := readyMalloc(64)
	mgr, ops := readyFenced(t, provider, bufmgr.FencedOptions{})
	defer mgr.Destroy()

	first, err := mgr.CreateBuffer(64, pb.Desc{})
	require.NoError(t, err)
	f := submit(t, ops, pb.UsageGPUWrite, first)
	pb.Release(first)

	go func() {
		time.Sleep(10 * time.Millisecond)
		ops.Signal(f.Seqno())
	}()

	second, err := mgr.CreateBuffer(64, pb.Desc{})
	require.NoError(t, err)
	require.Equal(t, 64, provider.LiveBytes())
	pb.Release(second)
}

func TestFencedManagerDestroyWaitsForFences(t *testing.T) {
	provider := readyMalloc(0)
	mgr, ops := readyFenced(t, provider, bufmgr.FencedOptions{})

	buf, err := mgr.CreateBuffer(64, pb.Desc{})
	require.NoError(t, err)
	f := submit(t, ops, pb.UsageGPUWrite, buf)
	pb.Release(buf)

	go func() {
		time.Sleep(10 * time.Millisecond)
		ops.Signal(f.Seqno())
	}()

	mgr.Destroy()
	require.Zero(t, provider.LiveBuffers())
	require.Zero(t, ops.Live())
}

func TestFencedBufferListChecksEachFenceOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ops := mock_pb.NewMockFenceOps(ctrl)
	ops.EXPECT().Reference(gomock.Any(), gomock.Any()).AnyTimes().Do(func(dst *pb.Fence, src pb.Fence) {
		*dst = src
	})

	list, err := bufmgr.NewFencedBufferList(testLogger(), ops, bufmgr.FencedOptions{})
	require.NoError(t, err)

	var bufs []*bufmgr.FencedBuffer
	for i := 0; i < 3; i++ {
		inner, err := pb.NewMallocBuffer(64, pb.Desc{})
		require.NoError(t, err)
		bufs = append(bufs, list.NewBuffer(inner))
	}

	vl := pb.NewValidateList()
	for _, buf := range bufs {
		require.NoError(t, vl.AddBuffer(buf, pb.UsageGPURead))
	}
	require.NoError(t, vl.Validate())
	vl.Fence("submission-1")
	require.Equal(t, 3, list.NumDelayed())

	ops.EXPECT().Signalled("submission-1", pb.FenceFlags(0)).Return(true).Times(1)
	list.CheckFree(false)
	require.Zero(t, list.NumDelayed())
	require.Equal(t, 3, list.NumUnfenced())

	for _, buf := range bufs {
		pb.Release(buf)
	}
	require.Zero(t, list.NumUnfenced())

	ops.EXPECT().Destroy()
	list.Destroy()
}

func TestFencedBufferListRequiresOps(t *testing.T) {
	_, err := bufmgr.NewFencedBufferList(testLogger(), nil, bufmgr.FencedOptions{})
	require.ErrorIs(t, err, pb.ErrBadInput)

	_, err = bufmgr.NewFencedManager(testLogger(), nil, fence.NewSeqnoOps(testLogger()), bufmgr.FencedOptions{})
	require.ErrorIs(t, err, pb.ErrBadInput)
}

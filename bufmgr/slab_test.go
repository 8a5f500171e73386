package bufmgr_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/pipebuffer/bufmgr"
	"github.com/vkngwrapper/pipebuffer/pb"
	mock_pb "github.com/vkngwrapper/pipebuffer/pb/mocks"
	"go.uber.org/mock/gomock"
)

func readySlab(t *testing.T, provider pb.Manager) *bufmgr.SlabManager {
	mgr, err := bufmgr.NewSlabManager(testLogger(), provider, 64, pb.Desc{Usage: pb.UsageCPUReadWrite}, bufmgr.SlabOptions{
		DesiredBuffers: 4,
		PageSize:       256,
	})
	require.NoError(t, err)
	require.Equal(t, 256, mgr.SlabSize())
	require.Equal(t, 64, mgr.BufferSize())
	return mgr
}

func TestSlabManagerGrowsAndReleasesSlabs(t *testing.T) {
	provider := readyMalloc(0)
	mgr := readySlab(t, provider)

	var bufs []pb.Buffer
	for i := 0; i < 4; i++ {
		buf, err := mgr.CreateBuffer(64, pb.Desc{})
		require.NoError(t, err)
		bufs = append(bufs, buf)
	}
	require.Equal(t, 1, provider.Allocations())

	extra, err := mgr.CreateBuffer(10, pb.Desc{})
	require.NoError(t, err)
	require.Equal(t, 64, extra.Base().Size())
	require.Equal(t, 2, provider.Allocations())
	require.NoError(t, mgr.Validate())

	// A completely free slab is kept while no other slab can serve requests
	pb.Release(extra)
	require.Equal(t, 2, provider.LiveBuffers())

	pb.Release(bufs[0])
	require.Equal(t, 1, provider.LiveBuffers())
	require.NoError(t, mgr.Validate())

	// The freed buffer is reused before a new slab is created
	reused, err := mgr.CreateBuffer(64, pb.Desc{})
	require.NoError(t, err)
	require.Same(t, bufs[0], reused)
	require.Equal(t, 2, provider.Allocations())
	bufs[0] = reused

	for _, buf := range bufs {
		pb.Release(buf)
	}
	require.Equal(t, 1, provider.LiveBuffers())

	mgr.Flush()
	require.Zero(t, provider.LiveBuffers())

	var stats pb.Statistics
	mgr.AddStatistics(&stats)
	require.Equal(t, pb.Statistics{}, stats)

	mgr.Destroy()
}

func TestSlabManagerBufferLayout(t *testing.T) {
	mgr := readySlab(t, readyMalloc(0))
	defer mgr.Destroy()

	a, err := mgr.CreateBuffer(64, pb.Desc{})
	require.NoError(t, err)
	b, err := mgr.CreateBuffer(64, pb.Desc{})
	require.NoError(t, err)

	aBase, aOffset := a.BaseBuffer()
	bBase, bOffset := b.BaseBuffer()
	require.Same(t, aBase, bBase)
	require.Equal(t, 0, aOffset)
	require.Equal(t, 64, bOffset)

	data := mapBytes(t, b, pb.UsageCPUWrite)
	data[0] = 0x77
	b.Unmap()
	require.Equal(t, byte(0x77), physicalBytes(t, b)[0])

	pb.Release(a)
	pb.Release(b)
}

func TestSlabManagerRejectsBadRequests(t *testing.T) {
	mgr := readySlab(t, readyMalloc(0))
	defer mgr.Destroy()

	_, err := mgr.CreateBuffer(65, pb.Desc{})
	require.ErrorIs(t, err, pb.ErrBadInput)

	_, err = mgr.CreateBuffer(0, pb.Desc{})
	require.ErrorIs(t, err, pb.ErrBadInput)

	_, err = mgr.CreateBuffer(64, pb.Desc{Usage: pb.UsageGPUWrite})
	require.ErrorIs(t, err, pb.ErrBadInput)

	_, err = mgr.CreateBuffer(64, pb.Desc{Alignment: 3})
	require.ErrorIs(t, err, pb.ErrBadInput)

	_, err = bufmgr.NewSlabManager(testLogger(), readyMalloc(0), 0, pb.Desc{}, bufmgr.SlabOptions{})
	require.ErrorIs(t, err, pb.ErrBadInput)

	_, err = bufmgr.NewSlabManager(testLogger(), readyMalloc(0), 96, pb.Desc{Alignment: 6}, bufmgr.SlabOptions{})
	require.ErrorIs(t, err, pb.ErrBadInput)
}

func TestSlabManagerRetriesSlabCreation(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	slabBacking, err := pb.NewMallocBuffer(256, pb.Desc{})
	require.NoError(t, err)

	provider := mock_pb.NewMockManager(ctrl)
	gomock.InOrder(
		provider.EXPECT().CreateBuffer(256, gomock.Any()).Return(nil, pb.ErrOutOfMemory).Times(2),
		provider.EXPECT().CreateBuffer(256, gomock.Any()).Return(slabBacking, nil),
	)

	mgr, err := bufmgr.NewSlabManager(testLogger(), provider, 64, pb.Desc{}, bufmgr.SlabOptions{
		DesiredBuffers: 4,
		PageSize:       256,
		RetryDelay:     time.Microsecond,
	})
	require.NoError(t, err)

	buf, err := mgr.CreateBuffer(64, pb.Desc{})
	require.NoError(t, err)
	pb.Release(buf)

	provider.EXPECT().Flush()
	mgr.Flush()
	require.Zero(t, slabBacking.References())

	provider.EXPECT().Destroy()
	mgr.Destroy()
}

func TestSlabManagerGivesUpAfterRetries(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	provider := mock_pb.NewMockManager(ctrl)
	provider.EXPECT().CreateBuffer(256, gomock.Any()).Return(nil, pb.ErrOutOfMemory)

	mgr, err := bufmgr.NewSlabManager(testLogger(), provider, 64, pb.Desc{}, bufmgr.SlabOptions{
		DesiredBuffers:    4,
		PageSize:          256,
		SlabCreateRetries: -1,
	})
	require.NoError(t, err)

	_, err = mgr.CreateBuffer(64, pb.Desc{})
	require.ErrorIs(t, err, pb.ErrOutOfMemory)

	provider.EXPECT().Destroy()
	mgr.Destroy()
}

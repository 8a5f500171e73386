package pb_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/pipebuffer/pb"
	mock_pb "github.com/vkngwrapper/pipebuffer/pb/mocks"
	"go.uber.org/mock/gomock"
)

func newHostBuffer(t *testing.T, size int) *pb.MallocBuffer {
	buf, err := pb.NewMallocBuffer(size, pb.Desc{Alignment: 16, Usage: pb.UsageGPUReadWrite})
	require.NoError(t, err)
	return buf
}

func TestValidateListMergesConsecutiveDuplicates(t *testing.T) {
	a := newHostBuffer(t, 64)
	b := newHostBuffer(t, 64)

	vl := pb.NewValidateList()
	require.NoError(t, vl.AddBuffer(a, pb.UsageGPURead))
	require.NoError(t, vl.AddBuffer(a, pb.UsageGPUWrite))
	require.NoError(t, vl.AddBuffer(b, pb.UsageGPURead))
	require.Equal(t, 2, vl.Len())
	require.Equal(t, int32(2), a.References())
	require.Equal(t, int32(2), b.References())

	vl.Fence(nil)
	require.Equal(t, 0, vl.Len())
	require.Equal(t, int32(1), a.References())
	require.Equal(t, int32(1), b.References())
}

func TestValidateListKeepsNonConsecutiveDuplicates(t *testing.T) {
	a := newHostBuffer(t, 64)
	b := newHostBuffer(t, 64)

	vl := pb.NewValidateList()
	require.NoError(t, vl.AddBuffer(a, pb.UsageGPURead))
	require.NoError(t, vl.AddBuffer(b, pb.UsageGPURead))
	require.NoError(t, vl.AddBuffer(a, pb.UsageGPURead))
	require.Equal(t, 3, vl.Len())
	require.Equal(t, int32(3), a.References())

	var visited []pb.Buffer
	err := vl.Foreach(func(buf pb.Buffer) error {
		visited = append(visited, buf)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []pb.Buffer{a, b, a}, visited)

	vl.Destroy()
	require.Equal(t, int32(1), a.References())
	require.Equal(t, int32(1), b.References())
}

func TestValidateListRejectsBadInput(t *testing.T) {
	a := newHostBuffer(t, 64)
	vl := pb.NewValidateList()

	err := vl.AddBuffer(nil, pb.UsageGPURead)
	require.ErrorIs(t, err, pb.ErrBadInput)

	err = vl.AddBuffer(a, pb.UsageCPURead)
	require.ErrorIs(t, err, pb.ErrBadInput)

	err = vl.AddBuffer(a, pb.UsageGPURead|pb.UsageCPUWrite)
	require.ErrorIs(t, err, pb.ErrBadInput)
	require.Equal(t, pb.ErrorBadInput, pb.ErrorCode(err))

	require.Equal(t, 0, vl.Len())
	require.Equal(t, int32(1), a.References())
}

func TestValidateListGrowsPastInitialCapacity(t *testing.T) {
	vl := pb.NewValidateList()
	buffers := make([]*pb.MallocBuffer, 0, 9)
	for i := 0; i < 9; i++ {
		buf := newHostBuffer(t, 16)
		buffers = append(buffers, buf)
		require.NoError(t, vl.AddBuffer(buf, pb.UsageGPURead))
	}
	require.Equal(t, 9, vl.Len())

	require.NoError(t, vl.Validate())
	vl.Fence(nil)

	for _, buf := range buffers {
		require.Equal(t, int32(1), buf.References())
	}
}

func mockBuffer(ctrl *gomock.Controller) *mock_pb.MockBuffer {
	base := &pb.BufferBase{}
	base.Init(64, 0, pb.UsageGPUReadWrite)

	buf := mock_pb.NewMockBuffer(ctrl)
	buf.EXPECT().Base().Return(base).AnyTimes()
	return buf
}

func TestValidateListRollsBackOnFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	first := mockBuffer(ctrl)
	second := mockBuffer(ctrl)
	third := mockBuffer(ctrl)

	vl := pb.NewValidateList()
	require.NoError(t, vl.AddBuffer(first, pb.UsageGPURead))
	require.NoError(t, vl.AddBuffer(second, pb.UsageGPUWrite))
	require.NoError(t, vl.AddBuffer(third, pb.UsageGPURead))

	gomock.InOrder(
		first.EXPECT().Validate(vl, pb.UsageGPURead).Return(nil),
		second.EXPECT().Validate(vl, pb.UsageGPUWrite).Return(pb.ErrRetry),
		first.EXPECT().Validate(nil, pb.Usage(0)).Return(nil),
	)

	err := vl.Validate()
	require.ErrorIs(t, err, pb.ErrRetry)

	// Dropping the list's references leaves each mock with the reference from mockBuffer
	vl.Destroy()
	require.Equal(t, int32(1), first.Base().References())
}

func TestValidateListFencesEveryEntry(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	first := mockBuffer(ctrl)
	second := mockBuffer(ctrl)

	vl := pb.NewValidateList()
	require.NoError(t, vl.AddBuffer(first, pb.UsageGPURead))
	require.NoError(t, vl.AddBuffer(second, pb.UsageGPURead))

	fence := pb.Fence("submission")
	first.EXPECT().Fence(fence)
	second.EXPECT().Fence(fence)

	vl.Fence(fence)
	require.Equal(t, 0, vl.Len())
	require.Equal(t, int32(1), first.Base().References())
	require.Equal(t, int32(1), second.Base().References())
}

package bufmgr_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/pipebuffer/bufmgr"
	"github.com/vkngwrapper/pipebuffer/pb"
	mock_pb "github.com/vkngwrapper/pipebuffer/pb/mocks"
	"go.uber.org/mock/gomock"
)

func TestAltManagerFallsBack(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	primary := mock_pb.NewMockManager(ctrl)
	secondary := mock_pb.NewMockManager(ctrl)

	mgr, err := bufmgr.NewAltManager(primary, secondary)
	require.NoError(t, err)

	fromPrimary, err := pb.NewMallocBuffer(64, pb.Desc{})
	require.NoError(t, err)
	primary.EXPECT().CreateBuffer(64, pb.Desc{}).Return(fromPrimary, nil)

	buf, err := mgr.CreateBuffer(64, pb.Desc{})
	require.NoError(t, err)
	require.Same(t, fromPrimary, buf)

	fromSecondary, err := pb.NewMallocBuffer(128, pb.Desc{})
	require.NoError(t, err)
	primary.EXPECT().CreateBuffer(128, pb.Desc{}).Return(nil, pb.ErrOutOfMemory)
	secondary.EXPECT().CreateBuffer(128, pb.Desc{}).Return(fromSecondary, nil)

	buf, err = mgr.CreateBuffer(128, pb.Desc{})
	require.NoError(t, err)
	require.Same(t, fromSecondary, buf)

	primary.EXPECT().CreateBuffer(256, pb.Desc{}).Return(nil, pb.ErrOutOfMemory)
	secondary.EXPECT().CreateBuffer(256, pb.Desc{}).Return(nil, pb.ErrBadInput)

	_, err = mgr.CreateBuffer(256, pb.Desc{})
	require.ErrorIs(t, err, pb.ErrBadInput)

	primary.EXPECT().Flush()
	secondary.EXPECT().Flush()
	mgr.Flush()

	primary.EXPECT().Destroy()
	secondary.EXPECT().Destroy()
	mgr.Destroy()
}

func TestAltManagerRequiresBothProviders(t *testing.T) {
	_, err := bufmgr.NewAltManager(readyMalloc(0), nil)
	require.ErrorIs(t, err, pb.ErrBadInput)
}

package bufmgr_test

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/pipebuffer/bufmgr"
	"github.com/vkngwrapper/pipebuffer/pb"
)

func readyDebug(t *testing.T, provider pb.Manager) (*bufmgr.DebugManager, *bytes.Buffer) {
	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&out, nil))

	mgr := bufmgr.NewDebugManager(logger, provider, bufmgr.DebugOptions{
		Enabled:       true,
		UnderflowSize: 64,
		OverflowSize:  64,
	})
	debugMgr, ok := mgr.(*bufmgr.DebugManager)
	require.True(t, ok)
	return debugMgr, &out
}

func TestDebugManagerDisabledReturnsProvider(t *testing.T) {
	if pb.DebugEnabled {
		t.Skip("guard bands are always on in debug builds")
	}

	provider := readyMalloc(0)
	mgr := bufmgr.NewDebugManager(testLogger(), provider, bufmgr.DebugOptions{})
	require.Same(t, provider, mgr)
}

func TestDebugManagerRejectsNonPowerOfTwoAlignment(t *testing.T) {
	provider := readyMalloc(0)
	mgr, _ := readyDebug(t, provider)
	defer mgr.Destroy()

	_, err := mgr.CreateBuffer(64, pb.Desc{Alignment: 3})
	require.ErrorIs(t, err, pb.ErrBadInput)
	require.Zero(t, mgr.NumLive())
	require.Zero(t, provider.Allocations())
}

func TestDebugManagerPadsBuffers(t *testing.T) {
	provider := readyMalloc(0)
	mgr, out := readyDebug(t, provider)

	buf, err := mgr.CreateBuffer(100, pb.Desc{Alignment: 16, Usage: pb.UsageGPURead})
	require.NoError(t, err)
	require.Equal(t, 100, buf.Base().Size())
	require.Equal(t, pb.UsageGPURead, buf.Base().Usage())
	require.Equal(t, 1, mgr.NumLive())
	require.Equal(t, 228, provider.LiveBytes())

	_, offset := buf.BaseBuffer()
	require.Equal(t, 64, offset)

	data := mapBytes(t, buf, pb.UsageCPUWrite)
	require.Equal(t, 100, cap(data))
	for i := range data {
		data[i] = 0xff
	}
	buf.Unmap()

	pb.Release(buf)
	require.Zero(t, mgr.NumLive())
	require.Zero(t, provider.LiveBuffers())
	require.NotContains(t, out.String(), "BUFFER CORRUPTION")

	mgr.Destroy()
}

func TestDebugManagerUnderflowAlignedToRequest(t *testing.T) {
	mgr, _ := readyDebug(t, readyMalloc(0))
	defer mgr.Destroy()

	buf, err := mgr.CreateBuffer(16, pb.Desc{Alignment: 256})
	require.NoError(t, err)
	defer pb.Release(buf)

	_, offset := buf.BaseBuffer()
	require.Equal(t, 256, offset)
}

func TestDebugManagerDetectsCorruption(t *testing.T) {
	if pb.DebugEnabled {
		t.Skip("guard band corruption panics in debug builds")
	}

	mgr, out := readyDebug(t, readyMalloc(0))
	defer mgr.Destroy()

	buf, err := mgr.CreateBuffer(100, pb.Desc{})
	require.NoError(t, err)
	defer pb.Release(buf)

	base, offset := buf.BaseBuffer()
	raw, err := base.Map(pb.UsageCPUWrite)
	require.NoError(t, err)
	raw[offset-1] ^= 0xff
	raw[offset+100] ^= 0xff
	raw[offset+103] ^= 0xff
	base.Unmap()

	_, err = buf.Map(pb.UsageCPURead)
	require.NoError(t, err)

	logged := out.String()
	require.Contains(t, logged, "buffer underflow detected")
	require.Contains(t, logged, "fromOffset=-1")
	require.Contains(t, logged, "buffer overflow detected")
	require.Contains(t, logged, "fromOffset=100 toOffset=103")
	require.Contains(t, logged, "createStack=")

	// The guard bands are repaired after reporting
	buf.Unmap()
	require.Equal(t, 2, strings.Count(out.String(), "BUFFER CORRUPTION"))
}

func TestDebugManagerWarnsOnMappedValidate(t *testing.T) {
	mgr, out := readyDebug(t, readyMalloc(0))
	defer mgr.Destroy()

	buf, err := mgr.CreateBuffer(32, pb.Desc{})
	require.NoError(t, err)
	defer pb.Release(buf)

	mapBytes(t, buf, pb.UsageCPURead)
	require.NoError(t, buf.Validate(pb.NewValidateList(), pb.UsageGPURead))
	buf.Unmap()

	require.Contains(t, out.String(), "validating a mapped buffer")
}

func TestDebugManagerReportsLeaks(t *testing.T) {
	mgr, out := readyDebug(t, readyMalloc(0))

	_, err := mgr.CreateBuffer(32, pb.Desc{})
	require.NoError(t, err)

	mgr.Destroy()
	require.Contains(t, out.String(), "[UNRELEASED BUFFER] debug manager destroyed with live buffer")
}

func TestDebugManagerDefaultBands(t *testing.T) {
	mgr := bufmgr.NewDebugManager(testLogger(), readyMalloc(0), bufmgr.DebugOptions{Enabled: true})
	debugMgr := mgr.(*bufmgr.DebugManager)
	defer debugMgr.Destroy()

	require.Equal(t, `{"UnderflowSize":4096,"OverflowSize":4096,"LiveBuffers":0}`, debugMgr.BuildStatsString())
}

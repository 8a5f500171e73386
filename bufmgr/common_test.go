package bufmgr_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/pipebuffer/pb"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func readyMalloc(limit int) *pb.MallocManager {
	return pb.NewMallocManager(testLogger(), pb.MallocOptions{Limit: limit})
}

func mapBytes(t *testing.T, buf pb.Buffer, flags pb.Usage) []byte {
	data, err := buf.Map(flags)
	require.NoError(t, err)
	require.Len(t, data, buf.Base().Size())
	return data
}

// physicalBytes returns the region of buf's physical base buffer that backs buf
func physicalBytes(t *testing.T, buf pb.Buffer) []byte {
	base, offset := pb.ResolveBase(buf)
	data, err := base.Map(pb.UsageCPUReadWrite)
	require.NoError(t, err)
	base.Unmap()
	return data[offset : offset+buf.Base().Size()]
}

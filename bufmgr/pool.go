package bufmgr

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/pipebuffer/internal/utils"
	"github.com/vkngwrapper/pipebuffer/pb"
)

// PoolOptions contains optional settings for a PoolManager
type PoolOptions struct {
	Flags CreateFlags
}

// PoolManager hands out a fixed number of equally sized buffers carved from one backing buffer.
// Freed buffers are reused most-recently-freed first.
type PoolManager struct {
	logger *slog.Logger
	mutex  utils.OptionalMutex

	buffer  pb.Buffer
	mapped  []byte
	desc    pb.Desc
	bufSize int

	buffers []*poolBuffer
	free    []*poolBuffer
}

var _ pb.Manager = &PoolManager{}

type poolBuffer struct {
	pb.BufferBase

	mgr   *PoolManager
	start int
}

var _ pb.Buffer = &poolBuffer{}

func (b *poolBuffer) Map(flags pb.Usage) ([]byte, error) {
	end := b.start + b.Size()
	return b.mgr.mapped[b.start:end:end], nil
}

func (b *poolBuffer) Unmap() {}

func (b *poolBuffer) Validate(vl *pb.ValidateList, flags pb.Usage) error {
	return b.mgr.buffer.Validate(vl, flags)
}

func (b *poolBuffer) Fence(fence pb.Fence) {
	b.mgr.buffer.Fence(fence)
}

func (b *poolBuffer) BaseBuffer() (pb.Buffer, int) {
	base, offset := b.mgr.buffer.BaseBuffer()
	return base, offset + b.start
}

func (b *poolBuffer) Destroy() {
	b.mgr.mutex.Lock()
	defer b.mgr.mutex.Unlock()

	b.mgr.free = append(b.mgr.free, b)
}

// NewPoolManager creates a backing buffer of numBufs*bufSize bytes from provider, satisfying desc,
// and splits it into numBufs buffers. The provider is only used for the backing buffer: it is not
// owned by the manager.
func NewPoolManager(logger *slog.Logger, provider pb.Manager, numBufs int, bufSize int, desc pb.Desc, options PoolOptions) (*PoolManager, error) {
	if provider == nil {
		return nil, errors.Wrap(pb.ErrBadInput, "pool manager requires a provider")
	}
	if numBufs <= 0 || bufSize <= 0 {
		return nil, errors.Wrapf(pb.ErrBadInput, "invalid pool of %d buffers of size %d", numBufs, bufSize)
	}
	if err := pb.CheckDesc(desc); err != nil {
		return nil, err
	}

	buffer, err := provider.CreateBuffer(numBufs*bufSize, desc)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create the pool's backing buffer")
	}

	mapped, err := buffer.Map(pb.UsageCPUReadWrite)
	if err != nil {
		pb.Release(buffer)
		return nil, errors.Wrap(err, "failed to map the pool's backing buffer")
	}

	mgr := &PoolManager{
		logger:  defaultLogger(logger),
		mutex:   utils.OptionalMutex{UseMutex: options.Flags.useMutex()},
		buffer:  buffer,
		mapped:  mapped,
		desc:    desc,
		bufSize: bufSize,
		buffers: make([]*poolBuffer, numBufs),
		free:    make([]*poolBuffer, 0, numBufs),
	}

	// Push in reverse so the first buffer created is the one at the start of the pool
	for i := numBufs - 1; i >= 0; i-- {
		buf := &poolBuffer{
			mgr:   mgr,
			start: i * bufSize,
		}
		buf.Init(bufSize, desc.Alignment, desc.Usage)
		buf.InitReference(0)

		mgr.buffers[i] = buf
		mgr.free = append(mgr.free, buf)
	}

	return mgr, nil
}

func (m *PoolManager) CreateBuffer(size int, desc pb.Desc) (pb.Buffer, error) {
	if size <= 0 || size > m.bufSize {
		return nil, errors.Wrapf(pb.ErrBadInput, "requested size %d does not fit in the pool's buffer size %d", size, m.bufSize)
	}
	if err := pb.CheckDesc(desc); err != nil {
		return nil, err
	}
	if !pb.CheckAlignment(desc.Alignment, m.desc.Alignment) || (desc.Alignment > 0 && m.bufSize%int(desc.Alignment) != 0) {
		return nil, errors.Wrapf(pb.ErrBadInput, "requested alignment %d cannot be provided by the pool", desc.Alignment)
	}
	if !pb.CheckUsage(desc.Usage, m.desc.Usage) {
		return nil, errors.Wrapf(pb.ErrBadInput, "requested usage %s cannot be provided by a pool with usage %s", desc.Usage, m.desc.Usage)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if len(m.free) == 0 {
		return nil, errors.Wrapf(pb.ErrOutOfMemory, "all %d buffers of the pool are in use", len(m.buffers))
	}

	buf := m.free[len(m.free)-1]
	m.free[len(m.free)-1] = nil
	m.free = m.free[:len(m.free)-1]

	buf.InitReference(1)
	buf.SetAlignment(desc.Alignment)
	buf.SetUsage(desc.Usage)

	return buf, nil
}

// NumFree returns the number of buffers available to CreateBuffer
func (m *PoolManager) NumFree() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return len(m.free)
}

func (m *PoolManager) Flush() {}

func (m *PoolManager) Destroy() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if len(m.free) != len(m.buffers) {
		m.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED BUFFER] pool manager destroyed with live buffers",
			slog.Int("buffers", len(m.buffers)-len(m.free)),
			slog.Int("bufferSize", m.bufSize),
		)
	}

	m.buffer.Unmap()
	pb.Release(m.buffer)
	m.buffer = nil
	m.mapped = nil
	m.free = nil
}

func (m *PoolManager) AddStatistics(stats *pb.Statistics) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	used := len(m.buffers) - len(m.free)
	stats.BlockCount++
	stats.BlockBytes += m.buffer.Base().Size()
	stats.AllocationCount += used
	stats.AllocationBytes += used * m.bufSize
}

func (m *PoolManager) PrintDetailedMap(json *jwriter.ObjectState) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	json.Name("BufferSize").Int(m.bufSize)
	json.Name("TotalBuffers").Int(len(m.buffers))
	json.Name("FreeBuffers").Int(len(m.free))
	json.Name("Usage").String(m.desc.Usage.String())
}

// BuildStatsString returns the manager's detailed map as a JSON document
func (m *PoolManager) BuildStatsString() string {
	return buildStatsString(m)
}

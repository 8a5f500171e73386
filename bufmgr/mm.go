package bufmgr

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/pipebuffer/internal/utils"
	"github.com/vkngwrapper/pipebuffer/mm"
	"github.com/vkngwrapper/pipebuffer/pb"
)

// MMOptions contains optional settings for an MMManager
type MMOptions struct {
	Flags CreateFlags
}

// MMManager sub-allocates buffers out of a single large buffer with a first-fit heap. The backing
// buffer is mapped once and stays mapped for the manager's lifetime, so mapping a sub-buffer is
// only a slice of that mapping.
type MMManager struct {
	logger *slog.Logger
	mutex  utils.OptionalMutex

	buffer pb.Buffer
	mapped []byte
	size   int
	align2 int

	heap *mm.Heap
}

var _ pb.Manager = &MMManager{}

type mmBuffer struct {
	pb.BufferBase

	mgr   *MMManager
	block *mm.Block
}

var _ pb.Buffer = &mmBuffer{}

func (b *mmBuffer) Map(flags pb.Usage) ([]byte, error) {
	start := b.block.Offset()
	end := start + b.Size()
	return b.mgr.mapped[start:end:end], nil
}

func (b *mmBuffer) Unmap() {}

func (b *mmBuffer) Validate(vl *pb.ValidateList, flags pb.Usage) error {
	return b.mgr.buffer.Validate(vl, flags)
}

func (b *mmBuffer) Fence(fence pb.Fence) {
	b.mgr.buffer.Fence(fence)
}

func (b *mmBuffer) BaseBuffer() (pb.Buffer, int) {
	base, offset := b.mgr.buffer.BaseBuffer()
	return base, offset + b.block.Offset()
}

func (b *mmBuffer) Destroy() {
	b.mgr.mutex.Lock()
	defer b.mgr.mutex.Unlock()

	err := b.mgr.heap.FreeMem(b.block)
	if err != nil {
		b.mgr.logger.LogAttrs(context.Background(), slog.LevelError, "failed to free heap block",
			slog.Int("offset", b.block.Offset()),
			slog.Int("size", b.block.Size()),
			slog.Any("error", err),
		)
	}
	b.block = nil
}

// NewMMManagerFromBuffer creates a manager that carves buffers out of the first size bytes of
// buffer. Every buffer the manager creates is aligned to 1<<align2. The manager takes ownership of
// buffer's reference and releases it when the manager is destroyed.
func NewMMManagerFromBuffer(logger *slog.Logger, buffer pb.Buffer, size int, align2 int, options MMOptions) (*MMManager, error) {
	if buffer == nil {
		return nil, errors.Wrap(pb.ErrBadInput, "mm manager requires a backing buffer")
	}
	if size <= 0 || size > buffer.Base().Size() {
		return nil, errors.Wrapf(pb.ErrBadInput, "heap size %d does not fit in a backing buffer of size %d", size, buffer.Base().Size())
	}
	if align2 < 0 || align2 > mm.MaxAlign2 {
		return nil, errors.Wrapf(pb.ErrBadInput, "alignment exponent %d is out of range", align2)
	}

	mapped, err := buffer.Map(pb.UsageCPUReadWrite)
	if err != nil {
		return nil, errors.Wrap(err, "failed to map the mm manager's backing buffer")
	}

	heap, err := mm.Init(0, size)
	if err != nil {
		buffer.Unmap()
		return nil, errors.Wrap(err, "failed to create the mm manager's heap")
	}

	return &MMManager{
		logger: defaultLogger(logger),
		mutex:  utils.OptionalMutex{UseMutex: options.Flags.useMutex()},
		buffer: buffer,
		mapped: mapped[:size:size],
		size:   size,
		align2: align2,
		heap:   heap,
	}, nil
}

// NewMMManager creates a backing buffer of size bytes from provider and builds an MMManager on it.
// The provider is only used for the backing buffer: it is not owned by the manager.
func NewMMManager(logger *slog.Logger, provider pb.Manager, size int, align2 int, options MMOptions) (*MMManager, error) {
	if provider == nil {
		return nil, errors.Wrap(pb.ErrBadInput, "mm manager requires a provider")
	}
	if align2 < 0 || align2 > mm.MaxAlign2 {
		return nil, errors.Wrapf(pb.ErrBadInput, "alignment exponent %d is out of range", align2)
	}

	buffer, err := provider.CreateBuffer(size, pb.Desc{Alignment: uint(1) << align2})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create the mm manager's backing buffer")
	}

	mgr, err := NewMMManagerFromBuffer(logger, buffer, size, align2, options)
	if err != nil {
		pb.Release(buffer)
		return nil, err
	}

	return mgr, nil
}

func (m *MMManager) CreateBuffer(size int, desc pb.Desc) (pb.Buffer, error) {
	if size <= 0 {
		return nil, errors.Wrapf(pb.ErrBadInput, "invalid buffer size %d", size)
	}
	if err := pb.CheckDesc(desc); err != nil {
		return nil, err
	}
	if !pb.CheckAlignment(desc.Alignment, uint(1)<<m.align2) {
		return nil, errors.Wrapf(pb.ErrBadInput, "requested alignment %d cannot be provided by a heap aligned to %d", desc.Alignment, 1<<m.align2)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	block := m.heap.AllocMem(size, m.align2, 0)
	if block == nil {
		m.logger.LogAttrs(context.Background(), slog.LevelDebug, "mm heap exhausted",
			slog.Int("requestedSize", size),
			slog.Int("freeBytes", m.heap.FreeBytes()),
		)
		return nil, errors.Wrapf(pb.ErrOutOfMemory, "no block of %d bytes available in the heap", size)
	}

	buf := &mmBuffer{
		mgr:   m,
		block: block,
	}
	buf.Init(size, desc.Alignment, desc.Usage)

	return buf, nil
}

func (m *MMManager) Flush() {}

func (m *MMManager) Destroy() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if !m.heap.IsEmpty() {
		m.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED BUFFER] mm manager destroyed with live buffers",
			slog.Int("buffers", m.heap.AllocationCount()),
			slog.Int("bytes", m.size-m.heap.FreeBytes()),
		)
		m.heap.Dump(m.logger)
	}

	m.heap.Destroy()
	m.buffer.Unmap()
	pb.Release(m.buffer)
	m.buffer = nil
	m.mapped = nil
}

func (m *MMManager) AddStatistics(stats *pb.Statistics) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.heap.AddStatistics(stats)
}

func (m *MMManager) AddDetailedStatistics(stats *pb.DetailedStatistics) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.heap.AddDetailedStatistics(stats)
}

func (m *MMManager) PrintDetailedMap(json *jwriter.ObjectState) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	json.Name("Alignment").Int(1 << m.align2)
	heapObj := json.Name("Heap").Object()
	m.heap.PrintDetailedMap(&heapObj)
	heapObj.End()
}

// BuildStatsString returns the manager's detailed map as a JSON document
func (m *MMManager) BuildStatsString() string {
	return buildStatsString(m)
}

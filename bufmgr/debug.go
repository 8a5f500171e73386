package bufmgr

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/pipebuffer/internal/utils"
	"github.com/vkngwrapper/pipebuffer/pb"
)

// DefaultDebugBandSize is the size of each guard band when DebugOptions leaves it at 0
const DefaultDebugBandSize = 4096

// DebugOptions contains optional settings for a DebugManager
type DebugOptions struct {
	Flags CreateFlags
	// Enabled turns on guard bands. When false, NewDebugManager returns the provider unchanged
	// unless the module is built with the debug_pipebuffer tag.
	Enabled bool
	// UnderflowSize is the size of the guard band before each buffer. It is rounded up to the
	// alignment of each request. Defaults to DefaultDebugBandSize when 0, and disables the band
	// when negative.
	UnderflowSize int
	// OverflowSize is the minimum size of the guard band after each buffer. Defaults to
	// DefaultDebugBandSize when 0, and disables the band when negative.
	OverflowSize int
}

func bandSize(size int) int {
	if size == 0 {
		return DefaultDebugBandSize
	}
	return max(size, 0)
}

var guardPattern = [32]byte{
	0xaf, 0xcf, 0xa5, 0xa2, 0xc2, 0x63, 0x15, 0x1a,
	0x7e, 0xe2, 0x7e, 0x84, 0x15, 0x49, 0xa2, 0x1e,
	0x49, 0x63, 0xf5, 0x52, 0x74, 0x66, 0x9e, 0xc4,
	0x6d, 0xcf, 0x2c, 0x4a, 0x74, 0xe6, 0xfd, 0x94,
}

func fillGuard(band []byte) {
	for i := range band {
		band[i] = guardPattern[i%len(guardPattern)]
	}
}

// findCorruption returns the first and last offsets in band that do not hold the guard pattern
func findCorruption(band []byte) (first int, last int, corrupt bool) {
	first = -1
	for i, b := range band {
		if b != guardPattern[i%len(guardPattern)] {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	return first, last, first >= 0
}

// DebugManager surrounds every buffer with guard bands filled with a known pattern and checks them
// whenever the buffer is mapped, unmapped, validated or destroyed
type DebugManager struct {
	logger *slog.Logger
	mutex  utils.OptionalMutex

	provider      pb.Manager
	underflowSize int
	overflowSize  int

	nextID uint64
	live   *swiss.Map[uint64, *debugBuffer]
}

var _ pb.Manager = &DebugManager{}

type debugBuffer struct {
	pb.BufferBase

	mgr    *DebugManager
	id     uint64
	buffer pb.Buffer

	underflowSize int
	overflowSize  int
	createStack   error

	mutex    utils.OptionalMutex
	mapCount int
}

var _ pb.Buffer = &debugBuffer{}

// NewDebugManager wraps provider with guard band checks. When options.Enabled is false and
// pb.DebugEnabled is not set the provider is returned as is. The manager owns provider and
// destroys it when it is destroyed.
func NewDebugManager(logger *slog.Logger, provider pb.Manager, options DebugOptions) pb.Manager {
	if !options.Enabled && !pb.DebugEnabled {
		return provider
	}

	return &DebugManager{
		logger:        defaultLogger(logger),
		mutex:         utils.OptionalMutex{UseMutex: options.Flags.useMutex()},
		provider:      provider,
		underflowSize: bandSize(options.UnderflowSize),
		overflowSize:  bandSize(options.OverflowSize),
		live:          swiss.NewMap[uint64, *debugBuffer](42),
	}
}

func (m *DebugManager) CreateBuffer(size int, desc pb.Desc) (pb.Buffer, error) {
	if size <= 0 {
		return nil, errors.Wrapf(pb.ErrBadInput, "invalid buffer size %d", size)
	}
	if err := pb.CheckDesc(desc); err != nil {
		return nil, err
	}

	underflowSize := pb.AlignUp(m.underflowSize, int(desc.Alignment))

	realDesc := desc
	realDesc.Usage |= pb.UsageCPUReadWrite

	inner, err := m.provider.CreateBuffer(underflowSize+size+m.overflowSize, realDesc)
	if err != nil {
		return nil, errors.Wrap(err, "debug manager's provider failed to create a buffer")
	}

	buf := &debugBuffer{
		mgr:           m,
		buffer:        inner,
		underflowSize: underflowSize,
		overflowSize:  inner.Base().Size() - underflowSize - size,
		createStack:   errors.NewWithDepth(1, "buffer created"),
		mutex:         utils.OptionalMutex{UseMutex: m.mutex.UseMutex},
	}
	buf.Init(size, desc.Alignment, desc.Usage)

	data, unmap, err := buf.mapPhysical()
	if err != nil {
		pb.Release(inner)
		return nil, errors.Wrap(err, "failed to map buffer to fill its guard bands")
	}
	fillGuard(data[:buf.underflowSize])
	fillGuard(data[buf.underflowSize+size:])
	unmap()

	m.mutex.Lock()
	m.nextID++
	buf.id = m.nextID
	m.live.Put(buf.id, buf)
	m.mutex.Unlock()

	return buf, nil
}

// NumLive returns the number of buffers created by the manager that have not been destroyed
func (m *DebugManager) NumLive() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.live.Count()
}

func (m *DebugManager) Flush() {
	m.provider.Flush()
}

func (m *DebugManager) Destroy() {
	m.mutex.Lock()
	if m.live.Count() > 0 {
		m.live.Iter(func(id uint64, buf *debugBuffer) bool {
			m.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED BUFFER] debug manager destroyed with live buffer",
				slog.Uint64("id", id),
				slog.Int("size", buf.Size()),
				slog.String("createStack", fmt.Sprintf("%+v", buf.createStack)),
			)
			return false
		})
	}
	m.mutex.Unlock()

	m.provider.Destroy()
}

func (m *DebugManager) PrintDetailedMap(json *jwriter.ObjectState) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	json.Name("UnderflowSize").Int(m.underflowSize)
	json.Name("OverflowSize").Int(m.overflowSize)
	json.Name("LiveBuffers").Int(m.live.Count())
}

// BuildStatsString returns the manager's detailed map as a JSON document
func (m *DebugManager) BuildStatsString() string {
	return buildStatsString(m)
}

// mapPhysical maps the inner buffer's range of its physical base buffer. Decorators such as the
// fenced buffer would wait on the GPU in Map, while the guard bands are never touched by the GPU.
func (b *debugBuffer) mapPhysical() ([]byte, func(), error) {
	base, offset := pb.ResolveBase(b.buffer)
	data, err := base.Map(pb.UsageCPUReadWrite)
	if err != nil {
		return nil, nil, err
	}

	end := offset + b.buffer.Base().Size()
	return data[offset:end:end], base.Unmap, nil
}

// checkGuards verifies both guard bands, reporting and repairing any damage. Called with the buffer
// mutex held.
func (b *debugBuffer) checkGuards(operation string) {
	data, unmap, err := b.mapPhysical()
	if err != nil {
		b.mgr.logger.LogAttrs(context.Background(), slog.LevelWarn, "could not map buffer to check its guard bands",
			slog.String("operation", operation),
			slog.Any("error", err),
		)
		return
	}
	defer unmap()

	underflow := data[:b.underflowSize]
	overflow := data[b.underflowSize+b.Size():]

	first, last, underflowCorrupt := findCorruption(underflow)
	if underflowCorrupt {
		b.mgr.logger.LogAttrs(context.Background(), slog.LevelError, "[BUFFER CORRUPTION] buffer underflow detected",
			slog.String("operation", operation),
			slog.Int("fromOffset", first-b.underflowSize),
			slog.Int("toOffset", last-b.underflowSize),
			slog.String("createStack", fmt.Sprintf("%+v", b.createStack)),
		)
	}

	first, last, overflowCorrupt := findCorruption(overflow)
	if overflowCorrupt {
		b.mgr.logger.LogAttrs(context.Background(), slog.LevelError, "[BUFFER CORRUPTION] buffer overflow detected",
			slog.String("operation", operation),
			slog.Int("fromOffset", b.Size()+first),
			slog.Int("toOffset", b.Size()+last),
			slog.String("createStack", fmt.Sprintf("%+v", b.createStack)),
		)
	}

	if underflowCorrupt || overflowCorrupt {
		pb.DebugAssert(false, "buffer guard bands were overwritten")

		fillGuard(underflow)
		fillGuard(overflow)
	}
}

func (b *debugBuffer) Map(flags pb.Usage) ([]byte, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.checkGuards("map")

	data, err := b.buffer.Map(flags)
	if err != nil {
		return nil, err
	}
	b.mapCount++

	end := b.underflowSize + b.Size()
	return data[b.underflowSize:end:end], nil
}

func (b *debugBuffer) Unmap() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	pb.DebugAssert(b.mapCount > 0, "unmapping a buffer that is not mapped")
	if b.mapCount > 0 {
		b.mapCount--
	}
	b.buffer.Unmap()

	b.checkGuards("unmap")
}

func (b *debugBuffer) Validate(vl *pb.ValidateList, flags pb.Usage) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.mapCount > 0 {
		b.mgr.logger.LogAttrs(context.Background(), slog.LevelWarn, "validating a mapped buffer",
			slog.Int("size", b.Size()),
			slog.Int("mapCount", b.mapCount),
		)
	}

	b.checkGuards("validate")

	return b.buffer.Validate(vl, flags)
}

func (b *debugBuffer) Fence(fence pb.Fence) {
	b.buffer.Fence(fence)
}

func (b *debugBuffer) BaseBuffer() (pb.Buffer, int) {
	base, offset := b.buffer.BaseBuffer()
	return base, offset + b.underflowSize
}

func (b *debugBuffer) Destroy() {
	b.mutex.Lock()
	pb.DebugAssert(b.mapCount == 0, "destroying a mapped buffer")
	b.checkGuards("destroy")
	b.mutex.Unlock()

	m := b.mgr
	m.mutex.Lock()
	m.live.Delete(b.id)
	m.mutex.Unlock()

	pb.Release(b.buffer)
	b.buffer = nil
}

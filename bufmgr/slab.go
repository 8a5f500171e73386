package bufmgr

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
	"github.com/eapache/queue"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/pipebuffer/internal/utils"
	"github.com/vkngwrapper/pipebuffer/pb"
)

const (
	DefaultSlabDesiredBuffers = 16
	DefaultSlabPageSize       = 4096
	DefaultSlabCreateRetries  = 3
	DefaultSlabRetryDelay     = time.Millisecond
)

// SlabOptions contains optional settings for a SlabManager or SlabRangeManager
type SlabOptions struct {
	Flags CreateFlags

	// DesiredBuffers is the number of buffers each slab should hold. Defaults to
	// DefaultSlabDesiredBuffers when 0.
	DesiredBuffers int
	// MaxSlabSize caps the size of each slab, though a slab always holds at least one buffer. 0 means
	// no cap.
	MaxSlabSize int
	// PageSize is the granularity slab sizes are rounded up to. Defaults to DefaultSlabPageSize when 0.
	PageSize int
	// SlabCreateRetries is the number of additional attempts made to create a slab when the provider
	// fails. Defaults to DefaultSlabCreateRetries when 0, and disables retries when negative.
	SlabCreateRetries int
	// RetryDelay is the time slept between slab creation attempts. Defaults to DefaultSlabRetryDelay
	// when 0.
	RetryDelay time.Duration
	// Clock is used to sleep between slab creation attempts. Defaults to the system clock.
	Clock clock.Clock
}

func (o SlabOptions) withDefaults() SlabOptions {
	if o.DesiredBuffers <= 0 {
		o.DesiredBuffers = DefaultSlabDesiredBuffers
	}
	if o.PageSize <= 0 {
		o.PageSize = DefaultSlabPageSize
	}
	if o.SlabCreateRetries == 0 {
		o.SlabCreateRetries = DefaultSlabCreateRetries
	} else if o.SlabCreateRetries < 0 {
		o.SlabCreateRetries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultSlabRetryDelay
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

type slab struct {
	mgr  *SlabManager
	elem *utils.Element[*slab]

	buffer pb.Buffer
	mapped []byte

	buffers     []*slabBuffer
	freeBuffers *queue.Queue
}

func (s *slab) numFree() int {
	return s.freeBuffers.Length()
}

type slabBuffer struct {
	pb.BufferBase

	slab     *slab
	start    int
	mapCount atomic.Int32
}

var _ pb.Buffer = &slabBuffer{}

func (b *slabBuffer) Map(flags pb.Usage) ([]byte, error) {
	b.mapCount.Add(1)

	end := b.start + b.Size()
	return b.slab.mapped[b.start:end:end], nil
}

func (b *slabBuffer) Unmap() {
	if b.mapCount.Add(-1) < 0 {
		panic("slab buffer was unmapped more times than it was mapped")
	}
}

func (b *slabBuffer) Validate(vl *pb.ValidateList, flags pb.Usage) error {
	return b.slab.buffer.Validate(vl, flags)
}

func (b *slabBuffer) Fence(fence pb.Fence) {
	b.slab.buffer.Fence(fence)
}

func (b *slabBuffer) BaseBuffer() (pb.Buffer, int) {
	base, offset := b.slab.buffer.BaseBuffer()
	return base, offset + b.start
}

func (b *slabBuffer) Destroy() {
	b.slab.mgr.releaseBuffer(b)
}

// SlabManager serves buffers of a single size out of slabs: large buffers obtained from a provider
// and split into equal pieces. Slabs that have free buffers are kept in a list, and a request takes
// the oldest free buffer of the first such slab. Slabs that become completely free are returned to
// the provider once some other slab can serve requests.
type SlabManager struct {
	logger *slog.Logger
	mutex  utils.OptionalMutex

	provider     pb.Manager
	ownsProvider bool
	options      SlabOptions

	bufSize  int
	slabSize int
	desc     pb.Desc

	// Slabs with free buffers that are not completely free
	slabs utils.List[*slab]
	// Completely free slabs that have not been released yet
	freeSlabs utils.List[*slab]

	numSlabs    int
	usedBuffers int
}

var _ pb.Manager = &SlabManager{}

// NewSlabManager creates a manager that serves buffers of up to bufSize bytes from slabs created by
// provider with desc. The manager owns provider and destroys it when it is destroyed.
func NewSlabManager(logger *slog.Logger, provider pb.Manager, bufSize int, desc pb.Desc, options SlabOptions) (*SlabManager, error) {
	mgr, err := newSlabManager(logger, provider, bufSize, desc, options)
	if err != nil {
		return nil, err
	}

	mgr.ownsProvider = true
	return mgr, nil
}

func newSlabManager(logger *slog.Logger, provider pb.Manager, bufSize int, desc pb.Desc, options SlabOptions) (*SlabManager, error) {
	if provider == nil {
		return nil, errors.Wrap(pb.ErrBadInput, "slab manager requires a provider")
	}
	if bufSize <= 0 {
		return nil, errors.Wrapf(pb.ErrBadInput, "invalid slab buffer size %d", bufSize)
	}
	if err := pb.CheckDesc(desc); err != nil {
		return nil, err
	}

	options = options.withDefaults()

	slabSize := options.DesiredBuffers * bufSize
	if options.MaxSlabSize > 0 {
		slabSize = min(slabSize, options.MaxSlabSize)
	}
	slabSize = max(slabSize, bufSize)
	slabSize = pb.AlignUp(slabSize, options.PageSize)

	return &SlabManager{
		logger:   defaultLogger(logger),
		mutex:    utils.OptionalMutex{UseMutex: options.Flags.useMutex()},
		provider: provider,
		options:  options,
		bufSize:  bufSize,
		slabSize: slabSize,
		desc:     desc,
	}, nil
}

func (m *SlabManager) BufferSize() int { return m.bufSize }
func (m *SlabManager) SlabSize() int   { return m.slabSize }

// createSlab asks the provider for a new slab and adds it to the slab list. Called with the mutex
// held.
func (m *SlabManager) createSlab() error {
	buffer, err := m.provider.CreateBuffer(m.slabSize, m.desc)
	if err != nil {
		return err
	}

	mapped, err := buffer.Map(pb.UsageCPUReadWrite)
	if err != nil {
		pb.Release(buffer)
		return errors.Wrap(err, "failed to map slab")
	}

	numBuffers := buffer.Base().Size() / m.bufSize
	if numBuffers == 0 {
		buffer.Unmap()
		pb.Release(buffer)
		return errors.Wrapf(pb.ErrOutOfMemory, "provider returned a slab of %d bytes, which cannot hold a buffer of %d bytes", buffer.Base().Size(), m.bufSize)
	}

	s := &slab{
		mgr:         m,
		buffer:      buffer,
		mapped:      mapped,
		buffers:     make([]*slabBuffer, numBuffers),
		freeBuffers: queue.New(),
	}

	for i := 0; i < numBuffers; i++ {
		buf := &slabBuffer{
			slab:  s,
			start: i * m.bufSize,
		}
		buf.Init(m.bufSize, 0, 0)
		buf.InitReference(0)

		s.buffers[i] = buf
		s.freeBuffers.Add(buf)
	}

	s.elem = m.slabs.PushBack(s)
	m.numSlabs++

	m.logger.LogAttrs(context.Background(), slog.LevelDebug, "created slab",
		slog.Int("bufferSize", m.bufSize),
		slog.Int("slabSize", buffer.Base().Size()),
		slog.Int("buffers", numBuffers),
	)

	return nil
}

// destroySlab hands a slab's backing buffer back to the provider. The slab must already be
// unlinked from every list. Called with the mutex held.
func (m *SlabManager) destroySlab(s *slab) {
	s.buffer.Unmap()
	pb.Release(s.buffer)
	s.buffer = nil
	s.mapped = nil
	m.numSlabs--
}

// releaseFreeSlabs destroys every completely free slab. Called with the mutex held.
func (m *SlabManager) releaseFreeSlabs() {
	for e := m.freeSlabs.Front(); e != nil; {
		next := e.Next()
		m.freeSlabs.Remove(e)
		m.destroySlab(e.Value)
		e = next
	}
}

// ensureSlab makes sure the slab list has a slab with a free buffer. Called with the mutex held,
// which it releases while sleeping between attempts.
func (m *SlabManager) ensureSlab() error {
	var err error
	for attempt := 0; attempt <= m.options.SlabCreateRetries; attempt++ {
		if m.slabs.Len() > 0 {
			return nil
		}

		// Reuse an idle slab before asking the provider for a new one
		if e := m.freeSlabs.Front(); e != nil {
			m.freeSlabs.Remove(e)
			m.slabs.PushBackElement(e)
			return nil
		}

		err = m.createSlab()
		if err == nil {
			return nil
		}

		if attempt < m.options.SlabCreateRetries {
			m.mutex.Unlock()
			m.options.Clock.Sleep(m.options.RetryDelay)
			m.mutex.Lock()
		}
	}

	return errors.Wrapf(err, "failed to create a slab after %d attempts", m.options.SlabCreateRetries+1)
}

func (m *SlabManager) CreateBuffer(size int, desc pb.Desc) (pb.Buffer, error) {
	if size <= 0 || size > m.bufSize {
		return nil, errors.Wrapf(pb.ErrBadInput, "requested size %d does not fit in slab buffers of size %d", size, m.bufSize)
	}
	if err := pb.CheckDesc(desc); err != nil {
		return nil, err
	}
	if !pb.CheckAlignment(desc.Alignment, m.desc.Alignment) || (desc.Alignment > 0 && m.bufSize%int(desc.Alignment) != 0) {
		return nil, errors.Wrapf(pb.ErrBadInput, "requested alignment %d cannot be provided by slab buffers of size %d", desc.Alignment, m.bufSize)
	}
	if !pb.CheckUsage(desc.Usage, m.desc.Usage) {
		return nil, errors.Wrapf(pb.ErrBadInput, "requested usage %s cannot be provided by slabs with usage %s", desc.Usage, m.desc.Usage)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	err := m.ensureSlab()
	if err != nil {
		return nil, err
	}

	s := m.slabs.Front().Value
	buf := s.freeBuffers.Remove().(*slabBuffer)
	if s.numFree() == 0 {
		m.slabs.Remove(s.elem)
	}
	m.usedBuffers++

	buf.InitReference(1)
	buf.SetAlignment(desc.Alignment)
	buf.SetUsage(desc.Usage)

	pb.DebugValidate(m)
	return buf, nil
}

func (m *SlabManager) releaseBuffer(buf *slabBuffer) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	s := buf.slab
	buf.mapCount.Store(0)
	s.freeBuffers.Add(buf)
	m.usedBuffers--

	if !m.slabs.Contains(s.elem) {
		m.slabs.PushBackElement(s.elem)
	}

	if s.numFree() == len(s.buffers) {
		m.slabs.Remove(s.elem)
		m.freeSlabs.PushBackElement(s.elem)
	}

	if m.slabs.Len() > 0 {
		m.releaseFreeSlabs()
	}

	pb.DebugValidate(m)
}

// Flush returns every completely free slab to the provider
func (m *SlabManager) Flush() {
	m.mutex.Lock()
	m.releaseFreeSlabs()
	m.mutex.Unlock()

	if m.ownsProvider {
		m.provider.Flush()
	}
}

func (m *SlabManager) Destroy() {
	m.mutex.Lock()

	m.releaseFreeSlabs()
	for e := m.slabs.Front(); e != nil; {
		next := e.Next()
		m.slabs.Remove(e)
		e = next
	}

	if m.numSlabs > 0 {
		m.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED BUFFER] slab manager destroyed with live buffers",
			slog.Int("bufferSize", m.bufSize),
			slog.Int("buffers", m.usedBuffers),
			slog.Int("slabs", m.numSlabs),
		)
	}

	m.mutex.Unlock()

	if m.ownsProvider {
		m.provider.Destroy()
	}
}

// Validate checks that the slab lists agree with the counts of free and used buffers
func (m *SlabManager) Validate() error {
	if err := m.slabs.Validate(); err != nil {
		return errors.Wrap(err, "slab list")
	}
	if err := m.freeSlabs.Validate(); err != nil {
		return errors.Wrap(err, "free slab list")
	}

	for e := m.slabs.Front(); e != nil; e = e.Next() {
		free := e.Value.numFree()
		if free == 0 || free == len(e.Value.buffers) {
			return errors.Newf("slab with %d of %d buffers free is in the slab list", free, len(e.Value.buffers))
		}
	}
	for e := m.freeSlabs.Front(); e != nil; e = e.Next() {
		if e.Value.numFree() != len(e.Value.buffers) {
			return errors.Newf("slab with %d of %d buffers free is in the free slab list", e.Value.numFree(), len(e.Value.buffers))
		}
	}

	if m.usedBuffers < 0 {
		return errors.Newf("slab manager has %d used buffers", m.usedBuffers)
	}

	return nil
}

func (m *SlabManager) AddStatistics(stats *pb.Statistics) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	stats.BlockCount += m.numSlabs
	stats.BlockBytes += m.numSlabs * m.slabSize
	stats.AllocationCount += m.usedBuffers
	stats.AllocationBytes += m.usedBuffers * m.bufSize
}

func (m *SlabManager) PrintDetailedMap(json *jwriter.ObjectState) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	json.Name("BufferSize").Int(m.bufSize)
	json.Name("SlabSize").Int(m.slabSize)
	json.Name("Slabs").Int(m.numSlabs)
	json.Name("PartialSlabs").Int(m.slabs.Len())
	json.Name("FreeSlabs").Int(m.freeSlabs.Len())
	json.Name("UsedBuffers").Int(m.usedBuffers)
}

// BuildStatsString returns the manager's detailed map as a JSON document
func (m *SlabManager) BuildStatsString() string {
	return buildStatsString(m)
}

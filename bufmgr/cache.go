package bufmgr

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/pipebuffer/internal/utils"
	"github.com/vkngwrapper/pipebuffer/pb"
)

// CacheOptions contains optional settings for a CacheManager
type CacheOptions struct {
	Flags CreateFlags
	// Clock is used to stamp and expire cached buffers. Defaults to the system clock.
	Clock clock.Clock
}

// CacheManager keeps destroyed buffers around for a while so that a later request of a similar
// size can reuse them instead of going to the provider. Buffers are parked in the order they were
// destroyed, so the expired buffers are always at the front of the list.
type CacheManager struct {
	logger *slog.Logger
	mutex  utils.OptionalMutex
	clock  clock.Clock

	provider pb.Manager
	timeout  time.Duration

	delayed      utils.List[*cacheBuffer]
	delayedBytes int
}

var _ pb.Manager = &CacheManager{}

type cacheBuffer struct {
	pb.BufferBase

	mgr    *CacheManager
	buffer pb.Buffer
	elem   *utils.Element[*cacheBuffer]

	start time.Time
	end   time.Time
}

var _ pb.Buffer = &cacheBuffer{}

func (b *cacheBuffer) Map(flags pb.Usage) ([]byte, error) {
	return b.buffer.Map(flags)
}

func (b *cacheBuffer) Unmap() {
	b.buffer.Unmap()
}

func (b *cacheBuffer) Validate(vl *pb.ValidateList, flags pb.Usage) error {
	return b.buffer.Validate(vl, flags)
}

func (b *cacheBuffer) Fence(fence pb.Fence) {
	b.buffer.Fence(fence)
}

func (b *cacheBuffer) BaseBuffer() (pb.Buffer, int) {
	return b.buffer.BaseBuffer()
}

// Destroy parks the buffer in the cache instead of releasing it
func (b *cacheBuffer) Destroy() {
	m := b.mgr
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.checkFree()

	b.start = m.clock.Now()
	b.end = b.start.Add(m.timeout)
	b.elem = m.delayed.PushBack(b)
	m.delayedBytes += b.Size()
}

// NewCacheManager creates a manager that keeps destroyed buffers for timeout before releasing them
// to provider. The manager owns provider and destroys it when it is destroyed.
func NewCacheManager(logger *slog.Logger, provider pb.Manager, timeout time.Duration, options CacheOptions) (*CacheManager, error) {
	if provider == nil {
		return nil, errors.Wrap(pb.ErrBadInput, "cache manager requires a provider")
	}
	if timeout < 0 {
		return nil, errors.Wrapf(pb.ErrBadInput, "invalid cache timeout %s", timeout)
	}

	clk := options.Clock
	if clk == nil {
		clk = clock.New()
	}

	return &CacheManager{
		logger:   defaultLogger(logger),
		mutex:    utils.OptionalMutex{UseMutex: options.Flags.useMutex()},
		clock:    clk,
		provider: provider,
		timeout:  timeout,
	}, nil
}

// expired is true once now has left the [start, end) window. A clock that moves backward expires
// everything.
func (b *cacheBuffer) expired(now time.Time) bool {
	return now.Before(b.start) || !now.Before(b.end)
}

func (b *cacheBuffer) isCompatible(size int, desc pb.Desc) bool {
	if b.Size() < size {
		return false
	}
	// Lenient with size, but not so much that a small request pins a huge buffer
	if b.Size() >= 2*size {
		return false
	}
	if !pb.CheckAlignment(desc.Alignment, b.Alignment()) {
		return false
	}
	return pb.CheckUsage(desc.Usage, b.Usage())
}

// destroyCached releases a parked buffer to the provider. Called with the mutex held.
func (m *CacheManager) destroyCached(b *cacheBuffer) {
	m.delayed.Remove(b.elem)
	m.delayedBytes -= b.Size()
	b.elem = nil

	pb.Release(b.buffer)
	b.buffer = nil
}

// checkFree releases the expired buffers at the front of the cache. Called with the mutex held.
func (m *CacheManager) checkFree() {
	now := m.clock.Now()
	for e := m.delayed.Front(); e != nil; {
		next := e.Next()
		if !e.Value.expired(now) {
			break
		}

		m.destroyCached(e.Value)
		e = next
	}
}

// takeCached finds a parked buffer that can serve the request, releasing expired buffers it passes
// on the way. Called with the mutex held.
func (m *CacheManager) takeCached(size int, desc pb.Desc) *cacheBuffer {
	var found *cacheBuffer
	now := m.clock.Now()

	e := m.delayed.Front()
	for e != nil && e.Value.expired(now) {
		next := e.Next()
		m.destroyCached(e.Value)
		e = next
	}

	// Only buffers that are still hot may be handed out again
	for found == nil && e != nil {
		b := e.Value
		if !b.expired(now) && b.isCompatible(size, desc) {
			found = b
		}
		e = e.Next()
	}

	if found != nil {
		m.delayed.Remove(found.elem)
		m.delayedBytes -= found.Size()
		found.elem = nil
	}

	return found
}

// releaseAll releases every parked buffer. Called with the mutex held.
func (m *CacheManager) releaseAll() {
	for e := m.delayed.Front(); e != nil; {
		next := e.Next()
		m.destroyCached(e.Value)
		e = next
	}
}

func (m *CacheManager) CreateBuffer(size int, desc pb.Desc) (pb.Buffer, error) {
	if size <= 0 {
		return nil, errors.Wrapf(pb.ErrBadInput, "invalid buffer size %d", size)
	}

	m.mutex.Lock()
	cached := m.takeCached(size, desc)
	m.mutex.Unlock()

	if cached != nil {
		cached.InitReference(1)
		return cached, nil
	}

	inner, err := m.provider.CreateBuffer(size, desc)
	if err != nil && errors.Is(err, pb.ErrOutOfMemory) {
		// Empty the cache and try again
		m.mutex.Lock()
		m.releaseAll()
		m.mutex.Unlock()

		inner, err = m.provider.CreateBuffer(size, desc)
	}
	if err != nil {
		return nil, errors.Wrap(err, "cache manager's provider failed to create a buffer")
	}

	innerBase := inner.Base()
	if innerBase.Size() < size || !pb.CheckAlignment(desc.Alignment, innerBase.Alignment()) || !pb.CheckUsage(desc.Usage, innerBase.Usage()) {
		pb.Release(inner)
		return nil, errors.Wrapf(pb.ErrGeneric, "provider returned a buffer of size %d, alignment %d, usage %s for a request of size %d, alignment %d, usage %s",
			innerBase.Size(), innerBase.Alignment(), innerBase.Usage(), size, desc.Alignment, desc.Usage)
	}

	buf := &cacheBuffer{
		mgr:    m,
		buffer: inner,
	}
	buf.Init(innerBase.Size(), innerBase.Alignment(), innerBase.Usage())

	return buf, nil
}

// NumDelayed returns the number of buffers parked in the cache
func (m *CacheManager) NumDelayed() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.delayed.Len()
}

// Flush releases every parked buffer and flushes the provider
func (m *CacheManager) Flush() {
	m.mutex.Lock()
	m.releaseAll()
	m.mutex.Unlock()

	m.provider.Flush()
}

func (m *CacheManager) Destroy() {
	m.Flush()
	m.provider.Destroy()
}

func (m *CacheManager) AddStatistics(stats *pb.Statistics) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	stats.BlockCount += m.delayed.Len()
	stats.BlockBytes += m.delayedBytes
}

func (m *CacheManager) PrintDetailedMap(json *jwriter.ObjectState) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := m.clock.Now()

	json.Name("TimeoutMicroseconds").Int(int(m.timeout / time.Microsecond))
	json.Name("Delayed").Int(m.delayed.Len())
	json.Name("DelayedBytes").Int(m.delayedBytes)

	arrayState := json.Name("Buffers").Array()
	defer arrayState.End()

	for e := m.delayed.Front(); e != nil; e = e.Next() {
		obj := arrayState.Object()
		obj.Name("Size").Int(e.Value.Size())
		obj.Name("Usage").String(e.Value.Usage().String())
		obj.Name("Expired").Bool(e.Value.expired(now))
		obj.End()
	}
}

// BuildStatsString returns the manager's detailed map as a JSON document
func (m *CacheManager) BuildStatsString() string {
	return buildStatsString(m)
}

// Dump logs the parked buffers at debug level
func (m *CacheManager) Dump(logger *slog.Logger) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for e := m.delayed.Front(); e != nil; e = e.Next() {
		logger.LogAttrs(context.Background(), slog.LevelDebug, "cached buffer",
			slog.Int("size", e.Value.Size()),
			slog.Time("start", e.Value.start),
			slog.Time("end", e.Value.end),
		)
	}
}

package pb

import (
	"context"
	"log/slog"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
)

// MallocBuffer is a buffer in plain host memory. It is the leaf of most manager chains: the memory is
// always mapped, and since a software rasterizer reads it directly, validation and fencing have
// nothing to synchronize.
type MallocBuffer struct {
	BufferBase

	mgr  *MallocManager
	data []byte
}

var _ Buffer = &MallocBuffer{}

// NewMallocBuffer creates a standalone host memory buffer that is not tracked by any manager
func NewMallocBuffer(size int, desc Desc) (*MallocBuffer, error) {
	if size <= 0 {
		return nil, errors.Wrapf(ErrBadInput, "invalid buffer size %d", size)
	}
	if err := CheckDesc(desc); err != nil {
		return nil, err
	}

	buf := &MallocBuffer{
		data: alignedAlloc(size, desc.Alignment),
	}
	buf.Init(size, desc.Alignment, desc.Usage)
	return buf, nil
}

func alignedAlloc(size int, alignment uint) []byte {
	if alignment <= 1 {
		return make([]byte, size)
	}

	raw := make([]byte, size+int(alignment)-1)
	address := uintptr(unsafe.Pointer(&raw[0]))
	offset := int(AlignUp(address, uintptr(alignment)) - address)
	return raw[offset : offset+size : offset+size]
}

func (b *MallocBuffer) Map(flags Usage) ([]byte, error) {
	return b.data, nil
}

func (b *MallocBuffer) Unmap() {}

func (b *MallocBuffer) Validate(vl *ValidateList, flags Usage) error {
	return nil
}

func (b *MallocBuffer) Fence(fence Fence) {}

func (b *MallocBuffer) BaseBuffer() (Buffer, int) {
	return b, 0
}

func (b *MallocBuffer) Destroy() {
	if b.mgr != nil {
		b.mgr.release(b)
	}
	b.data = nil
}

// MallocOptions contains optional settings for a MallocManager
type MallocOptions struct {
	// Limit is the maximum number of bytes that may be live at once. Requests beyond the limit fail
	// with ErrOutOfMemory. 0 means no limit.
	Limit int
}

// MallocManager creates MallocBuffers and keeps count of what it has handed out
type MallocManager struct {
	logger *slog.Logger
	limit  int

	allocations atomic.Int64
	liveBuffers atomic.Int64
	liveBytes   atomic.Int64
}

var _ Manager = &MallocManager{}

// NewMallocManager creates a manager that allocates buffers from host memory
func NewMallocManager(logger *slog.Logger, options MallocOptions) *MallocManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &MallocManager{
		logger: logger,
		limit:  options.Limit,
	}
}

func (m *MallocManager) CreateBuffer(size int, desc Desc) (Buffer, error) {
	if m.limit > 0 {
		newBytes := m.liveBytes.Add(int64(size))
		if newBytes > int64(m.limit) {
			m.liveBytes.Add(-int64(size))
			return nil, errors.Wrapf(ErrOutOfMemory, "allocating %d bytes would exceed the limit of %d bytes", size, m.limit)
		}
	} else {
		m.liveBytes.Add(int64(size))
	}

	buf, err := NewMallocBuffer(size, desc)
	if err != nil {
		m.liveBytes.Add(-int64(size))
		return nil, err
	}

	buf.mgr = m
	m.allocations.Add(1)
	m.liveBuffers.Add(1)
	return buf, nil
}

func (m *MallocManager) release(buf *MallocBuffer) {
	m.liveBuffers.Add(-1)
	m.liveBytes.Add(-int64(buf.Size()))
}

// Allocations returns the number of buffers this manager has created over its lifetime
func (m *MallocManager) Allocations() int { return int(m.allocations.Load()) }

// LiveBuffers returns the number of buffers created by this manager that have not been destroyed
func (m *MallocManager) LiveBuffers() int { return int(m.liveBuffers.Load()) }

// LiveBytes returns the size in bytes of all the buffers that have not been destroyed
func (m *MallocManager) LiveBytes() int { return int(m.liveBytes.Load()) }

func (m *MallocManager) Flush() {}

func (m *MallocManager) Destroy() {
	live := m.liveBuffers.Load()
	if live > 0 {
		m.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED BUFFER] malloc manager destroyed with live buffers",
			slog.Int64("buffers", live),
			slog.Int64("bytes", m.liveBytes.Load()),
		)
	}
}

package pb

import (
	"fmt"
	"sync/atomic"
)

// Buffer is a reference-counted, mappable block of memory that may be used by the GPU. Every
// manager in a chain produces Buffers, and any Buffer may be used in place of any other regardless
// of which manager created it.
//
// Buffers are shared with Reference and dropped with Release. Destroy is called by Release when the
// last reference is dropped and should not be called directly.
//
//go:generate mockgen -source buffer.go -destination ./mocks/buffer.go -package mock_pb
type Buffer interface {
	// Base returns the shared properties & reference count of the buffer
	Base() *BufferBase
	// Map makes the buffer's contents visible to the CPU. flags declares the intended CPU access
	// and may contain UsageDontBlock, in which case a buffer that is still in use by the GPU
	// fails with ErrRetry instead of waiting. The returned slice is Size() bytes long.
	Map(flags Usage) ([]byte, error)
	// Unmap must be called exactly once for each successful call to Map
	Unmap()
	// Validate declares that the buffer will be used by the GPU in the submission represented by vl.
	// A nil vl clears any previous validation. It fails with ErrRetry if the buffer is already
	// validated in a different list.
	Validate(vl *ValidateList, flags Usage) error
	// Fence attaches the fence of the submission that uses the buffer, replacing any previous fence.
	// A nil fence clears the buffer's GPU usage.
	Fence(fence Fence)
	// BaseBuffer resolves any wrapping to the physical buffer that backs this one, and the byte
	// offset of this buffer within it
	BaseBuffer() (Buffer, int)
	// Destroy releases the buffer's resources, or hands it to whatever deferred-destruction logic
	// its manager uses. It is called exactly once, when the reference count reaches 0.
	Destroy()
}

// BufferBase holds the properties shared by every Buffer implementation. Implementations embed it.
type BufferBase struct {
	size      int
	alignment uint
	usage     Usage
	refs      atomic.Int32
}

// Init sets up the buffer's properties and gives it a single reference
func (b *BufferBase) Init(size int, alignment uint, usage Usage) {
	b.size = size
	b.alignment = alignment
	b.usage = usage
	b.refs.Store(1)
}

// InitReference overwrites the reference count. It is used by managers that recycle buffers whose
// reference count has reached 0.
func (b *BufferBase) InitReference(refs int32) {
	b.refs.Store(refs)
}

func (b *BufferBase) Base() *BufferBase { return b }
func (b *BufferBase) Size() int         { return b.size }
func (b *BufferBase) Alignment() uint   { return b.alignment }
func (b *BufferBase) Usage() Usage      { return b.usage }
func (b *BufferBase) References() int32 { return b.refs.Load() }

// SetAlignment and SetUsage are used by managers that hand out pre-built buffers with the
// properties of each request
func (b *BufferBase) SetAlignment(alignment uint) { b.alignment = alignment }
func (b *BufferBase) SetUsage(usage Usage)        { b.usage = usage }

// Reference takes a new reference to buf and returns it. A nil buffer is passed through.
func Reference(buf Buffer) Buffer {
	if buf == nil {
		return nil
	}

	if buf.Base().refs.Add(1) <= 1 {
		panic("attempted to reference a buffer that has already been destroyed")
	}
	return buf
}

// Release drops a reference to buf, destroying it when the last reference is dropped. A nil
// buffer is ignored.
func Release(buf Buffer) {
	if buf == nil {
		return
	}

	refs := buf.Base().refs.Add(-1)
	if refs == 0 {
		buf.Destroy()
	} else if refs < 0 {
		panic(fmt.Sprintf("buffer reference count dropped to %d", refs))
	}
}

// Assign makes *dst refer to src, referencing src and releasing the previous value of *dst
func Assign(dst *Buffer, src Buffer) {
	old := *dst
	*dst = Reference(src)
	Release(old)
}

// ResolveBase returns the physical buffer behind buf and buf's offset inside it
func ResolveBase(buf Buffer) (Buffer, int) {
	base, offset := buf.BaseBuffer()
	if base == nil {
		panic("buffer resolved to a nil base buffer")
	}
	return base, offset
}

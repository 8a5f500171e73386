package bufmgr

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/pipebuffer/internal/utils"
	"github.com/vkngwrapper/pipebuffer/pb"
)

// FencedOptions contains optional settings for a FencedBufferList or FencedManager
type FencedOptions struct {
	Flags CreateFlags
	// FinishTimeout bounds each wait for a fence. A wait that times out fails with ErrRetry. 0 waits
	// forever.
	FinishTimeout time.Duration
}

// FencedBuffer wraps a buffer so that it is not released while the GPU may still be using it. A
// buffer that is fenced sits on its list's delayed list, in the order fences were attached, until
// the fence signals. A fenced buffer whose last reference is dropped is only released once the
// fence has signalled.
type FencedBuffer struct {
	pb.BufferBase

	list   *FencedBufferList
	buffer pb.Buffer
	elem   *utils.Element[*FencedBuffer]

	// The remaining fields are guarded by the list's mutex
	fence           pb.Fence
	flags           pb.Usage
	mapCount        int
	vl              *pb.ValidateList
	validationFlags pb.Usage
	dead            bool
}

var _ pb.Buffer = &FencedBuffer{}

// FencedBufferList tracks every FencedBuffer created from it, and owns the FenceOps used to
// check their fences
type FencedBufferList struct {
	logger *slog.Logger
	mutex  utils.OptionalMutex

	ops           pb.FenceOps
	finishTimeout time.Duration

	// Buffers with a fence, in the order the fences were attached
	delayed utils.List[*FencedBuffer]
	// Buffers without a fence
	unfenced utils.List[*FencedBuffer]
}

// NewFencedBufferList creates an empty list that uses ops to check fences. The list owns ops and
// destroys it when the list is destroyed.
func NewFencedBufferList(logger *slog.Logger, ops pb.FenceOps, options FencedOptions) (*FencedBufferList, error) {
	if ops == nil {
		return nil, errors.Wrap(pb.ErrBadInput, "fenced buffer list requires fence ops")
	}

	return &FencedBufferList{
		logger:        defaultLogger(logger),
		mutex:         utils.OptionalMutex{UseMutex: options.Flags.useMutex()},
		ops:           ops,
		finishTimeout: options.FinishTimeout,
	}, nil
}

// NewBuffer wraps buffer in a FencedBuffer that takes over the caller's reference to buffer
func (l *FencedBufferList) NewBuffer(buffer pb.Buffer) *FencedBuffer {
	base := buffer.Base()
	buf := &FencedBuffer{
		list:   l,
		buffer: buffer,
	}
	buf.Init(base.Size(), base.Alignment(), base.Usage())

	l.mutex.Lock()
	defer l.mutex.Unlock()

	buf.elem = l.unfenced.PushBack(buf)
	return buf
}

// NumDelayed returns the number of buffers waiting on a fence
func (l *FencedBufferList) NumDelayed() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.delayed.Len()
}

// NumUnfenced returns the number of live buffers without a fence
func (l *FencedBufferList) NumUnfenced() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.unfenced.Len()
}

// add moves a freshly fenced buffer to the tail of the delayed list. Called with the mutex held.
func (l *FencedBufferList) add(buf *FencedBuffer) {
	pb.DebugAssert(buf.fence != nil, "buffer added to the delayed list without a fence")
	pb.DebugAssert(buf.flags&pb.UsageGPUReadWrite != 0, "buffer added to the delayed list without GPU usage")

	l.unfenced.Remove(buf.elem)
	l.delayed.PushBackElement(buf.elem)
}

// remove drops a buffer's fence and GPU usage and moves it back to the unfenced list, or destroys
// it if it has no references left. Called with the mutex held.
func (l *FencedBufferList) remove(buf *FencedBuffer) {
	l.ops.Reference(&buf.fence, nil)
	buf.flags &^= pb.UsageGPUReadWrite

	l.delayed.Remove(buf.elem)
	l.unfenced.PushBackElement(buf.elem)

	if buf.dead {
		l.destroy(buf)
	}
}

// destroy releases an unfenced buffer's inner buffer. Called with the mutex held.
func (l *FencedBufferList) destroy(buf *FencedBuffer) {
	pb.DebugAssert(buf.fence == nil, "destroying a buffer that still has a fence")

	l.unfenced.Remove(buf.elem)
	pb.Release(buf.buffer)
	buf.buffer = nil
}

// finish waits for fence with the mutex released. Called with the mutex held.
func (l *FencedBufferList) finish(fence pb.Fence) error {
	var held pb.Fence
	l.ops.Reference(&held, fence)

	l.mutex.Unlock()

	ctx := context.Background()
	if l.finishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.finishTimeout)
		defer cancel()
	}
	err := l.ops.Finish(ctx, held, 0)

	l.mutex.Lock()
	l.ops.Reference(&held, nil)

	if err != nil {
		return errors.WithSecondaryError(errors.Wrapf(pb.ErrRetry, "fence %v did not signal in time", fence), err)
	}
	return nil
}

// checkFree walks the delayed list from the oldest fence, removing every buffer whose fence has
// signalled and stopping at the first that has not. Only the first buffer of a run that shares a
// fence is checked. When wait is set, unsignalled fences are waited on instead. Called with the
// mutex held.
func (l *FencedBufferList) checkFree(wait bool) {
	var prevFence pb.Fence

	for e := l.delayed.Front(); e != nil; {
		buf := e.Value

		if prevFence == nil || buf.fence != prevFence {
			if !l.ops.Signalled(buf.fence, 0) {
				if !wait {
					return
				}

				err := l.finish(buf.fence)
				if err != nil {
					l.logger.LogAttrs(context.Background(), slog.LevelWarn, "gave up waiting for fence",
						slog.Any("error", err),
					)
					return
				}

				// The list may have changed while the mutex was released
				prevFence = nil
				e = l.delayed.Front()
				continue
			}

			prevFence = buf.fence
		}

		next := e.Next()
		l.remove(buf)
		e = next
	}
}

// CheckFree releases the buffers whose fences have signalled. When wait is set, it waits for
// outstanding fences in order.
func (l *FencedBufferList) CheckFree(wait bool) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.checkFree(wait)
}

// Destroy waits until every fenced buffer has been released and then destroys the fence ops
func (l *FencedBufferList) Destroy() {
	l.mutex.Lock()

	for l.delayed.Len() > 0 {
		l.mutex.Unlock()
		runtime.Gosched()
		l.mutex.Lock()

		l.checkFree(true)
	}

	if l.unfenced.Len() > 0 {
		l.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED BUFFER] fenced buffer list destroyed with live buffers",
			slog.Int("buffers", l.unfenced.Len()),
		)
	}

	l.mutex.Unlock()

	l.ops.Destroy()
}

// Validate checks that the delayed list holds exactly the fenced buffers
func (l *FencedBufferList) Validate() error {
	if err := l.delayed.Validate(); err != nil {
		return errors.Wrap(err, "delayed list")
	}
	if err := l.unfenced.Validate(); err != nil {
		return errors.Wrap(err, "unfenced list")
	}

	for e := l.delayed.Front(); e != nil; e = e.Next() {
		if e.Value.fence == nil {
			return errors.New("buffer without a fence is in the delayed list")
		}
	}
	for e := l.unfenced.Front(); e != nil; e = e.Next() {
		if e.Value.fence != nil {
			return errors.Newf("buffer with fence %v is in the unfenced list", e.Value.fence)
		}
	}

	return nil
}

func (l *FencedBufferList) printBuffers(json *jwriter.ObjectState, name string, list *utils.List[*FencedBuffer]) {
	arrayState := json.Name(name).Array()
	defer arrayState.End()

	for e := list.Front(); e != nil; e = e.Next() {
		buf := e.Value

		obj := arrayState.Object()
		obj.Name("Size").Int(buf.Size())
		obj.Name("References").Int(int(buf.References()))
		obj.Name("Flags").String(buf.flags.String())
		if buf.fence != nil {
			obj.Name("Fence").String(fmt.Sprintf("%v", buf.fence))
			obj.Name("Signalled").Bool(l.ops.Signalled(buf.fence, 0))
		}
		obj.End()
	}
}

// PrintDetailedMap writes both lists to json
func (l *FencedBufferList) PrintDetailedMap(json *jwriter.ObjectState) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	json.Name("NumDelayed").Int(l.delayed.Len())
	json.Name("NumUnfenced").Int(l.unfenced.Len())
	l.printBuffers(json, "Unfenced", &l.unfenced)
	l.printBuffers(json, "Delayed", &l.delayed)
}

// Dump logs both lists at debug level
func (l *FencedBufferList) Dump(logger *slog.Logger) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	for e := l.unfenced.Front(); e != nil; e = e.Next() {
		logger.LogAttrs(context.Background(), slog.LevelDebug, "unfenced buffer",
			slog.Int("size", e.Value.Size()),
			slog.Int("references", int(e.Value.References())),
		)
	}

	for e := l.delayed.Front(); e != nil; e = e.Next() {
		logger.LogAttrs(context.Background(), slog.LevelDebug, "delayed buffer",
			slog.Int("size", e.Value.Size()),
			slog.Int("references", int(e.Value.References())),
			slog.Any("fence", e.Value.fence),
			slog.Bool("signalled", l.ops.Signalled(e.Value.fence, 0)),
		)
	}
}

// Destroy is called when the last reference is dropped. The inner buffer is released right away
// if the GPU is done with it, otherwise when the fence signals.
func (b *FencedBuffer) Destroy() {
	l := b.list
	l.mutex.Lock()
	defer l.mutex.Unlock()

	b.dead = true

	if b.fence == nil {
		l.destroy(b)
		return
	}

	if !l.ops.Signalled(b.fence, 0) {
		// checkFree will pick it up
		return
	}

	// Everything fenced before this buffer has signalled too
	e := b.elem
	var prevFence pb.Fence
	for e != nil {
		prev := e.Prev()
		buf := e.Value

		if buf.fence != prevFence && buf.fence != b.fence && !l.ops.Signalled(buf.fence, 0) {
			break
		}
		prevFence = buf.fence

		l.remove(buf)
		e = prev
	}

	pb.DebugValidate(l)
}

func (b *FencedBuffer) hasHazard(flags pb.Usage) bool {
	if b.flags&pb.UsageGPUWrite != 0 {
		return true
	}
	return b.flags&pb.UsageGPURead != 0 && flags&pb.UsageCPUWrite != 0
}

func (b *FencedBuffer) Map(flags pb.Usage) ([]byte, error) {
	l := b.list
	l.mutex.Lock()
	defer l.mutex.Unlock()

	for b.hasHazard(flags) {
		if flags&pb.UsageDontBlock != 0 {
			if !l.ops.Signalled(b.fence, 0) {
				return nil, errors.Wrap(pb.ErrRetry, "buffer is in use by the GPU")
			}

			l.remove(b)
			break
		}

		fence := b.fence
		err := l.finish(fence)
		if err != nil {
			return nil, err
		}

		if b.fence == fence {
			l.remove(b)
		}
	}

	if b.mapCount > 0 && (b.flags|flags)&pb.UsageCPUWrite != 0 {
		l.logger.LogAttrs(context.Background(), slog.LevelWarn, "concurrent CPU writes to a mapped buffer",
			slog.Int("size", b.Size()),
			slog.Int("mapCount", b.mapCount),
			slog.String("flags", flags.String()),
		)
	}

	data, err := b.buffer.Map(flags)
	if err != nil {
		return nil, err
	}

	b.mapCount++
	b.flags |= flags & pb.UsageCPUReadWrite

	return data, nil
}

func (b *FencedBuffer) Unmap() {
	l := b.list
	l.mutex.Lock()
	defer l.mutex.Unlock()

	pb.DebugAssert(b.mapCount > 0, "unmapping a fenced buffer that is not mapped")
	if b.mapCount == 0 {
		return
	}

	b.buffer.Unmap()
	b.mapCount--
	if b.mapCount == 0 {
		b.flags &^= pb.UsageCPUReadWrite
	}
}

func (b *FencedBuffer) Validate(vl *pb.ValidateList, flags pb.Usage) error {
	l := b.list
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if vl == nil {
		b.vl = nil
		b.validationFlags = 0
		return nil
	}

	flags &= pb.UsageGPUReadWrite
	if flags == 0 {
		return errors.Wrap(pb.ErrBadInput, "validation requires GPU read or write usage")
	}

	// A buffer cannot be validated against two lists at once
	if b.vl != nil && b.vl != vl {
		return errors.Wrap(pb.ErrRetry, "buffer is already validated against a different list")
	}

	if b.vl == vl && b.validationFlags&flags == flags {
		return nil
	}

	err := b.buffer.Validate(vl, flags)
	if err != nil {
		return err
	}

	b.vl = vl
	b.validationFlags |= flags

	return nil
}

func (b *FencedBuffer) Fence(fence pb.Fence) {
	l := b.list
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if fence == b.fence {
		return
	}

	pb.DebugAssert(fence == nil || b.vl != nil, "fencing a buffer that was not validated")

	if b.fence != nil {
		l.remove(b)
	}

	if fence != nil {
		l.ops.Reference(&b.fence, fence)
		b.flags |= b.validationFlags
		if b.flags&pb.UsageGPUReadWrite != 0 {
			l.add(b)
		} else {
			l.ops.Reference(&b.fence, nil)
		}
	}

	b.buffer.Fence(fence)

	b.vl = nil
	b.validationFlags = 0

	pb.DebugValidate(l)
}

func (b *FencedBuffer) BaseBuffer() (pb.Buffer, int) {
	return b.buffer.BaseBuffer()
}

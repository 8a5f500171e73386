package fence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/pipebuffer/pb"
)

// SeqnoFence marks a point in a command stream by its sequence number. A fence is signalled once the
// stream reports a passed sequence number at or beyond the fence's.
type SeqnoFence struct {
	ops   *SeqnoOps
	seqno uint32
	refs  atomic.Int32
}

func (f *SeqnoFence) Seqno() uint32 {
	return f.seqno
}

func (f *SeqnoFence) String() string {
	return fmt.Sprintf("seqno(%d)", f.seqno)
}

// SeqnoOps issues SeqnoFences for a single command stream and implements pb.FenceOps for them.
// Signal is called by whatever observes the stream's progress, usually an interrupt or a
// completion poll.
type SeqnoOps struct {
	logger *slog.Logger

	mutex     sync.Mutex
	emitted   uint32
	passed    uint32
	signalled chan struct{}

	live atomic.Int64
}

var _ pb.FenceOps = &SeqnoOps{}

// NewSeqnoOps creates a command stream with no fences emitted
func NewSeqnoOps(logger *slog.Logger) *SeqnoOps {
	if logger == nil {
		logger = slog.Default()
	}

	return &SeqnoOps{
		logger:    logger,
		signalled: make(chan struct{}),
	}
}

// seqnoPassed compares sequence numbers so that the comparison keeps working once the counter wraps
func seqnoPassed(passed, seqno uint32) bool {
	return int32(passed-seqno) >= 0
}

// Emit issues the next fence in the stream. The caller owns the returned reference and drops it
// with Reference(&fence, nil).
func (o *SeqnoOps) Emit() *SeqnoFence {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	o.emitted++
	f := &SeqnoFence{
		ops:   o,
		seqno: o.emitted,
	}
	f.refs.Store(1)
	o.live.Add(1)

	return f
}

// Signal reports that the stream has passed every fence up to and including passed, and wakes any
// goroutines blocked in Finish
func (o *SeqnoOps) Signal(passed uint32) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if !seqnoPassed(o.passed, passed) {
		o.passed = passed
	}

	close(o.signalled)
	o.signalled = make(chan struct{})
}

// LastSignalled returns the most recent passed sequence number
func (o *SeqnoOps) LastSignalled() uint32 {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	return o.passed
}

// Live returns the number of outstanding fence references
func (o *SeqnoOps) Live() int {
	return int(o.live.Load())
}

func (o *SeqnoOps) toSeqno(fence pb.Fence) *SeqnoFence {
	if fence == nil {
		return nil
	}

	f, ok := fence.(*SeqnoFence)
	if !ok {
		panic(fmt.Sprintf("fence of type %T was passed to a sequence number fence implementation", fence))
	}
	if f.ops != o {
		panic(fmt.Sprintf("fence %s belongs to a different command stream", f))
	}
	return f
}

func (o *SeqnoOps) Reference(dst *pb.Fence, src pb.Fence) {
	newFence := o.toSeqno(src)
	oldFence := o.toSeqno(*dst)

	if newFence != nil {
		if newFence.refs.Add(1) <= 1 {
			panic(fmt.Sprintf("attempted to reference fence %s after it was released", newFence))
		}
		o.live.Add(1)
	}

	if newFence != nil {
		*dst = newFence
	} else {
		*dst = nil
	}

	if oldFence != nil {
		refs := oldFence.refs.Add(-1)
		if refs < 0 {
			panic(fmt.Sprintf("fence %s reference count dropped to %d", oldFence, refs))
		}
		o.live.Add(-1)
	}
}

func (o *SeqnoOps) Signalled(fence pb.Fence, flags pb.FenceFlags) bool {
	f := o.toSeqno(fence)
	if f == nil {
		return true
	}

	o.mutex.Lock()
	defer o.mutex.Unlock()

	return seqnoPassed(o.passed, f.seqno)
}

func (o *SeqnoOps) Finish(ctx context.Context, fence pb.Fence, flags pb.FenceFlags) error {
	f := o.toSeqno(fence)
	if f == nil {
		return nil
	}

	for {
		o.mutex.Lock()
		if seqnoPassed(o.passed, f.seqno) {
			o.mutex.Unlock()
			return nil
		}
		wait := o.signalled
		o.mutex.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "waiting for fence %s", f)
		}
	}
}

func (o *SeqnoOps) Destroy() {
	live := o.live.Load()
	if live > 0 {
		o.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED FENCE] sequence fences destroyed with outstanding references",
			slog.Int64("references", live),
			slog.Uint64("lastEmitted", uint64(o.emitted)),
			slog.Uint64("lastSignalled", uint64(o.LastSignalled())),
		)
	}
}

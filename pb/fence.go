package pb

import "context"

// Fence is an opaque handle for a point in the GPU command stream. Only the FenceOps that created a
// Fence may interpret it. A nil Fence means "no outstanding GPU work". Fence values must be
// comparable: two buffers fenced by the same submission hold identical Fence values.
type Fence any

// FenceFlags is passed through to the FenceOps implementation and is opaque to the buffer managers
type FenceFlags uint32

// FenceOps is implemented by the winsys layer and injected into the fenced buffer list
//
//go:generate mockgen -source fence.go -destination ./mocks/fence.go -package mock_pb
type FenceOps interface {
	// Reference makes *dst refer to src, taking a reference on src and dropping the one held
	// by the previous value of *dst. Either may be nil.
	Reference(dst *Fence, src Fence)
	// Signalled returns true if the GPU has passed the fence. It never blocks.
	Signalled(fence Fence, flags FenceFlags) bool
	// Finish blocks until the fence is signalled or ctx is done. It returns nil once the fence
	// is signalled.
	Finish(ctx context.Context, fence Fence, flags FenceFlags) error
	// Destroy releases the FenceOps. It is called by the owner of the FenceOps when it is destroyed.
	Destroy()
}

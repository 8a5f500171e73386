package pb

// Manager creates buffers. Managers are composed into chains: a decorator manager wraps a provider,
// serves requests from its own pool where it can, and forwards the rest to the provider. A
// decorator owns its provider and destroys it when it is itself destroyed.
//
//go:generate mockgen -source manager.go -destination ./mocks/manager.go -package mock_pb
type Manager interface {
	// CreateBuffer returns a buffer of at least size bytes that satisfies desc, holding a single
	// reference. Failures are reported with errors wrapping ErrOutOfMemory, ErrBadInput or ErrRetry.
	CreateBuffer(size int, desc Desc) (Buffer, error)
	// Flush reclaims whatever memory the manager can reclaim without outside help
	Flush()
	// Destroy releases the manager and its provider
	Destroy()
}

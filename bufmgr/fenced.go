package bufmgr

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/pipebuffer/pb"
)

// FencedManager wraps every buffer from its provider in a FencedBuffer, so that buffers dropped
// while the GPU is still using them are only handed back to the provider after their fence signals.
type FencedManager struct {
	logger   *slog.Logger
	provider pb.Manager
	list     *FencedBufferList
}

var _ pb.Manager = &FencedManager{}

// NewFencedManager creates a manager that uses ops to track the fences of buffers created by
// provider. The manager owns provider and ops and destroys them when it is destroyed.
func NewFencedManager(logger *slog.Logger, provider pb.Manager, ops pb.FenceOps, options FencedOptions) (*FencedManager, error) {
	if provider == nil {
		return nil, errors.Wrap(pb.ErrBadInput, "fenced manager requires a provider")
	}

	logger = defaultLogger(logger)
	list, err := NewFencedBufferList(logger, ops, options)
	if err != nil {
		return nil, err
	}

	return &FencedManager{
		logger:   logger,
		provider: provider,
		list:     list,
	}, nil
}

// List returns the list that tracks the manager's buffers
func (m *FencedManager) List() *FencedBufferList {
	return m.list
}

func (m *FencedManager) CreateBuffer(size int, desc pb.Desc) (pb.Buffer, error) {
	// Opportunistically hand signalled buffers back to the provider first
	m.list.CheckFree(false)

	buffer, err := m.provider.CreateBuffer(size, desc)
	if err != nil && !errors.Is(err, pb.ErrBadInput) {
		// The provider may be holding memory that is only waiting on the GPU
		m.list.CheckFree(true)

		buffer, err = m.provider.CreateBuffer(size, desc)
	}
	if err != nil {
		return nil, errors.Wrap(err, "fenced manager's provider failed to create a buffer")
	}

	return m.list.NewBuffer(buffer), nil
}

// Flush waits for every outstanding fence and flushes the provider
func (m *FencedManager) Flush() {
	m.list.CheckFree(true)
	m.provider.Flush()
}

func (m *FencedManager) Destroy() {
	m.list.Destroy()
	m.provider.Destroy()
}

func (m *FencedManager) PrintDetailedMap(json *jwriter.ObjectState) {
	m.list.PrintDetailedMap(json)
}

// BuildStatsString returns the manager's detailed map as a JSON document
func (m *FencedManager) BuildStatsString() string {
	return buildStatsString(m)
}

// Dump logs the manager's buffers at debug level
func (m *FencedManager) Dump(logger *slog.Logger) {
	m.list.Dump(logger)
}

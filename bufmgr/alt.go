package bufmgr

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/pipebuffer/pb"
)

// AltManager serves requests from a primary provider and falls back to a secondary provider when
// the primary fails
type AltManager struct {
	primary   pb.Manager
	secondary pb.Manager
}

var _ pb.Manager = &AltManager{}

// NewAltManager creates a manager that tries primary before secondary. The manager owns both
// providers and destroys them when it is destroyed.
func NewAltManager(primary pb.Manager, secondary pb.Manager) (*AltManager, error) {
	if primary == nil || secondary == nil {
		return nil, errors.Wrap(pb.ErrBadInput, "alt manager requires two providers")
	}

	return &AltManager{
		primary:   primary,
		secondary: secondary,
	}, nil
}

func (m *AltManager) CreateBuffer(size int, desc pb.Desc) (pb.Buffer, error) {
	buf, err := m.primary.CreateBuffer(size, desc)
	if err == nil {
		return buf, nil
	}

	buf, secondaryErr := m.secondary.CreateBuffer(size, desc)
	if secondaryErr != nil {
		return nil, errors.WithSecondaryError(errors.Wrap(secondaryErr, "both providers failed to create a buffer"), err)
	}

	return buf, nil
}

func (m *AltManager) Flush() {
	m.primary.Flush()
	m.secondary.Flush()
}

func (m *AltManager) Destroy() {
	m.primary.Destroy()
	m.secondary.Destroy()
}

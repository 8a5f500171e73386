package pb

import (
	"github.com/cockroachdb/errors"
)

type validateEntry struct {
	buf   Buffer
	flags Usage
}

// ValidateList collects the buffers referenced by a single GPU submission. Buffers are added with
// AddBuffer, checked with Validate, and once the submission has been made, Fence attaches the
// submission's fence to every buffer in the list at once and empties it.
//
// A ValidateList is owned by the thread building the submission and is not synchronized.
type ValidateList struct {
	entries []validateEntry
}

// NewValidateList creates an empty list
func NewValidateList() *ValidateList {
	return &ValidateList{
		entries: make([]validateEntry, 0, 1),
	}
}

// Len returns the number of entries currently held
func (vl *ValidateList) Len() int {
	return len(vl.entries)
}

// AddBuffer adds a reference to buf to the list. flags must only contain GPU usage bits. Adding the
// same buffer twice in a row merges the flags into a single entry; other repeats are stored as
// separate entries.
func (vl *ValidateList) AddBuffer(buf Buffer, flags Usage) error {
	if buf == nil {
		return errors.Wrap(ErrBadInput, "attempted to add a nil buffer to a validation list")
	}
	if flags&UsageGPUReadWrite == 0 {
		return errors.Wrapf(ErrBadInput, "validation flags %s must contain GPU read or write", flags)
	}
	if flags&^UsageGPUReadWrite != 0 {
		return errors.Wrapf(ErrBadInput, "validation flags %s may only contain GPU usage", flags)
	}

	used := len(vl.entries)
	if used > 0 && vl.entries[used-1].buf == buf {
		vl.entries[used-1].flags |= flags
		return nil
	}

	if used == cap(vl.entries) {
		newSize := cap(vl.entries) * 2
		if newSize == 0 {
			newSize = 1
		}

		newEntries := make([]validateEntry, used, newSize)
		copy(newEntries, vl.entries)
		vl.entries = newEntries
	}

	vl.entries = append(vl.entries, validateEntry{
		buf:   Reference(buf),
		flags: flags,
	})
	return nil
}

// Foreach calls callback for every buffer in the list in insertion order, stopping at the first error
func (vl *ValidateList) Foreach(callback func(buf Buffer) error) error {
	for i := 0; i < len(vl.entries); i++ {
		err := callback(vl.entries[i].buf)
		if err != nil {
			return err
		}
	}

	return nil
}

// Validate validates every buffer against this list. If any buffer fails, the buffers that were
// already validated are invalidated again before the error is returned.
func (vl *ValidateList) Validate() error {
	for i := 0; i < len(vl.entries); i++ {
		err := vl.entries[i].buf.Validate(vl, vl.entries[i].flags)
		if err != nil {
			for i > 0 {
				i--
				_ = vl.entries[i].buf.Validate(nil, 0)
			}
			return err
		}
	}

	return nil
}

// Fence attaches fence to every buffer in the list, drops the list's references, and empties
// the list. It must be called exactly once per submission, after every AddBuffer call.
func (vl *ValidateList) Fence(fence Fence) {
	for i := 0; i < len(vl.entries); i++ {
		vl.entries[i].buf.Fence(fence)
		Release(vl.entries[i].buf)
		vl.entries[i] = validateEntry{}
	}
	vl.entries = vl.entries[:0]
}

// Destroy drops every reference held by the list
func (vl *ValidateList) Destroy() {
	for i := 0; i < len(vl.entries); i++ {
		Release(vl.entries[i].buf)
	}
	vl.entries = nil
}

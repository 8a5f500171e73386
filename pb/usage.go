package pb

import (
	"math/bits"
	"strings"

	"github.com/cockroachdb/errors"
)

// Usage is a bitmask describing how a buffer is accessed: which processors read and write it and
// what it is bound as. It is used both as a buffer property and as the flags argument to map,
// validate and fence operations.
type Usage uint32

const (
	UsageCPURead Usage = 1 << iota
	UsageCPUWrite
	UsageGPURead
	UsageGPUWrite
	UsagePixel
	UsageVertex
	UsageIndex
	UsageConstant
	// UsageDiscard indicates the caller does not care about the previous contents of a mapping
	UsageDiscard
	// UsageDontBlock asks a Map call to fail with ErrRetry instead of waiting on the GPU
	UsageDontBlock

	UsageCPUReadWrite = UsageCPURead | UsageCPUWrite
	UsageGPUReadWrite = UsageGPURead | UsageGPUWrite

	// UsageCustom is the first bit available to winsys-specific flags
	UsageCustom Usage = 1 << 16
)

var usageMapping = map[Usage]string{
	UsageCPURead:   "UsageCPURead",
	UsageCPUWrite:  "UsageCPUWrite",
	UsageGPURead:   "UsageGPURead",
	UsageGPUWrite:  "UsageGPUWrite",
	UsagePixel:     "UsagePixel",
	UsageVertex:    "UsageVertex",
	UsageIndex:     "UsageIndex",
	UsageConstant:  "UsageConstant",
	UsageDiscard:   "UsageDiscard",
	UsageDontBlock: "UsageDontBlock",
}

func (u Usage) String() string {
	if u == 0 {
		return "None"
	}

	var names []string
	for remaining := u; remaining != 0; {
		bit := Usage(1) << bits.TrailingZeros32(uint32(remaining))
		remaining &^= bit

		name, ok := usageMapping[bit]
		if !ok {
			name = "UsageCustom"
		}
		names = append(names, name)
	}

	return strings.Join(names, "|")
}

// Desc describes the requirements of a requested buffer. It is passed by value down a chain of
// managers.
type Desc struct {
	// Alignment is the required alignment of the buffer in bytes. 0 means no requirement.
	Alignment uint
	// Usage is the set of usage bits the buffer must support
	Usage Usage
}

// CheckDesc fails with ErrBadInput if the requested alignment is neither 0 nor a power of two
func CheckDesc(desc Desc) error {
	if desc.Alignment == 0 {
		return nil
	}

	err := CheckPow2(desc.Alignment, "alignment")
	if err != nil {
		return errors.WithSecondaryError(errors.Wrapf(ErrBadInput, "invalid alignment %d", desc.Alignment), err)
	}
	return nil
}

// CheckAlignment returns true if a buffer with the provided alignment satisfies the requested one:
// the provided alignment must be a multiple of the requested alignment.
func CheckAlignment(requested, provided uint) bool {
	if requested == 0 {
		return true
	}
	if requested > provided {
		return false
	}
	return provided%requested == 0
}

// CheckUsage returns true if every requested usage bit is present in the provided usage
func CheckUsage(requested, provided Usage) bool {
	return requested&provided == requested
}

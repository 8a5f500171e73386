package pb

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

// PowerOfTwoError is the error returned from CheckPow2 if the number being tested is not a power of two
var PowerOfTwoError = errors.New("number must be a power of two")

// CheckPow2 fails with PowerOfTwoError unless number is a positive power of two. name identifies
// the value in the error message.
func CheckPow2[T constraints.Integer](number T, name string) error {
	if number <= 0 || number&(number-1) != 0 {
		return errors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to a multiple of alignment
func AlignUp[T constraints.Integer](value T, alignment T) T {
	if alignment <= 1 {
		return value
	}
	return (value + alignment - 1) / alignment * alignment
}

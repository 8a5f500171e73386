//go:build !debug_pipebuffer

package pb

// DebugEnabled is true when the module is built with the debug_pipebuffer build tag
const DebugEnabled = false

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_pipebuffer build tag is present
func DebugValidate(validatable Validatable) {
}

// DebugAssert panics with the provided message if condition is false. This method no-ops unless the
// debug_pipebuffer build tag is present.
func DebugAssert(condition bool, message string) {
}

package pb

// Validatable is implemented by structures that can check their own bookkeeping, such as heaps,
// fenced buffer lists and slab managers. Validate returns a descriptive error for the first
// inconsistency it finds.
type Validatable interface {
	Validate() error
}

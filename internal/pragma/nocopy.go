// Package pragma holds marker types checked by go vet.
package pragma

// DoNotCopy marks a struct whose address is handed out to callbacks,
// such as a Handle or a Pool. Embedding it makes go vet's copylocks check
// report copies made after first use.
type DoNotCopy struct{}

// Lock is never called. It only exists for the copylocks check.
func (*DoNotCopy) Lock() {}

// Unlock is never called. It only exists for the copylocks check.
func (*DoNotCopy) Unlock() {}

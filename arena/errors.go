package arena

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// OutOfGraphicsMemory is returned when no device memory type is compatible with a
// request, or when a request cannot be satisfied by any existing chunk plus one
// freshly-created chunk. Callers could in principle free resources and retry, but
// renderers generally treat it as fatal.
var OutOfGraphicsMemory error = errors.New("out of graphics memory")

// MemoryNotHostWritable is returned when a host write is attempted against a block
// that has no mapped pointer- that is, the block was allocated from device-local-only
// memory. This is a usage error at the call site and is never retried internally.
var MemoryNotHostWritable error = errors.New("memory is not host-writable")

// Package pin provides the address patterns ("pins") used to route calls
// between callers and handlers.
//
// A Pattern is an immutable, ordered set of key/value pairs such as
// role:create,cmd:save. Values are scalars (strings, numbers, booleans) or
// the wildcard marker "*". Declaration order is preserved because queue
// naming depends on it; routing-key derivation sorts keys itself.
package pin

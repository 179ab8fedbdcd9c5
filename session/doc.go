// Package session implements the Redis-backed session store: the
// authoritative record of which credential pairs are currently valid.
//
// A session is a Redis hash holding the SHA-256 of the current access and
// refresh credentials plus lifetime metadata. Secondary index keys resolve
// a presented credential hash to its session in one point lookup. Rotation
// swaps both hashes atomically through a Lua compare-and-swap keyed on the
// refresh hash, which is what makes stale-credential replay detectable.
package session

// Package hash provides CRC32-Castagnoli checksums.
//
// Remote payload stores send a CRC32C with every upload so the object store
// can reject corrupted bodies:
//
//	checksum := hash.CRC32C(data)
package hash

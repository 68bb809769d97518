// Package cache holds recently read tile payloads in memory.
//
// The LRU is bounded by bytes and, when given a resource.Controller, by the
// deployment's shared memory budget as well.
package cache

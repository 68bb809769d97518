// Package testutil provides deterministic fixtures for tests: seeded random
// payloads and tile record builders.
package testutil

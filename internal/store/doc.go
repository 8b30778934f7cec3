// Package store wires record store backends. The backends themselves live in
// the memory, sqlite and postgres subpackages and implement
// harvest.RecordStore.
package store

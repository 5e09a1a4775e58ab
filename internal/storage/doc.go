// Package storage persists execution records.
//
// The engine hands every execution to a Store twice: once when it is created
// (PENDING) and once when it reaches a terminal state. Both writes carry the
// same execution id; the later one replaces the earlier.
package storage

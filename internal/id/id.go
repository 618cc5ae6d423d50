// Package id provides identifier generation utilities.
//
// This is the canonical source for ID generation across the snoopwire
// codebase. Request ids come from a Sequence so that capture order is
// reflected in the ids themselves; short random hex ids are used for
// log correlation where ordering does not matter.
package id

import (
	"crypto/rand"
	"encoding/hex"
	"sync/atomic"
)

// Sequence issues strictly increasing int64 identifiers.
// The zero value is ready to use; the first id issued is 1.
type Sequence struct {
	n atomic.Int64
}

// Next returns the next id in the sequence.
func (s *Sequence) Next() int64 {
	return s.n.Add(1)
}

// Current returns the most recently issued id, or 0 if none.
func (s *Sequence) Current() int64 {
	return s.n.Load()
}

// Short generates a short random hex ID (16 characters).
// Suitable for log correlation where brevity matters.
func Short() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

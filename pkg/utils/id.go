package utils

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// Sequence hands out decimal identifiers "1", "2", ... that are never
// reused for the lifetime of the Sequence.
type Sequence struct {
	n atomic.Uint64
}

// Next returns the next identifier.
func (s *Sequence) Next() string {
	return strconv.FormatUint(s.n.Add(1), 10)
}

// GenerateInstanceID returns a random id naming this process on shared
// channels.
func GenerateInstanceID() string {
	return uuid.NewString()
}

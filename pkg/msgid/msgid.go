// Package msgid produces the two identifier kinds the messaging core
// needs: random correlation ids for ack/nack matching on the broker
// path, and durable per-device sequence numbers for the client's
// secondary send channel.
package msgid

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Correlation returns a fresh globally unique message id for a downstream
// envelope. Ids carry no ordering meaning; they exist only so the
// broker's ack/nack can be matched to the send.
func Correlation() string {
	return "m-" + uuid.NewString()
}

// Sequence issues strictly increasing message ids for one device. An id
// is only considered issued once its durable write has succeeded; on
// write failure the caller must fail the send rather than reuse a value.
type Sequence interface {
	Next(ctx context.Context) (int64, error)
}

// MemorySequence is an in-process Sequence for tests and single-run
// tooling. It offers no durability across restarts.
type MemorySequence struct {
	mu   sync.Mutex
	last int64
}

// NewMemorySequence creates a MemorySequence starting after `last`.
func NewMemorySequence(last int64) *MemorySequence {
	if last < 0 {
		last = 0
	}
	return &MemorySequence{last: last}
}

// Next returns the next value in the sequence.
func (s *MemorySequence) Next(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last++
	return s.last, nil
}

var _ Sequence = (*MemorySequence)(nil)

// ErrSequenceUnavailable wraps failures of the durable counter backend.
var ErrSequenceUnavailable = fmt.Errorf("sequence counter unavailable")

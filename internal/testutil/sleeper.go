package testutil

import (
	"context"
	"sync"
	"time"
)

// RecordingSleeper implements retry.Sleeper without waiting. Every requested
// delay is recorded, and a cancelled context is still honoured.
//
// Thread-safety: safe for concurrent use.
type RecordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration

	// Clock, when set, is advanced by each delay.
	Clock *DeterministicClock
}

// Sleep records d and returns immediately.
func (s *RecordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	if s.Clock != nil {
		s.Clock.Advance(d)
	}
	return nil
}

// Delays returns the recorded delays in call order.
func (s *RecordingSleeper) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

// Reset forgets every recorded delay.
func (s *RecordingSleeper) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = nil
}

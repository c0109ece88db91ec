package messaging

import (
	"context"
	"errors"
	"time"
)

// ErrAckTimeout is returned by AckSlot.Wait when the deadline passes first
var ErrAckTimeout = errors.New("messaging: acknowledgement timeout")

// AckSlot is a single-use rendezvous between a transport callback and the
// goroutine waiting for it. The slot holds at most one acknowledgement;
// deliveries that find it full, or that arrive after the waiter gave up, are
// dropped without blocking.
type AckSlot struct {
	ch chan Ack
}

// NewAckSlot creates an empty slot
func NewAckSlot() *AckSlot {
	return &AckSlot{ch: make(chan Ack, 1)}
}

// Deliver stores ack if the slot is empty. It never blocks.
func (s *AckSlot) Deliver(ack Ack) bool {
	select {
	case s.ch <- ack:
		return true
	default:
		return false
	}
}

// Callback returns an AckFunc feeding this slot
func (s *AckSlot) Callback() AckFunc {
	return func(ack Ack) {
		s.Deliver(ack)
	}
}

// Wait blocks until an acknowledgement arrives, timeout elapses or ctx is done
func (s *AckSlot) Wait(ctx context.Context, timeout time.Duration) (Ack, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ack := <-s.ch:
		return ack, nil
	case <-timer.C:
		return Ack{}, ErrAckTimeout
	case <-ctx.Done():
		return Ack{}, ctx.Err()
	}
}

package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAckSlot(t *testing.T) {
	t.Run("Wait returns delivered ack", func(t *testing.T) {
		slot := NewAckSlot()
		go slot.Callback()(Ack{PacketID: 3, Code: AckCodeSuccess})

		ack, err := slot.Wait(context.Background(), time.Second)
		require.NoError(t, err)
		assert.True(t, ack.OK())
		assert.Equal(t, uint16(3), ack.PacketID)
	})

	t.Run("Wait times out without ack", func(t *testing.T) {
		slot := NewAckSlot()

		start := time.Now()
		_, err := slot.Wait(context.Background(), 20*time.Millisecond)
		assert.ErrorIs(t, err, ErrAckTimeout)
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	})

	t.Run("Wait honours context", func(t *testing.T) {
		slot := NewAckSlot()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := slot.Wait(ctx, time.Second)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("late and repeated deliveries never block", func(t *testing.T) {
		slot := NewAckSlot()
		_, err := slot.Wait(context.Background(), time.Millisecond)
		require.ErrorIs(t, err, ErrAckTimeout)

		var wg sync.WaitGroup
		delivered := make(chan bool, 10)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				delivered <- slot.Deliver(Ack{Code: AckCodeSuccess})
			}()
		}
		wg.Wait()
		close(delivered)

		accepted := 0
		for ok := range delivered {
			if ok {
				accepted++
			}
		}
		assert.Equal(t, 1, accepted)
	})
}

func TestAck_OK(t *testing.T) {
	assert.True(t, Ack{}.OK())
	assert.False(t, Ack{Code: 0x80}.OK())
	assert.False(t, Ack{Code: AckCodeSuccess, Err: errors.New("refused")}.OK())
}

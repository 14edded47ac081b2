package delivery_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/goMFA/delivery"
)

func TestThrottledLimitsPerTarget(t *testing.T) {
	var sent []string
	next := delivery.SenderFunc(func(_ context.Context, m delivery.Message) error {
		sent = append(sent, m.Target)
		return nil
	})
	th := delivery.NewThrottled(next, delivery.ThrottleConfig{Every: time.Hour, Burst: 2})
	ctx := context.Background()

	require.NoError(t, th.Send(ctx, delivery.Message{Channel: "sms", Target: "+1"}))
	require.NoError(t, th.Send(ctx, delivery.Message{Channel: "sms", Target: "+1"}))
	assert.ErrorIs(t, th.Send(ctx, delivery.Message{Channel: "sms", Target: "+1"}), delivery.ErrThrottled)
	require.NoError(t, th.Send(ctx, delivery.Message{Channel: "sms", Target: "+2"}))
	assert.Equal(t, []string{"+1", "+1", "+2"}, sent)
}

func TestThrottledWrapsSenderFailure(t *testing.T) {
	boom := errors.New("gateway down")
	th := delivery.NewThrottled(delivery.SenderFunc(func(context.Context, delivery.Message) error { return boom }), delivery.ThrottleConfig{})
	err := th.Send(context.Background(), delivery.Message{Target: "x"})
	assert.ErrorIs(t, err, delivery.ErrFailed)
}

func TestThrottledAppliesTimeout(t *testing.T) {
	th := delivery.NewThrottled(delivery.SenderFunc(func(ctx context.Context, _ delivery.Message) error {
		<-ctx.Done()
		return ctx.Err()
	}), delivery.ThrottleConfig{Timeout: 10 * time.Millisecond})
	err := th.Send(context.Background(), delivery.Message{Target: "slow"})
	assert.ErrorIs(t, err, delivery.ErrFailed)
}

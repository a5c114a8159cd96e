package input

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nhirsama/Goster-RC/src/inter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoller_EmitsEveryTick(t *testing.T) {
	var ticks atomic.Int32
	p := &Poller{
		Source:   SourceFunc(func() Snapshot { return Snapshot{Valid: true, Buttons: BtnRS | BtnX} }),
		Decoder:  Decoder{Role: RoleRight, Deadzone: testDeadzone},
		Interval: time.Millisecond,
	}

	var got []inter.Intent
	err := p.Run(context.Background(), NewSpeedState(inter.DefaultSpeed), func(in inter.Intent) error {
		got = append(got, in)
		if ticks.Add(1) == 5 {
			return ErrStopPolling
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 5)
	for _, in := range got {
		assert.Equal(t, inter.Intent{Forward: true, Speed: inter.SpeedMaximum}, in)
	}
}

func TestPoller_OnlyChanges(t *testing.T) {
	var n atomic.Int32
	src := SourceFunc(func() Snapshot {
		// 前 10 次相同，之后转向
		if n.Add(1) <= 10 {
			return Snapshot{Valid: true, Buttons: BtnRS}
		}
		return Snapshot{Valid: true, Buttons: BtnRS, Right: Stick{Y: 1000}}
	})
	p := &Poller{Source: src, Decoder: Decoder{Role: RoleRight, Deadzone: testDeadzone}, Interval: time.Millisecond, OnlyChanges: true}

	var got []inter.Intent
	err := p.Run(context.Background(), NewSpeedState(inter.DefaultSpeed), func(in inter.Intent) error {
		got = append(got, in)
		if len(got) == 2 {
			return ErrStopPolling
		}
		return nil
	})
	require.NoError(t, err)
	assert.False(t, got[0].Right)
	assert.True(t, got[1].Right)
	assert.GreaterOrEqual(t, n.Load(), int32(11))
}

func TestPoller_CancelAndError(t *testing.T) {
	p := &Poller{Source: SourceFunc(func() Snapshot { return Snapshot{} }), Decoder: Decoder{Role: RoleLeft}, Interval: time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Run(ctx, NewSpeedState(inter.DefaultSpeed), func(in inter.Intent) error {
		assert.Equal(t, inter.Intent{Speed: inter.DefaultSpeed}, in, "断开的手柄输出空闲意图")
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	boom := errors.New("boom")
	err = p.Run(context.Background(), NewSpeedState(inter.DefaultSpeed), func(inter.Intent) error { return boom })
	assert.ErrorIs(t, err, boom)
}

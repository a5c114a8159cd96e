package memlink

import (
	"context"
	"testing"
	"time"

	"github.com/nhirsama/Goster-RC/src/inter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLink_ScanVisibility(t *testing.T) {
	l := New().Advertise("QCAR-0000001", "A", 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	found, err := l.Scan(ctx, inter.ScanFilter{})
	require.NoError(t, err)
	assert.Empty(t, found, "广播开始前不可见")

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	found, err = l.Scan(ctx2, inter.ScanFilter{NamePrefix: "QCAR"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "A", found[0].ID)
	assert.Equal(t, 2, l.Calls("Scan"))
}

func TestLink_WriteAndFailures(t *testing.T) {
	l := New().Advertise("QCAR-0000001", "A", 0).FailConnects(1).FailWrites(1)
	ctx := context.Background()

	_, err := l.Connect(ctx, "A")
	assert.ErrorIs(t, err, ErrInjected)
	_, err = l.Connect(ctx, "B")
	assert.ErrorIs(t, err, ErrUnknownDevice)
	assert.ErrorIs(t, err, inter.ErrLinkError)

	h, err := l.Connect(ctx, "A")
	require.NoError(t, err)
	frame := make([]byte, inter.FrameSize)
	frame[15] = 0x7f

	assert.ErrorIs(t, h.Write(ctx, frame), ErrInjected)
	require.NoError(t, h.Write(ctx, frame))
	assert.ErrorIs(t, h.Write(ctx, frame[:8]), inter.ErrInvalidFrame)

	last, ok := l.LastFrame("A")
	require.True(t, ok)
	assert.Equal(t, byte(0x7f), last[15])
	assert.Len(t, l.Sent(), 1)

	var got []byte
	require.NoError(t, h.EnableNotifications(func(p []byte) { got = p }))
	assert.True(t, l.Notify("A", []byte{9}))
	assert.Equal(t, []byte{9}, got)

	require.NoError(t, h.Disconnect())
	require.NoError(t, h.Disconnect())
	assert.Equal(t, 1, l.Calls("Disconnect"))
	assert.ErrorIs(t, h.Write(ctx, frame), ErrClosed)
	assert.False(t, l.Notify("A", []byte{9}))
}

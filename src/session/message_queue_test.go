package session

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/nhirsama/Goster-RC/src/inter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageQueue(t *testing.T) {
	q := NewMessageQueue(2)

	assert.True(t, q.IsEmpty("car"))
	_, ok := q.Pop("car")
	assert.False(t, ok)

	require.NoError(t, q.Push("car", []byte{1}))
	require.NoError(t, q.Push("car", []byte{2}))
	// 队列已满，丢弃最早的一条
	require.NoError(t, q.Push("car", []byte{3}))

	got, ok := q.Pop("car")
	require.True(t, ok)
	assert.Equal(t, []byte{2}, got)
	got, _ = q.Pop("car")
	assert.Equal(t, []byte{3}, got)
	assert.True(t, q.IsEmpty("car"))

	// 不同设备互不影响
	require.NoError(t, q.Push("other", []byte{9}))
	assert.True(t, q.IsEmpty("car"))
	assert.False(t, q.IsEmpty("other"))
}

func TestGarage(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.link.Advertise("QCAR-0000001", carID, 0)
	f.link.Advertise("QCAR-0000002", "F4:12:FA:00:00:02", 0)
	require.NoError(t, f.reg.Set(ctx, carName, carID))
	require.NoError(t, f.reg.Set(ctx, "AUTO_2", "F4:12:FA:00:00:02"))

	g := NewGarage(f.link, f.reg, f.cache, f.codec, testOptions())
	g.Logger = log.New(io.Discard, "", 0)

	s1, err := g.Open(ctx, carName)
	require.NoError(t, err)
	again, err := g.Open(ctx, carName)
	require.NoError(t, err)
	assert.Same(t, s1, again, "已连接的会话被复用")
	assert.Equal(t, 1, f.link.Calls("Connect"))

	_, err = g.Open(ctx, "NOPE")
	assert.ErrorIs(t, err, inter.ErrUnknownVehicleName)

	list, err := g.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, carName, list[0].Name)
	assert.True(t, list[0].Connected)
	assert.Equal(t, "AUTO_2", list[1].Name)
	assert.False(t, list[1].Connected)
	assert.Equal(t, "disconnected", list[1].StateName)

	require.NoError(t, s1.MoveForward(ctx, 0x64, 0))
	require.NoError(t, g.StopAll(ctx))
	last, _ := f.link.LastFrame(carID)
	assert.Equal(t, f.codec.Stop(), last)

	g.CloseAll()
	_, ok := g.Get(carName)
	assert.False(t, ok)
	assert.Equal(t, inter.StateDisconnected, s1.State())
}

func TestGarage_ConcurrentOpen(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.link.Advertise("QCAR-0000001", carID, 5*time.Millisecond)
	require.NoError(t, f.reg.Set(ctx, carName, carID))

	g := NewGarage(f.link, f.reg, f.cache, f.codec, testOptions())
	g.Logger = log.New(io.Discard, "", 0)

	var wg sync.WaitGroup
	got := make([]*Session, 4)
	for i := range got {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := g.Open(ctx, carName)
			assert.NoError(t, err)
			got[i] = s
		}()
	}
	wg.Wait()

	for _, s := range got {
		assert.Same(t, got[0], s)
	}
	assert.Equal(t, 1, f.link.Calls("Connect"))

	g.CloseAll()
	assert.Equal(t, 1, f.link.Calls("Disconnect"), "没有遗留的链路句柄")
}

func TestGarage_OpenFailureNotRetained(t *testing.T) {
	f := setup(t)
	g := NewGarage(f.link, f.reg, f.cache, f.codec, testOptions())
	g.Logger = log.New(io.Discard, "", 0)

	_, err := g.Open(context.Background(), "NOPE")
	assert.ErrorIs(t, err, inter.ErrUnknownVehicleName)
	_, ok := g.Get("NOPE")
	assert.False(t, ok)
}

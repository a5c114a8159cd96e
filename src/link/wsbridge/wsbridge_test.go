package wsbridge

import (
	"context"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nhirsama/Goster-RC/src/inter"
	"github.com/nhirsama/Goster-RC/src/link/memlink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const carID = "F4:12:FA:00:00:01"

func startBridge(t *testing.T) (*memlink.Link, *Link, *httptest.Server) {
	t.Helper()
	mem := memlink.New()
	srv := NewServer(mem)
	srv.Logger = log.New(io.Discard, "", 0)
	ts := httptest.NewServer(srv)

	client := NewLink("ws" + strings.TrimPrefix(ts.URL, "http"))
	client.Logger = log.New(io.Discard, "", 0)
	t.Cleanup(func() {
		_ = client.Close()
		ts.Close()
	})
	return mem, client, ts
}

func TestBridge_RoundTrip(t *testing.T) {
	mem, client, _ := startBridge(t)
	mem.Advertise("QCAR-0000001", carID, 0)
	ctx := context.Background()

	scanCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	found, err := client.Scan(scanCtx, inter.ScanFilter{NamePrefix: "QCAR"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, carID, found[0].ID)
	assert.Equal(t, "QCAR-0000001", found[0].Name)

	h, err := client.Connect(ctx, carID)
	require.NoError(t, err)
	assert.Equal(t, carID, h.DeviceID())

	got := make(chan []byte, 1)
	require.NoError(t, h.EnableNotifications(func(p []byte) { got <- p }))

	frame := make([]byte, inter.FrameSize)
	frame[0] = 0xe1
	require.NoError(t, h.Write(ctx, frame))
	last, ok := mem.LastFrame(carID)
	require.True(t, ok)
	assert.Equal(t, byte(0xe1), last[0])

	require.True(t, mem.Notify(carID, []byte{0x01, 0x02}))
	select {
	case p := <-got:
		assert.Equal(t, []byte{0x01, 0x02}, p)
	case <-time.After(time.Second):
		t.Fatal("未收到通知")
	}

	require.NoError(t, h.Disconnect())
	require.NoError(t, h.Disconnect())
	assert.Eventually(t, func() bool { return mem.Calls("Disconnect") == 1 }, time.Second, 5*time.Millisecond)
}

func TestBridge_ScanTimeout(t *testing.T) {
	_, client, _ := startBridge(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	found, err := client.Scan(ctx, inter.ScanFilter{NamePrefix: "QCAR"})
	assert.NoError(t, err)
	assert.Empty(t, found)
}

func TestBridge_ScanExclude(t *testing.T) {
	mem, client, _ := startBridge(t)
	mem.Advertise("QCAR-0000001", carID, 0)
	mem.Advertise("QCAR-0000002", "F4:12:FA:00:00:02", 0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	found, err := client.Scan(ctx, inter.ScanFilter{
		NamePrefix: "QCAR",
		Exclude:    map[string]struct{}{carID: {}},
	})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "F4:12:FA:00:00:02", found[0].ID)
}

func TestBridge_Errors(t *testing.T) {
	mem, client, _ := startBridge(t)
	ctx := context.Background()

	_, err := client.Connect(ctx, carID)
	assert.ErrorIs(t, err, inter.ErrLinkError)
	assert.Contains(t, err.Error(), "设备不存在")

	mem.Advertise("QCAR-0000001", carID, 0).FailWrites(1)
	h, err := client.Connect(ctx, carID)
	require.NoError(t, err)
	err = h.Write(ctx, make([]byte, inter.FrameSize))
	assert.ErrorIs(t, err, inter.ErrLinkError)
	assert.Contains(t, err.Error(), "注入的故障")

	assert.ErrorIs(t, h.Write(ctx, []byte{1, 2, 3}), inter.ErrInvalidFrame)
}

func TestBridge_Redial(t *testing.T) {
	mem, client, _ := startBridge(t)
	mem.Advertise("QCAR-0000001", carID, 0)
	h, err := client.Connect(context.Background(), carID)
	require.NoError(t, err)

	require.NoError(t, client.Close())
	assert.False(t, client.connected())
	// 服务端在客户端离开时释放设备
	assert.Eventually(t, func() bool { return mem.Calls("Disconnect") == 1 }, time.Second, 5*time.Millisecond)

	// 重新拨号后旧设备连接已不存在
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = h.Write(ctx, make([]byte, inter.FrameSize))
	assert.ErrorIs(t, err, inter.ErrLinkError)
	assert.Contains(t, err.Error(), "设备未连接")

	h2, err := client.Connect(ctx, carID)
	require.NoError(t, err)
	require.NoError(t, h2.Write(ctx, make([]byte, inter.FrameSize)))
	assert.Len(t, mem.Frames(carID), 1)
}

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nhirsama/Goster-RC/src/input"
	"github.com/nhirsama/Goster-RC/src/inter"
	"github.com/nhirsama/Goster-RC/src/link/memlink"
	"github.com/nhirsama/Goster-RC/src/link/wsbridge"
	"github.com/nhirsama/Goster-RC/src/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// 模拟环境: 一台广播中的车辆挂在 websocket 桥接后面
// =============================================================================

const (
	simCarName = "QCAR-0000001"
	simCarID   = "F4:12:FA:00:00:01"
)

type simEnv struct {
	dir    string
	config string
	car    *memlink.Link
}

func newSimEnv(t *testing.T) *simEnv {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	car := memlink.New().Advertise(simCarName, simCarID, 0)
	srv := wsbridge.NewServer(car)
	srv.Logger = log.New(io.Discard, "", 0)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	cfg := fmt.Sprintf(`
store:
  backend: json
  vehicle_list: %s
  commands_file: %s
link:
  kind: bridge
  bridge_url: %s
timing:
  scan_timeout: 500ms
  scan_retries: 2
  scan_retry_delay: 10ms
  connect_timeout: 500ms
  write_timeout: 500ms
  backoff_initial: 1ms
  backoff_max: 5ms
  repeat_interval: 2ms
  poll_interval: 2ms
`, filepath.Join(dir, "vehicle_list.json"), filepath.Join(dir, "commands.json"),
		"ws"+strings.TrimPrefix(ts.URL, "http"))
	path := filepath.Join(dir, "rc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0644))
	return &simEnv{dir: dir, config: path, car: car}
}

func (e *simEnv) run(ctx context.Context, args ...string) (string, error) {
	var out bytes.Buffer
	args = append(args, "--config", e.config)
	err := run(ctx, args, &out)
	return out.String(), err
}

func TestRun_Usage(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), nil, &out))
	assert.Contains(t, out.String(), "precompute")

	out.Reset()
	err := run(context.Background(), []string{"fly"}, &out)
	assert.Error(t, err)
	assert.Contains(t, out.String(), "用法")
}

func TestSimulation_Precompute(t *testing.T) {
	e := newSimEnv(t)

	out, err := e.run(context.Background(), "precompute", "--verify")
	require.NoError(t, err)
	assert.Contains(t, out, "已预计算 46 条控制帧")
	assert.Contains(t, out, "校验通过")

	raw, err := os.ReadFile(filepath.Join(e.dir, "commands.json"))
	require.NoError(t, err)
	var doc struct {
		Fingerprint string            `json:"fingerprint"`
		Frames      map[string]string `json:"frames"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Len(t, doc.Frames, 46)
	assert.True(t, strings.HasPrefix(doc.Fingerprint, "ctl-v1:"))
}

func TestSimulation_NameAndList(t *testing.T) {
	e := newSimEnv(t)
	ctx := context.Background()

	out, err := e.run(ctx, "name", "AUTO_1")
	require.NoError(t, err)
	assert.Contains(t, out, "AUTO_1 -> "+simCarID)

	// 已注册的车不会被再次命名
	_, err = e.run(ctx, "name", "AUTO_2")
	assert.ErrorIs(t, err, inter.ErrDeviceNotFound)

	out, err = e.run(ctx, "list", "--json")
	require.NoError(t, err)
	var vs []map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &vs))
	require.Len(t, vs, 1)
	assert.Equal(t, map[string]string{"name": "AUTO_1", "device_id": simCarID}, vs[0])

	out, err = e.run(ctx, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "AUTO_1")
	assert.NotContains(t, out, "STATE")
}

func TestSimulation_Drive(t *testing.T) {
	e := newSimEnv(t)
	codec := protocol.NewCommandCodec()

	out, err := e.run(context.Background(), "drive", "AUTO_1", "--step", "10ms")
	require.NoError(t, err)
	assert.Contains(t, out, "已将 "+simCarID+" 命名为 AUTO_1")
	assert.Contains(t, out, "左后")

	frames := e.car.Frames(simCarID)
	require.NotEmpty(t, frames)
	assert.Contains(t, frames, codec.Encode(inter.Intent{Forward: true, Speed: inter.DefaultSpeed}))
	assert.Contains(t, frames, codec.Encode(inter.Intent{Backward: true, Left: true, Speed: inter.DefaultSpeed}))
	assert.Equal(t, codec.Stop(), frames[len(frames)-1], "退出时停车")
	assert.Equal(t, 1, e.car.Calls("Connect"))
	assert.Equal(t, 1, e.car.Calls("Disconnect"))
}

// fakeController 持续按住 SR 的右手柄
type fakeController struct {
	closed chan struct{}
}

func (f *fakeController) Snapshot() input.Snapshot {
	return input.Snapshot{Valid: true, Buttons: input.BtnRS | input.BtnX}
}

func (f *fakeController) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeController) Close() error {
	close(f.closed)
	return nil
}

func TestSimulation_Joycon(t *testing.T) {
	e := newSimEnv(t)
	codec := protocol.NewCommandCodec()

	fake := &fakeController{closed: make(chan struct{})}
	orig := openController
	openController = func(role input.Role) (controller, error) {
		if role != input.RoleRight {
			return nil, fmt.Errorf("unexpected role %s", role)
		}
		return fake, nil
	}
	t.Cleanup(func() { openController = orig })

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := e.run(ctx, "joycon", "AUTO_1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-fake.closed:
	default:
		t.Fatal("手柄未关闭")
	}

	frames := e.car.Frames(simCarID)
	require.NotEmpty(t, frames)
	// X 键对应最高档
	assert.Contains(t, frames, codec.Encode(inter.Intent{Forward: true, Speed: inter.SpeedMaximum}))
	assert.Equal(t, codec.Stop(), frames[len(frames)-1])
}

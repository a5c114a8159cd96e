package inter

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntentCanonical(t *testing.T) {
	tests := []struct {
		name string
		in   Intent
		want Intent
		key  string
	}{
		{"零值", Intent{}, Intent{}, "00000"},
		{"前进", Intent{Forward: true, Speed: 0x16}, Intent{Forward: true, Speed: 0x16}, "100022"},
		{"后退优先", Intent{Forward: true, Backward: true, Speed: 0x32}, Intent{Backward: true, Speed: 0x32}, "010050"},
		{"左右抵消", Intent{Forward: true, Left: true, Right: true, Speed: 0x48}, Intent{Forward: true, Speed: 0x48}, "100072"},
		{"速度为零即停车", Intent{Forward: true, Left: true}, Intent{}, "00000"},
		{"上限夹紧", Intent{Right: true, Speed: 300}, Intent{Right: true, Speed: 255}, "0001255"},
		{"负速度夹紧", Intent{Backward: true, Speed: -5}, Intent{}, "00000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.Canonical())
			assert.Equal(t, tt.key, tt.in.Key())
			assert.Equal(t, tt.want == Intent{}, tt.in.IsNeutral())
		})
	}
}

func TestIntentInRange(t *testing.T) {
	assert.True(t, Intent{Speed: 0}.InRange())
	assert.True(t, Intent{Speed: 255}.InRange())
	assert.False(t, Intent{Speed: 256}.InRange())
	assert.False(t, Intent{Speed: -1}.InRange())
}

func TestFrameFromBytes(t *testing.T) {
	b := make([]byte, FrameSize)
	b[0] = 0xaa
	f, err := FrameFromBytes(b)
	require.NoError(t, err)
	assert.Equal(t, byte(0xaa), f[0])

	// Bytes 返回拷贝
	out := f.Bytes()
	out[0] = 0
	assert.Equal(t, byte(0xaa), f[0])

	_, err = FrameFromBytes(b[:15])
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestScanFilterMatches(t *testing.T) {
	d := DeviceDescriptor{ID: "F4:12:FA:00:00:01", Name: "QCAR-0000001"}

	assert.True(t, ScanFilter{}.Matches(d))
	assert.True(t, ScanFilter{NamePrefix: "QCAR"}.Matches(d))
	assert.False(t, ScanFilter{NamePrefix: "JOY"}.Matches(d))
	assert.True(t, ScanFilter{DeviceID: "f4:12:fa:00:00:01"}.Matches(d))
	assert.True(t, ScanFilter{DeviceID: "QCAR-0000001"}.Matches(d))
	assert.False(t, ScanFilter{DeviceID: "F4:12:FA:00:00:02"}.Matches(d))

	ex := map[string]struct{}{"F4:12:FA:00:00:01": {}}
	assert.False(t, ScanFilter{NamePrefix: "QCAR", Exclude: ex}.Matches(d))
}

func TestLinkError(t *testing.T) {
	assert.NoError(t, NewLinkError("write", "x", nil))

	err := NewLinkError("write", "F4:12:FA:00:00:01", io.ErrClosedPipe)
	assert.ErrorIs(t, err, ErrLinkError)
	assert.ErrorIs(t, err, io.ErrClosedPipe)

	var le *LinkError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, "write", le.Op)
	assert.Contains(t, err.Error(), "F4:12:FA:00:00:01")
}

func TestSessionStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
}

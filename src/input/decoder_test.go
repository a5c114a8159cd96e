package input

import (
	"testing"

	"github.com/nhirsama/Goster-RC/src/inter"
	"github.com/stretchr/testify/assert"
)

const testDeadzone = 204

func TestDecode_Bindings(t *testing.T) {
	cases := []struct {
		name string
		role Role
		snap Snapshot
		want inter.Intent
	}{
		{"plus_SR前进", RoleRight, Snapshot{Valid: true, Buttons: BtnRS}, inter.Intent{Forward: true, Speed: inter.DefaultSpeed}},
		{"plus_SL后退", RoleRight, Snapshot{Valid: true, Buttons: BtnRL}, inter.Intent{Backward: true, Speed: inter.DefaultSpeed}},
		{"plus_摇杆负向左转", RoleRight, Snapshot{Valid: true, Right: Stick{Y: -1000}}, inter.Intent{Left: true, Speed: inter.DefaultSpeed}},
		{"plus_摇杆正向右转", RoleRight, Snapshot{Valid: true, Buttons: BtnRS, Right: Stick{Y: 1500}}, inter.Intent{Forward: true, Right: true, Speed: inter.DefaultSpeed}},
		{"plus_忽略左手柄按键", RoleRight, Snapshot{Valid: true, Buttons: BtnLS, Left: Stick{Y: 2000}}, inter.Intent{Speed: inter.DefaultSpeed}},
		{"minus_SR前进", RoleLeft, Snapshot{Valid: true, Buttons: BtnLS}, inter.Intent{Forward: true, Speed: inter.DefaultSpeed}},
		{"minus_SL后退左转", RoleLeft, Snapshot{Valid: true, Buttons: BtnLL, Left: Stick{Y: -300}}, inter.Intent{Backward: true, Left: true, Speed: inter.DefaultSpeed}},
		{"minus_忽略右摇杆", RoleLeft, Snapshot{Valid: true, Right: Stick{Y: -2000}}, inter.Intent{Speed: inter.DefaultSpeed}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Decoder{Role: tc.role, Deadzone: testDeadzone}
			got, _ := d.Decode(tc.snap, NewSpeedState(inter.DefaultSpeed))
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecode_DeadzoneBoundary(t *testing.T) {
	d := Decoder{Role: RoleRight, Deadzone: testDeadzone}
	st := NewSpeedState(inter.DefaultSpeed)

	at := func(y int) inter.Intent {
		in, _ := d.Decode(Snapshot{Valid: true, Right: Stick{Y: y}}, st)
		return in
	}

	assert.False(t, at(testDeadzone).Right, "恰好等于死区时不转向")
	assert.False(t, at(-testDeadzone).Left, "恰好等于死区时不转向")
	assert.True(t, at(testDeadzone+1).Right)
	assert.True(t, at(-testDeadzone-1).Left)
	assert.False(t, at(0).Left || at(0).Right)
}

func TestDecode_Rotated(t *testing.T) {
	d := Decoder{Role: RoleRight, Deadzone: testDeadzone, Rotated: true}
	in, _ := d.Decode(Snapshot{Valid: true, Right: Stick{X: 900, Y: -900}}, NewSpeedState(inter.DefaultSpeed))
	assert.True(t, in.Right)
	assert.False(t, in.Left)
}

func TestDecode_SpeedEdge(t *testing.T) {
	d := Decoder{Role: RoleRight, Deadzone: testDeadzone}
	st := NewSpeedState(inter.DefaultSpeed)
	hold := Snapshot{Valid: true, Buttons: BtnA | BtnRS}

	changes := 0
	prev := st.Speed
	for tick := 0; tick < 10; tick++ {
		var in inter.Intent
		in, st = d.Decode(hold, st)
		if st.Speed != prev {
			changes++
			prev = st.Speed
		}
		assert.Equal(t, st.Speed, in.Speed)

		if tick == 3 {
			// 按住期间外部自定义速度，不应被持续按键覆盖
			st = st.Override(0x21)
			prev = st.Speed
		}
	}
	assert.Equal(t, 1, changes, "按住档位键只在按下沿生效一次")
	assert.Equal(t, 0x21, st.Speed)

	// 松开后再次按下重新生效
	_, st = d.Decode(Snapshot{Valid: true}, st)
	_, st = d.Decode(hold, st)
	assert.Equal(t, inter.SpeedLow, st.Speed)
}

func TestDecode_SpeedButtons(t *testing.T) {
	cases := []struct {
		role Role
		btn  Buttons
		want int
	}{
		{RoleRight, BtnA, inter.SpeedLow},
		{RoleRight, BtnB, inter.SpeedMedium},
		{RoleRight, BtnY, inter.SpeedHigh},
		{RoleRight, BtnX, inter.SpeedMaximum},
		{RoleLeft, BtnLeft, inter.SpeedLow},
		{RoleLeft, BtnDown, inter.SpeedMedium},
		{RoleLeft, BtnRight, inter.SpeedHigh},
		{RoleLeft, BtnUp, inter.SpeedMaximum},
		// 同时按下时靠前的档位优先
		{RoleRight, BtnX | BtnA, inter.SpeedLow},
		{RoleLeft, BtnUp | BtnRight, inter.SpeedHigh},
		// 另一侧的档位键无效
		{RoleRight, BtnUp, inter.DefaultSpeed},
	}
	for _, tc := range cases {
		d := Decoder{Role: tc.role, Deadzone: testDeadzone}
		_, st := d.Decode(Snapshot{Valid: true, Buttons: tc.btn}, NewSpeedState(inter.DefaultSpeed))
		assert.Equal(t, tc.want, st.Speed, "role=%s buttons=%06x", tc.role, uint32(tc.btn))
	}
}

func TestDecode_InvalidSnapshotFailsSafe(t *testing.T) {
	d := Decoder{Role: RoleLeft, Deadzone: testDeadzone}
	st := NewSpeedState(inter.SpeedHigh)

	in, st2 := d.Decode(Snapshot{Valid: false, Buttons: BtnLS, Left: Stick{Y: 2000}}, st)
	assert.Equal(t, inter.Intent{Speed: inter.SpeedHigh}, in)
	assert.Equal(t, inter.SpeedHigh, st2.Speed)

	// 未知角色同样安全降级
	in, _ = Decoder{Role: Role(9)}.Decode(Snapshot{Valid: true, Buttons: BtnRS}, st)
	assert.Equal(t, inter.Intent{Speed: inter.SpeedHigh}, in)
}

func TestParseRole(t *testing.T) {
	r, ok := ParseRole("minus")
	assert.True(t, ok)
	assert.Equal(t, RoleLeft, r)

	r, ok = ParseRole("Plus")
	assert.True(t, ok)
	assert.Equal(t, RoleRight, r)

	_, ok = ParseRole("pro")
	assert.False(t, ok)
}

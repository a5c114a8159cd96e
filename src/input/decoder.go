package input

import (
	"github.com/nhirsama/Goster-RC/src/inter"
)

// Role 分体手柄的左右角色
type Role int

const (
	RoleRight Role = iota // Joy-Con (R)，"Plus"
	RoleLeft              // Joy-Con (L)，"Minus"
)

func (r Role) String() string {
	if r == RoleLeft {
		return "minus"
	}
	return "plus"
}

// ParseRole 解析 "plus"/"right"/"r" 与 "minus"/"left"/"l"
func ParseRole(s string) (Role, bool) {
	switch s {
	case "plus", "Plus", "right", "r", "R":
		return RoleRight, true
	case "minus", "Minus", "left", "l", "L":
		return RoleLeft, true
	default:
		return RoleRight, false
	}
}

// Buttons 按键位图: 右侧字节 | 公共字节<<8 | 左侧字节<<16，与 0x30 标准报告一致
type Buttons uint32

const (
	BtnY  Buttons = 0x01
	BtnX  Buttons = 0x02
	BtnB  Buttons = 0x04
	BtnA  Buttons = 0x08
	BtnRS Buttons = 0x10 // 右手柄 SR
	BtnRL Buttons = 0x20 // 右手柄 SL
	BtnR  Buttons = 0x40
	BtnZR Buttons = 0x80

	BtnMinus   Buttons = 0x01 << 8
	BtnPlus    Buttons = 0x02 << 8
	BtnRStick  Buttons = 0x04 << 8
	BtnLStick  Buttons = 0x08 << 8
	BtnHome    Buttons = 0x10 << 8
	BtnCapture Buttons = 0x20 << 8

	BtnDown  Buttons = 0x01 << 16
	BtnUp    Buttons = 0x02 << 16
	BtnRight Buttons = 0x04 << 16
	BtnLeft  Buttons = 0x08 << 16
	BtnLS    Buttons = 0x10 << 16 // 左手柄 SR
	BtnLL    Buttons = 0x20 << 16 // 左手柄 SL
	BtnL     Buttons = 0x40 << 16
	BtnZL    Buttons = 0x80 << 16
)

func (b Buttons) Has(mask Buttons) bool { return b&mask != 0 }

// Stick 摇杆偏移，以中心为 0 的有符号原始单位（12 位 ADC，约 ±2047）
type Stick struct {
	X int
	Y int
}

// Snapshot 一次轮询得到的手柄状态
type Snapshot struct {
	// Valid 为 false 表示手柄断开或报告不完整
	Valid   bool
	Buttons Buttons
	Left    Stick
	Right   Stick
}

// binding 某一角色的物理按键映射
type binding struct {
	forward  Buttons
	backward Buttons
	// speed 与 inter.SpeedPresets 一一对应，靠前者优先
	speed [4]Buttons
	stick func(Snapshot) Stick
}

var bindings = map[Role]binding{
	RoleRight: {
		forward:  BtnRS,
		backward: BtnRL,
		speed:    [4]Buttons{BtnA, BtnB, BtnY, BtnX},
		stick:    func(s Snapshot) Stick { return s.Right },
	},
	RoleLeft: {
		forward:  BtnLS,
		backward: BtnLL,
		speed:    [4]Buttons{BtnLeft, BtnDown, BtnRight, BtnUp},
		stick:    func(s Snapshot) Stick { return s.Left },
	},
}

// SpeedState 单个手柄会话的速度状态
type SpeedState struct {
	Speed int

	// held 上一次快照中按下的速度键，用于边沿检测
	held Buttons
}

// NewSpeedState 以给定初始速度创建速度状态
func NewSpeedState(speed int) SpeedState {
	return SpeedState{Speed: speed}
}

// Override 自定义速度，不影响边沿检测
func (s SpeedState) Override(speed int) SpeedState {
	s.Speed = speed
	return s
}

// Decoder 将手柄快照解码为控制意图，无状态、无 I/O
type Decoder struct {
	Role Role

	// Deadzone 摇杆死区（原始单位），|v| <= Deadzone 视为不转向
	Deadzone int

	// Rotated 单手柄横握模式，使用水平轴转向
	Rotated bool
}

// Decode 解码一次快照，返回意图与新的速度状态
// 快照无效时返回无方向意图并保留当前速度
func (d Decoder) Decode(snap Snapshot, state SpeedState) (inter.Intent, SpeedState) {
	b, ok := bindings[d.Role]
	if !ok || !snap.Valid {
		state.held = 0
		return inter.Intent{Speed: state.Speed}, state
	}

	// 速度键：只在按下沿生效
	var pressed Buttons
	for _, m := range b.speed {
		pressed |= snap.Buttons & m
	}
	edges := pressed &^ state.held
	for i, m := range b.speed {
		if edges.Has(m) {
			state.Speed = inter.SpeedPresets[i]
			break
		}
	}
	state.held = pressed

	intent := inter.Intent{
		Forward:  snap.Buttons.Has(b.forward),
		Backward: snap.Buttons.Has(b.backward),
		Speed:    state.Speed,
	}

	st := b.stick(snap)
	axis := st.Y
	if d.Rotated {
		axis = st.X
	}
	if axis < -d.Deadzone {
		intent.Left = true
	} else if axis > d.Deadzone {
		intent.Right = true
	}
	return intent, state
}

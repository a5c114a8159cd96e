package inter

import "fmt"

// =============================================================================
// Shell Motorsport (QCAR) 控制协议常量与类型定义
// =============================================================================

const (
	// FrameSize 控制帧固定长度，恰好是一个 AES 分组
	FrameSize = 16

	// SpeedMin / SpeedMax 速度字节的取值范围
	SpeedMin = 0x00
	SpeedMax = 0xFF
)

// 速度档位
const (
	SpeedLow     = 0x16
	SpeedMedium  = 0x32
	SpeedHigh    = 0x48
	SpeedMaximum = 0x64

	// DefaultSpeed 未按下任何档位键时使用的速度
	DefaultSpeed = 0x50
)

// SpeedPresets 预计算所覆盖的速度档位，顺序即档位键的优先级
var SpeedPresets = [4]int{SpeedLow, SpeedMedium, SpeedHigh, SpeedMaximum}

// BLE 服务与特征值
const (
	ServiceUUID16   uint16 = 0xFFF0
	WriteCharUUID          = "d44bc439-abfd-45a2-b575-925416129600"
	NotifyCharUUID         = "d44bc439-abfd-45a2-b575-925416129601"
	VehicleNameHint        = "QCAR"
)

// Intent 表示一条高层控制意图（编码前）
type Intent struct {
	Forward  bool `json:"forward"`
	Backward bool `json:"backward"`
	Left     bool `json:"left"`
	Right    bool `json:"right"`
	Speed    int  `json:"speed"`
}

// NeutralIntent 返回空闲/停车意图
func NeutralIntent() Intent { return Intent{} }

// Canonical 返回规范化后的意图:
//   - 速度夹紧到 [0, 255]
//   - 前进与后退同时请求时后退优先
//   - 左转与右转同时请求时互相抵消
//   - 速度为 0 时一律视为停车
func (i Intent) Canonical() Intent {
	out := i
	if out.Speed < SpeedMin {
		out.Speed = SpeedMin
	}
	if out.Speed > SpeedMax {
		out.Speed = SpeedMax
	}
	if out.Forward && out.Backward {
		out.Forward = false
	}
	if out.Left && out.Right {
		out.Left, out.Right = false, false
	}
	if out.Speed == 0 {
		return Intent{}
	}
	return out
}

// IsNeutral 判断规范化后是否为停车意图
func (i Intent) IsNeutral() bool {
	return i.Canonical() == Intent{}
}

// InRange 判断速度是否落在协议范围内（严格校验模式使用）
func (i Intent) InRange() bool {
	return i.Speed >= SpeedMin && i.Speed <= SpeedMax
}

// Key 返回规范化意图的缓存键，格式 "<f><b><l><r><speed>"，如 "100022"
func (i Intent) Key() string {
	c := i.Canonical()
	return fmt.Sprintf("%d%d%d%d%d", b2i(c.Forward), b2i(c.Backward), b2i(c.Left), b2i(c.Right), c.Speed)
}

func (i Intent) String() string {
	return fmt.Sprintf("forward=%d backward=%d left=%d right=%d speed=0x%02x",
		b2i(i.Forward), b2i(i.Backward), b2i(i.Left), b2i(i.Right), i.Speed)
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Frame 是一条加密后的 16 字节控制帧，值类型，产生后不可变
type Frame [FrameSize]byte

// Bytes 返回帧内容的拷贝
func (f Frame) Bytes() []byte {
	out := make([]byte, FrameSize)
	copy(out, f[:])
	return out
}

// FrameFromBytes 从切片构造 Frame，长度必须为 16
func FrameFromBytes(b []byte) (Frame, error) {
	var f Frame
	if len(b) != FrameSize {
		return f, fmt.Errorf("%w: got %d bytes", ErrInvalidFrame, len(b))
	}
	copy(f[:], b)
	return f, nil
}

// FrameCodec 定义控制帧编解码接口
type FrameCodec interface {
	// Encode 将意图编码为加密帧。越界速度先夹紧，不会失败
	Encode(intent Intent) Frame

	// EncodeStrict 与 Encode 相同，但越界速度返回 ErrInvalidIntent
	EncodeStrict(intent Intent) (Frame, error)

	// Decode 解密并解析一条帧，用于诊断
	Decode(frame Frame) (Intent, error)

	// Stop 返回文档约定的空闲/停车帧
	Stop() Frame
}

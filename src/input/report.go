package input

// Joy-Con 标准输入报告 (0x30) 布局
//
//	[0]     报告 ID 0x30
//	[1]     计时器
//	[2]     电量/连接信息
//	[3:6]   按键：右侧 / 公共 / 左侧
//	[6:9]   左摇杆，两个 12 位值打包
//	[9:12]  右摇杆
//	[12]    振动马达状态
//	[13:49] IMU 数据（此处不解析）
const (
	ReportStandardFull = 0x30
	reportMinLen       = 12

	stickCenter = 2048
)

// ParseReport 解析一条原始 HID 输入报告
// 报告 ID 不匹配或长度不足时返回无效快照
func ParseReport(data []byte) Snapshot {
	if len(data) < reportMinLen || data[0] != ReportStandardFull {
		return Snapshot{}
	}
	return Snapshot{
		Valid:   true,
		Buttons: Buttons(data[3]) | Buttons(data[4])<<8 | Buttons(data[5])<<16,
		Left:    unpackStick(data[6:9]),
		Right:   unpackStick(data[9:12]),
	}
}

func unpackStick(b []byte) Stick {
	x := int(b[0]) | int(b[1]&0x0F)<<8
	y := int(b[1]>>4) | int(b[2])<<4
	return Stick{X: x - stickCenter, Y: y - stickCenter}
}

// packStick unpackStick 的逆操作，供测试与模拟输入构造报告
func packStick(s Stick) [3]byte {
	x := clamp12(s.X + stickCenter)
	y := clamp12(s.Y + stickCenter)
	return [3]byte{byte(x), byte(x>>8) | byte(y<<4), byte(y >> 4)}
}

// BuildReport 由快照构造 0x30 报告，用于模拟输入源
func BuildReport(s Snapshot) []byte {
	out := make([]byte, 49)
	out[0] = ReportStandardFull
	out[2] = 0x8E // 满电，握把连接
	out[3] = byte(s.Buttons)
	out[4] = byte(s.Buttons >> 8)
	out[5] = byte(s.Buttons >> 16)
	l := packStick(s.Left)
	r := packStick(s.Right)
	copy(out[6:9], l[:])
	copy(out[9:12], r[:])
	return out
}

func clamp12(v int) int {
	if v < 0 {
		return 0
	}
	if v > 0x0FFF {
		return 0x0FFF
	}
	return v
}

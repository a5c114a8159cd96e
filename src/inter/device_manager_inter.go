package inter

import (
	"context"
	"strings"
)

// SessionState 会话连接状态
type SessionState int

const (
	StateDisconnected SessionState = iota // 未连接
	StateDiscovering                      // 扫描中
	StateConnecting                       // 连接中
	StateConnected                        // 已连接
	StateSending                          // 发送中
	StateReconnecting                     // 重连中
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateDiscovering:
		return "discovering"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSending:
		return "sending"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// DeviceDescriptor 扫描到的设备
type DeviceDescriptor struct {
	ID   string `json:"id"`   // 设备标识（MAC 地址或平台 UUID）
	Name string `json:"name"` // 广播名称
	RSSI int16  `json:"rssi"`
}

// ScanFilter 扫描过滤条件，零值匹配全部设备
type ScanFilter struct {
	// NamePrefix 广播名称前缀，通常为 "QCAR"
	NamePrefix string

	// DeviceID 仅匹配指定设备（按名称连接时使用），与 ID 或广播名称比较
	DeviceID string

	// Exclude 排除已注册的设备标识
	Exclude map[string]struct{}
}

// Matches 判断设备是否满足过滤条件
func (f ScanFilter) Matches(d DeviceDescriptor) bool {
	if f.DeviceID != "" && !strings.EqualFold(f.DeviceID, d.ID) && !strings.EqualFold(f.DeviceID, d.Name) {
		return false
	}
	if f.NamePrefix != "" && !strings.HasPrefix(d.Name, f.NamePrefix) {
		return false
	}
	if _, ok := f.Exclude[d.ID]; ok {
		return false
	}
	if _, ok := f.Exclude[d.Name]; ok && d.Name != "" {
		return false
	}
	return true
}

// RadioLink 无线链路能力（BLE 或其桥接）
type RadioLink interface {
	// Scan 扫描满足过滤条件的设备。
	// 发现第一个匹配设备后即可返回；ctx 到期仍未发现时返回空列表且 err 为 nil
	Scan(ctx context.Context, filter ScanFilter) ([]DeviceDescriptor, error)

	// Connect 连接设备并完成服务/特征值发现，失败返回 LinkError
	Connect(ctx context.Context, deviceID string) (LinkHandle, error)
}

// LinkHandle 单个已建立的链路
type LinkHandle interface {
	DeviceID() string

	// Write 向写特征值写入一帧，失败返回 LinkError
	Write(ctx context.Context, frame []byte) error

	// EnableNotifications 订阅通知特征值
	EnableNotifications(cb func(payload []byte)) error

	// Disconnect 断开链路，重复调用为空操作
	Disconnect() error
}

// MessageQueue 定义通知缓冲队列的底层操作接口
// 用于缓冲车辆通过通知特征值上报的原始数据
type MessageQueue interface {
	// Push 入队，队列满时丢弃最早的一条
	Push(deviceID string, payload []byte) error

	// Pop 取出最早的一条 (FIFO)
	// 返回: (数据, 是否存在)
	Pop(deviceID string) ([]byte, bool)

	IsEmpty(deviceID string) bool
}

package inter

import (
	"errors"
	"fmt"
)

// 会话与链路相关的标准错误
var (
	// ErrUnknownVehicleName 注册表中没有该名称
	ErrUnknownVehicleName = errors.New("session: 未注册的车辆名称")

	// ErrDeviceNotFound 扫描超时仍未发现设备
	ErrDeviceNotFound = errors.New("session: 扫描超时，未发现设备")

	// ErrLinkError 链路层连接或写入失败
	ErrLinkError = errors.New("link: 链路错误")

	// ErrConnectionLost 重连次数耗尽
	ErrConnectionLost = errors.New("session: 连接丢失，重试已耗尽")

	// ErrSessionBusy 上一帧仍在发送中
	ErrSessionBusy = errors.New("session: 会话忙，上一帧仍在发送")

	// ErrNotConnected 会话尚未建立连接
	ErrNotConnected = errors.New("session: 未连接")

	// ErrInvalidIntent 严格模式下意图越界
	ErrInvalidIntent = errors.New("protocol: 无效的控制意图")

	// ErrInvalidFrame 帧长度或内容不合法
	ErrInvalidFrame = errors.New("protocol: 无效的控制帧")

	// ErrRegistryMiss 注册表未命中
	ErrRegistryMiss = errors.New("registry: 名称不存在")

	// ErrStaleCache 持久化缓存与当前协议不一致
	ErrStaleCache = errors.New("cache: 持久化缓存已过期")
)

// LinkError 包装传输层错误，errors.Is 同时匹配 ErrLinkError 与原始原因
type LinkError struct {
	Op       string // scan / connect / write / disconnect
	DeviceID string
	Err      error
}

func (e *LinkError) Error() string {
	if e.DeviceID == "" {
		return fmt.Sprintf("link: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("link: %s %s: %v", e.Op, e.DeviceID, e.Err)
}

func (e *LinkError) Unwrap() []error {
	return []error{ErrLinkError, e.Err}
}

// NewLinkError 构造链路错误，err 为 nil 时返回 nil
func NewLinkError(op, deviceID string, err error) error {
	if err == nil {
		return nil
	}
	return &LinkError{Op: op, DeviceID: deviceID, Err: err}
}

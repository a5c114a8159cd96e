package inter

import "context"

// Registry 定义车辆名称到设备标识的持久化映射
// 兼容多种存储后端（JSON 文件, SQLite, PostgreSQL）
type Registry interface {
	// Get 查询名称对应的设备标识，不存在时返回 ErrRegistryMiss
	Get(ctx context.Context, name string) (deviceID string, err error)

	// Set 绑定名称与设备标识，已存在时覆盖
	Set(ctx context.Context, name string, deviceID string) error

	// List 返回全部绑定 name -> deviceID
	List(ctx context.Context) (map[string]string, error)

	// Close 释放底层资源
	Close() error
}

// CachedFrames 是持久化的帧缓存快照
type CachedFrames struct {
	// Fingerprint 生成该快照时的协议指纹，用于判定缓存是否过期
	Fingerprint string

	// Frames 规范化意图键 -> 帧
	Frames map[string]Frame
}

// FrameStore 定义帧缓存的持久化接口
type FrameStore interface {
	// LoadFrames 读取快照。不存在时返回空快照且 err 为 nil
	LoadFrames() (CachedFrames, error)

	// SaveFrames 整体覆盖写入快照
	SaveFrames(snapshot CachedFrames) error
}

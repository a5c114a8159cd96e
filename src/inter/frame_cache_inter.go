package inter

// FrameCache 定义预计算帧缓存的接口
// 预计算完成后只读，可被多个会话共享
type FrameCache interface {
	// PrecomputeAll 生成 方向 × 转向 × 速度档位 的全部组合，返回条目数
	PrecomputeAll() int

	// Lookup 仅查缓存，不触发编码
	Lookup(intent Intent) (Frame, bool)

	// GetOrCompute 查缓存，未命中时调用编解码器计算。
	// 档位速度会被插入缓存，自定义速度默认不插入
	GetOrCompute(intent Intent) Frame

	// Add 显式计算并插入一条意图（可用于自定义速度）
	Add(intent Intent) Frame

	// Len 当前条目数
	Len() int
}

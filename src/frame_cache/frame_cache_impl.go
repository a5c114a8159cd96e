package frame_cache

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"

	"github.com/nhirsama/Goster-RC/src/inter"
	"github.com/sigurn/crc16"
	"golang.org/x/sync/singleflight"
)

// 协议模板版本，模板布局变化时递增
const layoutVersion = "ctl-v1"

var modbusTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// FrameCache 实现 inter.FrameCache 接口
type FrameCache struct {
	codec inter.FrameCodec
	store inter.FrameStore

	mu     sync.RWMutex
	frames map[string]inter.Frame
	dirty  bool

	// 未命中时合并同一键的并发计算
	group singleflight.Group

	// InsertCustom 为 true 时自定义速度的计算结果也写入缓存
	InsertCustom bool
	Logger       *log.Logger
}

// NewFrameCache 创建帧缓存，store 可为 nil（仅内存）
func NewFrameCache(codec inter.FrameCodec, store inter.FrameStore) *FrameCache {
	return &FrameCache{
		codec:  codec,
		store:  store,
		frames: make(map[string]inter.Frame),
		Logger: log.Default(),
	}
}

// Speeds 预计算覆盖的全部速度（四个档位加默认速度）
func Speeds() []int {
	out := make([]int, 0, len(inter.SpeedPresets)+1)
	out = append(out, inter.SpeedPresets[:]...)
	return append(out, inter.DefaultSpeed)
}

// IsPresetSpeed 判断速度是否在预计算范围内
func IsPresetSpeed(speed int) bool {
	for _, s := range Speeds() {
		if s == speed {
			return true
		}
	}
	return false
}

// Space 枚举预计算空间内的全部规范化意图（去重）
func Space() []inter.Intent {
	seen := make(map[string]struct{})
	out := []inter.Intent{inter.NeutralIntent()}
	seen[inter.NeutralIntent().Key()] = struct{}{}

	for _, speed := range Speeds() {
		for bits := 0; bits < 16; bits++ {
			in := inter.Intent{
				Forward:  bits&0x1 != 0,
				Backward: bits&0x2 != 0,
				Left:     bits&0x4 != 0,
				Right:    bits&0x8 != 0,
				Speed:    speed,
			}.Canonical()
			k := in.Key()
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, in)
		}
	}
	return out
}

func (c *FrameCache) PrecomputeAll() int {
	space := Space()
	computed := make(map[string]inter.Frame, len(space))
	for _, in := range space {
		computed[in.Key()] = c.codec.Encode(in)
	}

	c.mu.Lock()
	for k, f := range computed {
		c.frames[k] = f
	}
	c.dirty = true
	n := len(c.frames)
	c.mu.Unlock()

	c.Logger.Printf("cache: 预计算完成，共 %d 条", n)
	return n
}

func (c *FrameCache) Lookup(intent inter.Intent) (inter.Frame, bool) {
	k := intent.Key()
	c.mu.RLock()
	f, ok := c.frames[k]
	c.mu.RUnlock()
	return f, ok
}

func (c *FrameCache) GetOrCompute(intent inter.Intent) inter.Frame {
	if f, ok := c.Lookup(intent); ok {
		return f
	}

	in := intent.Canonical()
	insert := c.InsertCustom || in.IsNeutral() || IsPresetSpeed(in.Speed)
	if !insert {
		return c.codec.Encode(in)
	}
	return c.compute(in)
}

func (c *FrameCache) Add(intent inter.Intent) inter.Frame {
	if f, ok := c.Lookup(intent); ok {
		return f
	}
	return c.compute(intent.Canonical())
}

// compute 计算并插入，同一键的并发请求只编码一次
func (c *FrameCache) compute(in inter.Intent) inter.Frame {
	k := in.Key()
	v, _, _ := c.group.Do(k, func() (interface{}, error) {
		f := c.codec.Encode(in)
		c.mu.Lock()
		if _, exists := c.frames[k]; !exists {
			c.frames[k] = f
			c.dirty = true
		}
		c.mu.Unlock()
		return f, nil
	})
	return v.(inter.Frame)
}

func (c *FrameCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.frames)
}

// Fingerprint 当前编解码器的协议指纹：
// 参考帧集合（停车帧加各档位前进帧）的 CRC16/MODBUS
func (c *FrameCache) Fingerprint() string {
	buf := make([]byte, 0, inter.FrameSize*(len(inter.SpeedPresets)+1))
	stop := c.codec.Stop()
	buf = append(buf, stop[:]...)
	for _, s := range inter.SpeedPresets {
		f := c.codec.Encode(inter.Intent{Forward: true, Speed: s})
		buf = append(buf, f[:]...)
	}
	sum := crc16.Checksum(buf, modbusTable)
	return fmt.Sprintf("%s:%04x", layoutVersion, sum)
}

// Load 从持久化存储加载，指纹不一致时返回 ErrStaleCache 且不修改内存
func (c *FrameCache) Load() (int, error) {
	if c.store == nil {
		return 0, nil
	}
	snap, err := c.store.LoadFrames()
	if err != nil {
		return 0, fmt.Errorf("cache: 读取失败: %w", err)
	}
	if len(snap.Frames) == 0 {
		return 0, nil
	}
	if snap.Fingerprint != c.Fingerprint() {
		return 0, fmt.Errorf("%w: 快照 %q, 当前 %q", inter.ErrStaleCache, snap.Fingerprint, c.Fingerprint())
	}

	c.mu.Lock()
	for k, f := range snap.Frames {
		c.frames[k] = f
	}
	n := len(c.frames)
	c.mu.Unlock()
	return n, nil
}

// Save 将当前内容整体写回存储
func (c *FrameCache) Save() error {
	if c.store == nil {
		return nil
	}
	c.mu.Lock()
	snap := inter.CachedFrames{
		Fingerprint: c.Fingerprint(),
		Frames:      make(map[string]inter.Frame, len(c.frames)),
	}
	for k, f := range c.frames {
		snap.Frames[k] = f
	}
	c.dirty = false
	c.mu.Unlock()

	if err := c.store.SaveFrames(snap); err != nil {
		c.mu.Lock()
		c.dirty = true
		c.mu.Unlock()
		return fmt.Errorf("cache: 写入失败: %w", err)
	}
	return nil
}

// Dirty 自上次 Save/Load 后是否有新条目
func (c *FrameCache) Dirty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dirty
}

// LoadOrBuild 启动时调用：能加载则加载，否则（不存在或已过期）预计算并写回
func (c *FrameCache) LoadOrBuild() (loaded bool, err error) {
	n, err := c.Load()
	switch {
	case err == nil && n > 0:
		// 指纹只覆盖参考帧，逐条确认存储内容没有损坏
		bad, verr := c.Verify()
		if verr == nil && len(bad) == 0 {
			c.Logger.Printf("cache: 已加载 %d 条持久化帧", n)
			return true, nil
		}
		if verr != nil {
			c.Logger.Printf("cache: 持久化帧无法校验: %v，重新预计算", verr)
		} else {
			c.Logger.Printf("cache: %d 条持久化帧与编码结果不一致，重新预计算", len(bad))
		}
		c.reset()
	case err != nil && !errors.Is(err, inter.ErrStaleCache):
		return false, err
	case err != nil:
		c.Logger.Printf("cache: %v，重新预计算", err)
	}

	c.PrecomputeAll()
	return false, c.Save()
}

func (c *FrameCache) reset() {
	c.mu.Lock()
	c.frames = make(map[string]inter.Frame)
	c.mu.Unlock()
}

// Verify 逐条校验缓存内容与编解码器输出一致，返回不一致的键
func (c *FrameCache) Verify() ([]string, error) {
	c.mu.RLock()
	snapshot := make(map[string]inter.Frame, len(c.frames))
	for k, f := range c.frames {
		snapshot[k] = f
	}
	c.mu.RUnlock()

	var bad []string
	for k, f := range snapshot {
		in, err := ParseKey(k)
		if err != nil {
			return nil, err
		}
		if c.codec.Encode(in) != f {
			bad = append(bad, k)
		}
	}
	return bad, nil
}

// Entries 返回缓存内容的拷贝，键为规范化意图键，值为十六进制帧
func (c *FrameCache) Entries() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.frames))
	for k, f := range c.frames {
		out[k] = hex.EncodeToString(f[:])
	}
	return out
}

// ParseKey 解析 inter.Intent.Key 生成的键
func ParseKey(key string) (inter.Intent, error) {
	if len(key) < 5 {
		return inter.Intent{}, fmt.Errorf("cache: 无效键 %q", key)
	}
	flags := make([]bool, 4)
	for i := 0; i < 4; i++ {
		switch key[i] {
		case '0':
		case '1':
			flags[i] = true
		default:
			return inter.Intent{}, fmt.Errorf("cache: 无效键 %q", key)
		}
	}
	speed, err := strconv.Atoi(key[4:])
	if err != nil || speed < inter.SpeedMin || speed > inter.SpeedMax {
		return inter.Intent{}, fmt.Errorf("cache: 无效键 %q", key)
	}
	in := inter.Intent{Forward: flags[0], Backward: flags[1], Left: flags[2], Right: flags[3], Speed: speed}
	if in.Key() != key {
		return inter.Intent{}, fmt.Errorf("cache: 非规范键 %q", key)
	}
	return in, nil
}

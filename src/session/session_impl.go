package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nhirsama/Goster-RC/src/inter"
)

// Options 会话的超时与重试参数
type Options struct {
	ScanTimeout    time.Duration
	ScanRetries    int
	ScanRetryDelay time.Duration
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration

	// SendAttempts 每次发送的总写入次数（含首次）
	SendAttempts   int
	BackoffInitial time.Duration
	BackoffFactor  float64
	BackoffMax     time.Duration

	// RepeatInterval Stream 的重发间隔
	RepeatInterval time.Duration

	// NamePrefix 新车辆发现时的广播名称前缀
	NamePrefix string

	// Strict 为 true 时越界意图返回 ErrInvalidIntent 而不是夹紧
	Strict bool

	Debug bool
}

// DefaultOptions 厂商固件对应的默认参数
func DefaultOptions() Options {
	return Options{
		ScanTimeout:    10 * time.Second,
		ScanRetries:    5,
		ScanRetryDelay: 2 * time.Second,
		ConnectTimeout: 10 * time.Second,
		WriteTimeout:   time.Second,
		SendAttempts:   3,
		BackoffInitial: 50 * time.Millisecond,
		BackoffFactor:  2,
		BackoffMax:     time.Second,
		RepeatInterval: 10 * time.Millisecond,
		NamePrefix:     inter.VehicleNameHint,
	}
}

// Status 会话状态快照
type Status struct {
	Name      string             `json:"name"`
	DeviceID  string             `json:"device_id"`
	State     inter.SessionState `json:"-"`
	StateName string             `json:"state"`
	Connected bool               `json:"connected"`
	LastFrame string             `json:"last_frame,omitempty"`
}

// Session 管理到单台车辆的链路生命周期
type Session struct {
	link     inter.RadioLink
	registry inter.Registry
	cache    inter.FrameCache
	codec    inter.FrameCodec
	opts     Options
	Logger   *log.Logger

	// connMu 串行化 Connect，保证同一时刻只有一个链路句柄
	connMu sync.Mutex

	mu    sync.Mutex
	state inter.SessionState
	// epoch 链路代次，Disconnect 与每次新建连接时递增。
	// 重试中的发送在代次变化后放弃，不会复活已断开的会话
	epoch     uint64
	handle    inter.LinkHandle
	name      string
	deviceID  string
	lastFrame inter.Frame
	hasLast   bool
	stopTimer *time.Timer

	// sendSlot 容量为 1 的信号量，保证同一链路上同时只有一次写入
	sendSlot chan struct{}
	// autoStopping 定时停车正在占用 sendSlot
	autoStopping atomic.Bool
	// gen 调度令牌，每条新的运动指令递增，使挂起的定时停车失效
	gen atomic.Uint64

	notifications inter.MessageQueue
}

// NewSession 创建会话。cache 可为 nil，此时每次都直接编码
func NewSession(link inter.RadioLink, registry inter.Registry, cache inter.FrameCache, codec inter.FrameCodec, opts Options) *Session {
	return &Session{
		link:          link,
		registry:      registry,
		cache:         cache,
		codec:         codec,
		opts:          opts,
		Logger:        log.Default(),
		sendSlot:      make(chan struct{}, 1),
		notifications: NewMessageQueue(64),
	}
}

// --- 状态 ---

func (s *Session) State() inter.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setStateAt 仅当链路代次未变时更新状态
func (s *Session) setStateAt(epoch uint64, st inter.SessionState) bool {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return false
	}
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st && s.opts.Debug {
		s.Logger.Printf("session: %s -> %s", prev, st)
	}
	return true
}

func (s *Session) currentEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// errDisconnectedDuring 操作进行中会话被断开
var errDisconnectedDuring = fmt.Errorf("%w: 操作期间会话已断开", inter.ErrNotConnected)

func (s *Session) IsConnected() bool {
	switch s.State() {
	case inter.StateConnected, inter.StateSending:
		return true
	}
	return false
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Name:      s.name,
		DeviceID:  s.deviceID,
		State:     s.state,
		StateName: s.state.String(),
		Connected: s.state == inter.StateConnected || s.state == inter.StateSending,
	}
	if s.hasLast {
		st.LastFrame = fmt.Sprintf("%x", s.lastFrame[:])
	}
	return st
}

// LastFrame 最近一次成功发送的帧
func (s *Session) LastFrame() (inter.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFrame, s.hasLast
}

// Notifications 车辆上报数据的缓冲队列
func (s *Session) Notifications() inter.MessageQueue {
	return s.notifications
}

// --- 发现与连接 ---

// ConnectByName 通过注册表解析名称后连接，未注册时不进行扫描
func (s *Session) ConnectByName(ctx context.Context, name string) error {
	id, err := s.registry.Get(ctx, name)
	if err != nil {
		if errors.Is(err, inter.ErrRegistryMiss) {
			return fmt.Errorf("%w: %s", inter.ErrUnknownVehicleName, name)
		}
		return fmt.Errorf("session: 查询注册表失败: %w", err)
	}
	if err := s.Connect(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
	return nil
}

// Connect 扫描并连接指定设备。已连接到其他设备时先断开
// 并发调用按顺序执行，已连接到同一设备时直接返回
func (s *Session) Connect(ctx context.Context, deviceID string) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	s.mu.Lock()
	if s.handle != nil && s.deviceID == deviceID && s.state != inter.StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if s.handleOrNil() != nil {
		s.Logger.Printf("session: 已连接，先断开当前设备")
	}
	// 同时使可能仍在重连的旧发送失效
	s.Disconnect()
	epoch := s.currentEpoch()

	if !s.setStateAt(epoch, inter.StateDiscovering) {
		return errDisconnectedDuring
	}
	found, err := s.discover(ctx, inter.ScanFilter{DeviceID: deviceID})
	if err != nil {
		s.setStateAt(epoch, inter.StateDisconnected)
		return err
	}

	target := found.ID
	if !s.setStateAt(epoch, inter.StateConnecting) {
		return errDisconnectedDuring
	}
	h, err := s.dial(ctx, target)
	if err != nil {
		s.setStateAt(epoch, inter.StateDisconnected)
		return err
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		h.Disconnect()
		return errDisconnectedDuring
	}
	old := s.handle
	s.epoch++
	s.handle = h
	s.deviceID = target
	s.name = ""
	s.state = inter.StateConnected
	s.mu.Unlock()
	if old != nil {
		old.Disconnect()
	}

	s.Logger.Printf("session: 已连接 %s (%s)", deviceID, target)
	return nil
}

// FindAndNameCar 扫描附近尚未注册的车辆，第一个发现者获胜，写入注册表后返回设备标识
func (s *Session) FindAndNameCar(ctx context.Context, newName string) (string, error) {
	if newName == "" {
		return "", errors.New("session: 名称不能为空")
	}
	known, err := s.registry.List(ctx)
	if err != nil {
		return "", fmt.Errorf("session: 读取注册表失败: %w", err)
	}
	exclude := make(map[string]struct{}, len(known))
	for _, id := range known {
		exclude[id] = struct{}{}
	}

	prev, epoch := s.State(), s.currentEpoch()
	s.setStateAt(epoch, inter.StateDiscovering)
	found, err := s.discover(ctx, inter.ScanFilter{NamePrefix: s.opts.NamePrefix, Exclude: exclude})
	s.setStateAt(epoch, prev)
	if err != nil {
		return "", err
	}

	if err := s.registry.Set(ctx, newName, found.ID); err != nil {
		return "", fmt.Errorf("session: 写入注册表失败: %w", err)
	}
	s.Logger.Printf("session: 已命名 %s -> %s (%s)", newName, found.ID, found.Name)
	return found.ID, nil
}

// discover 带重试的扫描，全部超时后返回 ErrDeviceNotFound
func (s *Session) discover(ctx context.Context, filter inter.ScanFilter) (inter.DeviceDescriptor, error) {
	retries := s.opts.ScanRetries
	if retries <= 0 {
		retries = 1
	}
	for attempt := 1; attempt <= retries; attempt++ {
		scanCtx, cancel := context.WithTimeout(ctx, s.opts.ScanTimeout)
		found, err := s.link.Scan(scanCtx, filter)
		cancel()

		if err != nil {
			s.Logger.Printf("session: 扫描失败 (%d/%d): %v", attempt, retries, err)
		}
		for _, d := range found {
			if filter.Matches(d) {
				return d, nil
			}
		}
		if ctx.Err() != nil {
			return inter.DeviceDescriptor{}, ctx.Err()
		}
		if err == nil {
			s.Logger.Printf("session: 扫描超时 (%d/%d)", attempt, retries)
		}
		if attempt < retries {
			if err := sleepCtx(ctx, s.opts.ScanRetryDelay); err != nil {
				return inter.DeviceDescriptor{}, err
			}
		}
	}
	target := filter.DeviceID
	if target == "" {
		target = filter.NamePrefix + "*"
	}
	return inter.DeviceDescriptor{}, fmt.Errorf("%w: %s", inter.ErrDeviceNotFound, target)
}

// dial 带超时的连接，成功后订阅通知
func (s *Session) dial(ctx context.Context, deviceID string) (inter.LinkHandle, error) {
	cctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	h, err := s.link.Connect(cctx, deviceID)
	if err != nil {
		return nil, err
	}
	err = h.EnableNotifications(func(payload []byte) {
		if err := s.notifications.Push(deviceID, payload); err != nil {
			s.Logger.Printf("session: 通知入队失败: %v", err)
		}
	})
	if err != nil {
		s.Logger.Printf("session: 订阅通知失败: %v", err)
	}
	return h, nil
}

// Disconnect 断开链路并取消挂起的定时停车，重复调用为空操作
func (s *Session) Disconnect() error {
	s.gen.Add(1)

	s.mu.Lock()
	if s.stopTimer != nil {
		s.stopTimer.Stop()
		s.stopTimer = nil
	}
	h := s.handle
	s.handle = nil
	s.state = inter.StateDisconnected
	s.epoch++
	s.mu.Unlock()

	if h == nil {
		return nil
	}
	if err := h.Disconnect(); err != nil {
		s.Logger.Printf("session: 断开 %s 时出错: %v", h.DeviceID(), err)
	}
	return nil
}

func (s *Session) handleOrNil() inter.LinkHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// --- 发送 ---

// Send 发送一帧。另一帧仍在发送时返回 ErrSessionBusy
// 链路错误在内部按退避重连重试，耗尽后返回 ErrConnectionLost
func (s *Session) Send(ctx context.Context, frame inter.Frame) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return s.transmit(ctx, frame)
}

// SendIntent 解析意图对应的帧（优先查缓存）后发送
func (s *Session) SendIntent(ctx context.Context, intent inter.Intent) error {
	frame, err := s.Resolve(intent)
	if err != nil {
		return err
	}
	return s.Send(ctx, frame)
}

// Resolve 意图 -> 帧
func (s *Session) Resolve(intent inter.Intent) (inter.Frame, error) {
	if s.opts.Strict && !intent.InRange() {
		return inter.Frame{}, fmt.Errorf("%w: speed %d", inter.ErrInvalidIntent, intent.Speed)
	}
	if s.cache != nil {
		return s.cache.GetOrCompute(intent), nil
	}
	return s.codec.Encode(intent), nil
}

// acquire 公开发送获取写入权。
// 被定时停车占用时等待其完成，被其他公开发送占用时立即返回 ErrSessionBusy
func (s *Session) acquire(ctx context.Context) error {
	select {
	case s.sendSlot <- struct{}{}:
		return nil
	default:
	}
	if !s.autoStopping.Load() {
		return inter.ErrSessionBusy
	}
	return s.acquireWait(ctx)
}

func (s *Session) acquireWait(ctx context.Context) error {
	select {
	case s.sendSlot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) release() { <-s.sendSlot }

// transmit 调用方必须持有 sendSlot
func (s *Session) transmit(ctx context.Context, frame inter.Frame) error {
	s.mu.Lock()
	epoch, connected := s.epoch, s.handle != nil
	s.mu.Unlock()
	if !connected {
		return inter.ErrNotConnected
	}

	attempts := s.opts.SendAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		s.mu.Lock()
		if s.epoch != epoch {
			s.mu.Unlock()
			return errDisconnectedDuring
		}
		h := s.handle
		s.mu.Unlock()

		var err error
		if h == nil {
			err = lastErr
		} else {
			s.setStateAt(epoch, inter.StateSending)
			wctx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
			err = h.Write(wctx, frame[:])
			cancel()
		}

		if err == nil {
			s.mu.Lock()
			s.lastFrame, s.hasLast = frame, true
			if s.epoch == epoch && s.handle != nil {
				s.state = inter.StateConnected
			}
			s.mu.Unlock()
			if s.opts.Debug {
				s.Logger.Printf("session: TX %x", frame[:])
			}
			return nil
		}

		if ctx.Err() != nil {
			// 调用方取消不视为链路故障
			s.restoreConnected(epoch)
			return ctx.Err()
		}
		if s.currentEpoch() != epoch {
			return errDisconnectedDuring
		}
		if !errors.Is(err, inter.ErrLinkError) {
			s.restoreConnected(epoch)
			return err
		}

		lastErr = err
		s.Logger.Printf("session: 写入失败 (%d/%d): %v", attempt, attempts, err)
		if attempt >= attempts {
			id, ok := s.teardown(epoch)
			if !ok {
				return errDisconnectedDuring
			}
			return fmt.Errorf("%w: %s: %w", inter.ErrConnectionLost, id, lastErr)
		}

		if !s.setStateAt(epoch, inter.StateReconnecting) {
			return errDisconnectedDuring
		}
		if err := sleepCtx(ctx, s.backoff(attempt)); err != nil {
			s.restoreConnected(epoch)
			return err
		}
		if err := s.reconnect(ctx, epoch); err != nil {
			if errors.Is(err, errDisconnectedDuring) {
				return err
			}
			lastErr = err
			s.Logger.Printf("session: 重连失败: %v", err)
		}
	}
}

// reconnect 针对同一设备重建链路。代次变化时放弃，并关闭刚建立的句柄
func (s *Session) reconnect(ctx context.Context, epoch uint64) error {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return errDisconnectedDuring
	}
	old := s.handle
	s.handle = nil
	id := s.deviceID
	s.mu.Unlock()

	if old != nil {
		old.Disconnect()
	}
	h, err := s.dial(ctx, id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		h.Disconnect()
		return errDisconnectedDuring
	}
	s.handle = h
	s.mu.Unlock()
	s.Logger.Printf("session: 已重连 %s", id)
	return nil
}

// teardown 重试耗尽，释放链路进入 Disconnected。代次已变化时返回 false
func (s *Session) teardown(epoch uint64) (string, bool) {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return "", false
	}
	h := s.handle
	s.handle = nil
	s.state = inter.StateDisconnected
	s.epoch++
	id := s.deviceID
	s.mu.Unlock()
	if h != nil {
		h.Disconnect()
	}
	return id, true
}

// restoreConnected 中止发送后恢复状态，重连途中失去句柄时进入 Disconnected
func (s *Session) restoreConnected(epoch uint64) {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	if s.handle != nil {
		s.state = inter.StateConnected
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.teardown(epoch)
}

// backoff 第 attempt 次失败后的等待时长
func (s *Session) backoff(attempt int) time.Duration {
	factor := s.opts.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	d := float64(s.opts.BackoffInitial) * math.Pow(factor, float64(attempt-1))
	if limit := float64(s.opts.BackoffMax); limit > 0 && d > limit {
		d = limit
	}
	return time.Duration(d)
}

// --- 运动指令 ---

// Move 发送意图；duration > 0 时在到期后自动停车。
// 到期前的任何新指令都会使这次自动停车失效
func (s *Session) Move(ctx context.Context, intent inter.Intent, duration time.Duration) error {
	frame, err := s.Resolve(intent)
	if err != nil {
		return err
	}

	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	// 取得写入权后再取消旧的定时停车，被拒绝的指令不影响之前的调度
	gen := s.cancelAutoStop()
	if err := s.transmit(ctx, frame); err != nil {
		return err
	}
	if duration > 0 {
		s.scheduleStop(gen, duration)
	}
	return nil
}

func (s *Session) MoveForward(ctx context.Context, speed int, duration time.Duration) error {
	return s.Move(ctx, inter.Intent{Forward: true, Speed: speed}, duration)
}

func (s *Session) MoveBackward(ctx context.Context, speed int, duration time.Duration) error {
	return s.Move(ctx, inter.Intent{Backward: true, Speed: speed}, duration)
}

// Stop 立即发送停车帧，等待正在进行的写入完成而不是返回忙
func (s *Session) Stop(ctx context.Context) error {
	s.cancelAutoStop()
	if err := s.acquireWait(ctx); err != nil {
		return err
	}
	defer s.release()
	return s.transmit(ctx, s.codec.Stop())
}

// Stream 在 duration 内每隔 RepeatInterval 重发同一帧，结束后停车。
// 被更新的指令取代时提前返回且不发送停车帧
func (s *Session) Stream(ctx context.Context, intent inter.Intent, duration time.Duration) error {
	frame, err := s.Resolve(intent)
	if err != nil {
		return err
	}
	gen := s.cancelAutoStop()

	interval := s.opts.RepeatInterval
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	deadline := time.NewTimer(duration)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		superseded, err := s.sendCurrent(ctx, gen, frame, false)
		if superseded {
			return nil
		}
		if err != nil && !errors.Is(err, inter.ErrSessionBusy) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			_, err := s.sendCurrent(ctx, gen, s.codec.Stop(), true)
			return err
		case <-ticker.C:
		}
	}
}

// sendCurrent 取得写入权后确认令牌仍然有效再发送，令牌失效时返回 superseded
func (s *Session) sendCurrent(ctx context.Context, gen uint64, frame inter.Frame, wait bool) (superseded bool, err error) {
	if wait {
		err = s.acquireWait(ctx)
	} else {
		err = s.acquire(ctx)
	}
	if err != nil {
		return false, err
	}
	defer s.release()

	if s.gen.Load() != gen {
		return true, nil
	}
	return false, s.transmit(ctx, frame)
}

// cancelAutoStop 使挂起的定时停车失效并返回新的调度令牌
func (s *Session) cancelAutoStop() uint64 {
	gen := s.gen.Add(1)
	s.mu.Lock()
	if s.stopTimer != nil {
		s.stopTimer.Stop()
		s.stopTimer = nil
	}
	s.mu.Unlock()
	return gen
}

func (s *Session) scheduleStop(gen uint64, after time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen.Load() != gen {
		return
	}
	if s.stopTimer != nil {
		s.stopTimer.Stop()
	}
	s.stopTimer = time.AfterFunc(after, func() { s.autoStop(gen) })
}

// autoStop 定时器回调。令牌失效时什么都不做，从不打断进行中的写入
func (s *Session) autoStop(gen uint64) {
	if s.gen.Load() != gen {
		return
	}

	s.autoStopping.Store(true)
	defer s.autoStopping.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout*time.Duration(max(1, s.opts.SendAttempts))+s.opts.ConnectTimeout)
	defer cancel()
	if err := s.acquireWait(ctx); err != nil {
		return
	}
	defer s.release()

	// 等待期间可能有新指令到达
	if s.gen.Load() != gen {
		return
	}
	s.mu.Lock()
	s.stopTimer = nil
	s.mu.Unlock()

	if err := s.transmit(ctx, s.codec.Stop()); err != nil {
		s.Logger.Printf("session: 自动停车失败: %v", err)
	}
}

// --- 作用域 ---

// WithSession 按名称连接，执行 fn，任何退出路径上都会停车并断开
func WithSession(ctx context.Context, s *Session, name string, fn func(*Session) error) (err error) {
	defer func() {
		if s.IsConnected() {
			stopCtx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
			if serr := s.Stop(stopCtx); serr != nil {
				s.Logger.Printf("session: 退出时停车失败: %v", serr)
			}
			cancel()
		}
		s.Disconnect()
	}()

	if err := s.ConnectByName(ctx, name); err != nil {
		return err
	}
	return fn(s)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

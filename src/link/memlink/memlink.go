// Package memlink 提供内存中的无线链路实现，用于模拟运行与测试。
// 所有写入的帧都被记录在发送日志中，可按需注入连接/写入失败。
package memlink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nhirsama/Goster-RC/src/inter"
)

var (
	ErrUnknownDevice = errors.New("memlink: 设备不存在")
	ErrClosed        = errors.New("memlink: 链路已断开")
	ErrInjected      = errors.New("memlink: 注入的故障")
)

// TxRecord 发送日志中的一条记录
type TxRecord struct {
	DeviceID string
	Frame    inter.Frame
	At       time.Time
}

type advert struct {
	desc    inter.DeviceDescriptor
	visible time.Time
}

// Link 实现 inter.RadioLink
type Link struct {
	mu sync.Mutex

	adverts []advert
	handles map[string]*Handle
	txLog   []TxRecord

	failConnects int
	failWrites   int
	writeDelay   time.Duration

	calls map[string]int
}

var _ inter.RadioLink = (*Link)(nil)
var _ inter.LinkHandle = (*Handle)(nil)

func New() *Link {
	return &Link{
		handles: make(map[string]*Handle),
		calls:   make(map[string]int),
	}
}

// Advertise 模拟一个广播中的设备，after 之后才能被扫描到
func (l *Link) Advertise(name, id string, after time.Duration) *Link {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.adverts = append(l.adverts, advert{
		desc:    inter.DeviceDescriptor{ID: id, Name: name, RSSI: -50},
		visible: time.Now().Add(after),
	})
	return l
}

// FailConnects 接下来 n 次 Connect 失败
func (l *Link) FailConnects(n int) *Link {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failConnects = n
	return l
}

// FailWrites 接下来 n 次 Write 失败
func (l *Link) FailWrites(n int) *Link {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failWrites = n
	return l
}

// WithWriteDelay 每次写入耗时 d
func (l *Link) WithWriteDelay(d time.Duration) *Link {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writeDelay = d
	return l
}

func (l *Link) Scan(ctx context.Context, filter inter.ScanFilter) ([]inter.DeviceDescriptor, error) {
	l.count("Scan")
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		if found := l.visible(filter); len(found) > 0 {
			return found, nil
		}
		select {
		case <-ctx.Done():
			return nil, nil
		case <-ticker.C:
		}
	}
}

func (l *Link) visible(filter inter.ScanFilter) []inter.DeviceDescriptor {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	var out []inter.DeviceDescriptor
	for _, a := range l.adverts {
		if !now.Before(a.visible) && filter.Matches(a.desc) {
			out = append(out, a.desc)
		}
	}
	return out
}

func (l *Link) Connect(ctx context.Context, deviceID string) (inter.LinkHandle, error) {
	l.count("Connect")
	if err := ctx.Err(); err != nil {
		return nil, inter.NewLinkError("connect", deviceID, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failConnects > 0 {
		l.failConnects--
		return nil, inter.NewLinkError("connect", deviceID, ErrInjected)
	}
	known := false
	for _, a := range l.adverts {
		if a.desc.ID == deviceID {
			known = true
			break
		}
	}
	if !known {
		return nil, inter.NewLinkError("connect", deviceID, ErrUnknownDevice)
	}

	h := &Handle{link: l, id: deviceID}
	l.handles[deviceID] = h
	return h, nil
}

// Notify 模拟车辆通过通知特征值上报数据
func (l *Link) Notify(deviceID string, payload []byte) bool {
	l.mu.Lock()
	h := l.handles[deviceID]
	l.mu.Unlock()
	if h == nil {
		return false
	}
	h.mu.Lock()
	cb := h.notify
	closed := h.closed
	h.mu.Unlock()
	if cb == nil || closed {
		return false
	}
	cb(append([]byte(nil), payload...))
	return true
}

// Sent 返回发送日志的拷贝
func (l *Link) Sent() []TxRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]TxRecord(nil), l.txLog...)
}

// Frames 返回发往指定设备的全部帧
func (l *Link) Frames(deviceID string) []inter.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []inter.Frame
	for _, r := range l.txLog {
		if r.DeviceID == deviceID {
			out = append(out, r.Frame)
		}
	}
	return out
}

// LastFrame 返回发往指定设备的最后一帧
func (l *Link) LastFrame(deviceID string) (inter.Frame, bool) {
	frames := l.Frames(deviceID)
	if len(frames) == 0 {
		return inter.Frame{}, false
	}
	return frames[len(frames)-1], true
}

// Calls 返回某个操作的调用次数
func (l *Link) Calls(op string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[op]
}

func (l *Link) count(op string) {
	l.mu.Lock()
	l.calls[op]++
	l.mu.Unlock()
}

// Handle 实现 inter.LinkHandle
type Handle struct {
	link *Link
	id   string

	mu     sync.Mutex
	closed bool
	notify func([]byte)
}

func (h *Handle) DeviceID() string { return h.id }

func (h *Handle) Write(ctx context.Context, frame []byte) error {
	h.link.count("Write")
	if len(frame) != inter.FrameSize {
		return inter.NewLinkError("write", h.id, fmt.Errorf("%w: %d bytes", inter.ErrInvalidFrame, len(frame)))
	}

	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return inter.NewLinkError("write", h.id, ErrClosed)
	}

	l := h.link
	l.mu.Lock()
	delay := l.writeDelay
	fail := l.failWrites > 0
	if fail {
		l.failWrites--
	}
	l.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return inter.NewLinkError("write", h.id, ctx.Err())
		case <-t.C:
		}
	}
	if fail {
		return inter.NewLinkError("write", h.id, ErrInjected)
	}

	var f inter.Frame
	copy(f[:], frame)
	l.mu.Lock()
	l.txLog = append(l.txLog, TxRecord{DeviceID: h.id, Frame: f, At: time.Now()})
	l.mu.Unlock()
	return nil
}

func (h *Handle) EnableNotifications(cb func([]byte)) error {
	h.link.count("EnableNotifications")
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return inter.NewLinkError("notify", h.id, ErrClosed)
	}
	h.notify = cb
	return nil
}

func (h *Handle) Disconnect() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.link.count("Disconnect")
	return nil
}

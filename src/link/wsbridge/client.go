package wsbridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nhirsama/Goster-RC/src/inter"
)

// Link 远端桥接的客户端，实现 inter.RadioLink
// 首次调用时建立 websocket 连接，连接断开后下一次调用会重新拨号
type Link struct {
	url    string
	Dialer *websocket.Dialer
	Logger *log.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	// gorilla/websocket 同一时间只允许一个写者
	writeMu sync.Mutex

	nextID  atomic.Uint64
	pending sync.Map // id -> chan Message
	notify  sync.Map // deviceID -> func([]byte)
}

func NewLink(url string) *Link {
	return &Link{
		url:    url,
		Dialer: websocket.DefaultDialer,
		Logger: log.Default(),
	}
}

func (l *Link) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return l.conn, nil
	}
	conn, _, err := l.Dialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return nil, fmt.Errorf("wsbridge: 连接 %s 失败: %w", l.url, err)
	}
	l.conn = conn
	go l.readPump(conn)
	return conn, nil
}

func (l *Link) connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

func (l *Link) readPump(conn *websocket.Conn) {
	defer l.dropConn(conn)
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.Logger.Printf("link: 桥接读取失败: %v", err)
			}
			return
		}
		if msg.Event == EventNotify {
			if cb, ok := l.notify.Load(msg.Device); ok {
				cb.(func([]byte))(msg.Data)
			}
			continue
		}
		if ch, ok := l.pending.LoadAndDelete(msg.ID); ok {
			ch.(chan Message) <- msg
		}
	}
}

// dropConn 关闭连接并让所有等待中的请求失败
func (l *Link) dropConn(conn *websocket.Conn) {
	l.mu.Lock()
	if l.conn == conn {
		l.conn = nil
	}
	l.mu.Unlock()
	_ = conn.Close()

	l.pending.Range(func(k, v any) bool {
		if _, ok := l.pending.LoadAndDelete(k); ok {
			v.(chan Message) <- Message{ID: k.(uint64), Error: ErrBridgeClosed.Error()}
		}
		return true
	})
}

// call 发送一条请求并等待对应响应
func (l *Link) call(ctx context.Context, req Message) (Message, error) {
	conn, err := l.ensureConn(ctx)
	if err != nil {
		return Message{}, err
	}
	req.ID = l.nextID.Add(1)
	if dl, ok := ctx.Deadline(); ok && req.TimeoutMs == 0 {
		req.TimeoutMs = max(1, time.Until(dl).Milliseconds())
	}

	ch := make(chan Message, 1)
	l.pending.Store(req.ID, ch)

	l.writeMu.Lock()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
	} else {
		_ = conn.SetWriteDeadline(time.Time{})
	}
	err = conn.WriteJSON(req)
	l.writeMu.Unlock()
	if err != nil {
		l.pending.Delete(req.ID)
		l.dropConn(conn)
		return Message{}, fmt.Errorf("wsbridge: 发送请求失败: %w", err)
	}

	select {
	case resp := <-ch:
		if !resp.OK {
			if resp.Error == ErrBridgeClosed.Error() {
				return resp, ErrBridgeClosed
			}
			return resp, errors.New(resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		l.pending.Delete(req.ID)
		return Message{}, ctx.Err()
	}
}

// Scan 由远端执行扫描，结果在本地再按过滤条件筛一遍
func (l *Link) Scan(ctx context.Context, filter inter.ScanFilter) ([]inter.DeviceDescriptor, error) {
	req := Message{Op: OpScan, NamePrefix: filter.NamePrefix, Device: filter.DeviceID}
	for id := range filter.Exclude {
		req.Exclude = append(req.Exclude, id)
	}
	resp, err := l.call(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			// 扫描超时等同于没有发现设备
			return nil, nil
		}
		return nil, inter.NewLinkError("scan", "", err)
	}
	var out []inter.DeviceDescriptor
	for _, d := range fromWire(resp.Devices) {
		if filter.Matches(d) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (l *Link) Connect(ctx context.Context, deviceID string) (inter.LinkHandle, error) {
	if _, err := l.call(ctx, Message{Op: OpConnect, Device: deviceID}); err != nil {
		return nil, inter.NewLinkError("connect", deviceID, err)
	}
	return &Handle{link: l, id: deviceID}, nil
}

// Close 关闭桥接连接
func (l *Link) Close() error {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()
	if conn == nil {
		return nil
	}
	l.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	l.writeMu.Unlock()
	return conn.Close()
}

// Handle 远端的一条设备连接
type Handle struct {
	link   *Link
	id     string
	closed atomic.Bool
}

func (h *Handle) DeviceID() string { return h.id }

func (h *Handle) Write(ctx context.Context, frame []byte) error {
	if len(frame) != inter.FrameSize {
		return inter.NewLinkError("write", h.id, fmt.Errorf("%w: got %d bytes", inter.ErrInvalidFrame, len(frame)))
	}
	if h.closed.Load() {
		return inter.NewLinkError("write", h.id, ErrBridgeClosed)
	}
	if _, err := h.link.call(ctx, Message{Op: OpWrite, Device: h.id, Data: frame}); err != nil {
		return inter.NewLinkError("write", h.id, err)
	}
	return nil
}

func (h *Handle) EnableNotifications(cb func(payload []byte)) error {
	h.link.notify.Store(h.id, cb)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := h.link.call(ctx, Message{Op: OpNotify, Device: h.id}); err != nil {
		h.link.notify.Delete(h.id)
		return inter.NewLinkError("notify", h.id, err)
	}
	return nil
}

// Disconnect 幂等；桥接已断开时远端会自行释放设备，不再重新拨号
func (h *Handle) Disconnect() error {
	if h.closed.Swap(true) {
		return nil
	}
	h.link.notify.Delete(h.id)
	if !h.link.connected() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := h.link.call(ctx, Message{Op: OpDisconnect, Device: h.id}); err != nil && !errors.Is(err, ErrBridgeClosed) {
		return inter.NewLinkError("disconnect", h.id, err)
	}
	return nil
}

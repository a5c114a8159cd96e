package wsbridge

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nhirsama/Goster-RC/src/inter"
)

var errNotConnected = errors.New("wsbridge: 设备未连接")

// Server 把本机的 inter.RadioLink 以 websocket 形式暴露给远端
type Server struct {
	link     inter.RadioLink
	upgrader websocket.Upgrader
	Logger   *log.Logger

	// DefaultTimeout 请求未携带超时时使用
	DefaultTimeout time.Duration
}

func NewServer(link inter.RadioLink) *Server {
	return &Server{
		link: link,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		Logger:         log.Default(),
		DefaultTimeout: 10 * time.Second,
	}
}

// bridgeConn 一个远端客户端及其打开的设备连接
type bridgeConn struct {
	srv  *Server
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	handles map[string]inter.LinkHandle
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Printf("link: websocket 升级失败: %v", err)
		return
	}
	c := &bridgeConn{srv: s, conn: conn, handles: make(map[string]inter.LinkHandle)}
	ctx, cancel := context.WithCancel(r.Context())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		c.closeAll()
		_ = conn.Close()
	}()

	for {
		var req Message
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.Logger.Printf("link: 桥接客户端读取失败: %v", err)
			}
			return
		}
		// 扫描可能持续数秒，每个请求独立处理
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.reply(c.handle(ctx, req))
		}()
	}
}

func (c *bridgeConn) reply(m Message) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteJSON(m); err != nil {
		c.srv.Logger.Printf("link: 桥接写回失败: %v", err)
	}
}

func (c *bridgeConn) handle(ctx context.Context, req Message) Message {
	ctx, cancel := context.WithTimeout(ctx, req.timeout(c.srv.DefaultTimeout))
	defer cancel()

	resp := Message{ID: req.ID, Op: req.Op}
	var err error
	switch req.Op {
	case OpScan:
		var ds []inter.DeviceDescriptor
		ds, err = c.srv.link.Scan(ctx, req.filter())
		resp.Devices = toWire(ds)
	case OpConnect:
		err = c.connect(ctx, req.Device)
	case OpWrite:
		var h inter.LinkHandle
		if h, err = c.get(req.Device); err == nil {
			err = h.Write(ctx, req.Data)
		}
	case OpNotify:
		var h inter.LinkHandle
		if h, err = c.get(req.Device); err == nil {
			id := req.Device
			err = h.EnableNotifications(func(p []byte) {
				c.reply(Message{Event: EventNotify, Device: id, Data: p})
			})
		}
	case OpDisconnect:
		err = c.disconnect(req.Device)
	default:
		err = errors.New("wsbridge: 未知操作 " + req.Op)
	}
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	resp.OK = true
	return resp
}

func (c *bridgeConn) connect(ctx context.Context, id string) error {
	h, err := c.srv.link.Connect(ctx, id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	old := c.handles[id]
	c.handles[id] = h
	c.mu.Unlock()
	if old != nil {
		_ = old.Disconnect()
	}
	return nil
}

func (c *bridgeConn) get(id string) (inter.LinkHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handles[id]
	if !ok {
		return nil, errNotConnected
	}
	return h, nil
}

// disconnect 未连接的设备直接返回成功
func (c *bridgeConn) disconnect(id string) error {
	c.mu.Lock()
	h, ok := c.handles[id]
	delete(c.handles, id)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return h.Disconnect()
}

func (c *bridgeConn) closeAll() {
	c.mu.Lock()
	hs := c.handles
	c.handles = make(map[string]inter.LinkHandle)
	c.mu.Unlock()
	for id, h := range hs {
		if err := h.Disconnect(); err != nil {
			c.srv.Logger.Printf("link: 断开 %s 失败: %v", id, err)
		}
	}
}

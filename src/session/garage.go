package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/nhirsama/Goster-RC/src/inter"
)

// Garage 按名称管理多个互相独立的会话
// 会话之间不共享可变状态，只共享只读的帧缓存与无线链路能力
type Garage struct {
	link     inter.RadioLink
	registry inter.Registry
	cache    inter.FrameCache
	codec    inter.FrameCodec
	opts     Options
	Logger   *log.Logger

	// 运行时状态: name -> *Session
	sessions sync.Map
}

func NewGarage(link inter.RadioLink, registry inter.Registry, cache inter.FrameCache, codec inter.FrameCodec, opts Options) *Garage {
	return &Garage{
		link:     link,
		registry: registry,
		cache:    cache,
		codec:    codec,
		opts:     opts,
		Logger:   log.Default(),
	}
}

// Open 返回名称对应的会话，未连接时按名称连接。
// 并发打开同一名称共享一个会话，连接只建立一次
func (g *Garage) Open(ctx context.Context, name string) (*Session, error) {
	actual, loaded := g.sessions.LoadOrStore(name, g.newSession())
	s := actual.(*Session)
	if loaded && s.IsConnected() {
		return s, nil
	}
	if err := s.ConnectByName(ctx, name); err != nil {
		if !loaded {
			g.sessions.CompareAndDelete(name, s)
		}
		return nil, err
	}
	return s, nil
}

func (g *Garage) newSession() *Session {
	s := NewSession(g.link, g.registry, g.cache, g.codec, g.opts)
	s.Logger = g.Logger
	return s
}

// Get 返回已打开的会话
func (g *Garage) Get(name string) (*Session, bool) {
	v, ok := g.sessions.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Name 为附近尚未注册的车辆命名
func (g *Garage) Name(ctx context.Context, newName string) (string, error) {
	return g.newSession().FindAndNameCar(ctx, newName)
}

// VehicleStatus 注册表中的一台车辆及其会话状态
type VehicleStatus struct {
	Name     string `json:"name"`
	DeviceID string `json:"device_id"`
	Status
}

// List 列出全部已注册车辆及连接状态，按名称排序
func (g *Garage) List(ctx context.Context) ([]VehicleStatus, error) {
	m, err := g.registry.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: 读取注册表失败: %w", err)
	}
	out := make([]VehicleStatus, 0, len(m))
	for name, id := range m {
		vs := VehicleStatus{Name: name, DeviceID: id}
		if s, ok := g.Get(name); ok {
			vs.Status = s.Status()
		} else {
			vs.Status = Status{State: inter.StateDisconnected, StateName: inter.StateDisconnected.String()}
		}
		out = append(out, vs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// StopAll 向全部已连接车辆发送停车帧
func (g *Garage) StopAll(ctx context.Context) error {
	var errs []error
	g.sessions.Range(func(k, v any) bool {
		s := v.(*Session)
		if s.IsConnected() {
			if err := s.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", k, err))
			}
		}
		return true
	})
	return errors.Join(errs...)
}

// CloseAll 断开全部会话
func (g *Garage) CloseAll() {
	g.sessions.Range(func(k, v any) bool {
		v.(*Session).Disconnect()
		g.sessions.Delete(k)
		return true
	})
}

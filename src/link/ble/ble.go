// Package ble 基于 tinygo.org/x/bluetooth 的真实蓝牙链路
package ble

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/nhirsama/Goster-RC/src/inter"
	"tinygo.org/x/bluetooth"
)

var (
	ErrServiceNotFound        = errors.New("ble: 未找到控制服务")
	ErrCharacteristicNotFound = errors.New("ble: 未找到读写特征值")
	ErrUnknownAddress         = errors.New("ble: 设备未出现在扫描结果中")
)

// Link 通过本机蓝牙适配器实现 inter.RadioLink
type Link struct {
	adapter *bluetooth.Adapter
	Logger  *log.Logger

	enableOnce sync.Once
	enableErr  error

	// 适配器同一时间只允许一次扫描
	scanMu sync.Mutex

	mu   sync.Mutex
	seen map[string]bluetooth.Address

	serviceUUID bluetooth.UUID
	writeUUID   bluetooth.UUID
	notifyUUID  bluetooth.UUID
}

// New 使用默认适配器创建链路
func New() (*Link, error) {
	return NewWithAdapter(bluetooth.DefaultAdapter)
}

func NewWithAdapter(adapter *bluetooth.Adapter) (*Link, error) {
	writeUUID, err := bluetooth.ParseUUID(inter.WriteCharUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: 解析写特征值失败: %w", err)
	}
	notifyUUID, err := bluetooth.ParseUUID(inter.NotifyCharUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: 解析通知特征值失败: %w", err)
	}
	return &Link{
		adapter:     adapter,
		Logger:      log.Default(),
		seen:        make(map[string]bluetooth.Address),
		serviceUUID: bluetooth.New16BitUUID(inter.ServiceUUID16),
		writeUUID:   writeUUID,
		notifyUUID:  notifyUUID,
	}, nil
}

func (l *Link) enable() error {
	l.enableOnce.Do(func() {
		if err := l.adapter.Enable(); err != nil {
			l.enableErr = inter.NewLinkError("enable", "", err)
		}
	})
	return l.enableErr
}

// Scan 扫描到第一台满足过滤条件的设备即返回，ctx 结束时返回空结果
func (l *Link) Scan(ctx context.Context, filter inter.ScanFilter) ([]inter.DeviceDescriptor, error) {
	if err := l.enable(); err != nil {
		return nil, err
	}
	l.scanMu.Lock()
	defer l.scanMu.Unlock()

	var (
		once  sync.Once
		found []inter.DeviceDescriptor
	)
	done := make(chan error, 1)
	go func() {
		done <- l.adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
			d := inter.DeviceDescriptor{ID: r.Address.String(), Name: r.LocalName(), RSSI: r.RSSI}
			if !filter.Matches(d) {
				return
			}
			once.Do(func() {
				l.remember(d.ID, r.Address)
				found = append(found, d)
				if err := a.StopScan(); err != nil {
					l.Logger.Printf("link: 停止扫描失败: %v", err)
				}
			})
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			return nil, inter.NewLinkError("scan", "", err)
		}
		return found, nil
	case <-ctx.Done():
		if err := l.adapter.StopScan(); err != nil {
			l.Logger.Printf("link: 停止扫描失败: %v", err)
		}
		<-done
		// 停止扫描与匹配可能同时发生
		return found, nil
	}
}

func (l *Link) remember(id string, addr bluetooth.Address) {
	l.mu.Lock()
	l.seen[id] = addr
	l.mu.Unlock()
}

func (l *Link) address(id string) (bluetooth.Address, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	addr, ok := l.seen[id]
	return addr, ok
}

// Connect 连接已扫描到的设备并定位写入与通知特征值
func (l *Link) Connect(ctx context.Context, deviceID string) (inter.LinkHandle, error) {
	if err := l.enable(); err != nil {
		return nil, err
	}
	addr, ok := l.address(deviceID)
	if !ok {
		return nil, inter.NewLinkError("connect", deviceID, ErrUnknownAddress)
	}

	type result struct {
		h   *Handle
		err error
	}
	ch := make(chan result, 1)
	go func() {
		h, err := l.dial(addr, deviceID)
		ch <- result{h, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, inter.NewLinkError("connect", deviceID, r.err)
		}
		return r.h, nil
	case <-ctx.Done():
		// 连接完成后立即释放，避免遗留半开链路
		go func() {
			if r := <-ch; r.err == nil {
				_ = r.h.Disconnect()
			}
		}()
		return nil, inter.NewLinkError("connect", deviceID, ctx.Err())
	}
}

func (l *Link) dial(addr bluetooth.Address, deviceID string) (*Handle, error) {
	dev, err := l.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, err
	}
	services, err := dev.DiscoverServices([]bluetooth.UUID{l.serviceUUID})
	if err != nil || len(services) == 0 {
		_ = dev.Disconnect()
		if err == nil {
			err = ErrServiceNotFound
		}
		return nil, err
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{l.writeUUID, l.notifyUUID})
	if err != nil {
		_ = dev.Disconnect()
		return nil, err
	}

	h := &Handle{id: deviceID, dev: dev}
	for i := range chars {
		switch chars[i].UUID() {
		case l.writeUUID:
			h.write = chars[i]
			h.hasWrite = true
		case l.notifyUUID:
			h.notify = chars[i]
			h.hasNotify = true
		}
	}
	if !h.hasWrite {
		_ = dev.Disconnect()
		return nil, ErrCharacteristicNotFound
	}
	l.Logger.Printf("link: 已连接 %s", deviceID)
	return h, nil
}

// Handle 一条已建立的蓝牙连接
type Handle struct {
	id  string
	dev bluetooth.Device

	write     bluetooth.DeviceCharacteristic
	notify    bluetooth.DeviceCharacteristic
	hasWrite  bool
	hasNotify bool

	mu     sync.Mutex
	closed bool
}

func (h *Handle) DeviceID() string { return h.id }

// Write 以无响应写入方式发送一帧
func (h *Handle) Write(ctx context.Context, frame []byte) error {
	if len(frame) != inter.FrameSize {
		return inter.NewLinkError("write", h.id, fmt.Errorf("%w: got %d bytes", inter.ErrInvalidFrame, len(frame)))
	}
	if err := ctx.Err(); err != nil {
		return inter.NewLinkError("write", h.id, err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return inter.NewLinkError("write", h.id, errors.New("ble: 连接已关闭"))
	}
	if _, err := h.write.WriteWithoutResponse(frame); err != nil {
		return inter.NewLinkError("write", h.id, err)
	}
	return nil
}

func (h *Handle) EnableNotifications(cb func(payload []byte)) error {
	if !h.hasNotify {
		return nil
	}
	if err := h.notify.EnableNotifications(func(buf []byte) {
		// 回调缓冲区由协议栈复用
		cb(append([]byte(nil), buf...))
	}); err != nil {
		return inter.NewLinkError("notify", h.id, err)
	}
	return nil
}

// Disconnect 幂等
func (h *Handle) Disconnect() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if err := h.dev.Disconnect(); err != nil {
		return inter.NewLinkError("disconnect", h.id, err)
	}
	return nil
}

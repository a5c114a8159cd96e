// Package wsbridge 通过 websocket 把无线链路能力转发到远端主机
//
// 一条 websocket 连接上交换 JSON 文本消息:
//
//	请求 {"id":1,"op":"scan","name_prefix":"QCAR","timeout_ms":10000}
//	响应 {"id":1,"ok":true,"devices":[{"id":"F4:12:FA:00:00:01","name":"QCAR-0000001","rssi":-60}]}
//	事件 {"event":"notify","device":"F4:12:FA:00:00:01","data":"<base64>"}
//
// op 取值 scan、connect、write、notify、disconnect。
package wsbridge

import (
	"errors"
	"time"

	"github.com/nhirsama/Goster-RC/src/inter"
)

const (
	OpScan       = "scan"
	OpConnect    = "connect"
	OpWrite      = "write"
	OpNotify     = "notify"
	OpDisconnect = "disconnect"

	EventNotify = "notify"
)

var ErrBridgeClosed = errors.New("wsbridge: 桥接连接已关闭")

// Device 扫描结果的线上表示
type Device struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	RSSI int16  `json:"rssi,omitempty"`
}

// Message 请求、响应与事件共用同一结构
type Message struct {
	ID    uint64 `json:"id,omitempty"`
	Op    string `json:"op,omitempty"`
	Event string `json:"event,omitempty"`

	Device     string   `json:"device,omitempty"`
	NamePrefix string   `json:"name_prefix,omitempty"`
	Exclude    []string `json:"exclude,omitempty"`
	TimeoutMs  int64    `json:"timeout_ms,omitempty"`
	Data       []byte   `json:"data,omitempty"`

	OK      bool     `json:"ok,omitempty"`
	Error   string   `json:"error,omitempty"`
	Devices []Device `json:"devices,omitempty"`
}

func (m Message) filter() inter.ScanFilter {
	f := inter.ScanFilter{NamePrefix: m.NamePrefix, DeviceID: m.Device}
	if len(m.Exclude) > 0 {
		f.Exclude = make(map[string]struct{}, len(m.Exclude))
		for _, id := range m.Exclude {
			f.Exclude[id] = struct{}{}
		}
	}
	return f
}

func (m Message) timeout(def time.Duration) time.Duration {
	if m.TimeoutMs <= 0 {
		return def
	}
	return time.Duration(m.TimeoutMs) * time.Millisecond
}

func toWire(ds []inter.DeviceDescriptor) []Device {
	out := make([]Device, 0, len(ds))
	for _, d := range ds {
		out = append(out, Device{ID: d.ID, Name: d.Name, RSSI: d.RSSI})
	}
	return out
}

func fromWire(ds []Device) []inter.DeviceDescriptor {
	if len(ds) == 0 {
		return nil
	}
	out := make([]inter.DeviceDescriptor, 0, len(ds))
	for _, d := range ds {
		out = append(out, inter.DeviceDescriptor{ID: d.ID, Name: d.Name, RSSI: d.RSSI})
	}
	return out
}

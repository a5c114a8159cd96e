package input

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Source 提供最新的手柄快照，调用不阻塞
type Source interface {
	Snapshot() Snapshot
}

// SourceFunc 函数适配器
type SourceFunc func() Snapshot

func (f SourceFunc) Snapshot() Snapshot { return f() }

// 报告超过该时长未更新视为手柄断开
const staleAfter = 100 * time.Millisecond

// HidrawSource 从 Linux hidraw 设备读取 Joy-Con 报告
type HidrawSource struct {
	path   string
	dev    io.ReadWriteCloser
	Logger *log.Logger

	latest   atomic.Pointer[stamped]
	closeOne sync.Once
}

type stamped struct {
	snap Snapshot
	at   time.Time
}

// OpenHidraw 打开设备并切换到 0x30 标准报告模式
func OpenHidraw(path string) (*HidrawSource, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("input: 打开 %s 失败: %w", path, err)
	}
	s := newHidrawSource(path, f)
	if err := s.setReportMode(ReportStandardFull); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func newHidrawSource(path string, dev io.ReadWriteCloser) *HidrawSource {
	return &HidrawSource{path: path, dev: dev, Logger: log.Default()}
}

// setReportMode 发送子命令 0x03 设置输入报告模式
func (s *HidrawSource) setReportMode(mode byte) error {
	pkt := []byte{
		0x01,                                           // 输出报告：振动 + 子命令
		0x00,                                           // 包计数
		0x00, 0x01, 0x40, 0x40, 0x00, 0x01, 0x40, 0x40, // 空振动数据
		0x03, mode,
	}
	if _, err := s.dev.Write(pkt); err != nil {
		return fmt.Errorf("input: 设置报告模式失败: %w", err)
	}
	return nil
}

// Run 持续读取报告直到 ctx 取消或设备出错
func (s *HidrawSource) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	buf := make([]byte, 64)
	for {
		n, err := s.dev.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.latest.Store(nil)
			return fmt.Errorf("input: 读取 %s 失败: %w", s.path, err)
		}
		snap := ParseReport(buf[:n])
		if !snap.Valid {
			continue
		}
		s.latest.Store(&stamped{snap: snap, at: time.Now()})
	}
}

// Snapshot 返回最新快照，没有数据或数据过期时返回无效快照
func (s *HidrawSource) Snapshot() Snapshot {
	st := s.latest.Load()
	if st == nil || time.Since(st.at) > staleAfter {
		return Snapshot{}
	}
	return st.snap
}

func (s *HidrawSource) Close() error {
	var err error
	s.closeOne.Do(func() { err = s.dev.Close() })
	return err
}

// ErrControllerNotFound 未找到对应手柄
var ErrControllerNotFound = errors.New("input: 未找到 Joy-Con")

// FindJoyCon 在 sysfs 中查找对应角色的 hidraw 设备
func FindJoyCon(role Role) (string, error) {
	return findJoyCon("/sys/class/hidraw", role)
}

func findJoyCon(sysRoot string, role Role) (string, error) {
	want := "Joy-Con (R)"
	if role == RoleLeft {
		want = "Joy-Con (L)"
	}

	entries, err := os.ReadDir(sysRoot)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrControllerNotFound, err)
	}
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(sysRoot, e.Name(), "device", "uevent"))
		if err != nil {
			continue
		}
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(line, "HID_NAME=") && strings.Contains(line, want) {
				return filepath.Join("/dev", e.Name()), nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s", ErrControllerNotFound, want)
}

package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/nhirsama/Goster-RC/src/inter"
)

// LocalStore 基于 JSON 文件的存储，同时实现 inter.Registry 与 inter.FrameStore
//
//	vehicle_list.json: {"AUTO_1": "F4:12:FA:...", ...}
//	commands.json:     {"fingerprint": "...", "frames": {"100022": "<base64>", ...}}
type LocalStore struct {
	vehiclePath string
	framesPath  string

	regMu   sync.RWMutex // 保护 vehicle_list.json
	frameMu sync.RWMutex // 保护 commands.json
}

// frameFile commands.json 的文件结构，[]byte 在 JSON 中以 base64 表示
type frameFile struct {
	Fingerprint string            `json:"fingerprint"`
	Frames      map[string][]byte `json:"frames"`
}

// NewLocalStore 初始化存储，两个路径的父目录不存在时自动创建
func NewLocalStore(vehicleListPath, commandsPath string) (*LocalStore, error) {
	for _, p := range []string{vehicleListPath, commandsPath} {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return nil, err
		}
	}
	return &LocalStore{vehiclePath: vehicleListPath, framesPath: commandsPath}, nil
}

// --- inter.Registry ---

func (s *LocalStore) Get(_ context.Context, name string) (string, error) {
	s.regMu.RLock()
	defer s.regMu.RUnlock()

	m, err := s.readVehiclesLocked()
	if err != nil {
		return "", err
	}
	id, ok := m[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", inter.ErrRegistryMiss, name)
	}
	return id, nil
}

func (s *LocalStore) Set(_ context.Context, name string, deviceID string) error {
	if name == "" || deviceID == "" {
		return errors.New("registry: 名称与设备标识不能为空")
	}
	s.regMu.Lock()
	defer s.regMu.Unlock()

	m, err := s.readVehiclesLocked()
	if err != nil {
		return err
	}
	m[name] = deviceID

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.vehiclePath, data)
}

func (s *LocalStore) List(_ context.Context) (map[string]string, error) {
	s.regMu.RLock()
	defer s.regMu.RUnlock()
	return s.readVehiclesLocked()
}

func (s *LocalStore) readVehiclesLocked() (map[string]string, error) {
	m := make(map[string]string)
	data, err := os.ReadFile(s.vehiclePath)
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("registry: 解析 %s 失败: %w", s.vehiclePath, err)
	}
	return m, nil
}

// --- inter.FrameStore ---

func (s *LocalStore) LoadFrames() (inter.CachedFrames, error) {
	s.frameMu.RLock()
	defer s.frameMu.RUnlock()

	out := inter.CachedFrames{Frames: make(map[string]inter.Frame)}
	data, err := os.ReadFile(s.framesPath)
	if errors.Is(err, os.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return out, err
	}

	var ff frameFile
	if err := json.Unmarshal(data, &ff); err != nil {
		return out, fmt.Errorf("%w: 解析 %s 失败: %v", inter.ErrStaleCache, s.framesPath, err)
	}
	if ff.Frames == nil {
		// 旧格式：不带指纹的扁平映射，读出后指纹为空，由缓存判定过期
		legacy := make(map[string][]byte)
		if err := json.Unmarshal(data, &legacy); err != nil {
			return out, fmt.Errorf("%w: 无法识别的缓存格式: %v", inter.ErrStaleCache, err)
		}
		ff.Frames = legacy
	}

	out.Fingerprint = ff.Fingerprint
	for k, raw := range ff.Frames {
		f, err := inter.FrameFromBytes(raw)
		if err != nil {
			return out, fmt.Errorf("%w: 键 %s: %v", inter.ErrStaleCache, k, err)
		}
		out.Frames[k] = f
	}
	return out, nil
}

func (s *LocalStore) SaveFrames(snapshot inter.CachedFrames) error {
	ff := frameFile{
		Fingerprint: snapshot.Fingerprint,
		Frames:      make(map[string][]byte, len(snapshot.Frames)),
	}
	for k, f := range snapshot.Frames {
		ff.Frames[k] = f.Bytes()
	}
	data, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return err
	}

	s.frameMu.Lock()
	defer s.frameMu.Unlock()
	return writeFileAtomic(s.framesPath, data)
}

func (s *LocalStore) Close() error { return nil }

// writeFileAtomic 原子化写入（写临时文件 + Rename）
func writeFileAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// SortedNames 按名称排序，便于稳定输出
func SortedNames(m map[string]string) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

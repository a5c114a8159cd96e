package datastore

import (
	"context"
	"fmt"

	"github.com/nhirsama/Goster-RC/src/inter"
)

// 存储后端
const (
	BackendJSON     = "json"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Options 打开存储所需参数
type Options struct {
	Backend      string
	VehicleList  string // json: 车辆名单文件
	CommandsFile string // json / postgres: 帧缓存文件
	DBPath       string // sqlite
	PgDSN        string // postgres
}

// Stores 打开后的注册表与帧存储，Close 释放全部资源
type Stores struct {
	Registry inter.Registry
	Frames   inter.FrameStore
	closers  []func() error
}

func (s *Stores) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Open 按后端类型打开存储
// postgres 仅承载注册表，帧缓存仍写入本地 JSON 文件
func Open(ctx context.Context, opt Options) (*Stores, error) {
	switch opt.Backend {
	case "", BackendJSON:
		ls, err := NewLocalStore(opt.VehicleList, opt.CommandsFile)
		if err != nil {
			return nil, err
		}
		return &Stores{Registry: ls, Frames: ls, closers: []func() error{ls.Close}}, nil

	case BackendSQLite:
		ss, err := NewSqlStore(opt.DBPath)
		if err != nil {
			return nil, err
		}
		return &Stores{Registry: ss, Frames: ss, closers: []func() error{ss.Close}}, nil

	case BackendPostgres:
		pg, err := NewPgRegistry(ctx, opt.PgDSN)
		if err != nil {
			return nil, err
		}
		ls, err := NewLocalStore("", opt.CommandsFile)
		if err != nil {
			pg.Close()
			return nil, err
		}
		return &Stores{Registry: pg, Frames: ls, closers: []func() error{pg.Close, ls.Close}}, nil

	default:
		return nil, fmt.Errorf("datastore: 未知的存储后端 %q", opt.Backend)
	}
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/nhirsama/Goster-RC/src/config"
	"github.com/nhirsama/Goster-RC/src/datastore"
	"github.com/nhirsama/Goster-RC/src/frame_cache"
	"github.com/nhirsama/Goster-RC/src/inter"
	"github.com/nhirsama/Goster-RC/src/link/ble"
	"github.com/nhirsama/Goster-RC/src/link/memlink"
	"github.com/nhirsama/Goster-RC/src/link/wsbridge"
	"github.com/nhirsama/Goster-RC/src/protocol"
	"github.com/nhirsama/Goster-RC/src/session"
	"github.com/spf13/pflag"
)

// 模拟链路上唯一的一台车
const (
	SimDeviceID   = "00:00:00:00:51:01"
	SimDeviceName = "QCAR-SIM0001"
)

const usage = `用法: goster-rc <命令> [参数]

命令:
  precompute [--verify]        预计算全部控制帧并写入缓存
  name <车辆名>                为附近未注册的车辆命名
  list [--json]                列出已注册车辆及连接状态
  drive <车辆名>               执行一段演示动作
  joycon <车辆名> [<车辆名>]   使用 Joy-Con 控制一台或两台车辆
  bridge                       把本机链路以 websocket 形式提供给远端
`

func Run() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("goster-rc: %v", err)
		os.Exit(1)
	}
}

type command struct {
	flags func(fs *pflag.FlagSet)
	run   func(ctx context.Context, a *app, fs *pflag.FlagSet) error
	// needsLink 为 false 的命令不打开无线链路
	needsLink bool
}

var commands = map[string]command{
	"precompute": {flags: precomputeFlags, run: runPrecompute},
	"name":       {run: runName, needsLink: true},
	"list":       {flags: listFlags, run: runList},
	"drive":      {flags: driveFlags, run: runDrive, needsLink: true},
	"joycon":     {flags: joyconFlags, run: runJoycon, needsLink: true},
	"bridge":     {run: runBridge, needsLink: true},
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		fmt.Fprint(out, usage)
		return nil
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprint(out, usage)
		return fmt.Errorf("未知命令 %q", args[0])
	}

	fs := config.Flags(args[0])
	fs.SetOutput(out)
	if cmd.flags != nil {
		cmd.flags(fs)
	}
	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(fs)
	if err != nil {
		return err
	}
	logs := setupLogging(cfg.Log)
	defer logs.Close()
	if cfg.ConfigFile != "" {
		log.Printf("cli: 使用配置文件 %s", cfg.ConfigFile)
	}

	a, err := openApp(ctx, cfg, out, cmd.needsLink)
	if err != nil {
		return err
	}
	defer a.Close()
	return cmd.run(ctx, a, fs)
}

// app 一次命令执行所需的全部组件
type app struct {
	cfg     *config.Config
	out     io.Writer
	stores  *datastore.Stores
	codec   inter.FrameCodec
	cache   *frame_cache.FrameCache
	link    inter.RadioLink
	closers []func() error
}

func openApp(ctx context.Context, cfg *config.Config, out io.Writer, needsLink bool) (*app, error) {
	stores, err := datastore.Open(ctx, cfg.StoreOptions())
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, out: out, stores: stores, codec: protocol.NewCommandCodec()}
	a.closers = append(a.closers, stores.Close)

	a.cache = frame_cache.NewFrameCache(a.codec, stores.Frames)
	a.cache.InsertCustom = cfg.Cache.CustomSpeedInsert

	if needsLink {
		link, closer, err := openLink(cfg)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.link = link
		if closer != nil {
			a.closers = append(a.closers, closer)
		}
	}
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Printf("cli: 释放资源失败: %v", err)
		}
	}
	a.closers = nil
}

func openLink(cfg *config.Config) (inter.RadioLink, func() error, error) {
	switch cfg.Link.Kind {
	case config.LinkBLE:
		l, err := ble.New()
		if err != nil {
			return nil, nil, err
		}
		return l, nil, nil
	case config.LinkBridge:
		l := wsbridge.NewLink(cfg.Link.BridgeURL)
		return l, l.Close, nil
	case config.LinkSim:
		return memlink.New().Advertise(SimDeviceName, SimDeviceID, 0), nil, nil
	default:
		return nil, nil, fmt.Errorf("cli: 未知的链路类型 %q", cfg.Link.Kind)
	}
}

// warmCache 加载持久化缓存，不存在或已过期时重新预计算
func (a *app) warmCache() error {
	if _, err := a.cache.LoadOrBuild(); err != nil {
		return err
	}
	return nil
}

// saveCache 退出前写回运行期间新增的条目
func (a *app) saveCache() {
	if !a.cache.Dirty() {
		return
	}
	if err := a.cache.Save(); err != nil {
		log.Printf("cli: %v", err)
	}
}

func (a *app) newGarage() *session.Garage {
	return session.NewGarage(a.link, a.stores.Registry, a.cache, a.codec, a.cfg.SessionOptions())
}

// withGarage 按名称打开全部车辆会话后执行 fn，任何退出路径上都会停车并断开
func (a *app) withGarage(ctx context.Context, names []string, fn func(g *session.Garage) error) error {
	g := a.newGarage()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Timing.WriteTimeout)
		defer cancel()
		if err := g.StopAll(stopCtx); err != nil {
			log.Printf("cli: 退出时停车失败: %v", err)
		}
		g.CloseAll()
	}()

	for _, name := range names {
		if _, err := g.Open(ctx, name); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	vs, err := g.List(ctx)
	if err != nil {
		return err
	}
	for _, v := range vs {
		if v.Connected {
			log.Printf("cli: %s (%s) %s", v.Name, v.DeviceID, v.StateName)
		}
	}
	return fn(g)
}

// ensureRegistered 名称未注册时先发现并命名一台新车
func (a *app) ensureRegistered(ctx context.Context, name string) error {
	_, err := a.stores.Registry.Get(ctx, name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, inter.ErrRegistryMiss) {
		return err
	}
	id, err := a.newGarage().Name(ctx, name)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "已将 %s 命名为 %s\n", id, name)
	return nil
}

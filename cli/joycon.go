package cli

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/nhirsama/Goster-RC/src/inter"
	"github.com/nhirsama/Goster-RC/src/input"
	"github.com/nhirsama/Goster-RC/src/session"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

// controller 一个正在上报状态的手柄
type controller interface {
	input.Source
	Run(ctx context.Context) error
	Close() error
}

// openController 按角色打开手柄，测试中替换
var openController = func(role input.Role) (controller, error) {
	path, err := input.FindJoyCon(role)
	if err != nil {
		return nil, err
	}
	src, err := input.OpenHidraw(path)
	if err != nil {
		return nil, err
	}
	return src, nil
}

func joyconFlags(fs *pflag.FlagSet) {
	fs.String("role", "", "单车模式下使用的手柄 plus|minus，默认 plus")
}

type pairing struct {
	name string
	role input.Role
}

func runJoycon(ctx context.Context, a *app, fs *pflag.FlagSet) error {
	var pairs []pairing
	switch fs.NArg() {
	case 1:
		role := input.RoleRight
		if s, _ := fs.GetString("role"); s != "" {
			r, ok := input.ParseRole(s)
			if !ok {
				return fmt.Errorf("cli: 未知的手柄角色 %q", s)
			}
			role = r
		}
		pairs = []pairing{{fs.Arg(0), role}}
	case 2:
		pairs = []pairing{{fs.Arg(0), input.RoleRight}, {fs.Arg(1), input.RoleLeft}}
	default:
		return errors.New("用法: goster-rc joycon <车辆名> [<车辆名>]")
	}

	if err := a.warmCache(); err != nil {
		return err
	}
	defer a.saveCache()
	for _, p := range pairs {
		if err := a.ensureRegistered(ctx, p.name); err != nil {
			return err
		}
	}

	names := make([]string, len(pairs))
	for i, p := range pairs {
		names[i] = p.name
	}
	return a.withGarage(ctx, names, func(garage *session.Garage) error {
		// 两台车各自独立，任意一路出错时全部停车退出
		g, gctx := errgroup.WithContext(ctx)
		for _, p := range pairs {
			p := p
			s, _ := garage.Get(p.name)
			g.Go(func() error {
				if err := a.controlLoop(gctx, s, p); err != nil {
					return fmt.Errorf("%s(%s): %w", p.name, p.role, err)
				}
				return nil
			})
		}
		return g.Wait()
	})
}

// controlLoop 把一个手柄的输入持续发送给一台车
func (a *app) controlLoop(ctx context.Context, s *session.Session, p pairing) error {
	src, err := openController(p.role)
	if err != nil {
		return err
	}
	defer src.Close()

	log.Printf("cli: %s 手柄已绑定 %s", p.role, p.name)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return src.Run(gctx) })
	g.Go(func() error {
		poller := &input.Poller{
			Source: src,
			Decoder: input.Decoder{
				Role:     p.role,
				Deadzone: a.cfg.Input.Deadzone,
				Rotated:  a.cfg.Input.Rotated,
			},
			Interval: a.cfg.Timing.PollInterval,
		}
		return poller.Run(gctx, input.NewSpeedState(a.cfg.Input.DefaultSpeed), func(in inter.Intent) error {
			err := s.SendIntent(gctx, in)
			if errors.Is(err, inter.ErrSessionBusy) {
				// 上一帧仍在发送，下一拍再发
				return nil
			}
			return err
		})
	})
	return g.Wait()
}

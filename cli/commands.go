package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/nhirsama/Goster-RC/src/config"
	"github.com/nhirsama/Goster-RC/src/datastore"
	"github.com/nhirsama/Goster-RC/src/inter"
	"github.com/nhirsama/Goster-RC/src/link/wsbridge"
	"github.com/nhirsama/Goster-RC/src/session"
	"github.com/spf13/pflag"
)

// --- precompute ---

func precomputeFlags(fs *pflag.FlagSet) {
	fs.Bool("verify", false, "写入后逐条校验缓存")
}

func runPrecompute(_ context.Context, a *app, fs *pflag.FlagSet) error {
	n := a.cache.PrecomputeAll()
	if err := a.cache.Save(); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "已预计算 %d 条控制帧 (%s)\n", n, a.cache.Fingerprint())

	if verify, _ := fs.GetBool("verify"); verify {
		bad, err := a.cache.Verify()
		if err != nil {
			return err
		}
		if len(bad) > 0 {
			return fmt.Errorf("cli: %d 条缓存与编码结果不一致: %s", len(bad), strings.Join(bad, ","))
		}
		fmt.Fprintln(a.out, "校验通过")
	}
	return nil
}

// --- name ---

func runName(ctx context.Context, a *app, fs *pflag.FlagSet) error {
	if fs.NArg() != 1 {
		return errors.New("用法: goster-rc name <车辆名>")
	}
	name := fs.Arg(0)
	id, err := a.newGarage().Name(ctx, name)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s -> %s\n", name, id)
	return nil
}

// --- list ---

func listFlags(fs *pflag.FlagSet) {
	fs.Bool("json", false, "以 JSON 输出")
}

// listEntry 一条注册记录。连接状态只存在于运行中的会话内，这里不输出
type listEntry struct {
	Name     string `json:"name"`
	DeviceID string `json:"device_id"`
}

func runList(ctx context.Context, a *app, fs *pflag.FlagSet) error {
	m, err := a.stores.Registry.List(ctx)
	if err != nil {
		return err
	}
	vs := make([]listEntry, 0, len(m))
	for _, name := range datastore.SortedNames(m) {
		vs = append(vs, listEntry{Name: name, DeviceID: m[name]})
	}

	if asJSON, _ := fs.GetBool("json"); asJSON {
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		return enc.Encode(vs)
	}
	if len(vs) == 0 {
		fmt.Fprintln(a.out, "尚未注册任何车辆")
		return nil
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDEVICE")
	for _, v := range vs {
		fmt.Fprintf(tw, "%s\t%s\n", v.Name, v.DeviceID)
	}
	return tw.Flush()
}

// --- drive ---

func driveFlags(fs *pflag.FlagSet) {
	fs.Duration("step", time.Second, "每个动作的持续时间")
	fs.Int("speed", inter.DefaultSpeed, "演示速度 (0-255，可写作 0x50)")
}

type driveStep struct {
	label string
	in    inter.Intent
	pause bool
}

func demoSteps(speed int) []driveStep {
	return []driveStep{
		{"前进", inter.Intent{Forward: true, Speed: speed}, true},
		{"后退", inter.Intent{Backward: true, Speed: speed}, true},
		{"左转", inter.Intent{Left: true, Speed: speed}, false},
		{"右转", inter.Intent{Right: true, Speed: speed}, true},
		{"右前", inter.Intent{Forward: true, Right: true, Speed: speed}, false},
		{"左后", inter.Intent{Backward: true, Left: true, Speed: speed}, true},
	}
}

func runDrive(ctx context.Context, a *app, fs *pflag.FlagSet) error {
	if fs.NArg() != 1 {
		return errors.New("用法: goster-rc drive <车辆名>")
	}
	name := fs.Arg(0)
	step, _ := fs.GetDuration("step")
	speed, _ := fs.GetInt("speed")

	if err := a.warmCache(); err != nil {
		return err
	}
	defer a.saveCache()
	if err := a.ensureRegistered(ctx, name); err != nil {
		return err
	}

	return a.withGarage(ctx, []string{name}, func(g *session.Garage) error {
		s, _ := g.Get(name)
		for _, st := range demoSteps(speed) {
			fmt.Fprintf(a.out, "%s %v\n", st.label, step)
			if err := s.Stream(ctx, st.in, step); err != nil {
				return fmt.Errorf("%s: %w", st.label, err)
			}
			if st.pause {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(step):
				}
			}
		}
		return nil
	})
}

// --- bridge ---

func runBridge(ctx context.Context, a *app, _ *pflag.FlagSet) error {
	if a.cfg.Link.Kind == config.LinkBridge {
		return errors.New("cli: bridge 命令需要本机链路 (ble 或 sim)")
	}
	mux := http.NewServeMux()
	mux.Handle("/ws", wsbridge.NewServer(a.link))

	srv := &http.Server{Addr: a.cfg.Link.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Printf("cli: 桥接服务监听 %s/ws (%s)", a.cfg.Link.Listen, a.cfg.Link.Kind)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

package input

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/nhirsama/Goster-RC/src/inter"
)

// Poller 以固定间隔采样输入源并输出控制意图
type Poller struct {
	Source   Source
	Decoder  Decoder
	Interval time.Duration
	Logger   *log.Logger

	// OnlyChanges 为 true 时只在意图变化时回调
	OnlyChanges bool
}

// ErrStopPolling 由回调返回以正常结束轮询
var ErrStopPolling = errors.New("input: 停止轮询")

// Run 阻塞直到 ctx 取消或 emit 返回错误
// emit 返回 ErrStopPolling 时 Run 返回 nil
func (p *Poller) Run(ctx context.Context, initial SpeedState, emit func(inter.Intent) error) error {
	interval := p.Interval
	if interval <= 0 {
		interval = 5 * time.Millisecond
	}
	logger := p.Logger
	if logger == nil {
		logger = log.Default()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	state := initial
	var (
		last    inter.Intent
		emitted bool
		wasOK   = true
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		snap := p.Source.Snapshot()
		if snap.Valid != wasOK {
			if snap.Valid {
				logger.Printf("input: %s 手柄已恢复", p.Decoder.Role)
			} else {
				logger.Printf("input: %s 手柄无输入，输出空闲意图", p.Decoder.Role)
			}
			wasOK = snap.Valid
		}

		var intent inter.Intent
		intent, state = p.Decoder.Decode(snap, state)
		if p.OnlyChanges && emitted && intent == last {
			continue
		}
		last, emitted = intent, true

		if err := emit(intent); err != nil {
			if errors.Is(err, ErrStopPolling) {
				return nil
			}
			return err
		}
	}
}

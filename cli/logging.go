package cli

import (
	"io"
	"log"
	"os"

	"github.com/nhirsama/Goster-RC/src/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// setupLogging 配置全局 log 输出，设置了日志文件时按大小轮转
func setupLogging(c config.LogConfig) io.Closer {
	flags := log.LstdFlags
	if c.Debug {
		flags |= log.Lmicroseconds | log.Lshortfile
	}
	log.SetFlags(flags)

	if c.File == "" {
		log.SetOutput(os.Stderr)
		return nopCloser{}
	}
	lj := &lumberjack.Logger{
		Filename:   c.File,
		MaxSize:    c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAgeDays,
	}
	log.SetOutput(lj)
	return closeFunc(func() error {
		log.SetOutput(os.Stderr)
		return lj.Close()
	})
}

type closeFunc func() error

func (f closeFunc) Close() error { return f() }

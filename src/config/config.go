// Package config 汇总默认值、配置文件、环境变量与命令行参数
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nhirsama/Goster-RC/src/datastore"
	"github.com/nhirsama/Goster-RC/src/inter"
	"github.com/nhirsama/Goster-RC/src/session"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，如 SHELL_MOTORSPORT_STORE_BACKEND
const EnvPrefix = "SHELL_MOTORSPORT"

// 链路类型
const (
	LinkBLE    = "ble"
	LinkBridge = "bridge"
	LinkSim    = "sim"
)

var ErrInvalidConfig = errors.New("config: 配置无效")

type StoreConfig struct {
	Backend      string `mapstructure:"backend"`
	VehicleList  string `mapstructure:"vehicle_list"`
	CommandsFile string `mapstructure:"commands_file"`
	DBPath       string `mapstructure:"db_path"`
	PgDSN        string `mapstructure:"pg_dsn"`
}

type LinkConfig struct {
	Kind       string `mapstructure:"kind"`
	BridgeURL  string `mapstructure:"bridge_url"`
	NamePrefix string `mapstructure:"name_prefix"`
	// Listen bridge 子命令的监听地址
	Listen string `mapstructure:"listen"`
}

type TimingConfig struct {
	ScanTimeout    time.Duration `mapstructure:"scan_timeout"`
	ScanRetries    int           `mapstructure:"scan_retries"`
	ScanRetryDelay time.Duration `mapstructure:"scan_retry_delay"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	SendAttempts   int           `mapstructure:"send_attempts"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffFactor  float64       `mapstructure:"backoff_factor"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	RepeatInterval time.Duration `mapstructure:"repeat_interval"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
}

type InputConfig struct {
	// Deadzone 摇杆死区，12 位原始单位（约 10% 行程）
	Deadzone     int  `mapstructure:"deadzone"`
	DefaultSpeed int  `mapstructure:"default_speed"`
	Rotated      bool `mapstructure:"rotated"`
}

type CacheConfig struct {
	CustomSpeedInsert bool `mapstructure:"custom_speed_insert"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Debug      bool   `mapstructure:"debug"`
}

type Config struct {
	Store         StoreConfig  `mapstructure:"store"`
	Link          LinkConfig   `mapstructure:"link"`
	Timing        TimingConfig `mapstructure:"timing"`
	Input         InputConfig  `mapstructure:"input"`
	Cache         CacheConfig  `mapstructure:"cache"`
	Log           LogConfig    `mapstructure:"log"`
	StrictIntents bool         `mapstructure:"strict_intents"`

	// ConfigFile 实际读取的配置文件，未读取时为空
	ConfigFile string `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	d := session.DefaultOptions()

	v.SetDefault("store.backend", datastore.BackendJSON)
	v.SetDefault("store.vehicle_list", "vehicle_list.json")
	v.SetDefault("store.commands_file", "commands.json")
	v.SetDefault("store.db_path", "./rc.db")
	v.SetDefault("store.pg_dsn", "")

	v.SetDefault("link.kind", LinkBLE)
	v.SetDefault("link.bridge_url", "ws://127.0.0.1:8765/ws")
	v.SetDefault("link.name_prefix", d.NamePrefix)
	v.SetDefault("link.listen", ":8765")

	v.SetDefault("timing.scan_timeout", d.ScanTimeout)
	v.SetDefault("timing.scan_retries", d.ScanRetries)
	v.SetDefault("timing.scan_retry_delay", d.ScanRetryDelay)
	v.SetDefault("timing.connect_timeout", d.ConnectTimeout)
	v.SetDefault("timing.write_timeout", d.WriteTimeout)
	v.SetDefault("timing.send_attempts", d.SendAttempts)
	v.SetDefault("timing.backoff_initial", d.BackoffInitial)
	v.SetDefault("timing.backoff_factor", d.BackoffFactor)
	v.SetDefault("timing.backoff_max", d.BackoffMax)
	v.SetDefault("timing.repeat_interval", d.RepeatInterval)
	v.SetDefault("timing.poll_interval", 5*time.Millisecond)

	v.SetDefault("input.deadzone", 204)
	v.SetDefault("input.default_speed", inter.DefaultSpeed)
	v.SetDefault("input.rotated", false)

	v.SetDefault("cache.custom_speed_insert", false)

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.debug", false)

	v.SetDefault("strict_intents", false)
}

// Flags 返回全部可用的命令行参数
func Flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringP("config", "c", "", "配置文件路径")
	fs.String("store", "", "存储后端 json|sqlite|postgres")
	fs.String("vehicle-list", "", "车辆名单文件 (json)")
	fs.String("commands-file", "", "帧缓存文件 (json)")
	fs.String("db", "", "SQLite 数据库路径")
	fs.String("pg-dsn", "", "PostgreSQL 连接串")
	fs.String("link", "", "链路类型 ble|bridge|sim")
	fs.String("bridge-url", "", "websocket 桥接地址")
	fs.String("listen", "", "bridge 子命令监听地址")
	fs.Int("deadzone", 0, "摇杆死区（原始单位）")
	fs.Bool("rotated", false, "单手柄横握模式")
	fs.Bool("strict", false, "严格校验意图，越界时报错")
	fs.String("log-file", "", "日志文件，设置后按大小轮转")
	fs.Bool("debug", false, "输出逐帧调试日志")
	return fs
}

var flagKeys = map[string]string{
	"store":         "store.backend",
	"vehicle-list":  "store.vehicle_list",
	"commands-file": "store.commands_file",
	"db":            "store.db_path",
	"pg-dsn":        "store.pg_dsn",
	"link":          "link.kind",
	"bridge-url":    "link.bridge_url",
	"listen":        "link.listen",
	"deadzone":      "input.deadzone",
	"rotated":       "input.rotated",
	"strict":        "strict_intents",
	"log-file":      "log.file",
	"debug":         "log.debug",
}

// Load 依次合并默认值、配置文件、环境变量与 fs 中显式设置的参数
// fs 可为 nil
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// 兼容旧的环境变量名
	_ = v.BindEnv("store.vehicle_list", EnvPrefix+"_STORE_VEHICLE_LIST", EnvPrefix+"_VEHICLE_LIST")
	_ = v.BindEnv("store.commands_file", EnvPrefix+"_STORE_COMMANDS_FILE", EnvPrefix+"_COMMANDS_FILE")

	var file string
	if fs != nil {
		for flag, key := range flagKeys {
			if f := fs.Lookup(flag); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("config: 绑定参数 %s 失败: %w", flag, err)
				}
			}
		}
		if f := fs.Lookup("config"); f != nil {
			file = f.Value.String()
		}
	}

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("rc")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/goster-rc")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: 读取配置文件失败: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: 解析配置失败: %w", err)
	}
	c.ConfigFile = v.ConfigFileUsed()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate 检查取值范围
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	switch c.Store.Backend {
	case datastore.BackendJSON, datastore.BackendSQLite:
	case datastore.BackendPostgres:
		if c.Store.PgDSN == "" {
			bad("postgres 后端需要 store.pg_dsn")
		}
	default:
		bad("未知的存储后端 %q", c.Store.Backend)
	}

	switch c.Link.Kind {
	case LinkBLE, LinkSim:
	case LinkBridge:
		if c.Link.BridgeURL == "" {
			bad("bridge 链路需要 link.bridge_url")
		}
	default:
		bad("未知的链路类型 %q", c.Link.Kind)
	}

	t := c.Timing
	for name, d := range map[string]time.Duration{
		"scan_timeout":    t.ScanTimeout,
		"connect_timeout": t.ConnectTimeout,
		"write_timeout":   t.WriteTimeout,
		"repeat_interval": t.RepeatInterval,
		"poll_interval":   t.PollInterval,
	} {
		if d <= 0 {
			bad("timing.%s 必须为正", name)
		}
	}
	if t.ScanRetries < 1 {
		bad("timing.scan_retries 至少为 1")
	}
	if t.SendAttempts < 1 {
		bad("timing.send_attempts 至少为 1")
	}
	if t.BackoffInitial < 0 || t.BackoffMax < t.BackoffInitial {
		bad("timing.backoff_initial/backoff_max 取值无效")
	}
	if t.BackoffFactor < 1 {
		bad("timing.backoff_factor 不能小于 1")
	}

	if c.Input.Deadzone < 0 || c.Input.Deadzone >= 2048 {
		bad("input.deadzone 超出范围 [0, 2048)")
	}
	if c.Input.DefaultSpeed < inter.SpeedMin || c.Input.DefaultSpeed > inter.SpeedMax {
		bad("input.default_speed 超出范围 [0, 255]")
	}
	return errors.Join(errs...)
}

// SessionOptions 转换为会话参数
func (c *Config) SessionOptions() session.Options {
	t := c.Timing
	return session.Options{
		ScanTimeout:    t.ScanTimeout,
		ScanRetries:    t.ScanRetries,
		ScanRetryDelay: t.ScanRetryDelay,
		ConnectTimeout: t.ConnectTimeout,
		WriteTimeout:   t.WriteTimeout,
		SendAttempts:   t.SendAttempts,
		BackoffInitial: t.BackoffInitial,
		BackoffFactor:  t.BackoffFactor,
		BackoffMax:     t.BackoffMax,
		RepeatInterval: t.RepeatInterval,
		NamePrefix:     c.Link.NamePrefix,
		Strict:         c.StrictIntents,
		Debug:          c.Log.Debug,
	}
}

// StoreOptions 转换为存储参数
func (c *Config) StoreOptions() datastore.Options {
	return datastore.Options{
		Backend:      c.Store.Backend,
		VehicleList:  c.Store.VehicleList,
		CommandsFile: c.Store.CommandsFile,
		DBPath:       c.Store.DBPath,
		PgDSN:        c.Store.PgDSN,
	}
}

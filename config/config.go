package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/kelseyhightower/envconfig"

	"github.com/imattdu/xrayagent/cctx"
	"github.com/imattdu/xrayagent/daemon"
	"github.com/imattdu/xrayagent/errorx"
	"github.com/imattdu/xrayagent/logx"
	"github.com/imattdu/xrayagent/sampling"
)

// EnvFile 配置文件路径，Load 未显式给出路径时读取
const EnvFile = "XRAY_AGENT_CONFIG"

// context missing 策略
const (
	ContextMissingLog    = "LOG_ERROR"
	ContextMissingIgnore = "IGNORE_ERROR"
)

// Config agent 配置。优先级：环境变量 > JSON 文件 > Default()
type Config struct {
	ServiceName            string `json:"serviceName" envconfig:"AWS_XRAY_TRACING_NAME"`
	TracingEnabled         bool   `json:"tracingEnabled" envconfig:"AWS_XRAY_TRACING_ENABLED"`
	ContextMissingStrategy string `json:"contextMissingStrategy" envconfig:"AWS_XRAY_CONTEXT_MISSING"`
	DaemonAddress          string `json:"daemonAddress" envconfig:"AWS_XRAY_DAEMON_ADDRESS"`

	// Origin 运行环境（AWS::EC2::Instance 等），写入 segment 并参与 ServiceType 规则匹配
	Origin string `json:"origin" envconfig:"XRAY_AGENT_ORIGIN"`

	SamplingStrategy      string   `json:"samplingStrategy" envconfig:"XRAY_AGENT_SAMPLING_STRATEGY"`
	SamplingRulesManifest string   `json:"samplingRulesManifest" envconfig:"XRAY_AGENT_SAMPLING_RULES"`
	RuleRefreshInterval   Duration `json:"ruleRefreshInterval" envconfig:"XRAY_AGENT_RULE_REFRESH"`
	DefaultFixedRate      float64  `json:"defaultFixedRate" envconfig:"XRAY_AGENT_DEFAULT_RATE"`
	DefaultReservoirSize  int      `json:"defaultReservoirSize" envconfig:"XRAY_AGENT_DEFAULT_RESERVOIR"`

	MaxDatagramSize     int `json:"maxDatagramSize" envconfig:"XRAY_AGENT_MAX_DATAGRAM_SIZE"`
	MaxStackTraceLength int `json:"maxStackTraceLength" envconfig:"XRAY_AGENT_MAX_STACK"`
	StreamingThreshold  int `json:"streamingThreshold" envconfig:"XRAY_AGENT_STREAMING_THRESHOLD"`

	IdleCeiling  Duration `json:"idleCeiling" envconfig:"XRAY_AGENT_IDLE_CEILING"`
	ReapInterval Duration `json:"reapInterval" envconfig:"XRAY_AGENT_REAP_INTERVAL"`

	ContextStrategy        string `json:"contextStrategy" envconfig:"XRAY_AGENT_CONTEXT_STRATEGY"`
	TraceIDInjection       bool   `json:"traceIdInjection" envconfig:"XRAY_AGENT_TRACE_ID_INJECTION"`
	TraceIDInjectionPrefix string `json:"traceIdInjectionPrefix" envconfig:"XRAY_AGENT_TRACE_ID_PREFIX"`
	CollectSQLQueries      bool   `json:"collectSqlQueries" envconfig:"XRAY_AGENT_COLLECT_SQL"`

	LogLevel string `json:"logLevel" envconfig:"XRAY_AGENT_LOG_LEVEL"`
	LogDir   string `json:"logDir" envconfig:"XRAY_AGENT_LOG_DIR"`
}

// Default 默认配置
func Default() *Config {
	return &Config{
		ServiceName:            "XRayInstrumentedService",
		TracingEnabled:         true,
		ContextMissingStrategy: ContextMissingLog,
		DaemonAddress:          daemon.DefaultAddress,
		SamplingStrategy:       sampling.StrategyCentral,
		RuleRefreshInterval:    Duration(5 * time.Minute),
		DefaultFixedRate:       0.05,
		DefaultReservoirSize:   1,
		MaxDatagramSize:        65000,
		MaxStackTraceLength:    50,
		StreamingThreshold:     100,
		IdleCeiling:            Duration(10 * time.Minute),
		ReapInterval:           Duration(30 * time.Second),
		ContextStrategy:        cctx.StrategyGoroutine,
		TraceIDInjection:       true,
		LogLevel:               "info",
	}
}

// Load 依次叠加默认值、JSON 文件和环境变量，然后校验。
// path 为空时读 XRAY_AGENT_CONFIG，仍为空则跳过文件
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvFile)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, configErr(err, "read config file", path)
		}
		if err := sonic.Unmarshal(data, cfg); err != nil {
			return nil, configErr(err, "decode config file", path)
		}
	}

	// 没有 default tag：未设置的变量保持文件 / 默认值
	if err := envconfig.Process("", cfg); err != nil {
		return nil, configErr(err, "process env", "")
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault 加载失败时回落到默认配置，并把错误交给调用方记录
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return Default(), err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.ContextMissingStrategy = strings.ToUpper(strings.TrimSpace(c.ContextMissingStrategy))
	c.SamplingStrategy = strings.ToUpper(strings.TrimSpace(c.SamplingStrategy))
	c.ContextStrategy = strings.ToLower(strings.TrimSpace(c.ContextStrategy))
}

// Validate 校验取值范围
func (c *Config) Validate() error {
	switch c.ContextMissingStrategy {
	case ContextMissingLog, ContextMissingIgnore:
	default:
		return invalid("contextMissingStrategy", c.ContextMissingStrategy)
	}
	switch c.SamplingStrategy {
	case sampling.StrategyCentral, sampling.StrategyLocal, sampling.StrategyAll, sampling.StrategyNone:
	default:
		return invalid("samplingStrategy", c.SamplingStrategy)
	}
	switch c.ContextStrategy {
	case cctx.StrategyGoroutine, cctx.StrategyContext:
	default:
		return invalid("contextStrategy", c.ContextStrategy)
	}
	if _, err := daemon.ParseAddr(c.DaemonAddress); err != nil {
		return invalid("daemonAddress", c.DaemonAddress)
	}
	if c.DefaultFixedRate < 0 || c.DefaultFixedRate > 1 {
		return invalid("defaultFixedRate", c.DefaultFixedRate)
	}
	if c.DefaultReservoirSize < 0 {
		return invalid("defaultReservoirSize", c.DefaultReservoirSize)
	}
	if c.MaxDatagramSize <= 0 {
		return invalid("maxDatagramSize", c.MaxDatagramSize)
	}
	if c.MaxStackTraceLength < 0 {
		return invalid("maxStackTraceLength", c.MaxStackTraceLength)
	}
	if c.StreamingThreshold < 0 {
		return invalid("streamingThreshold", c.StreamingThreshold)
	}
	for name, d := range map[string]Duration{
		"ruleRefreshInterval": c.RuleRefreshInterval,
		"idleCeiling":         c.IdleCeiling,
		"reapInterval":        c.ReapInterval,
	} {
		if d <= 0 {
			return invalid(name, d.String())
		}
	}
	return nil
}

// LogConfig 转成 logx 配置
func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		AppName:        c.ServiceName,
		Level:          logx.ParseLevel(c.LogLevel),
		LogDir:         c.LogDir,
		ConsoleEnabled: c.LogDir == "",
		Rotate:         logx.RotateHourly,
		MaxBackups:     24,
	}
}

func invalid(key string, v any) error {
	return errorx.New(errorx.ErrInvalidConfig,
		errorx.WithType(errorx.ErrTypeConfig),
		errorx.WithComponent(errorx.ComponentConfig),
		errorx.WithMessage(fmt.Sprintf("invalid %s: %v", key, v)),
		errorx.WithField("key", key))
}

func configErr(err error, msg, path string) error {
	return errorx.Wrap(err, errorx.ErrInvalidConfig,
		errorx.WithType(errorx.ErrTypeConfig),
		errorx.WithComponent(errorx.ComponentConfig),
		errorx.WithMessage(msg),
		errorx.WithField("path", path))
}

// ---- Duration ----

// Duration 在 JSON 里写成 "5m" 这样的字符串（也接受纳秒整数），环境变量同样按字符串解析
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return sonic.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := sonic.Unmarshal(b, &s); err != nil {
			return err
		}
		return d.Decode(s)
	}
	var n int64
	if err := sonic.Unmarshal(b, &n); err != nil {
		return err
	}
	*d = Duration(n)
	return nil
}

// Decode 实现 envconfig.Decoder
func (d *Duration) Decode(s string) error {
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogConfig 包含日志系统的配置信息
type LogConfig struct {
	// LogLevel 是最低输出的日志级别
	LogLevel string `yaml:"log_level"`
	// LogFile 是日志文件的路径，为空时不写文件
	LogFile string `yaml:"log_file"`
	// EnableConsole 决定是否同时将日志输出到控制台
	EnableConsole bool `yaml:"enable_console"`
	// EnableJSON 决定日志是否使用JSON格式
	EnableJSON bool `yaml:"enable_json"`
}

// 日志级别名称映射表，用于将字符串日志级别转换为zerolog级别
var levelNames = map[string]zerolog.Level{
	"debug": zerolog.DebugLevel,
	"info":  zerolog.InfoLevel,
	"warn":  zerolog.WarnLevel,
	"error": zerolog.ErrorLevel,
	"fatal": zerolog.FatalLevel,
}

var (
	mu      sync.RWMutex
	logger  = newConsoleLogger(os.Stderr, zerolog.InfoLevel)
	logFile *os.File

	// exit 在Fatalf之后调用，测试中可以替换
	exit = os.Exit
)

func newConsoleLogger(out io.Writer, level zerolog.Level) zerolog.Logger {
	w := zerolog.ConsoleWriter{Out: out, TimeFormat: "2006-01-02 15:04:05.000"}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Init 根据给定的配置初始化日志系统
// 参数：
//   - config：日志配置信息，包含日志级别、文件路径等
//
// 返回：
//   - error：如果初始化失败，返回错误信息
func Init(config *LogConfig) error {
	// 解析日志级别，如果配置的日志级别无效，默认使用InfoLevel
	level, ok := levelNames[config.LogLevel]
	if !ok {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer
	var file *os.File

	// 如果配置了日志文件，添加文件输出
	if config.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(config.LogFile), 0755); err != nil {
			return fmt.Errorf("创建日志目录失败：%w", err)
		}
		f, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("打开日志文件失败：%w", err)
		}
		file = f
		if config.EnableJSON {
			writers = append(writers, f)
		} else {
			writers = append(writers, zerolog.ConsoleWriter{Out: f, TimeFormat: time.DateTime, NoColor: true})
		}
	}

	if config.EnableConsole {
		if config.EnableJSON {
			writers = append(writers, os.Stdout)
		} else {
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05.000"})
		}
	}

	var output io.Writer = io.Discard
	switch len(writers) {
	case 0:
	case 1:
		output = writers[0]
	default:
		output = zerolog.MultiLevelWriter(writers...)
	}

	mu.Lock()
	if logFile != nil {
		logFile.Close()
	}
	logFile = file
	logger = zerolog.New(output).Level(level).With().Timestamp().Int("pid", os.Getpid()).Logger()
	mu.Unlock()

	Infof("日志系统已初始化，级别：%s", level)
	return nil
}

// SetOutput 替换日志输出，主要用于测试
func SetOutput(w io.Writer, level string) {
	lvl, ok := levelNames[level]
	if !ok {
		lvl = zerolog.DebugLevel
	}
	mu.Lock()
	logger = zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	mu.Unlock()
}

// Close 关闭日志文件，可重复调用
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

func current() *zerolog.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	return &l
}

// Debugf 以调试级别记录格式化的消息
func Debugf(format string, args ...interface{}) {
	current().Debug().Msg(fmt.Sprintf(format, args...))
}

// Infof 以信息级别记录格式化的消息
func Infof(format string, args ...interface{}) {
	current().Info().Msg(fmt.Sprintf(format, args...))
}

// Warnf 以警告级别记录格式化的消息
func Warnf(format string, args ...interface{}) {
	current().Warn().Msg(fmt.Sprintf(format, args...))
}

// Errorf 以错误级别记录格式化的消息
func Errorf(format string, args ...interface{}) {
	current().Error().Msg(fmt.Sprintf(format, args...))
}

// Fatalf 以致命错误级别记录格式化的消息，然后退出程序
func Fatalf(format string, args ...interface{}) {
	// WithLevel不会像Fatal()那样直接退出，便于测试替换exit
	current().WithLevel(zerolog.FatalLevel).Msg(fmt.Sprintf(format, args...))
	Close()
	exit(1)
}

// Event 返回一个信息级别的结构化日志事件，用于需要附加字段的场景
// 例如：log.Event().Str("label", l).Float64("confidence", c).Msg("prediction")
func Event() *zerolog.Event {
	return current().Info()
}

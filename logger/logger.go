package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel 日志级别
type LogLevel int

const (
	DEBUG LogLevel = iota // 调试信息（最详细）
	INFO                  // 一般信息（正常运行信息）
	WARN                  // 警告信息（需要注意但不影响运行）
	ERROR                 // 错误信息（需要关注的问题）
	FATAL                 // 致命错误（程序无法继续）
)

// Options 日志初始化参数
type Options struct {
	Level      string
	File       string // 为空时只输出到控制台
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

var (
	mu          sync.RWMutex
	globalLevel = INFO
	log         = newConsoleLogger()
	fileHook    *FileHook
)

// String 返回日志级别的字符串表示
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel 解析日志级别字符串
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO // 默认INFO级别
	}
}

func (l LogLevel) logrusLevel() logrus.Level {
	switch l {
	case DEBUG:
		return logrus.DebugLevel
	case WARN:
		return logrus.WarnLevel
	case ERROR:
		return logrus.ErrorLevel
	case FATAL:
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

func newConsoleLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:          true,
		TimestampFormat:        "2006-01-02 15:04:05",
		DisableLevelTruncation: true,
		PadLevelText:           true,
	})
	return l
}

// FileHook 将日志写入滚动文件
type FileHook struct {
	formatter logrus.Formatter
	writer    io.Writer
}

// Levels 文件钩子接收所有级别
func (h *FileHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire 格式化并写入文件
func (h *FileHook) Fire(entry *logrus.Entry) error {
	b, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.writer.Write(b)
	return err
}

// Init 按配置初始化日志（级别 + 文件滚动）
func Init(opts Options) error {
	SetLevel(ParseLogLevel(opts.Level))
	if opts.File == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
		return fmt.Errorf("创建日志文件夹失败: %w", err)
	}

	hook := &FileHook{
		writer: &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		},
		formatter: &logrus.TextFormatter{
			DisableColors:   true,
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		},
	}

	mu.Lock()
	closeFileHookLocked()
	fileHook = hook
	log.AddHook(hook)
	mu.Unlock()

	Info("📝 文件日志已启用: %s", opts.File)
	return nil
}

// SetOutput 替换控制台输出（测试用）
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	log.SetOutput(w)
}

// SetLevel 设置全局日志级别
func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	globalLevel = level
	log.SetLevel(level.logrusLevel())
}

// GetLevel 获取全局日志级别
func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return globalLevel
}

func closeFileHookLocked() {
	if fileHook == nil {
		return
	}
	if c, ok := fileHook.writer.(io.Closer); ok {
		c.Close()
	}
	log.ReplaceHooks(make(logrus.LevelHooks))
	fileHook = nil
}

// Close 关闭文件日志（程序退出时调用）
func Close() {
	mu.Lock()
	defer mu.Unlock()
	closeFileHookLocked()
}

func current() *logrus.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// Debug 输出调试日志
func Debug(format string, args ...interface{}) {
	current().Debugf(format, args...)
}

// Info 输出一般信息日志
func Info(format string, args ...interface{}) {
	current().Infof(format, args...)
}

// Warn 输出警告日志
func Warn(format string, args ...interface{}) {
	current().Warnf(format, args...)
}

// Error 输出错误日志
func Error(format string, args ...interface{}) {
	current().Errorf(format, args...)
}

// Fatal 输出致命错误日志并退出程序
func Fatal(format string, args ...interface{}) {
	current().Fatalf(format, args...)
}

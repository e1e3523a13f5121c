package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

const defaultTimestampFormat = "15:04:05 MST 2006/01/02"

var (
	// Logger 全局日志实例
	Logger = newLogger(os.Stdout, logrus.InfoLevel)
	// InfoLogger 信息日志实例
	InfoLogger = newLogger(os.Stdout, logrus.InfoLevel)
	// ErrorLogger 错误日志实例
	ErrorLogger = newLogger(os.Stderr, logrus.InfoLevel)
)

// Fields 结构化日志字段
type Fields = logrus.Fields

// LogConfig 日志配置
type LogConfig struct {
	ErrorLogPath string
	InfoLogPath  string
	LogLevel     string
}

// CustomFormatter 单行日志格式：[时间] [级别] (调用者) 消息 k=v ...
type CustomFormatter struct {
	TimestampFormat string
}

// Format 实现 logrus.Formatter 接口
func (f *CustomFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	format := f.TimestampFormat
	if format == "" {
		format = defaultTimestampFormat
	}
	timestamp := entry.Time.Format(format)

	level := strings.ToUpper(entry.Level.String())
	if len(level) > 4 {
		level = level[:4]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] [%s] (%s) %s", timestamp, level, getCaller(), entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry.Data[k])
	}
	b.WriteByte('\n')
	return []byte(b.String()), nil
}

// getCaller 跳过日志框架本身，找到实际的调用者
func getCaller() string {
	for i := 2; i < 20; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if strings.Contains(file, "sirupsen") || strings.HasSuffix(file, "/logger.go") {
			continue
		}
		// 格式: filename:package.function:line
		return fmt.Sprintf("%s:%s:%d", filepath.Base(file), runtime.FuncForPC(pc).Name(), line)
	}
	return "unknown:unknown:0"
}

func newLogger(out io.Writer, level logrus.Level) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&CustomFormatter{TimestampFormat: defaultTimestampFormat})
	l.SetOutput(out)
	l.SetLevel(level)
	return l
}

// parseLogLevel 解析日志级别字符串为logrus级别
func parseLogLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.InfoLevel
	}
}

// InitLogger 初始化日志，日志文件打不开时回退到标准输出
func InitLogger(config LogConfig) error {
	level := parseLogLevel(config.LogLevel)

	infoOut := io.Writer(os.Stdout)
	if config.InfoLogPath != "" {
		f, err := openLogFile(config.InfoLogPath)
		if err != nil {
			InfoLogger.Warnf("Failed to open info log file %s, fallback to stdout: %v", config.InfoLogPath, err)
		} else {
			infoOut = io.MultiWriter(os.Stdout, f)
		}
	}

	errorOut := io.Writer(os.Stderr)
	if config.ErrorLogPath != "" {
		f, err := openLogFile(config.ErrorLogPath)
		if err != nil {
			ErrorLogger.Warnf("Failed to open error log file %s, fallback to stderr: %v", config.ErrorLogPath, err)
		} else {
			errorOut = io.MultiWriter(os.Stderr, f)
		}
	}

	InfoLogger = newLogger(infoOut, level)
	ErrorLogger = newLogger(errorOut, level)
	// 主日志器与信息日志共用输出
	Logger = newLogger(infoOut, level)
	return nil
}

// openLogFile 打开日志文件
func openLogFile(logPath string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
}

// WithFields 带结构化字段的日志条目
func WithFields(fields Fields) *logrus.Entry {
	return Logger.WithFields(fields)
}

// Info 记录信息日志
func Info(args ...interface{}) {
	InfoLogger.Info(args...)
}

// Infof 记录格式化信息日志
func Infof(format string, args ...interface{}) {
	InfoLogger.Infof(format, args...)
}

// Debug 记录调试日志
func Debug(args ...interface{}) {
	Logger.Debug(args...)
}

// Debugf 记录格式化调试日志
func Debugf(format string, args ...interface{}) {
	Logger.Debugf(format, args...)
}

// Warnf 记录格式化警告日志
func Warnf(format string, args ...interface{}) {
	Logger.Warnf(format, args...)
}

// Error 记录错误日志
func Error(args ...interface{}) {
	ErrorLogger.Error(args...)
}

// Errorf 记录格式化错误日志
func Errorf(format string, args ...interface{}) {
	ErrorLogger.Errorf(format, args...)
}

// Fatalf 记录格式化致命错误日志并退出
func Fatalf(format string, args ...interface{}) {
	ErrorLogger.Fatalf(format, args...)
}

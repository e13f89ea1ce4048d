package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig is implemented by the config package's log section.
type LogConfig interface {
	GetLevel() string
	GetOutput() string
	GetFile() string
}

var defaultLogger *zap.SugaredLogger

func init() {
	// Usable before Init is called (tests, adminutil)
	l, _ := zap.NewProduction(zap.AddCallerSkip(1))
	defaultLogger = l.Sugar()
}

// Init builds the shared logger from config.
func Init(cfg LogConfig) {
	level := parseLevel(cfg.GetLevel())

	var ws zapcore.WriteSyncer
	switch cfg.GetOutput() {
	case "stderr":
		ws = zapcore.AddSync(os.Stderr)
	case "file":
		ws = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.GetFile(),
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		})
	default:
		ws = zapcore.AddSync(os.Stdout)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), ws, level)
	defaultLogger = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func Debug(format string, args ...interface{}) { defaultLogger.Debugf(format, args...) }
func Info(format string, args ...interface{})  { defaultLogger.Infof(format, args...) }
func Warn(format string, args ...interface{})  { defaultLogger.Warnf(format, args...) }
func Error(format string, args ...interface{}) { defaultLogger.Errorf(format, args...) }
func Fatal(format string, args ...interface{}) { defaultLogger.Fatalf(format, args...) }

// Sync flushes buffered log entries; call on shutdown.
func Sync() {
	_ = defaultLogger.Sync()
}

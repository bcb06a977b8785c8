package logger

import (
	"curation-reconciler/config"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var sugar *zap.SugaredLogger

const timeFormat = "[01-02|15:04:05.000]"

func init() {
	sugar = createSugaredLogger(config.LoggerConfig{Level: "DEBUG", Console: true})

	config.GlobalConfigCallback.AddCallback(func(cfg config.GlobalConfig) {
		sugar = createSugaredLogger(cfg.LoggerConfig())
	})
}

func createSugaredLogger(cfg config.LoggerConfig) *zap.SugaredLogger {
	atom := zap.NewAtomicLevel()

	var cores []zapcore.Core
	if cfg.Console {
		cores = append(cores, createConsoleLoggerCore(atom))
	}

	if len(cfg.File) > 0 {
		cores = append(cores, createFileLoggerCore(cfg, atom))
	}

	logger := zap.New(
		zapcore.NewTee(cores...),
		zap.AddStacktrace(zap.ErrorLevel),
		zap.AddCaller(),
		zap.AddCallerSkip(1),
	)

	sug := logger.Sugar()

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		sug.Errorf("Wrong level %s", cfg.Level)
	}
	atom.SetLevel(level)

	return sug
}

func createFileLoggerCore(cfg config.LoggerConfig, atom zap.AtomicLevel) zapcore.Core {
	w := zapcore.AddSync(&lumberjack.Logger{
		Filename: cfg.File,
		MaxSize:  cfg.MaxFileSize,
	})

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderCfg.EncodeTime = zapcore.TimeEncoderOfLayout(timeFormat)

	return zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), w, atom)
}

type noSyncWriterWrapper struct {
	io.Writer
}

func (n noSyncWriterWrapper) Sync() error {
	return nil
}

func createConsoleLoggerCore(atom zap.AtomicLevel) zapcore.Core {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderCfg.EncodeTime = zapcore.TimeEncoderOfLayout(timeFormat)

	return zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		noSyncWriterWrapper{os.Stdout},
		atom,
	)
}

func SyncFileLogger() {
	if err := sugar.Sync(); err != nil {
		sugar.Infof("Failed to sync logger: %v", err)
	}
}

func Warn(msg string, args ...interface{}) {
	sugar.Warnf(msg, args...)
}

func Error(msg string, args ...interface{}) {
	sugar.Errorf(msg, args...)
}

func Info(msg string, args ...interface{}) {
	sugar.Infof(msg, args...)
}

func Debug(msg string, args ...interface{}) {
	sugar.Debugf(msg, args...)
}

func Fatal(msg string, args ...interface{}) {
	SyncFileLogger()
	sugar.Fatalf(msg, args...)
}

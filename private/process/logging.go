// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package process

import (
	"flag"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logLevel       = flag.String("log.level", "info", "the minimum log level to log")
	logDev         = flag.Bool("log.development", false, "if true, set logging to development mode")
	logCaller      = flag.Bool("log.caller", false, "if true, log function filename and line number")
	logStack       = flag.Bool("log.stack", false, "if true, log stack traces")
	logEncoding    = flag.String("log.encoding", "console", "configures log encoding. can either be 'console' or 'json'")
	logOutput      = flag.String("log.output", "stderr", "can be stdout, stderr, or a filename")
	logErrorOutput = flag.String("log.error-output", "stderr", "can be stdout, stderr, or a filename")
)

// NewLogger creates a zap logger from the log.* flags.
func NewLogger() (*zap.Logger, error) {
	return NewLoggerWithOutputPaths(*logOutput)
}

// NewLoggerWithOutputPaths creates a zap logger writing to the given paths.
func NewLoggerWithOutputPaths(outputPaths ...string) (*zap.Logger, error) {
	levelEncoder := zapcore.CapitalLevelEncoder
	if isTerminal(*logOutput) && *logEncoding == "console" {
		levelEncoder = zapcore.CapitalColorLevelEncoder
	}

	var level zapcore.Level
	if err := level.Set(*logLevel); err != nil {
		return nil, err
	}

	return zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       *logDev,
		DisableCaller:     !*logCaller,
		DisableStacktrace: !*logStack,
		Encoding:          *logEncoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "T",
			LevelKey:       "L",
			NameKey:        "N",
			CallerKey:      "C",
			MessageKey:     "M",
			StacktraceKey:  "S",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    levelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      outputPaths,
		ErrorOutputPaths: []string{*logErrorOutput},
	}.Build()
}

func isTerminal(path string) bool {
	switch path {
	case "stdout":
		return isTerminalFile(os.Stdout)
	case "stderr":
		return isTerminalFile(os.Stderr)
	default:
		return false
	}
}

func isTerminalFile(file *os.File) bool {
	info, err := file.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

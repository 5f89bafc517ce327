package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const defaultLogMaxSize = 300 // MB

// FileLogConfig describes rotated file output.
type FileLogConfig struct {
	// RootPath is the directory holding the log file.
	RootPath string `mapstructure:"rootpath" json:"rootpath"`
	// Filename is the log file name. Empty disables file logging.
	Filename string `mapstructure:"filename" json:"filename"`
	// MaxSize is the size in MB that triggers rotation.
	MaxSize int `mapstructure:"max-size" json:"max-size"`
	// MaxDays is how long rotated files are kept. Zero keeps them forever.
	MaxDays int `mapstructure:"max-days" json:"max-days"`
	// MaxBackups caps the number of rotated files.
	MaxBackups int `mapstructure:"max-backups" json:"max-backups"`
}

// Config is the serializable logging configuration.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level" json:"level"`
	// Format is "console" or "json".
	Format string `mapstructure:"format" json:"format"`
	// Stdout enables writing to standard output.
	Stdout bool `mapstructure:"stdout" json:"stdout"`
	// Development puts the logger in development mode, which changes the
	// behavior of DPanicLevel and records stack traces more liberally.
	Development bool `mapstructure:"development" json:"development"`
	// DisableCaller stops annotating logs with the calling function.
	DisableCaller bool `mapstructure:"disable-caller" json:"disable-caller"`
	// DisableStacktrace disables automatic stack trace capturing.
	DisableStacktrace bool `mapstructure:"disable-stacktrace" json:"disable-stacktrace"`
	// File holds the rotated file output settings.
	File FileLogConfig `mapstructure:"file" json:"file"`
}

// ZapProperties records the pieces of an initialized logger.
type ZapProperties struct {
	Core   zapcore.Core
	Syncer zapcore.WriteSyncer
	Level  zap.AtomicLevel
}

func (cfg *Config) buildEncoder() zapcore.Encoder {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.TimeKey = "time"
	if cfg.Format == "json" {
		return zapcore.NewJSONEncoder(encCfg)
	}
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(encCfg)
}

func (cfg *Config) buildOptions(errSink zapcore.WriteSyncer) []zap.Option {
	opts := []zap.Option{zap.ErrorOutput(errSink)}

	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	if !cfg.DisableCaller {
		opts = append(opts, zap.AddCaller())
	}

	stackLevel := zap.ErrorLevel
	if cfg.Development {
		stackLevel = zap.WarnLevel
	}
	if !cfg.DisableStacktrace {
		opts = append(opts, zap.AddStacktrace(stackLevel))
	}
	return opts
}

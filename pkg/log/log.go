// Package log wraps go.uber.org/zap with a process-wide logger that can be
// reconfigured at startup and replaced in tests.
package log

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var _globalL, _globalP atomic.Value

func init() {
	l, p := newStdLogger()
	_globalL.Store(l)
	_globalP.Store(p)
}

// InitLogger builds the process logger from cfg. Outputs are stdout and/or a
// lumberjack-rotated file; with neither configured, stdout is used. The
// returned logger skips one caller frame so that the package level helpers
// report their own caller; pass it to ReplaceGlobals.
func InitLogger(cfg *Config, opts ...zap.Option) (*zap.Logger, *ZapProperties, error) {
	var outputs []zapcore.WriteSyncer
	if len(cfg.File.Filename) > 0 {
		lg, err := initFileLog(&cfg.File)
		if err != nil {
			return nil, nil, err
		}
		outputs = append(outputs, zapcore.AddSync(lg))
	}
	if cfg.Stdout || len(outputs) == 0 {
		outputs = append(outputs, zapcore.Lock(os.Stdout))
	}
	lg, props, err := InitLoggerWithWriteSyncer(cfg, zap.CombineWriteSyncers(outputs...), opts...)
	if err != nil {
		return nil, nil, err
	}
	return lg.WithOptions(zap.AddCallerSkip(1)), props, nil
}

// InitLoggerWithWriteSyncer builds a zap logger writing to output.
func InitLoggerWithWriteSyncer(cfg *Config, output zapcore.WriteSyncer, opts ...zap.Option) (*zap.Logger, *ZapProperties, error) {
	level := zap.NewAtomicLevel()
	levelText := cfg.Level
	if levelText == "" {
		levelText = "info"
	}
	if strings.EqualFold(levelText, "trace") {
		levelText = "debug"
	}
	if err := level.UnmarshalText([]byte(levelText)); err != nil {
		return nil, nil, errors.Wrapf(err, "parse log level %q", cfg.Level)
	}
	core := zapcore.NewCore(cfg.buildEncoder(), output, level)
	opts = append(cfg.buildOptions(output), opts...)
	lg := zap.New(core, opts...)
	return lg, &ZapProperties{Core: core, Syncer: output, Level: level}, nil
}

func initFileLog(cfg *FileLogConfig) (*lumberjack.Logger, error) {
	logPath := filepath.Join(cfg.RootPath, cfg.Filename)
	if st, err := os.Stat(logPath); err == nil && st.IsDir() {
		return nil, errors.New("can't use directory as log file name")
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = defaultLogMaxSize
	}

	return &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxDays,
		LocalTime:  true,
	}, nil
}

func newStdLogger() (*zap.Logger, *ZapProperties) {
	conf := &Config{Level: "info", Stdout: true}
	lg, r, _ := InitLogger(conf, zap.OnFatal(zapcore.WriteThenPanic))
	return lg, r
}

// L returns the global logger. It's safe for concurrent use.
func L() *zap.Logger {
	return _globalL.Load().(*zap.Logger)
}

// S returns the global sugared logger.
func S() *zap.SugaredLogger {
	return L().WithOptions(zap.AddCallerSkip(-1)).Sugar()
}

// ReplaceGlobals replaces the global logger. It's safe for concurrent use.
func ReplaceGlobals(logger *zap.Logger, props *ZapProperties) {
	_globalL.Store(logger)
	if props != nil {
		_globalP.Store(props)
	}
}

// SetLevel changes the level of the global logger.
func SetLevel(l zapcore.Level) {
	_globalP.Load().(*ZapProperties).Level.SetLevel(l)
}

// Sync flushes any buffered log entries.
func Sync() error {
	return L().Sync()
}

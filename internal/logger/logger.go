// Package logger builds the zap logger shared by every component of a node.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger owns the process logger and its adjustable level.
type Logger struct {
	// Log is the configured logger. It is a no-op logger until Init succeeds.
	Log *zap.Logger

	level zap.AtomicLevel
	file  *lumberjack.Logger
}

// New returns an uninitialised Logger.
func New() *Logger {
	return &Logger{Log: zap.NewNop(), level: zap.NewAtomicLevel()}
}

// WithFile makes Init write JSON logs to path, rotated at 10 MB with three
// compressed backups kept for a week.
func (l *Logger) WithFile(path string) *Logger {
	if path == "" {
		return l
	}
	l.file = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   true,
	}
	return l
}

// Init builds a production JSON logger at the given level.
func (l *Logger) Init(level string) error {
	if err := l.SetLevel(level); err != nil {
		return err
	}

	var sink zapcore.WriteSyncer = zapcore.Lock(os.Stderr)
	if l.file != nil {
		sink = zapcore.AddSync(l.file)
	}

	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), sink, l.level)
	l.Log = zap.New(core, zap.AddCaller())
	return nil
}

// SetLevel changes the level of an initialised logger in place.
func (l *Logger) SetLevel(level string) error {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return err
	}
	l.level.SetLevel(lvl.Level())
	return nil
}

// Close flushes buffered entries and closes the log file, if any.
func (l *Logger) Close() error {
	_ = l.Log.Sync()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

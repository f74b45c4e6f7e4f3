package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	waLog "go.mau.fi/whatsmeow/util/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls where log lines go and how verbose they are.
type Options struct {
	Level      string // debug, info, warn, error
	File       string // optional JSON log file, rotated by lumberjack
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Console    bool
}

var (
	mu      sync.RWMutex
	base    = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	rotator *lumberjack.Logger
)

// Setup replaces the process logger. It is safe to call more than once.
func Setup(opts Options) error {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(opts.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer
	if opts.Console || opts.File == "" {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	var lj *lumberjack.Logger
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return err
		}
		lj = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 50),
			MaxBackups: orDefault(opts.MaxBackups, 3),
			MaxAge:     orDefault(opts.MaxAgeDays, 7),
			LocalTime:  true,
		}
		writers = append(writers, lj)
	}

	l := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(level).With().Timestamp().Logger()

	mu.Lock()
	old := rotator
	base = l
	rotator = lj
	mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

// SetOutput points the logger at w with the given level. Used by tests.
func SetOutput(w io.Writer, level zerolog.Level) {
	mu.Lock()
	base = zerolog.New(w).Level(level).With().Timestamp().Logger()
	mu.Unlock()
}

// Close flushes and closes the rotating log file, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if rotator == nil {
		return nil
	}
	err := rotator.Close()
	rotator = nil
	return err
}

// Zerolog returns the current underlying logger.
func Zerolog() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// WALogger adapts the process logger for whatsmeow's internal logging.
func WALogger(module string) waLog.Logger {
	return waLog.Zerolog(Zerolog().With().Str("component", "whatsmeow").Str("module", module).Logger())
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func emit(level zerolog.Level, component, msg string, fields map[string]interface{}) {
	l := Zerolog()
	ev := l.WithLevel(level)
	if ev == nil {
		return
	}
	if component != "" {
		ev = ev.Str("component", component)
	}
	if len(fields) > 0 {
		ev = ev.Fields(fields)
	}
	ev.Msg(msg)
}

func Debug(msg string) { emit(zerolog.DebugLevel, "", msg, nil) }
func Info(msg string)  { emit(zerolog.InfoLevel, "", msg, nil) }
func Warn(msg string)  { emit(zerolog.WarnLevel, "", msg, nil) }
func Error(msg string) { emit(zerolog.ErrorLevel, "", msg, nil) }

func DebugC(component, msg string) { emit(zerolog.DebugLevel, component, msg, nil) }
func InfoC(component, msg string)  { emit(zerolog.InfoLevel, component, msg, nil) }
func WarnC(component, msg string)  { emit(zerolog.WarnLevel, component, msg, nil) }
func ErrorC(component, msg string) { emit(zerolog.ErrorLevel, component, msg, nil) }

func DebugCF(component, msg string, fields map[string]interface{}) {
	emit(zerolog.DebugLevel, component, msg, fields)
}

func InfoCF(component, msg string, fields map[string]interface{}) {
	emit(zerolog.InfoLevel, component, msg, fields)
}

func WarnCF(component, msg string, fields map[string]interface{}) {
	emit(zerolog.WarnLevel, component, msg, fields)
}

func ErrorCF(component, msg string, fields map[string]interface{}) {
	emit(zerolog.ErrorLevel, component, msg, fields)
}

package logs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tgifai/relay/internal/consts"
)

type Options struct {
	Level      string
	Format     string
	Output     string
	File       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

var logger Logger = newLogger(os.Stdout, "text", "stdout", logrus.InfoLevel)

// SetLogger replaces the global logger. Not safe for concurrent use.
func SetLogger(l Logger) {
	if l != nil {
		logger = l
	}
}

func SetLogLevel(level LogLevel) { logger.SetLevel(level) }

func DefaultLogger() Logger { return logger }

// Init builds a logger from opts and installs it globally.
func Init(opts Options) error {
	output := strings.ToLower(strings.TrimSpace(opts.Output))
	if output == "" {
		output = "stdout"
	}
	w, err := openWriter(opts, output)
	if err != nil {
		return err
	}
	SetLogger(newLogger(w, opts.Format, output, toLogrusLevel(opts.Level)))
	return nil
}

func Debug(format string, v ...interface{}) { logger.Debug(format, v...) }
func Info(format string, v ...interface{})  { logger.Info(format, v...) }
func Warn(format string, v ...interface{})  { logger.Warn(format, v...) }
func Error(format string, v ...interface{}) { logger.Error(format, v...) }
func Fatal(format string, v ...interface{}) { logger.Fatal(format, v...) }

func CtxDebug(ctx context.Context, format string, v ...interface{}) {
	logger.CtxDebug(ctx, format, v...)
}

func CtxInfo(ctx context.Context, format string, v ...interface{}) {
	logger.CtxInfo(ctx, format, v...)
}

func CtxWarn(ctx context.Context, format string, v ...interface{}) {
	logger.CtxWarn(ctx, format, v...)
}

func CtxError(ctx context.Context, format string, v ...interface{}) {
	logger.CtxError(ctx, format, v...)
}

func CtxFatal(ctx context.Context, format string, v ...interface{}) {
	logger.CtxFatal(ctx, format, v...)
}

func NewLogID() string                     { return logger.NewLogID() }
func GetLogID(ctx context.Context) string { return logger.GetLogID(ctx) }

func SetLogID(ctx context.Context, logID string) context.Context {
	return logger.SetLogID(ctx, logID)
}

// WithNewLogID attaches a freshly generated log id to ctx.
func WithNewLogID(ctx context.Context) context.Context {
	return SetLogID(ctx, NewLogID())
}

func Flush() { logger.Flush() }

type logrusLogger struct {
	log *logrus.Logger
}

func newLogger(w io.Writer, format, output string, level logrus.Level) Logger {
	log := logrus.New()
	log.SetOutput(w)
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&lineFormatter{colored: output != "file" && !color.NoColor})
	}
	log.SetLevel(level)
	return &logrusLogger{log: log}
}

func openWriter(opts Options, output string) (io.Writer, error) {
	switch output {
	case "stdout":
		return os.Stdout, nil
	case "file", "both":
		if strings.TrimSpace(opts.File) == "" {
			return nil, fmt.Errorf("log file is required when output is %q", output)
		}
		if dir := filepath.Dir(opts.File); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create log dir: %w", err)
			}
		}
		rotate := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    max(opts.MaxSize, 0),
			MaxBackups: max(opts.MaxBackups, 0),
			MaxAge:     max(opts.MaxAge, 0),
			Compress:   opts.Compress,
		}
		if rotate.MaxSize == 0 {
			rotate.MaxSize = 100
		}
		if output == "file" {
			return rotate, nil
		}
		return &teeWriter{console: os.Stdout, file: rotate}, nil
	default:
		return nil, fmt.Errorf("unsupported log output: %s", output)
	}
}

// teeWriter mirrors console output into the rotated file without colour codes.
type teeWriter struct {
	console io.Writer
	file    io.Writer
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func (w *teeWriter) Write(p []byte) (int, error) {
	if _, err := w.console.Write(p); err != nil {
		return 0, err
	}
	if _, err := w.file.Write(ansiPattern.ReplaceAll(p, nil)); err != nil {
		return 0, err
	}
	return len(p), nil
}

var levelMapping = []struct {
	ours   LogLevel
	theirs logrus.Level
}{
	{DebugLevel, logrus.DebugLevel},
	{InfoLevel, logrus.InfoLevel},
	{WarnLevel, logrus.WarnLevel},
	{ErrorLevel, logrus.ErrorLevel},
	{FatalLevel, logrus.FatalLevel},
}

func toLogrusLevel(level string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

func (l *logrusLogger) GetLevel() LogLevel {
	cur := l.log.GetLevel()
	for _, m := range levelMapping {
		if m.theirs == cur {
			return m.ours
		}
	}
	return InfoLevel
}

func (l *logrusLogger) SetLevel(level LogLevel) {
	for _, m := range levelMapping {
		if m.ours == level {
			l.log.SetLevel(m.theirs)
			return
		}
	}
}

func (l *logrusLogger) Debug(format string, v ...interface{}) { l.log.Debugf(format, v...) }
func (l *logrusLogger) Info(format string, v ...interface{})  { l.log.Infof(format, v...) }
func (l *logrusLogger) Warn(format string, v ...interface{})  { l.log.Warnf(format, v...) }
func (l *logrusLogger) Error(format string, v ...interface{}) { l.log.Errorf(format, v...) }
func (l *logrusLogger) Fatal(format string, v ...interface{}) { l.log.Fatalf(format, v...) }

func (l *logrusLogger) CtxDebug(ctx context.Context, format string, v ...interface{}) {
	l.log.WithContext(ctx).Debugf(format, v...)
}

func (l *logrusLogger) CtxInfo(ctx context.Context, format string, v ...interface{}) {
	l.log.WithContext(ctx).Infof(format, v...)
}

func (l *logrusLogger) CtxWarn(ctx context.Context, format string, v ...interface{}) {
	l.log.WithContext(ctx).Warnf(format, v...)
}

func (l *logrusLogger) CtxError(ctx context.Context, format string, v ...interface{}) {
	l.log.WithContext(ctx).Errorf(format, v...)
}

func (l *logrusLogger) CtxFatal(ctx context.Context, format string, v ...interface{}) {
	l.log.WithContext(ctx).Fatalf(format, v...)
}

func (l *logrusLogger) NewLogID() string { return uuid.NewString() }

func (l *logrusLogger) GetLogID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(consts.CtxKeyLogID).(string)
	return id
}

func (l *logrusLogger) SetLogID(ctx context.Context, logID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, consts.CtxKeyLogID, logID)
}

func (l *logrusLogger) Flush() {}

// lineFormatter renders "LEVEL time file:line logid message".
type lineFormatter struct {
	colored bool
}

var levelColors = map[logrus.Level]*color.Color{
	logrus.DebugLevel: color.New(color.FgCyan),
	logrus.InfoLevel:  color.New(color.FgGreen),
	logrus.WarnLevel:  color.New(color.FgYellow),
	logrus.ErrorLevel: color.New(color.FgRed),
	logrus.FatalLevel: color.New(color.FgRed),
	logrus.PanicLevel: color.New(color.FgRed),
}

func (f *lineFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	level := strings.ToUpper(entry.Level.String())
	if c, ok := levelColors[entry.Level]; ok && f.colored {
		level = c.Sprint(level)
	}

	// Frames: runtime.Caller, Format, logrus internals, our wrappers.
	skip := 9
	if entry.Context != nil {
		skip = 8
	}
	file, line := "???", 0
	if _, full, n, ok := runtime.Caller(skip); ok {
		file, line = shortPath(full), n
	}

	logID := ""
	if entry.Context != nil {
		logID, _ = entry.Context.Value(consts.CtxKeyLogID).(string)
	}

	return []byte(fmt.Sprintf("%s %s %s:%d %s %s\n",
		level,
		entry.Time.Format("2006-01-02 15:04:05,000"),
		file,
		line,
		logID,
		entry.Message,
	)), nil
}

func shortPath(full string) string {
	dir, file := filepath.Split(full)
	if dir == "" {
		return file
	}
	return filepath.Base(filepath.Clean(dir)) + "/" + file
}

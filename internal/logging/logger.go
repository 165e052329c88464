package logging

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel определяет уровни логирования
type LogLevel int

const (
	TRACE LogLevel = iota
	DEBUG
	INFO
	WARN
	ERROR
)

// String возвращает строковое представление уровня логирования
func (l LogLevel) String() string {
	switch l {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel разбирает строковый уровень ("debug", "INFO", ...). Неизвестное значение → INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return TRACE
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

func init() {
	// Фильтрация по уровням выполняется levelWriter'ами
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case TRACE:
		return zerolog.TraceLevel
	case DEBUG:
		return zerolog.DebugLevel
	case WARN:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Options задаёт общие параметры для всех создаваемых логгеров.
type Options struct {
	Dir             string   // каталог для файлов логов; пусто — только консоль
	ConsoleLevel    LogLevel // минимальный уровень для консоли
	FileLevel       LogLevel // минимальный уровень для файла
	ConsoleOut      io.Writer
	DisableConsole  bool
	TimestampFormat string
}

var (
	optsMu  sync.RWMutex
	options = Options{
		ConsoleLevel:    INFO,
		FileLevel:       TRACE,
		TimestampFormat: "15:04:05.000",
	}
)

// Configure устанавливает параметры для логгеров, созданных после вызова.
func Configure(o Options) {
	optsMu.Lock()
	defer optsMu.Unlock()
	if o.TimestampFormat == "" {
		o.TimestampFormat = "15:04:05.000"
	}
	options = o
}

func currentOptions() Options {
	optsMu.RLock()
	defer optsMu.RUnlock()
	return options
}

// Logger: логгер компонента. Консоль и файл фильтруются по собственным минимальным уровням.
type Logger struct {
	component       string
	zl              zerolog.Logger
	file            *os.File
	minConsoleLevel atomic.Int32
	minFileLevel    atomic.Int32
}

func (l *Logger) setLevels(console, file LogLevel) {
	l.minConsoleLevel.Store(int32(console))
	l.minFileLevel.Store(int32(file))
}

func (l *Logger) consoleLevel() LogLevel { return LogLevel(l.minConsoleLevel.Load()) }

func (l *Logger) fileLevel() LogLevel { return LogLevel(l.minFileLevel.Load()) }

// levelWriter пропускает в w только записи не ниже min.
type levelWriter struct {
	w   io.Writer
	min func() LogLevel
}

func (lw levelWriter) Write(p []byte) (int, error) { return lw.w.Write(p) }

func (lw levelWriter) WriteLevel(l zerolog.Level, p []byte) (int, error) {
	if l < lw.min().zerolog() {
		return len(p), nil
	}
	return lw.w.Write(p)
}

// NewLogger создаёт логгер компонента. Если задан каталог логов, дополнительно пишет в
// файл <dir>/<component>_<timestamp>.log.
func NewLogger(component string) (*Logger, error) {
	o := currentOptions()
	l := &Logger{component: component}
	l.setLevels(o.ConsoleLevel, o.FileLevel)

	var writers []io.Writer
	if !o.DisableConsole {
		out := o.ConsoleOut
		if out == nil {
			out = os.Stdout
		}
		console := zerolog.ConsoleWriter{Out: out, TimeFormat: o.TimestampFormat, NoColor: out != os.Stdout}
		writers = append(writers, levelWriter{w: console, min: l.consoleLevel})
	}

	if o.Dir != "" {
		if err := os.MkdirAll(o.Dir, 0755); err != nil {
			return nil, fmt.Errorf("ошибка создания директории логов: %w", err)
		}
		timestamp := time.Now().Format("2006-01-02_15-04-05")
		filename := filepath.Join(o.Dir, fmt.Sprintf("%s_%s.log", component, timestamp))
		file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, fmt.Errorf("ошибка создания файла логов: %w", err)
		}
		l.file = file
		writers = append(writers, levelWriter{w: file, min: l.fileLevel})
	}

	var out io.Writer = io.Discard
	if len(writers) > 0 {
		out = zerolog.MultiLevelWriter(writers...)
	}
	l.zl = zerolog.New(out).Level(zerolog.TraceLevel).With().Timestamp().Str("component", component).Logger()
	return l, nil
}

// Component возвращает имя компонента
func (l *Logger) Component() string { return l.component }

// Close закрывает файл логов, если он был открыт
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *Logger) log(level LogLevel, format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.zl.WithLevel(level.zerolog()).Msgf(format, args...)
}

// Trace логирует сообщение уровня TRACE
func (l *Logger) Trace(format string, args ...interface{}) { l.log(TRACE, format, args...) }

// Debug логирует сообщение уровня DEBUG
func (l *Logger) Debug(format string, args ...interface{}) { l.log(DEBUG, format, args...) }

// Info логирует сообщение уровня INFO
func (l *Logger) Info(format string, args ...interface{}) { l.log(INFO, format, args...) }

// Warn логирует сообщение уровня WARN
func (l *Logger) Warn(format string, args ...interface{}) { l.log(WARN, format, args...) }

// Error логирует сообщение уровня ERROR
func (l *Logger) Error(format string, args ...interface{}) { l.log(ERROR, format, args...) }

// Глобальный логгер по умолчанию (пакетные функции Info/Warn/...)
var (
	defaultMu     sync.RWMutex
	defaultLogger *Logger
)

// InitDefaultLogger создаёт логгер по умолчанию для указанного компонента
func InitDefaultLogger(component string) error {
	logger, err := NewLogger(component)
	if err != nil {
		return err
	}
	defaultMu.Lock()
	old := defaultLogger
	defaultLogger = logger
	defaultMu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// CloseDefaultLogger закрывает логгер по умолчанию
func CloseDefaultLogger() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger != nil {
		_ = defaultLogger.Close()
	}
}

func getDefault() *Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l != nil {
		return l
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		o := currentOptions()
		o.Dir = ""
		// Fallback: только консоль, без файла
		var out io.Writer = os.Stdout
		if o.ConsoleOut != nil {
			out = o.ConsoleOut
		}
		fallback := &Logger{component: "app"}
		fallback.setLevels(o.ConsoleLevel, o.FileLevel)
		fallback.zl = zerolog.New(levelWriter{
			w:   zerolog.ConsoleWriter{Out: out, TimeFormat: o.TimestampFormat},
			min: fallback.consoleLevel,
		}).With().Timestamp().Str("component", "app").Logger()
		defaultLogger = fallback
	}
	return defaultLogger
}

// Trace логирует сообщение уровня TRACE в логгер по умолчанию
func Trace(format string, args ...interface{}) { getDefault().Trace(format, args...) }

// Debug логирует сообщение уровня DEBUG в логгер по умолчанию
func Debug(format string, args ...interface{}) { getDefault().Debug(format, args...) }

// Info логирует сообщение уровня INFO в логгер по умолчанию
func Info(format string, args ...interface{}) { getDefault().Info(format, args...) }

// Warn логирует сообщение уровня WARN в логгер по умолчанию
func Warn(format string, args ...interface{}) { getDefault().Warn(format, args...) }

// Error логирует сообщение уровня ERROR в логгер по умолчанию
func Error(format string, args ...interface{}) { getDefault().Error(format, args...) }

// HexDump создает hex дамп данных (не более 256 байт)
func HexDump(data []byte) string {
	if len(data) == 0 {
		return "No data"
	}

	size := len(data)
	if size > 256 {
		size = 256
	}

	return hex.Dump(data[:size])
}

// LogProtocolError логирует ошибку декодирования входящего пакета
func (l *Logger) LogProtocolError(source string, err error, data []byte) {
	l.Warn("Protocol error from %s: %v (%d bytes)", source, err, len(data))
	if len(data) > 0 {
		l.Trace("%s", HexDump(data))
	}
}

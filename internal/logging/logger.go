package logging

// Levelled logging for the DoIP simulator

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the logging level
type LogLevel int

const (
	LogLevelSilent LogLevel = iota
	LogLevelError
	LogLevelInfo
	LogLevelVerbose
	LogLevelDebug
)

// ParseLevel maps a config or flag value to a LogLevel.
func ParseLevel(level string) (LogLevel, error) {
	switch strings.ToLower(level) {
	case "silent":
		return LogLevelSilent, nil
	case "error":
		return LogLevelError, nil
	case "", "info":
		return LogLevelInfo, nil
	case "verbose":
		return LogLevelVerbose, nil
	case "debug":
		return LogLevelDebug, nil
	default:
		return LogLevelInfo, fmt.Errorf("invalid log level %q (must be silent, error, info, verbose, or debug)", level)
	}
}

func (l LogLevel) String() string {
	switch l {
	case LogLevelSilent:
		return "silent"
	case LogLevelError:
		return "error"
	case LogLevelVerbose:
		return "verbose"
	case LogLevelDebug:
		return "debug"
	default:
		return "info"
	}
}

// core holds the outputs shared by a logger and all children created by With.
type core struct {
	mu       sync.Mutex
	level    LogLevel
	format   string
	logEvery int
	counter  int
	file     *os.File
	fileLog  *log.Logger
	stdout   *log.Logger
	stderr   *log.Logger
}

type field struct {
	key   string
	value string
}

// Logger writes levelled lines to the console and an optional file.
type Logger struct {
	*core
	fields []field
}

// NewLogger creates a text logger that writes every line
func NewLogger(level LogLevel, logFile string) (*Logger, error) {
	return NewLoggerWithOptions(level, logFile, "text", 1)
}

// NewLoggerWithOptions creates a logger with an output format ("text" or
// "json") and a console sampling rate. With logEvery > 1 and no file, only
// every Nth line reaches the console.
func NewLoggerWithOptions(level LogLevel, logFile, format string, logEvery int) (*Logger, error) {
	if format == "" {
		format = "text"
	}
	if format != "text" && format != "json" {
		return nil, fmt.Errorf("invalid log format %q (must be text or json)", format)
	}
	if logEvery <= 0 {
		logEvery = 1
	}
	c := &core{
		level:    level,
		format:   format,
		logEvery: logEvery,
		stdout:   log.New(os.Stdout, "", 0),
		stderr:   log.New(os.Stderr, "", 0),
	}

	if logFile != "" {
		file, err := os.Create(logFile)
		if err != nil {
			return nil, fmt.Errorf("create log file: %w", err)
		}
		c.file = file
		flags := log.LstdFlags
		if format == "json" {
			flags = 0
		}
		c.fileLog = log.New(file, "", flags)
	}

	return &Logger{core: c}, nil
}

// With returns a child logger that tags every line with key=value.
func (l *Logger) With(key string, value any) *Logger {
	if l == nil {
		return nil
	}
	fields := make([]field, len(l.fields), len(l.fields)+1)
	copy(fields, l.fields)
	fields = append(fields, field{key: key, value: fmt.Sprint(value)})
	return &Logger{core: l.core, fields: fields}
}

// Close closes the log file, if any
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		l.fileLog = nil
		return err
	}
	return nil
}

// Error logs an error message
func (l *Logger) Error(format string, v ...interface{}) {
	l.logf(LogLevelError, format, v...)
}

// Info logs an info message
func (l *Logger) Info(format string, v ...interface{}) {
	l.logf(LogLevelInfo, format, v...)
}

// Verbose logs a verbose message
func (l *Logger) Verbose(format string, v ...interface{}) {
	l.logf(LogLevelVerbose, format, v...)
}

// Debug logs a debug message
func (l *Logger) Debug(format string, v ...interface{}) {
	l.logf(LogLevelDebug, format, v...)
}

func (l *Logger) logf(level LogLevel, format string, v ...interface{}) {
	if l == nil || l.GetLevel() < level {
		return
	}
	l.write(level, fmt.Sprintf(format, v...))
}

func (l *Logger) render(level LogLevel, msg string) string {
	if l.format == "json" {
		entry := map[string]string{
			"time":    time.Now().UTC().Format(time.RFC3339Nano),
			"level":   level.String(),
			"message": msg,
		}
		for _, f := range l.fields {
			entry[f.key] = f.value
		}
		b, err := json.Marshal(entry)
		if err != nil {
			return fmt.Sprintf(`{"level":"error","message":%q}`, err.Error())
		}
		return string(b)
	}

	var sb strings.Builder
	sb.WriteString(strings.ToUpper(level.String()))
	sb.WriteString(": ")
	for _, f := range l.fields {
		sb.WriteString("[")
		sb.WriteString(f.key)
		sb.WriteString("=")
		sb.WriteString(f.value)
		sb.WriteString("] ")
	}
	sb.WriteString(msg)
	return sb.String()
}

// write writes a message to the appropriate outputs
func (l *Logger) write(level LogLevel, msg string) {
	line := l.render(level, msg)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.counter++
	if l.fileLog != nil {
		l.fileLog.Println(line)
	} else if l.counter%l.logEvery != 0 {
		return
	}

	// Errors go to stderr, others to stdout (but only if verbose/debug)
	if level == LogLevelError {
		l.stderr.Println(line)
	} else if l.level >= LogLevelVerbose {
		l.stdout.Println(line)
	}
}

// SetLevel sets the logging level
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current logging level
func (l *Logger) GetLevel() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// LogRequest logs the outcome of one diagnostic request handled by an ECU
func (l *Logger) LogRequest(source, target uint16, request, response []byte, outcome string, elapsed time.Duration) {
	msg := fmt.Sprintf("%s 0x%04X -> 0x%04X request=%s response=%s (%.3fms)",
		strings.ToUpper(outcome), source, target, hexString(request), hexString(response),
		float64(elapsed.Microseconds())/1000)

	if outcome == "failed" {
		l.Info("%s", msg)
	} else {
		l.Verbose("%s", msg)
	}
}

// LogStartup logs startup information
func (l *Logger) LogStartup(entity string, ip string, tcpPort, udpPort, ecus int, configPath string) {
	l.Info("Starting DoIP simulator %s", entity)
	l.Verbose("  Listen: %s tcp=%d udp=%d", ip, tcpPort, udpPort)
	l.Verbose("  ECUs: %d", ecus)
	l.Verbose("  Config: %s", configPath)
}

// LogHex logs hex data (for debug level)
func (l *Logger) LogHex(label string, data []byte) {
	if l != nil && l.GetLevel() >= LogLevelDebug {
		l.Debug("%s: %s", label, hexString(data))
	}
}

// hexString formats data as lowercase hex with a space between bytes.
func hexString(data []byte) string {
	var sb strings.Builder
	sb.Grow(len(data) * 3)
	for i, b := range data {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02x", b)
	}
	return sb.String()
}

// Package logger emits structured JSON log lines with PII redaction.
// Recipient addresses never reach the log unmasked; any field whose name
// or value looks like an email is run through RedactEmail first.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Level orders log severities.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Logger writes one JSON object per entry. The zero value is not usable;
// package-level functions go through the default logger.
type Logger struct {
	mu     sync.Mutex
	out    io.Writer
	level  Level
	redact bool
}

var std = New(os.Stderr, INFO)

// New returns a logger writing to out with redaction enabled.
func New(out io.Writer, level Level) *Logger {
	return &Logger{out: out, level: level, redact: true}
}

// SetLevel sets the minimum severity the default logger emits.
func SetLevel(l Level) { std.level = l }

// SetRedactPII toggles address masking on the default logger. It stays on
// in production; tests flip it off to assert on full values.
func SetRedactPII(on bool) { std.redact = on }

// Debug logs at DEBUG with alternating key, value fields.
func Debug(msg string, fields ...any) { std.log(DEBUG, msg, fields) }

// Info logs at INFO.
func Info(msg string, fields ...any) { std.log(INFO, msg, fields) }

// Warn logs at WARN.
func Warn(msg string, fields ...any) { std.log(WARN, msg, fields) }

// Error logs at ERROR.
func Error(msg string, fields ...any) { std.log(ERROR, msg, fields) }

// Debug logs at DEBUG on this logger.
func (l *Logger) Debug(msg string, fields ...any) { l.log(DEBUG, msg, fields) }

// Info logs at INFO on this logger.
func (l *Logger) Info(msg string, fields ...any) { l.log(INFO, msg, fields) }

// Warn logs at WARN on this logger.
func (l *Logger) Warn(msg string, fields ...any) { l.log(WARN, msg, fields) }

// Error logs at ERROR on this logger.
func (l *Logger) Error(msg string, fields ...any) { l.log(ERROR, msg, fields) }

func (l *Logger) log(level Level, msg string, fields []any) {
	if level < l.level {
		return
	}
	entry := map[string]string{
		"time":  time.Now().UTC().Format(time.RFC3339),
		"level": level.String(),
		"msg":   msg,
	}
	for i := 0; i+1 < len(fields); i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		val := fmt.Sprintf("%v", fields[i+1])
		if l.redact {
			val = redactValue(key, val)
		}
		entry[key] = val
	}
	line, _ := json.Marshal(entry)
	l.mu.Lock()
	fmt.Fprintln(l.out, string(line))
	l.mu.Unlock()
}

var emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

func redactValue(key, val string) string {
	k := strings.ToLower(key)
	if strings.Contains(k, "email") || strings.Contains(k, "recipient") || strings.Contains(k, "rcpt") {
		return RedactEmail(val)
	}
	return emailPattern.ReplaceAllStringFunc(val, RedactEmail)
}

// RedactEmail keeps at most the first two characters of the local part:
// "person@example.com" becomes "pe***@example.com".
func RedactEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "***@***"
	}
	local := email[:at]
	if len(local) > 2 {
		return local[:2] + "***" + email[at:]
	}
	return "***" + email[at:]
}

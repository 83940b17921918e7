package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Logger prints tagged, colored log lines. Error returns the formatted
// message as an error so call sites can log and return in one step.
type Logger struct {
	tag string
	out io.Writer
	mu  sync.Mutex
}

var (
	infoColor    = color.New(color.FgCyan)
	successColor = color.New(color.FgGreen)
	debugColor   = color.New(color.FgMagenta)
	warnColor    = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed, color.Bold)
	tagColor     = color.New(color.FgWhite, color.Bold)

	debugEnabled = os.Getenv("LOG_LEVEL") == "debug"
)

func New(tag string) *Logger {
	return &Logger{tag: tag, out: color.Output}
}

// WithOutput redirects the logger, mostly for tests.
func (l *Logger) WithOutput(w io.Writer) *Logger {
	return &Logger{tag: l.tag, out: w}
}

func (l *Logger) print(c *color.Color, level, format string, args ...interface{}) string {
	msg := fmt.Sprintf(format, args...)
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "%s %s %s %s\n",
		time.Now().Format("2006-01-02 15:04:05"),
		tagColor.Sprintf("[%s]", l.tag),
		c.Sprint(level),
		msg,
	)
	return msg
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.print(infoColor, "INFO ", format, args...)
}

func (l *Logger) Success(format string, args ...interface{}) {
	l.print(successColor, "OK   ", format, args...)
}

func (l *Logger) Debug(format string, args ...interface{}) {
	if !debugEnabled {
		return
	}
	l.print(debugColor, "DEBUG", format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.print(warnColor, "WARN ", format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) error {
	return fmt.Errorf("%s", l.print(errorColor, "ERROR", format, args...))
}

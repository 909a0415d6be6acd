package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger owns the process log sinks. The level can be changed at runtime
// through SetLevel, which the config watcher uses on reload.
type Logger struct {
	mu       sync.Mutex
	logger   zerolog.Logger
	file     io.Closer
	redactor *Redactor
}

// Config holds logger configuration.
type Config struct {
	Level     string `mapstructure:"level" json:"level"`         // debug, info, warn, error
	File      string `mapstructure:"file" json:"file"`           // log file path; empty logs to console only
	Console   bool   `mapstructure:"console" json:"console"`     // enable console output
	Pretty    bool   `mapstructure:"pretty" json:"pretty"`       // human readable console output
	Redaction bool   `mapstructure:"redaction" json:"redaction"` // scrub credentials and signatures
	MaxSize   int    `mapstructure:"max_size" json:"max_size"`   // MB before rotation; 0 disables rotation
	MaxAge    int    `mapstructure:"max_age" json:"max_age"`     // days to keep rotated files
	Compress  bool   `mapstructure:"compress" json:"compress"`   // gzip rotated files
}

// New builds the logger and installs it as the global zerolog logger.
func New(cfg Config) (*Logger, error) {
	level := ParseLevel(cfg.Level)

	var writers []io.Writer
	if cfg.Console {
		var console io.Writer = os.Stdout
		if cfg.Pretty {
			console = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		}
		writers = append(writers, console)
	}

	var closer io.Closer
	if cfg.File != "" {
		fw, err := openFile(cfg)
		if err != nil {
			return nil, err
		}
		closer = fw
		writers = append(writers, fw)
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = io.MultiWriter(writers...)
	}

	var redactor *Redactor
	if cfg.Redaction {
		redactor = NewRedactor()
		writer = redactor.Wrap(writer)
	}

	logger := zerolog.New(writer).
		Level(level).
		With().
		Timestamp().
		Logger()

	log.Logger = logger

	return &Logger{
		logger:   logger,
		file:     closer,
		redactor: redactor,
	}, nil
}

func openFile(cfg Config) (io.WriteCloser, error) {
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		// effectively never rotate
		maxSize = 1 << 20
	}
	rw, err := NewRotatingWriter(cfg.File, maxSize, cfg.MaxAge, cfg.Compress)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return rw, nil
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(name string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil || name == "" {
		return zerolog.InfoLevel
	}
	return level
}

// SetLevel changes the level of this logger and the global logger.
func (l *Logger) SetLevel(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger = l.logger.Level(ParseLevel(name))
	log.Logger = l.logger
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Debug logs a debug message
func (l *Logger) Debug() *zerolog.Event {
	z := l.GetZerolog()
	return z.Debug()
}

// Info logs an info message
func (l *Logger) Info() *zerolog.Event {
	z := l.GetZerolog()
	return z.Info()
}

// Warn logs a warning message
func (l *Logger) Warn() *zerolog.Event {
	z := l.GetZerolog()
	return z.Warn()
}

// Error logs an error message
func (l *Logger) Error() *zerolog.Event {
	z := l.GetZerolog()
	return z.Error()
}

// With creates a child logger context.
func (l *Logger) With() zerolog.Context {
	return l.GetZerolog().With()
}

// GetZerolog returns the underlying zerolog.Logger.
func (l *Logger) GetZerolog() zerolog.Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.logger
}

// DefaultConfig returns default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Console:   true,
		Pretty:    true,
		Redaction: true,
		MaxSize:   100,
		MaxAge:    7,
		Compress:  true,
	}
}

package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
	DefaultFilename   = "vrlink.log"
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// SlogConfig controls the structured logger.
type SlogConfig struct {
	Level      Level  `mapstructure:"level"`
	Format     Format `mapstructure:"format"`
	Color      bool   `mapstructure:"color"`
	TimeStamps bool   `mapstructure:"timestamps"`
	Source     bool   `mapstructure:"source"`
}

// FileConfig describes the rotated daemon log file. Nothing is written to
// disk unless Dir or Filename is set; a relative Filename is joined to Dir.
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir        string `mapstructure:"dir"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Config is the unified logging configuration.
type Config struct {
	Slog SlogConfig `mapstructure:",squash"`
	File FileConfig `mapstructure:"file"`
}

func DefaultConfig() Config {
	return Config{
		Slog: SlogConfig{
			Level:      LevelInfo,
			Format:     FormatText,
			Color:      false,
			TimeStamps: true,
		},
	}
}

// Path returns the log file path, or "" when file logging is off.
func (f FileConfig) Path() string {
	name := f.Filename
	if name == "" {
		if f.Dir == "" {
			return ""
		}
		name = DefaultFilename
	}
	if f.Dir != "" && !filepath.IsAbs(name) {
		return filepath.Join(f.Dir, name)
	}
	return name
}

// Writer returns a rotating writer for the log file, or nil when file
// logging is off.
func (f FileConfig) Writer() io.WriteCloser {
	p := f.Path()
	if p == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   p,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

// NewSlogger builds a logger writing to stderr and, when configured, to the
// rotated log file.
func (c Config) NewSlogger() *slog.Logger {
	l, _ := c.newSlogger(os.Stderr)
	return l
}

// NewSloggerWithFile is NewSlogger that also returns the file writer, so the
// caller can close it on exit. The closer is nil when file logging is off.
func (c Config) NewSloggerWithFile() (*slog.Logger, io.Closer) {
	return c.newSlogger(os.Stderr)
}

func (c Config) newSlogger(console io.Writer) (*slog.Logger, io.Closer) {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(string(c.Slog.Level)),
		AddSource: c.Slog.Source,
	}
	if !c.Slog.TimeStamps {
		opts.ReplaceAttr = dropTime
	}

	var closer io.Closer
	w := console
	color := c.Slog.Color
	if fw := c.File.Writer(); fw != nil {
		closer = fw
		if console == nil {
			w = fw
		} else {
			w = io.MultiWriter(console, fw)
		}
		// escape codes do not belong in a file
		color = false
	}
	if w == nil {
		w = io.Discard
	}

	var h slog.Handler
	switch {
	case c.Slog.Format == FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	case color:
		h = NewColorTextHandler(w, opts, c.Slog.TimeStamps)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), closer
}

// ParseLevel maps a level name to slog; unknown names mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

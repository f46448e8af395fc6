package core

import (
	"log"
	"strings"
	"sync"
)

// LogLevel represents the severity of a log message.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelOff
)

func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	case LevelOff:
		return "off"
	default:
		return "unknown"
	}
}

// parseLevel converts a level name to LogLevel, defaulting to info.
func parseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info", "":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "off", "none":
		return LevelOff
	default:
		return LevelInfo
	}
}

// LogConfig holds logging configuration from YAML.
type LogConfig struct {
	// Level is the global minimum level ("debug", "info", "warn", "error", "off").
	Level string `yaml:"level,omitempty"`
	// Components overrides the level per component tag, e.g. {"gateway": "debug"}.
	Components map[string]string `yaml:"components,omitempty"`
}

// Logger filters log output per component tag. Messages are written through
// the standard log package so the process-wide flags/output apply.
type Logger struct {
	mu     sync.RWMutex
	global LogLevel
	tags   map[string]LogLevel // lowercase component tag to level
}

// Log is the global logger. It starts at info level; Apply reconfigures it
// in place once the config file has been loaded.
var Log = &Logger{global: LevelInfo}

// Apply reconfigures the logger from config. Safe to call at any time.
func (l *Logger) Apply(cfg LogConfig) {
	tags := make(map[string]LogLevel, len(cfg.Components))
	for name, level := range cfg.Components {
		tags[strings.ToLower(name)] = parseLevel(level)
	}
	l.mu.Lock()
	l.global = parseLevel(cfg.Level)
	l.tags = tags
	l.mu.Unlock()
}

func (l *Logger) enabled(tag string, lvl LogLevel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if want, ok := l.tags[strings.ToLower(tag)]; ok {
		return want <= lvl
	}
	return l.global <= lvl
}

// Debugf logs at debug level under the given component tag.
func (l *Logger) Debugf(tag, format string, args ...any) {
	if l.enabled(tag, LevelDebug) {
		log.Printf("["+tag+"] "+format, args...)
	}
}

// Infof logs at info level.
func (l *Logger) Infof(tag, format string, args ...any) {
	if l.enabled(tag, LevelInfo) {
		log.Printf("["+tag+"] "+format, args...)
	}
}

// Warnf logs at warn level.
func (l *Logger) Warnf(tag, format string, args ...any) {
	if l.enabled(tag, LevelWarn) {
		log.Printf("["+tag+"] "+format, args...)
	}
}

// Errorf logs at error level.
func (l *Logger) Errorf(tag, format string, args ...any) {
	if l.enabled(tag, LevelError) {
		log.Printf("["+tag+"] "+format, args...)
	}
}

package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

const (
	defaultMaxSizeMB  = 20
	defaultMaxAgeDays = 3
	rotationStamp     = "20060102-150405"
)

var logLevelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

var (
	mu           sync.RWMutex
	currentLevel = INFO
	console      = log.New(os.Stderr, "", 0)
	sink         *rotatingFile
)

type LogEntry struct {
	Level     string                 `json:"level"`
	Timestamp string                 `json:"timestamp"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Caller    string                 `json:"caller,omitempty"`
}

func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
}

func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel
}

// ParseLevel maps a config string such as "debug" or "WARN" to a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	if want == "" {
		return INFO, nil
	}
	for level, name := range logLevelNames {
		if name == want {
			return level, nil
		}
	}
	return INFO, fmt.Errorf("unknown log level %q", s)
}

// SetOutput redirects console lines. The TUI sends them to io.Discard while
// the screen is up.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	console.SetOutput(w)
}

// EnableFileLoggingWithRotation mirrors every entry as a JSON line into
// filePath. The file is rotated once it would exceed maxSizeMB and rotated
// copies older than maxAgeDays are removed.
func EnableFileLoggingWithRotation(filePath string, maxSizeMB, maxAgeDays int) error {
	if maxSizeMB <= 0 {
		maxSizeMB = defaultMaxSizeMB
	}
	if maxAgeDays <= 0 {
		maxAgeDays = defaultMaxAgeDays
	}

	next, err := openRotatingFile(filePath, int64(maxSizeMB)*1024*1024, maxAgeDays)
	if err != nil {
		return err
	}

	mu.Lock()
	prev := sink
	sink = next
	mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	if err := next.prune(); err != nil {
		console.Println("Failed to clean up old log files:", err)
	}
	return nil
}

func DisableFileLogging() {
	mu.Lock()
	prev := sink
	sink = nil
	mu.Unlock()

	if prev != nil {
		prev.Close()
	}
}

func logMessage(level LogLevel, component string, message string, fields map[string]interface{}) {
	mu.RLock()
	enabled := level >= currentLevel
	file := sink
	mu.RUnlock()
	if !enabled {
		return
	}

	entry := LogEntry{
		Level:     logLevelNames[level],
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Component: component,
		Message:   message,
		Fields:    redact(fields),
	}
	if pc, path, line, ok := runtime.Caller(2); ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			entry.Caller = fmt.Sprintf("%s:%d (%s)", filepath.Base(path), line, fn.Name())
		}
	}

	if file != nil {
		if data, err := json.Marshal(entry); err == nil {
			if _, err := file.Write(append(data, '\n')); err != nil {
				console.Println("Failed to write file log:", err)
			}
		}
	}

	var fieldStr string
	if len(entry.Fields) > 0 {
		fieldStr = " " + formatFields(entry.Fields)
	}
	console.Printf("[%s] [%s]%s %s%s\n",
		entry.Timestamp,
		entry.Level,
		formatComponent(component),
		message,
		fieldStr,
	)
}

// redact masks recipient phone numbers so a full number never reaches a
// log line, whichever caller forgot to.
func redact(fields map[string]interface{}) map[string]interface{} {
	phone, ok := fields[FieldRecipient].(string)
	if !ok {
		return fields
	}
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	out[FieldRecipient] = MaskPhone(phone)
	return out
}

// rotatingFile is the JSON line sink behind file logging.
type rotatingFile struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	maxSize    int64
	maxAgeDays int
}

func openRotatingFile(path string, maxSize int64, maxAgeDays int) (*rotatingFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return &rotatingFile{file: file, path: path, maxSize: maxSize, maxAgeDays: maxAgeDays}, nil
}

func (r *rotatingFile) Write(line []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return 0, os.ErrClosed
	}
	if err := r.rotateIfNeeded(int64(len(line))); err != nil {
		return 0, err
	}
	return r.file.Write(line)
}

func (r *rotatingFile) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
}

func (r *rotatingFile) rotateIfNeeded(nextWrite int64) error {
	info, err := r.file.Stat()
	if err != nil {
		return err
	}
	if info.Size()+nextWrite <= r.maxSize {
		return nil
	}

	if err := r.file.Close(); err != nil {
		return err
	}
	rotated := r.path + "." + time.Now().UTC().Format(rotationStamp)
	if err := os.Rename(r.path, rotated); err != nil {
		return err
	}
	file, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	r.file = file
	return r.prune()
}

// prune removes rotated copies (teamnotify.log.20260213-120000) older than
// maxAgeDays.
func (r *rotatingFile) prune() error {
	dir, base := filepath.Dir(r.path), filepath.Base(r.path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	cutoff := time.Now().AddDate(0, 0, -r.maxAgeDays)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), base+".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
	return nil
}

func formatComponent(component string) string {
	if component == "" {
		return ""
	}
	return fmt.Sprintf(" %s:", component)
}

// formatFields renders fields sorted by key so console lines are stable.
func formatFields(fields map[string]interface{}) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return fmt.Sprintf("{%s}", strings.Join(parts, ", "))
}

func DebugC(component string, message string) {
	logMessage(DEBUG, component, message, nil)
}

func DebugCF(component string, message string, fields map[string]interface{}) {
	logMessage(DEBUG, component, message, fields)
}

func InfoC(component string, message string) {
	logMessage(INFO, component, message, nil)
}

func InfoCF(component string, message string, fields map[string]interface{}) {
	logMessage(INFO, component, message, fields)
}

func WarnCF(component string, message string, fields map[string]interface{}) {
	logMessage(WARN, component, message, fields)
}

func ErrorCF(component string, message string, fields map[string]interface{}) {
	logMessage(ERROR, component, message, fields)
}

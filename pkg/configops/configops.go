// Package configops edits the config file in place and tells a running
// `teamnotify serve` to reload it.
package configops

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"teamnotify/pkg/config"
)

// PIDFileName is written next to the config file while serve runs.
const PIDFileName = "serve.pid"

var ErrNotRunning = errors.New("teamnotify serve is not running")

// LoadMap reads the config file as a generic tree. A missing file yields the
// defaults.
func LoadMap(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		data, err = json.Marshal(config.DefaultConfig())
		if err != nil {
			return nil, err
		}
	}

	var cfgMap map[string]interface{}
	if err := json.Unmarshal(data, &cfgMap); err != nil {
		return nil, err
	}
	return cfgMap, nil
}

var pathAliases = map[string]string{
	"enable":             "enabled",
	"communication_type": "communicationType",
	"type":               "communicationType",
}

// NormalizePath trims stray dots and rewrites common key aliases.
func NormalizePath(path string) string {
	p := strings.Trim(strings.TrimSpace(path), ".")
	parts := strings.Split(p, ".")
	for i, part := range parts {
		if alias, ok := pathAliases[part]; ok {
			parts[i] = alias
		}
	}
	return strings.Join(parts, ".")
}

// ParseValue turns a command line argument into a JSON value. Objects and
// arrays are accepted verbatim.
func ParseValue(raw string) interface{} {
	v := strings.TrimSpace(raw)
	switch strings.ToLower(v) {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil && strings.Contains(v, ".") {
		return f
	}
	if strings.HasPrefix(v, "{") || strings.HasPrefix(v, "[") {
		var out interface{}
		if err := json.Unmarshal([]byte(v), &out); err == nil {
			return out
		}
	}
	if len(v) >= 2 && ((v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'')) {
		return v[1 : len(v)-1]
	}
	return v
}

// elementIndex resolves a list segment: a numeric index or the "id" of an
// object element, so organizations.acme.endpoint works.
func elementIndex(list []interface{}, seg string) int {
	if i, err := strconv.Atoi(seg); err == nil {
		if i >= 0 && i < len(list) {
			return i
		}
		return -1
	}
	for i, item := range list {
		if obj, ok := item.(map[string]interface{}); ok {
			if id, _ := obj["id"].(string); id == seg {
				return i
			}
		}
	}
	return -1
}

func GetPath(root map[string]interface{}, path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}
	var cur interface{} = root
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]interface{}:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []interface{}:
			i := elementIndex(node, seg)
			if i < 0 {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// SetPath assigns value at path, creating intermediate objects. List
// elements must already exist.
func SetPath(root map[string]interface{}, path string, value interface{}) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	parts := strings.Split(path, ".")
	for _, seg := range parts {
		if seg == "" {
			return fmt.Errorf("invalid path: %s", path)
		}
	}

	var cur interface{} = root
	for i, seg := range parts {
		last := i == len(parts)-1
		switch node := cur.(type) {
		case map[string]interface{}:
			if last {
				node[seg] = value
				return nil
			}
			next, ok := node[seg]
			if !ok || next == nil {
				child := map[string]interface{}{}
				node[seg] = child
				next = child
			}
			cur = next
		case []interface{}:
			idx := elementIndex(node, seg)
			if idx < 0 {
				return fmt.Errorf("no element %q in %s", seg, strings.Join(parts[:i], "."))
			}
			if last {
				node[idx] = value
				return nil
			}
			cur = node[idx]
		default:
			return fmt.Errorf("path segment is not an object or list: %s", strings.Join(parts[:i], "."))
		}
	}
	return nil
}

// Check decodes the tree the way LoadConfig would and runs validation.
func Check(cfgMap map[string]interface{}) (*config.Config, error) {
	data, err := json.Marshal(cfgMap)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Parse(data)
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// WriteAtomic replaces the config file and keeps the previous content in
// <path>.bak. The file holds credentials, so it is written 0600.
func WriteAtomic(configPath string, data []byte) (string, error) {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return "", err
	}

	backupPath := configPath + ".bak"
	if oldData, err := os.ReadFile(configPath); err == nil {
		if err := os.WriteFile(backupPath, oldData, 0600); err != nil {
			return "", fmt.Errorf("write backup failed: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read existing config failed: %w", err)
	}

	if err := replaceFile(configPath, configPath+".tmp", data); err != nil {
		return "", err
	}
	return backupPath, nil
}

func Rollback(configPath, backupPath string) error {
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return fmt.Errorf("read backup failed: %w", err)
	}
	return replaceFile(configPath, configPath+".rollback.tmp", data)
}

func replaceFile(path, tmpPath string, data []byte) error {
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write temp config failed: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace config failed: %w", err)
	}
	return nil
}

func pidPath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), PIDFileName)
}

// WritePID records the current process next to the config file. The
// returned func removes it.
func WritePID(configPath string) (func(), error) {
	p := pidPath(configPath)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(p, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return nil, err
	}
	return func() { _ = os.Remove(p) }, nil
}

// SignalReload sends SIGHUP to the serve process. running reports whether a
// pid file was found, so callers can tell "not running" from "reload failed".
func SignalReload(configPath string) (running bool, err error) {
	p := pidPath(configPath)
	data, err := os.ReadFile(p)
	if err != nil {
		return false, fmt.Errorf("%w (pid file not found: %s)", ErrNotRunning, p)
	}

	pidStr := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return true, fmt.Errorf("invalid serve pid: %q", pidStr)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return true, fmt.Errorf("find process failed: %w", err)
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return true, fmt.Errorf("send SIGHUP failed: %w", err)
	}
	return true, nil
}

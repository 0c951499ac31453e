// Package logging writes the backend log to stdout and a file, and
// serves the tail back through the logs endpoints. Every subsystem
// prefixes its lines ([supervisor], [registry], [reconcile], ...), so
// the tail can be filtered per subsystem.
package logging

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/localrunapp/localrun/internal/config"
)

// maxLogSize caps the log file; on startup an oversized file is
// rotated to <path>.old so the tail endpoint stays fast.
var maxLogSize int64 = 10 << 20

var (
	logFile *os.File
	mu      sync.Mutex
)

func logPath() string {
	if config.Cfg.LogPath != "" {
		return config.Cfg.LogPath
	}
	return "/app/data/localrun.log"
}

// Init sets up dual logging to stdout and the log file, rotating an
// oversized file first. Must be called after config.Load().
func Init() {
	path := logPath()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.Printf("WARNING: cannot create log directory: %v", err)
		return
	}

	if info, err := os.Stat(path); err == nil && info.Size() > maxLogSize {
		if err := os.Rename(path, path+".old"); err != nil {
			log.Printf("WARNING: cannot rotate log file: %v", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Printf("WARNING: cannot open log file %s: %v", path, err)
		return
	}

	logFile = f
	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.Printf("Logging to file: %s", path)
}

// ReadTail returns the last n log lines. A non-empty subsystem keeps
// only lines tagged with that subsystem's prefix, e.g. "supervisor"
// keeps the "[supervisor]" lines.
func ReadTail(n int, subsystem string) (string, error) {
	mu.Lock()
	defer mu.Unlock()

	f, err := os.Open(logPath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	tag := ""
	if subsystem != "" {
		tag = "[" + strings.ToLower(subsystem) + "]"
	}

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if tag != "" && !strings.Contains(line, tag) {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan log file: %w", err)
	}

	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n"), nil
}

// Clear truncates the log file.
func Clear() error {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		if err := logFile.Truncate(0); err != nil {
			return fmt.Errorf("truncate log file: %w", err)
		}
		if _, err := logFile.Seek(0, 0); err != nil {
			return fmt.Errorf("seek log file: %w", err)
		}
		return nil
	}
	return os.Truncate(logPath(), 0)
}

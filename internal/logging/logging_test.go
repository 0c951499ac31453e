package logging

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/localrunapp/localrun/internal/config"
)

func setupLog(t *testing.T) string {
	t.Helper()
	oldCfg := config.Cfg
	path := filepath.Join(t.TempDir(), "test.log")
	config.Cfg.LogPath = path

	Init()
	t.Cleanup(func() {
		log.SetOutput(os.Stderr)
		if logFile != nil {
			logFile.Close()
			logFile = nil
		}
		config.Cfg = oldCfg
	})
	return path
}

func TestReadTailFiltersBySubsystem(t *testing.T) {
	setupLog(t)

	log.Printf("[supervisor] service 1: tunnel up")
	log.Printf("[registry] server abc: agent connected")
	log.Printf("[supervisor] service 2: process exited")

	all, err := ReadTail(100, "")
	if err != nil {
		t.Fatal(err)
	}
	if got := len(strings.Split(all, "\n")); got < 3 {
		t.Fatalf("unfiltered tail has %d lines: %q", got, all)
	}

	sup, err := ReadTail(100, "supervisor")
	if err != nil {
		t.Fatal(err)
	}
	for _, line := range strings.Split(sup, "\n") {
		if !strings.Contains(line, "[supervisor]") {
			t.Errorf("filtered tail leaked line %q", line)
		}
	}
	if !strings.Contains(sup, "service 1") || !strings.Contains(sup, "service 2") {
		t.Errorf("filtered tail missing supervisor lines: %q", sup)
	}
}

func TestReadTailReturnsLastN(t *testing.T) {
	setupLog(t)

	for i := 0; i < 10; i++ {
		log.Printf("[registry] line %d", i)
	}

	tail, err := ReadTail(2, "")
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(tail, "\n")
	if len(lines) != 2 || !strings.Contains(lines[1], "line 9") {
		t.Errorf("tail = %q", tail)
	}
}

func TestClearTruncates(t *testing.T) {
	setupLog(t)

	log.Printf("[supervisor] something happened")
	if err := Clear(); err != nil {
		t.Fatal(err)
	}
	tail, err := ReadTail(100, "")
	if err != nil {
		t.Fatal(err)
	}
	if tail != "" {
		t.Errorf("tail after clear = %q", tail)
	}
}

func TestInitRotatesOversizedFile(t *testing.T) {
	oldMax := maxLogSize
	maxLogSize = 64
	t.Cleanup(func() { maxLogSize = oldMax })

	oldCfg := config.Cfg
	path := filepath.Join(t.TempDir(), "test.log")
	config.Cfg.LogPath = path
	t.Cleanup(func() {
		log.SetOutput(os.Stderr)
		if logFile != nil {
			logFile.Close()
			logFile = nil
		}
		config.Cfg = oldCfg
	})

	if err := os.WriteFile(path, []byte(strings.Repeat("x", 200)), 0644); err != nil {
		t.Fatal(err)
	}
	Init()

	if _, err := os.Stat(path + ".old"); err != nil {
		t.Fatalf("rotated file missing: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() >= 200 {
		t.Errorf("log file not reset after rotation, size %d", info.Size())
	}
}

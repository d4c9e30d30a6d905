package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mezgeb/mezgeb/internal/config"
)

func TestLoggerPrefix(t *testing.T) {
	var console bytes.Buffer
	logs := New(config.LogConfig{}, &console)

	logs.Logger("reconcile").Printf("Synced %d records", 3)

	line := console.String()
	if !strings.HasPrefix(line, "[reconcile] ") {
		t.Errorf("line %q lacks prefix", line)
	}
	if !strings.Contains(line, "Synced 3 records") {
		t.Errorf("line %q lacks message", line)
	}
	if err := logs.Close(); err != nil {
		t.Errorf("Close without file: %v", err)
	}
}

func TestLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "mezgeb.log")
	var console bytes.Buffer
	logs := New(config.LogConfig{File: path, MaxSizeMB: 1, MaxBackups: 1}, &console)

	logs.Logger("daemon").Println("started")
	logs.Logger("router").Println("offline")
	if err := logs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	for _, want := range []string{"[daemon] ", "started", "[router] ", "offline"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("log file missing %q:\n%s", want, data)
		}
	}
	if console.String() == "" {
		t.Error("console should still receive output")
	}
}

func TestNilConsoleDiscards(t *testing.T) {
	logs := New(config.LogConfig{}, nil)
	logs.Logger("x").Println("dropped")
	if err := logs.Rotate(); err != nil {
		t.Errorf("Rotate without file: %v", err)
	}
}

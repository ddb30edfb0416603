package monitoring

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetLogger(t *testing.T) {
	// Save original logger
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) {
		called = true
	})
	Logf("test message")

	if !called {
		t.Error("Custom logger was not called")
	}

	// Now set to nil and verify it doesn't call our logger
	called = false
	SetLogger(nil)
	Logf("test")
	if called {
		t.Error("No-op logger should not have triggered callback")
	}
}

func TestLogf_Default(t *testing.T) {
	if Logf == nil {
		t.Error("Logf should not be nil by default")
	}

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("Logf panicked: %v", r)
		}
	}()

	Logf("test message: %s", "value")
}

func TestPrefixed(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})

	logf := Prefixed("firmware")
	logf("ack timeout for id=%d", 7)

	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	if lines[0] != "[firmware] ack timeout for id=7" {
		t.Errorf("got %q", lines[0])
	}
}

func TestPrefixed_FollowsSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	logf := Prefixed("solver")

	called := false
	SetLogger(func(format string, v ...interface{}) { called = true })
	logf("hello")

	if !called {
		t.Error("prefixed logger should use the logger installed after it was created")
	}
}

func TestLogToFile(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()
	Logf = log.Printf

	path := filepath.Join(t.TempDir(), "bridge.log")
	closer := LogToFile(path)
	Prefixed("firmware")("link up on %s", "/dev/ttyACM0")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "[firmware] link up on /dev/ttyACM0") {
		t.Errorf("log file = %q", data)
	}

	// after Close the file no longer receives lines
	log.Printf("after close")
	data, _ = os.ReadFile(path)
	if strings.Contains(string(data), "after close") {
		t.Error("closed log file still written")
	}
}

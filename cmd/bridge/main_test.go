package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sixar-robotics/armbridge/internal/config"
	"github.com/sixar-robotics/armbridge/internal/serialmux"
)

// setFlag sets a command-line flag for the duration of the test.
func setFlag(t *testing.T, name, value string) {
	t.Helper()
	f := flag.Lookup(name)
	if f == nil {
		t.Fatalf("flag --%s not defined", name)
	}
	old := f.Value.String()
	if err := flag.Set(name, value); err != nil {
		t.Fatalf("flag.Set(%s, %q): %v", name, value, err)
	}
	t.Cleanup(func() { flag.Set(name, old) })
}

func TestFlagDefaults(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"config", ""},
		{"port", ""},
		{"listen", ""},
		{"solver", ""},
		{"journal", ""},
		{"log-file", ""},
		{"disable-firmware", "false"},
		{"simulate", "false"},
		{"version", "false"},
	}
	for _, tt := range tests {
		f := flag.Lookup(tt.name)
		if f == nil {
			t.Errorf("flag --%s not defined", tt.name)
			continue
		}
		if f.DefValue != tt.want {
			t.Errorf("--%s default = %q, want %q", tt.name, f.DefValue, tt.want)
		}
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if got := cfg.GetSerialPort(); got != config.DefaultSerialPort {
		t.Errorf("serial port = %q, want %q", got, config.DefaultSerialPort)
	}
	if got := cfg.GetListen(); got != config.DefaultListen {
		t.Errorf("listen = %q, want %q", got, config.DefaultListen)
	}
	if got := cfg.GetSolverCommand(); got != "" {
		t.Errorf("solver command = %q, want none", got)
	}
	if got := cfg.GetJournalPath(); got != "" {
		t.Errorf("journal path = %q, want none", got)
	}
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.json")
	body := `{"serial_port":"/dev/ttyUSB3","listen":":9000","solver_command":"ik.py","window_size":8}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	setFlag(t, "config", path)
	setFlag(t, "listen", "127.0.0.1:8181")
	setFlag(t, "journal", "/tmp/bridge.db")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if got := cfg.GetSerialPort(); got != "/dev/ttyUSB3" {
		t.Errorf("serial port = %q, want file value", got)
	}
	if got := cfg.GetListen(); got != "127.0.0.1:8181" {
		t.Errorf("listen = %q, want flag value", got)
	}
	if got := cfg.GetSolverCommand(); got != "ik.py" {
		t.Errorf("solver command = %q, want file value", got)
	}
	if got := cfg.GetJournalPath(); got != "/tmp/bridge.db" {
		t.Errorf("journal path = %q, want flag value", got)
	}
	if got := cfg.GetWindowSize(); got != 8 {
		t.Errorf("window size = %d, want 8", got)
	}
}

func TestLoadConfigBadFile(t *testing.T) {
	setFlag(t, "config", filepath.Join(t.TempDir(), "missing.json"))
	if _, err := loadConfig(); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestOpenSerialDisabled(t *testing.T) {
	setFlag(t, "disable-firmware", "true")
	mux, err := openSerial(config.DefaultBridgeConfig())
	if err != nil {
		t.Fatalf("openSerial: %v", err)
	}
	defer mux.Close()
	if _, ok := mux.(*serialmux.DisabledSerialMux); !ok {
		t.Fatalf("got %T, want *serialmux.DisabledSerialMux", mux)
	}
	if err := mux.SendCommand(`{"cmd":"Home"}`); err == nil {
		t.Error("expected a disabled link to refuse commands")
	}
}

func TestOpenSerialSimulated(t *testing.T) {
	setFlag(t, "simulate", "true")
	mux, err := openSerial(config.DefaultBridgeConfig())
	if err != nil {
		t.Fatalf("openSerial: %v", err)
	}
	defer mux.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mux.Monitor(ctx)

	id, lines := mux.Subscribe()
	defer mux.Unsubscribe(id)

	// the monitor may not be reading yet, so keep asking
	deadline := time.After(2 * time.Second)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case line := <-lines:
			if line == "" {
				continue
			}
			return
		case <-tick.C:
			if err := mux.SendCommand(`{"cmd":"GetSystemStatus","id":1}`); err != nil {
				t.Fatalf("SendCommand: %v", err)
			}
		case <-deadline:
			t.Fatal("simulated controller never replied")
		}
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/sixar-robotics/armbridge/internal/serialmux"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestDefaultBridgeConfig(t *testing.T) {
	cfg := DefaultBridgeConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	if cfg.WindowSize == nil || *cfg.WindowSize != 32 {
		t.Errorf("Expected WindowSize 32, got %v", cfg.WindowSize)
	}
	if cfg.BatchInterval == nil || *cfg.BatchInterval != "20ms" {
		t.Errorf("Expected BatchInterval '20ms', got %v", cfg.BatchInterval)
	}
	if cfg.GetSyncLimitScale() != 3 {
		t.Errorf("GetSyncLimitScale() = %f, want 3", cfg.GetSyncLimitScale())
	}
	want := serialmux.PortOptions{BaudRate: 921600, DataBits: 8, StopBits: 1, Parity: "N"}
	if diff := cmp.Diff(want, cfg.GetSerial()); diff != "" {
		t.Errorf("GetSerial() mismatch (-want +got):\n%s", diff)
	}
}

func TestEmptyConfigDefaults(t *testing.T) {
	cfg := EmptyBridgeConfig()

	if got := cfg.GetSerialPort(); got != DefaultSerialPort {
		t.Errorf("GetSerialPort() = %q, want %q", got, DefaultSerialPort)
	}
	if got := cfg.GetListen(); got != ":8080" {
		t.Errorf("GetListen() = %q, want :8080", got)
	}
	if got := cfg.GetWindowSize(); got != 32 {
		t.Errorf("GetWindowSize() = %d, want 32", got)
	}
	if got := cfg.GetBatchInterval(); got != 20*time.Millisecond {
		t.Errorf("GetBatchInterval() = %v, want 20ms", got)
	}
	if got := cfg.GetSolverCommand(); got != "" {
		t.Errorf("GetSolverCommand() = %q, want empty", got)
	}
	if got := cfg.GetJournalPath(); got != "" {
		t.Errorf("GetJournalPath() = %q, want empty", got)
	}
	if got := cfg.GetTimeouts(); len(got) != 0 {
		t.Errorf("GetTimeouts() = %v, want empty", got)
	}
	if got := cfg.GetSerial().BaudRate; got != serialmux.DefaultBaudRate {
		t.Errorf("GetSerial().BaudRate = %d, want %d", got, serialmux.DefaultBaudRate)
	}
}

func TestLoadBridgeConfig(t *testing.T) {
	path := writeConfig(t, "bridge.json", `{
  "serial_port": "/dev/ttyUSB1",
  "serial": {"baud_rate": 115200, "parity": "even"},
  "solver_command": "python3",
  "solver_args": ["-u", "solver.py"],
  "listen": "127.0.0.1:9000",
  "timeouts": {"Home": "90s", "Jog": "750ms"},
  "window_size": 8,
  "batch_interval": "5ms",
  "sync_limit_scale": 2,
  "journal_path": "/var/lib/armbridge/journal.db"
}`)

	cfg, err := LoadBridgeConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if got := cfg.GetSerialPort(); got != "/dev/ttyUSB1" {
		t.Errorf("GetSerialPort() = %q", got)
	}
	wantSerial := serialmux.PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "E"}
	if diff := cmp.Diff(wantSerial, cfg.GetSerial()); diff != "" {
		t.Errorf("GetSerial() mismatch (-want +got):\n%s", diff)
	}
	if got := cfg.GetSolverCommand(); got != "python3" {
		t.Errorf("GetSolverCommand() = %q", got)
	}
	if diff := cmp.Diff([]string{"-u", "solver.py"}, cfg.GetSolverArgs()); diff != "" {
		t.Errorf("GetSolverArgs() mismatch (-want +got):\n%s", diff)
	}
	if got := cfg.GetListen(); got != "127.0.0.1:9000" {
		t.Errorf("GetListen() = %q", got)
	}
	wantTimeouts := map[string]time.Duration{"Home": 90 * time.Second, "Jog": 750 * time.Millisecond}
	if diff := cmp.Diff(wantTimeouts, cfg.GetTimeouts()); diff != "" {
		t.Errorf("GetTimeouts() mismatch (-want +got):\n%s", diff)
	}
	if got := cfg.GetWindowSize(); got != 8 {
		t.Errorf("GetWindowSize() = %d", got)
	}
	if got := cfg.GetBatchInterval(); got != 5*time.Millisecond {
		t.Errorf("GetBatchInterval() = %v", got)
	}
	if got := cfg.GetSyncLimitScale(); got != 2 {
		t.Errorf("GetSyncLimitScale() = %f", got)
	}
	if got := cfg.GetJournalPath(); got != "/var/lib/armbridge/journal.db" {
		t.Errorf("GetJournalPath() = %q", got)
	}
}

func TestLoadBridgeConfigPartial(t *testing.T) {
	path := writeConfig(t, "partial.json", `{"window_size": 4}`)

	cfg, err := LoadBridgeConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.GetWindowSize() != 4 {
		t.Errorf("GetWindowSize() = %d, want 4", cfg.GetWindowSize())
	}
	if cfg.GetBatchInterval() != DefaultBatchInterval {
		t.Errorf("omitted batch_interval should default, got %v", cfg.GetBatchInterval())
	}
}

func TestLoadBridgeConfigYAML(t *testing.T) {
	body := `serial_port: /dev/ttyUSB2
serial:
  baud_rate: 460800
  parity: none
timeouts:
  Home: 90s
solver_command: python3
solver_args: ["-u", "solver.py"]
window_size: 16
sync_limit_scale: 2
log_file: /var/log/armbridge.log
`
	for _, name := range []string{"bridge.yaml", "bridge.yml"} {
		t.Run(name, func(t *testing.T) {
			cfg, err := LoadBridgeConfig(writeConfig(t, name, body))
			if err != nil {
				t.Fatalf("Failed to load config: %v", err)
			}
			if got := cfg.GetSerialPort(); got != "/dev/ttyUSB2" {
				t.Errorf("GetSerialPort() = %q", got)
			}
			if got := cfg.GetSerial().BaudRate; got != 460800 {
				t.Errorf("baud rate = %d", got)
			}
			if diff := cmp.Diff(map[string]time.Duration{"Home": 90 * time.Second}, cfg.GetTimeouts()); diff != "" {
				t.Errorf("GetTimeouts() mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff([]string{"-u", "solver.py"}, cfg.GetSolverArgs()); diff != "" {
				t.Errorf("GetSolverArgs() mismatch (-want +got):\n%s", diff)
			}
			if got := cfg.GetWindowSize(); got != 16 {
				t.Errorf("GetWindowSize() = %d", got)
			}
			if got := cfg.GetSyncLimitScale(); got != 2 {
				t.Errorf("GetSyncLimitScale() = %f", got)
			}
			if got := cfg.GetLogFile(); got != "/var/log/armbridge.log" {
				t.Errorf("GetLogFile() = %q", got)
			}
			if got := cfg.GetListen(); got != DefaultListen {
				t.Errorf("omitted listen should default, got %q", got)
			}
		})
	}
}

func TestLoadBridgeConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		body    string
		wantMsg string
	}{
		{"wrong extension", "bridge.toml", `{}`, ".json, .yaml or .yml"},
		{"invalid YAML", "bad.yaml", "window_size: [1, 2", "parse"},
		{"invalid JSON", "bad.json", `{"window_size": "lots"`, "parse"},
		{"fails validation", "neg.json", `{"window_size": 0}`, "window_size"},
		{"too large", "big.json", `{"solver_args": ["` + strings.Repeat("x", maxFileSize) + `"]}`, "too large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.file, tt.body)
			_, err := LoadBridgeConfig(path)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err, tt.wantMsg)
			}
		})
	}

	if _, err := LoadBridgeConfig("/nonexistent/path/to/bridge.json"); err == nil {
		t.Error("Expected error when loading missing file, got nil")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *BridgeConfig
		wantErr bool
	}{
		{name: "empty config is valid", cfg: &BridgeConfig{}},
		{name: "defaults are valid", cfg: DefaultBridgeConfig()},
		{
			name:    "bad parity",
			cfg:     &BridgeConfig{Serial: &serialmux.PortOptions{Parity: "mark"}},
			wantErr: true,
		},
		{
			name:    "bad stop bits",
			cfg:     &BridgeConfig{Serial: &serialmux.PortOptions{StopBits: 3}},
			wantErr: true,
		},
		{
			name:    "unparseable timeout",
			cfg:     &BridgeConfig{Timeouts: map[string]string{"Home": "soon"}},
			wantErr: true,
		},
		{
			name:    "zero timeout",
			cfg:     &BridgeConfig{Timeouts: map[string]string{"Home": "0s"}},
			wantErr: true,
		},
		{
			name:    "negative window",
			cfg:     &BridgeConfig{WindowSize: ptrInt(-1)},
			wantErr: true,
		},
		{
			name:    "invalid batch interval",
			cfg:     &BridgeConfig{BatchInterval: ptrString("fast")},
			wantErr: true,
		},
		{
			name:    "negative batch interval",
			cfg:     &BridgeConfig{BatchInterval: ptrString("-5ms")},
			wantErr: true,
		},
		{
			name:    "zero limit scale",
			cfg:     &BridgeConfig{SyncLimitScale: ptrFloat64(0)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetBatchInterval(t *testing.T) {
	tests := []struct {
		name string
		cfg  *BridgeConfig
		want time.Duration
	}{
		{"explicit", &BridgeConfig{BatchInterval: ptrString("50ms")}, 50 * time.Millisecond},
		{"nil pointer returns default", &BridgeConfig{}, 20 * time.Millisecond},
		{"empty string returns default", &BridgeConfig{BatchInterval: ptrString("")}, 20 * time.Millisecond},
		{"invalid duration returns default", &BridgeConfig{BatchInterval: ptrString("invalid")}, 20 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.GetBatchInterval(); got != tt.want {
				t.Errorf("GetBatchInterval() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetTimeoutsSkipsBadEntries(t *testing.T) {
	cfg := &BridgeConfig{Timeouts: map[string]string{"Home": "1m", "Jog": "nope", "Restart": "-1s"}}
	want := map[string]time.Duration{"Home": time.Minute}
	if diff := cmp.Diff(want, cfg.GetTimeouts()); diff != "" {
		t.Errorf("GetTimeouts() mismatch (-want +got):\n%s", diff)
	}
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sixar-robotics/armbridge/internal/serialmux"
)

// Defaults applied by the Get* accessors when a field is omitted.
const (
	DefaultSerialPort     = "/dev/ttyACM0"
	DefaultListen         = ":8080"
	DefaultWindowSize     = 32
	DefaultBatchInterval  = 20 * time.Millisecond
	DefaultSyncLimitScale = 3.0
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// BridgeConfig is the bridge's startup configuration. Every field is
// optional; omitted fields fall back to the defaults returned by the Get*
// methods, so partial files are safe.
type BridgeConfig struct {
	// Firmware connection
	SerialPort *string                `json:"serial_port,omitempty" yaml:"serial_port,omitempty"`
	Serial     *serialmux.PortOptions `json:"serial,omitempty" yaml:"serial,omitempty"`
	Timeouts   map[string]string      `json:"timeouts,omitempty" yaml:"timeouts,omitempty"` // verb -> duration string like "2s"

	// Solver subprocess; an empty command runs without a solver
	SolverCommand *string  `json:"solver_command,omitempty" yaml:"solver_command,omitempty"`
	SolverArgs    []string `json:"solver_args,omitempty" yaml:"solver_args,omitempty"`

	// HTTP
	Listen *string `json:"listen,omitempty" yaml:"listen,omitempty"`

	// Trajectory streaming
	WindowSize     *int     `json:"window_size,omitempty" yaml:"window_size,omitempty"`
	BatchInterval  *string  `json:"batch_interval,omitempty" yaml:"batch_interval,omitempty"` // duration string like "20ms"
	SyncLimitScale *float64 `json:"sync_limit_scale,omitempty" yaml:"sync_limit_scale,omitempty"`

	// Frame journal; empty disables it
	JournalPath *string `json:"journal_path,omitempty" yaml:"journal_path,omitempty"`

	// Rotated log file written alongside stderr; empty logs to stderr only
	LogFile *string `json:"log_file,omitempty" yaml:"log_file,omitempty"`
}

func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrFloat64(v float64) *float64 { return &v }

// EmptyBridgeConfig returns a BridgeConfig with all fields unset.
func EmptyBridgeConfig() *BridgeConfig {
	return &BridgeConfig{}
}

// DefaultBridgeConfig returns a BridgeConfig with every field set to its
// default value.
func DefaultBridgeConfig() *BridgeConfig {
	serial, _ := serialmux.PortOptions{}.Normalise()
	return &BridgeConfig{
		SerialPort:     ptrString(DefaultSerialPort),
		Serial:         &serial,
		SolverCommand:  ptrString(""),
		Listen:         ptrString(DefaultListen),
		WindowSize:     ptrInt(DefaultWindowSize),
		BatchInterval:  ptrString(DefaultBatchInterval.String()),
		SyncLimitScale: ptrFloat64(DefaultSyncLimitScale),
		JournalPath:    ptrString(""),
		LogFile:        ptrString(""),
	}
}

// LoadBridgeConfig loads a BridgeConfig from a JSON or YAML file, chosen by
// extension (.json, .yaml or .yml). The file must be under 1MB.
func LoadBridgeConfig(path string) (*BridgeConfig, error) {
	cleanPath := filepath.Clean(path)
	var unmarshal func([]byte, any) error
	switch ext := filepath.Ext(cleanPath); ext {
	case ".json":
		unmarshal = json.Unmarshal
	case ".yaml", ".yml":
		unmarshal = yaml.Unmarshal
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyBridgeConfig()
	if err := unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", cleanPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *BridgeConfig) Validate() error {
	if c.Serial != nil {
		if _, err := c.Serial.Normalise(); err != nil {
			return fmt.Errorf("serial: %w", err)
		}
	}

	// sorted so the reported verb is stable
	verbs := make([]string, 0, len(c.Timeouts))
	for verb := range c.Timeouts {
		verbs = append(verbs, verb)
	}
	sort.Strings(verbs)
	for _, verb := range verbs {
		d, err := time.ParseDuration(c.Timeouts[verb])
		if err != nil {
			return fmt.Errorf("invalid timeout for %s '%s': %w", verb, c.Timeouts[verb], err)
		}
		if d <= 0 {
			return fmt.Errorf("timeout for %s must be positive, got %s", verb, d)
		}
	}

	if c.WindowSize != nil && *c.WindowSize < 1 {
		return fmt.Errorf("window_size must be at least 1, got %d", *c.WindowSize)
	}

	if c.BatchInterval != nil && *c.BatchInterval != "" {
		d, err := time.ParseDuration(*c.BatchInterval)
		if err != nil {
			return fmt.Errorf("invalid batch_interval '%s': %w", *c.BatchInterval, err)
		}
		if d <= 0 {
			return fmt.Errorf("batch_interval must be positive, got %s", d)
		}
	}

	if c.SyncLimitScale != nil && *c.SyncLimitScale <= 0 {
		return fmt.Errorf("sync_limit_scale must be positive, got %f", *c.SyncLimitScale)
	}

	return nil
}

// GetSerialPort returns the serial device path or the default.
func (c *BridgeConfig) GetSerialPort() string {
	if c.SerialPort == nil || *c.SerialPort == "" {
		return DefaultSerialPort
	}
	return *c.SerialPort
}

// GetSerial returns the serial line options with defaults applied.
func (c *BridgeConfig) GetSerial() serialmux.PortOptions {
	var opts serialmux.PortOptions
	if c.Serial != nil {
		opts = *c.Serial
	}
	normalised, err := opts.Normalise()
	if err != nil {
		normalised, _ = serialmux.PortOptions{}.Normalise()
	}
	return normalised
}

// GetTimeouts returns the per-verb acknowledgement overrides. Entries that
// do not parse are skipped.
func (c *BridgeConfig) GetTimeouts() map[string]time.Duration {
	out := make(map[string]time.Duration, len(c.Timeouts))
	for verb, s := range c.Timeouts {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			out[verb] = d
		}
	}
	return out
}

// GetSolverCommand returns the solver executable; empty means no solver.
func (c *BridgeConfig) GetSolverCommand() string {
	if c.SolverCommand == nil {
		return ""
	}
	return *c.SolverCommand
}

// GetSolverArgs returns a copy of the solver arguments.
func (c *BridgeConfig) GetSolverArgs() []string {
	return append([]string(nil), c.SolverArgs...)
}

// GetListen returns the HTTP listen address or the default.
func (c *BridgeConfig) GetListen() string {
	if c.Listen == nil || *c.Listen == "" {
		return DefaultListen
	}
	return *c.Listen
}

// GetWindowSize returns the window_size value or the default.
func (c *BridgeConfig) GetWindowSize() int {
	if c.WindowSize == nil || *c.WindowSize < 1 {
		return DefaultWindowSize
	}
	return *c.WindowSize
}

// GetBatchInterval parses and returns the BatchInterval as a time.Duration.
func (c *BridgeConfig) GetBatchInterval() time.Duration {
	if c.BatchInterval == nil || *c.BatchInterval == "" {
		return DefaultBatchInterval
	}
	d, err := time.ParseDuration(*c.BatchInterval)
	if err != nil || d <= 0 {
		return DefaultBatchInterval // default on parse error
	}
	return d
}

// GetSyncLimitScale returns the sync_limit_scale value or the default.
func (c *BridgeConfig) GetSyncLimitScale() float64 {
	if c.SyncLimitScale == nil || *c.SyncLimitScale <= 0 {
		return DefaultSyncLimitScale
	}
	return *c.SyncLimitScale
}

// GetJournalPath returns the journal database path; empty disables the
// journal.
func (c *BridgeConfig) GetJournalPath() string {
	if c.JournalPath == nil {
		return ""
	}
	return *c.JournalPath
}

// GetLogFile returns the rotated log file path; empty means stderr only.
func (c *BridgeConfig) GetLogFile() string {
	if c.LogFile == nil {
		return ""
	}
	return *c.LogFile
}

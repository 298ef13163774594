// Package config loads the daemon's HCL configuration file the way
// consul's command/helpers package does: decode into a generic map
// with hashicorp/hcl, then mapstructure it into typed Config, collecting
// every validation problem into one multierror instead of failing on
// the first.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/hcl"
	"github.com/mitchellh/mapstructure"

	"github.com/hostlink/hostlinkd/internal/protocol"
)

// Config is the fully resolved daemon configuration.
type Config struct {
	DataDir    string `mapstructure:"data_dir"`
	DeviceID      string `mapstructure:"device_id"`
	DeviceKeyPath string `mapstructure:"device_key_path"`

	ControllerURL   string        `mapstructure:"controller_url"`
	ReconnectMinMs  int           `mapstructure:"reconnect_min_ms"`
	ReconnectMaxMs  int           `mapstructure:"reconnect_max_ms"`

	DebugIPC           bool   `mapstructure:"debug_ipc"`
	OperatorSocketPath string `mapstructure:"ipc_socket_path"`
	OperatorSocketMode int    `mapstructure:"ipc_socket_mode"`

	BrowserSidecarSocket string `mapstructure:"browser_sidecar_socket"`

	MaxConcurrentJobs   int    `mapstructure:"max_concurrent_jobs"`
	ApprovalTimeoutSecs uint64 `mapstructure:"approval_timeout_secs"`

	TrustTimeoutMins   uint64 `mapstructure:"trust_timeout_mins"`
	DefaultSessionMode string `mapstructure:"default_session_mode"`

	AllowedTools   []string `mapstructure:"allowed_tools"`
	DeniedTools    []string `mapstructure:"denied_tools"`
	DeniedPaths    []string `mapstructure:"denied_paths"`
	AllowedDomains []string `mapstructure:"allowed_domains"`

	LogLevel string `mapstructure:"log_level"`
}

// Default returns a Config with every field set to its default value.
func Default() Config {
	return Config{
		DataDir:             "/var/lib/hostlinkd",
		DeviceKeyPath:       "/var/lib/hostlinkd/device.key",
		ReconnectMinMs:      1000,
		ReconnectMaxMs:      30000,
		OperatorSocketPath:  "/var/run/hostlinkd/operator.sock",
		OperatorSocketMode:  0o660,
		MaxConcurrentJobs:   8,
		ApprovalTimeoutSecs: 120,
		TrustTimeoutMins:    60,
		DefaultSessionMode:  "inactive",
		LogLevel:            "INFO",
	}
}

// Load reads and decodes the HCL file at path on top of Default(),
// returning every validation failure found rather than stopping at the
// first.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	var raw map[string]interface{}
	if err := hcl.Decode(&raw, string(data)); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return cfg, fmt.Errorf("config: build decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return cfg, fmt.Errorf("config: decode %s: %w", path, err)
	}

	if errs := cfg.Validate(); errs != nil {
		return cfg, errs
	}
	return cfg, nil
}

// Validate collects every configuration problem into a single
// multierror instead of reporting only the first one found.
func (c Config) Validate() error {
	var result *multierror.Error

	if c.DataDir == "" {
		result = multierror.Append(result, fmt.Errorf("data_dir must not be empty"))
	}
	if c.ControllerURL == "" {
		result = multierror.Append(result, fmt.Errorf("controller_url must not be empty"))
	}
	if c.MaxConcurrentJobs <= 0 {
		result = multierror.Append(result, fmt.Errorf("max_concurrent_jobs must be positive, got %d", c.MaxConcurrentJobs))
	}
	if c.ReconnectMinMs <= 0 || c.ReconnectMaxMs < c.ReconnectMinMs {
		result = multierror.Append(result, fmt.Errorf("reconnect_min_ms/reconnect_max_ms must form a positive, increasing window"))
	}
	if c.ApprovalTimeoutSecs == 0 {
		result = multierror.Append(result, fmt.Errorf("approval_timeout_secs must be positive"))
	}

	return result.ErrorOrNil()
}

// ApprovalTimeout is ApprovalTimeoutSecs as a time.Duration.
func (c Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.ApprovalTimeoutSecs) * time.Second
}

// SessionMode parses DefaultSessionMode into the protocol enum the
// session manager understands, defaulting to Inactive for an empty or
// unrecognized value.
func (c Config) SessionMode() protocol.SessionMode {
	switch strings.ToLower(c.DefaultSessionMode) {
	case "strict":
		return protocol.SessionStrict
	case "trust":
		return protocol.SessionTrust
	case "auto_accept", "autoaccept":
		return protocol.SessionAutoAccept
	default:
		return protocol.SessionInactive
	}
}

// Save re-serializes c back to path as flat HCL-compatible key=value
// and list assignments. hcl's own encoder is read-oriented, so C9 uses
// this hand-written writer whenever an accepted PolicyUpdate needs to
// be persisted back to the config file on disk.
func (c Config) Save(path string) error {
	var b strings.Builder
	writeString(&b, "data_dir", c.DataDir)
	writeString(&b, "device_id", c.DeviceID)
	writeString(&b, "device_key_path", c.DeviceKeyPath)
	writeString(&b, "controller_url", c.ControllerURL)
	writeInt(&b, "reconnect_min_ms", c.ReconnectMinMs)
	writeInt(&b, "reconnect_max_ms", c.ReconnectMaxMs)
	writeBool(&b, "debug_ipc", c.DebugIPC)
	writeString(&b, "ipc_socket_path", c.OperatorSocketPath)
	writeInt(&b, "ipc_socket_mode", c.OperatorSocketMode)
	writeString(&b, "browser_sidecar_socket", c.BrowserSidecarSocket)
	writeInt(&b, "max_concurrent_jobs", c.MaxConcurrentJobs)
	writeUint(&b, "approval_timeout_secs", c.ApprovalTimeoutSecs)
	writeUint(&b, "trust_timeout_mins", c.TrustTimeoutMins)
	writeString(&b, "default_session_mode", c.DefaultSessionMode)
	writeList(&b, "allowed_tools", c.AllowedTools)
	writeList(&b, "denied_tools", c.DeniedTools)
	writeList(&b, "denied_paths", c.DeniedPaths)
	writeList(&b, "allowed_domains", c.AllowedDomains)
	writeString(&b, "log_level", c.LogLevel)

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

func writeString(b *strings.Builder, key, val string) {
	if val == "" {
		return
	}
	fmt.Fprintf(b, "%s = %q\n", key, val)
}

func writeInt(b *strings.Builder, key string, val int) {
	if val == 0 {
		return
	}
	fmt.Fprintf(b, "%s = %d\n", key, val)
}

func writeUint(b *strings.Builder, key string, val uint64) {
	if val == 0 {
		return
	}
	fmt.Fprintf(b, "%s = %d\n", key, val)
}

func writeBool(b *strings.Builder, key string, val bool) {
	fmt.Fprintf(b, "%s = %t\n", key, val)
}

func writeList(b *strings.Builder, key string, vals []string) {
	if len(vals) == 0 {
		return
	}
	quoted := make([]string, len(vals))
	for i, v := range vals {
		quoted[i] = fmt.Sprintf("%q", v)
	}
	fmt.Fprintf(b, "%s = [%s]\n", key, strings.Join(quoted, ", "))
}

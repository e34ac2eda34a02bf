// Package config handles global configuration loading using viper,
// following the teacher's capture-agent config loader: a single YAML root
// key, typed mapstructure sections, SIPWATCH_-prefixed env overrides, and
// a ValidateAndApplyDefaults pass run once at startup.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// GlobalConfig is the top-level static configuration, matching the
// `sipwatch:` root key in YAML (spec.md §6's settings surface, expanded
// into a typed struct per SPEC_FULL.md §6).
type GlobalConfig struct {
	Node     NodeConfig     `mapstructure:"node"`
	Control  ControlConfig  `mapstructure:"control"`
	Capture  CaptureConfig  `mapstructure:"capture"`
	SIP      SIPConfig      `mapstructure:"sip"`
	Filter   FilterConfig   `mapstructure:"filter"`
	EEP      EEPConfig      `mapstructure:"eep"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Log      LogConfig      `mapstructure:"log"`
}

// ─── Node Identity ───

// NodeConfig contains node identification settings.
type NodeConfig struct {
	IP       string            `mapstructure:"ip"`       // Empty = auto-detect
	Hostname string            `mapstructure:"hostname"` // Empty = os.Hostname()
	Tags     map[string]string `mapstructure:"tags"`
}

// ─── Control Plane ───

// ControlConfig contains local control plane settings.
type ControlConfig struct {
	Socket  string `mapstructure:"socket"`
	PIDFile string `mapstructure:"pid_file"`
}

// ─── Capture ───

// CaptureConfig configures packet sources and per-protocol dissector
// enable flags — spec.md §4.1's "disabled protocols absent from the tree".
type CaptureConfig struct {
	Interface string              `mapstructure:"interface"` // empty = replay-only
	File      string              `mapstructure:"file"`      // pcap to replay; empty = live capture
	BPF       string              `mapstructure:"bpf"`
	Packet    PacketEnableConfig  `mapstructure:"packet"`
}

// PacketEnableConfig toggles individual dissectors — spec.md §6's
// `capture.packet.{ip,udp,tcp,tls,hep,ws,sip,sdp,rtp,rtcp}` keys.
type PacketEnableConfig struct {
	IP   bool `mapstructure:"ip"`
	UDP  bool `mapstructure:"udp"`
	TCP  bool `mapstructure:"tcp"`
	TLS  bool `mapstructure:"tls"`
	HEP  bool `mapstructure:"hep"`
	WS   bool `mapstructure:"ws"`
	SIP  bool `mapstructure:"sip"`
	SDP  bool `mapstructure:"sdp"`
	RTP  bool `mapstructure:"rtp"`
	RTCP bool `mapstructure:"rtcp"`
}

// ─── SIP ───

// SIPConfig configures dialog ingestion policy — spec.md §6's
// `sip.noincomplete`, `sip.xcid`, `sip.calls` keys.
type SIPConfig struct {
	NoIncomplete bool `mapstructure:"noincomplete"`
	XCID         bool `mapstructure:"xcid"`
	Calls        int  `mapstructure:"calls"` // capacity limit, spec.md §4.8
}

// ─── Filter ───

// FilterConfig configures the default display-time filter — spec.md §6's
// `filter.methods`, `filter.payload` keys.
type FilterConfig struct {
	Methods []string `mapstructure:"methods"`
	Payload string   `mapstructure:"payload"`
}

// ─── HEP/EEP transport ───

// EEPConfig configures the HEP encapsulation transport — spec.md §6's
// `eep.{send,listen}.{address,port,version,pass,id}` keys.
type EEPConfig struct {
	Send   EEPEndpointConfig `mapstructure:"send"`
	Listen EEPEndpointConfig `mapstructure:"listen"`
}

// EEPEndpointConfig is one HEP send or listen endpoint.
type EEPEndpointConfig struct {
	Address string `mapstructure:"address"`
	Port    int    `mapstructure:"port"`
	Version int    `mapstructure:"version"` // 2 or 3
	Pass    string `mapstructure:"pass"`    // auth key / capture password
	ID      int    `mapstructure:"id"`      // capture id
}

// ─── Storage ───

// StorageConfig is the YAML-facing counterpart of internal/store's
// StorageConfig (the store package keeps its own struct to avoid an
// import cycle back into internal/config; cmd/serve.go's toStoreConfig
// translates between the two at startup).
type StorageConfig struct {
	Limit             int    `mapstructure:"limit"`
	Rotate            bool   `mapstructure:"rotate"`
	StreamIdleTimeout string `mapstructure:"stream_idle_timeout"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings, following the teacher's ADR-025
// shape (level/format/outputs), trimmed of the Loki/Kafka sinks the
// teacher's multi-node fleet needs and this single-process analyzer does
// not (see DESIGN.md).
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure
// `sipwatch: ...`.
type configRoot struct {
	SIPWatch GlobalConfig `mapstructure:"sipwatch"`
}

// Load loads configuration from path. The YAML file uses `sipwatch:` as
// root key; env vars use the SIPWATCH_ prefix (e.g. SIPWATCH_LOG_LEVEL),
// following the teacher's CAPTURE_AGENT_ pattern in internal/config/config.go.
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvPrefix("sipwatch")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.SIPWatch

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sipwatch.control.pid_file", "/var/run/sipwatch.pid")
	v.SetDefault("sipwatch.control.socket", "/var/run/sipwatch.sock")

	v.SetDefault("sipwatch.log.level", "info")
	v.SetDefault("sipwatch.log.format", "json")
	v.SetDefault("sipwatch.log.outputs.file.enabled", false)
	v.SetDefault("sipwatch.log.outputs.file.path", "/var/log/sipwatch/sipwatch.log")
	v.SetDefault("sipwatch.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("sipwatch.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("sipwatch.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("sipwatch.log.outputs.file.rotation.compress", true)

	v.SetDefault("sipwatch.metrics.enabled", true)
	v.SetDefault("sipwatch.metrics.listen", ":9091")
	v.SetDefault("sipwatch.metrics.path", "/metrics")

	for _, proto := range []string{"ip", "udp", "tcp", "tls", "hep", "ws", "sip", "sdp", "rtp", "rtcp"} {
		v.SetDefault("sipwatch.capture.packet."+proto, true)
	}

	v.SetDefault("sipwatch.sip.noincomplete", true)
	v.SetDefault("sipwatch.sip.xcid", true)
	v.SetDefault("sipwatch.sip.calls", 20000)

	v.SetDefault("sipwatch.eep.listen.version", 3)
	v.SetDefault("sipwatch.eep.send.version", 3)

	v.SetDefault("sipwatch.storage.limit", 20000)
	v.SetDefault("sipwatch.storage.stream_idle_timeout", "2m")
}

// ValidateAndApplyDefaults validates configuration and applies runtime
// defaults — node hostname/IP auto-detect, log level/format validation.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}

	if cfg.Node.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to get hostname: %w", err)
		}
		cfg.Node.Hostname = hostname
	}

	resolvedIP, err := resolveNodeIP(&cfg.Node)
	if err != nil {
		return err
	}
	cfg.Node.IP = resolvedIP

	if _, err := time.ParseDuration(cfg.Storage.StreamIdleTimeout); cfg.Storage.StreamIdleTimeout != "" && err != nil {
		return fmt.Errorf("invalid storage.stream_idle_timeout: %w", err)
	}

	if cfg.EEP.Send.Version != 0 && cfg.EEP.Send.Version != 2 && cfg.EEP.Send.Version != 3 {
		return fmt.Errorf("invalid eep.send.version: %d (must be 2 or 3)", cfg.EEP.Send.Version)
	}
	if cfg.EEP.Listen.Version != 0 && cfg.EEP.Listen.Version != 2 && cfg.EEP.Listen.Version != 3 {
		return fmt.Errorf("invalid eep.listen.version: %d (must be 2 or 3)", cfg.EEP.Listen.Version)
	}

	return nil
}

// resolveNodeIP resolves the node IP address: explicit config/env value,
// else first non-loopback, non-link-local IPv4 interface address.
func resolveNodeIP(node *NodeConfig) (string, error) {
	if node.IP != "" {
		return node.IP, nil
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("cannot resolve node IP: failed to list interfaces: %w", err)
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil {
				continue
			}
			if ip4[0] == 169 && ip4[1] == 254 {
				continue
			}
			return ip4.String(), nil
		}
	}

	return "", nil // node IP is informational only; absence is not fatal
}

// Get implements spec.md §6's "flat key→string map with typed accessors"
// description for the subset of settings that benefit from dynamic
// lookup — the filter engine's free-form method/payload keys and the
// capture per-protocol enable flags. Everything else is consumed through
// the typed GlobalConfig fields above.
func (cfg *GlobalConfig) Get(key string) (string, bool) {
	switch key {
	case "sip.noincomplete":
		return strconv.FormatBool(cfg.SIP.NoIncomplete), true
	case "sip.xcid":
		return strconv.FormatBool(cfg.SIP.XCID), true
	case "sip.calls":
		return strconv.Itoa(cfg.SIP.Calls), true
	case "capture.limit":
		return strconv.Itoa(cfg.Storage.Limit), true
	case "capture.rotate":
		return strconv.FormatBool(cfg.Storage.Rotate), true
	case "filter.payload":
		return cfg.Filter.Payload, true
	case "filter.methods":
		return strings.Join(cfg.Filter.Methods, ","), true
	}
	if strings.HasPrefix(key, "capture.packet.") {
		proto := strings.TrimPrefix(key, "capture.packet.")
		if v, ok := packetEnableField(cfg.Capture.Packet, proto); ok {
			return strconv.FormatBool(v), true
		}
	}
	return "", false
}

func packetEnableField(p PacketEnableConfig, proto string) (bool, bool) {
	switch proto {
	case "ip":
		return p.IP, true
	case "udp":
		return p.UDP, true
	case "tcp":
		return p.TCP, true
	case "tls":
		return p.TLS, true
	case "hep":
		return p.HEP, true
	case "ws":
		return p.WS, true
	case "sip":
		return p.SIP, true
	case "sdp":
		return p.SDP, true
	case "rtp":
		return p.RTP, true
	case "rtcp":
		return p.RTCP, true
	}
	return false, false
}
